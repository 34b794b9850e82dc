// Package automation holds the job handlers and the webhook ingestion path.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SessionPipe/internal/backup"
	"github.com/BTreeMap/SessionPipe/internal/jobs"
	"github.com/BTreeMap/SessionPipe/internal/models"
	"github.com/BTreeMap/SessionPipe/internal/notify"
	"github.com/BTreeMap/SessionPipe/internal/session"
	"github.com/BTreeMap/SessionPipe/internal/sms"
	"github.com/BTreeMap/SessionPipe/internal/store"
)

// Event names emitted by handlers.
const (
	EventPurchaseCompleted = "purchase:completed"
	EventUserNotification  = models.JobTypeUserNotification

	// AdminRoom receives operator-facing events.
	AdminRoom = "admin"
)

// Deps are the collaborators handlers need. Backups and SMS are optional.
type Deps struct {
	Jobs     jobs.Scheduler
	Webhooks store.WebhookRepo
	Planner  *backup.Planner
	Backups  backup.Generator
	Timers   *session.Timers
	Notifier notify.Notifier
	SMS      sms.Sender
	Rules    EventRules
}

// RegisterJobHandlers registers every job type handled by SessionPipe.
func RegisterJobHandlers(r *jobs.Registry, deps Deps) {
	if deps.Notifier == nil {
		deps.Notifier = notify.BestEffort(nil)
	}
	r.Register(models.JobTypeProcessWebhook, makeProcessWebhookHandler(deps))
	r.Register(models.JobTypeProcessPurchase, makeProcessPurchaseHandler(deps))
	r.Register(models.JobTypeGenerateBackup, makeBackupHandler(deps.Backups, deps.Planner))
	r.Register(models.JobTypeScheduleConfigChanged, makeScheduleChangedHandler(deps.Planner))
	r.Register(models.JobTypeSessionTimerTick, makeTickHandler(deps.Timers))
	r.Register(models.JobTypeProcessInactivity, makeInactivityHandler(deps.Timers))
	r.Register(models.JobTypeUserNotification, makeUserNotificationHandler(deps.Notifier, deps.SMS))
}

func makeProcessWebhookHandler(deps Deps) jobs.Handler {
	return func(ctx context.Context, job models.Job) error {
		var p models.WebhookPayload
		if err := models.DecodePayload(job, &p); err != nil {
			return err
		}
		ev, err := deps.Webhooks.GetWebhookEvent(ctx, p.EventID)
		if err != nil {
			return fmt.Errorf("load webhook event %s: %w", p.EventID, err)
		}
		if ev == nil {
			return fmt.Errorf("webhook event %s not found", p.EventID)
		}
		slog.Info("JobHandler.processWebhook: executing", "eventID", ev.ID, "provider", ev.Provider, "eventType", ev.EventType)

		if !deps.Rules.IsPurchase(ev.EventType) {
			slog.Debug("JobHandler.processWebhook: no follow-up for event type", "eventID", ev.ID, "eventType", ev.EventType)
			return nil
		}
		purchase := deps.Rules.ExtractPurchase(*ev)
		payload, err := models.EncodePayload(purchase)
		if err != nil {
			return err
		}
		follow, err := deps.Jobs.Schedule(ctx, models.JobSpec{
			ID:       ev.ID + ":purchase",
			Type:     models.JobTypeProcessPurchase,
			Payload:  payload,
			DueAt:    deps.Jobs.Now(),
			Priority: job.Priority,
		})
		if err != nil {
			return fmt.Errorf("schedule purchase follow-up for %s: %w", ev.ID, err)
		}
		slog.Info("JobHandler.processWebhook: purchase follow-up scheduled", "eventID", ev.ID, "jobID", follow.ID,
			"invoiceID", purchase.InvoiceID, "customerID", purchase.CustomerID)
		return nil
	}
}

func makeProcessPurchaseHandler(deps Deps) jobs.Handler {
	return func(ctx context.Context, job models.Job) error {
		var p models.PurchasePayload
		if err := models.DecodePayload(job, &p); err != nil {
			return err
		}
		slog.Info("JobHandler.processPurchase: executing", "eventID", p.EventID, "invoiceID", p.InvoiceID, "customerID", p.CustomerID)
		deps.Notifier.EmitToRoom(ctx, AdminRoom, EventPurchaseCompleted, p)

		if p.CustomerID == "" {
			slog.Warn("JobHandler.processPurchase: no customer id, skipping user notification", "eventID", p.EventID)
			return nil
		}
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode purchase data: %w", err)
		}
		payload, err := models.EncodePayload(models.UserNotificationPayload{
			UserID:  p.CustomerID,
			Event:   EventPurchaseCompleted,
			Message: purchaseMessage(p),
			Data:    data,
			Phone:   p.Phone,
		})
		if err != nil {
			return err
		}
		_, err = deps.Jobs.Schedule(ctx, models.JobSpec{
			ID:       p.EventID + ":notify",
			Type:     models.JobTypeUserNotification,
			Payload:  payload,
			DueAt:    deps.Jobs.Now(),
			Priority: models.PriorityNormal,
		})
		if err != nil {
			return fmt.Errorf("schedule purchase notification for %s: %w", p.EventID, err)
		}
		return nil
	}
}

func purchaseMessage(p models.PurchasePayload) string {
	if p.InvoiceID != "" {
		return fmt.Sprintf("Thank you! Your payment for invoice %s was received.", p.InvoiceID)
	}
	return "Thank you! Your payment was received."
}

// makeBackupHandler runs the generator and always re-arms the weekly backup. A generator
// error is returned for logging; the reschedule supersedes the failed run.
func makeBackupHandler(gen backup.Generator, planner *backup.Planner) jobs.Handler {
	return func(ctx context.Context, job models.Job) (err error) {
		defer func() {
			next, rerr := planner.Reschedule(ctx)
			if rerr != nil {
				slog.Error("JobHandler.generateDatabaseBackup: reschedule failed", "error", rerr)
				if err == nil {
					err = rerr
				}
				return
			}
			slog.Info("JobHandler.generateDatabaseBackup: next backup", "dueAt", next)
		}()

		if gen == nil {
			slog.Warn("JobHandler.generateDatabaseBackup: no backup generator configured")
			return nil
		}
		path, err := gen.Generate(ctx)
		if err != nil {
			return fmt.Errorf("generate backup: %w", err)
		}
		slog.Info("JobHandler.generateDatabaseBackup: backup written", "path", path)
		return nil
	}
}

func makeScheduleChangedHandler(planner *backup.Planner) jobs.Handler {
	return func(ctx context.Context, job models.Job) error {
		var p models.ScheduleChangedPayload
		if len(job.Payload) > 0 {
			if err := models.DecodePayload(job, &p); err != nil {
				return err
			}
		}
		next, err := planner.Reschedule(ctx)
		if err != nil {
			return err
		}
		slog.Info("JobHandler.scheduleConfigChanged: backup rescheduled", "reason", p.Reason, "dueAt", next)
		return nil
	}
}

func makeTickHandler(timers *session.Timers) jobs.Handler {
	return func(ctx context.Context, job models.Job) error {
		var p models.SessionTickPayload
		if err := models.DecodePayload(job, &p); err != nil {
			return err
		}
		return timers.Tick(ctx, p)
	}
}

func makeInactivityHandler(timers *session.Timers) jobs.Handler {
	return func(ctx context.Context, job models.Job) error {
		var p models.InactivityPayload
		if err := models.DecodePayload(job, &p); err != nil {
			return err
		}
		return timers.CheckInactivity(ctx, p)
	}
}

// makeUserNotificationHandler pushes to the user's connections and, when a phone
// number is present, sends an SMS. Only the SMS can fail the job.
func makeUserNotificationHandler(notifier notify.Notifier, sender sms.Sender) jobs.Handler {
	return func(ctx context.Context, job models.Job) error {
		var p models.UserNotificationPayload
		if err := models.DecodePayload(job, &p); err != nil {
			return err
		}
		event := p.Event
		if event == "" {
			event = EventUserNotification
		}
		notifier.Emit(ctx, event, p.UserID, map[string]interface{}{
			"message": p.Message,
			"data":    p.Data,
		})

		if p.Phone == "" || p.Message == "" {
			return nil
		}
		if sender == nil {
			slog.Debug("JobHandler.notification:user: SMS not configured, skipping", "userID", p.UserID)
			return nil
		}
		if err := sender.SendSMS(ctx, p.Phone, p.Message); err != nil {
			return fmt.Errorf("send SMS to user %s: %w", p.UserID, err)
		}
		slog.Info("JobHandler.notification:user: SMS sent", "userID", p.UserID, "jobID", job.ID)
		return nil
	}
}
