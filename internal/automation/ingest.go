package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SessionPipe/internal/jobs"
	"github.com/BTreeMap/SessionPipe/internal/models"
	"github.com/BTreeMap/SessionPipe/internal/store"
	"github.com/tidwall/gjson"
)

var (
	// ErrMissingEventID is returned when neither the caller nor the body supplies an id.
	ErrMissingEventID = errors.New("webhook event id is required")
	// ErrInvalidPayload is returned for bodies that are not JSON.
	ErrInvalidPayload = errors.New("webhook body is not valid JSON")
)

// IngestResult describes an accepted webhook delivery.
type IngestResult struct {
	EventID   string     `json:"event_id"`
	EventType string     `json:"event_type"`
	Duplicate bool       `json:"duplicate"`
	Job       models.Job `json:"job"`
}

// Ingestor records inbound webhooks and schedules their processing. The processWebhook
// job shares the event id, so a redelivery replaces a still-pending job and leaves a
// finished one alone.
type Ingestor struct {
	webhooks store.WebhookRepo
	jobs     jobs.Scheduler
	rules    EventRules
}

// NewIngestor creates an Ingestor.
func NewIngestor(webhooks store.WebhookRepo, scheduler jobs.Scheduler, rules EventRules) *Ingestor {
	return &Ingestor{webhooks: webhooks, jobs: scheduler, rules: rules}
}

// Ingest stores the event and schedules processWebhook. eventID falls back to the
// body's "id" field; the event type is read from "type".
func (i *Ingestor) Ingest(ctx context.Context, provider, eventID string, body []byte) (IngestResult, error) {
	if !gjson.ValidBytes(body) {
		return IngestResult{}, ErrInvalidPayload
	}
	if eventID == "" {
		eventID = gjson.GetBytes(body, "id").String()
	}
	if eventID == "" {
		return IngestResult{}, ErrMissingEventID
	}
	eventType := gjson.GetBytes(body, "type").String()

	created, err := i.webhooks.InsertWebhookEvent(ctx, models.WebhookEvent{
		ID:         eventID,
		Provider:   provider,
		EventType:  eventType,
		Payload:    append([]byte(nil), body...),
		ReceivedAt: i.jobs.Now(),
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("store webhook event %s: %w", eventID, err)
	}
	if !created {
		slog.Info("Ingestor.Ingest: duplicate delivery", "eventID", eventID, "provider", provider)
	}

	payload, err := models.EncodePayload(models.WebhookPayload{EventID: eventID})
	if err != nil {
		return IngestResult{}, err
	}
	priority, delay := i.rules.Priority(eventType)
	// A redelivery must not reset a run or a pending retry of the same event.
	job, err := i.jobs.Schedule(ctx, models.JobSpec{
		ID:          eventID,
		Type:        models.JobTypeProcessWebhook,
		Payload:     payload,
		DueAt:       i.jobs.Now().Add(delay),
		Priority:    priority,
		KeepStarted: true,
	})
	if err != nil {
		return IngestResult{}, err
	}
	slog.Info("Ingestor.Ingest: webhook accepted", "eventID", eventID, "provider", provider,
		"eventType", eventType, "priority", priority, "jobStatus", job.Status)
	return IngestResult{EventID: eventID, EventType: eventType, Duplicate: !created, Job: job}, nil
}
