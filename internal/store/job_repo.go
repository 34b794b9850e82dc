package store

import (
	"context"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/models"
)

// JobRepo defines the interface for durable job persistence.
type JobRepo interface {
	// UpsertJob creates a pending job or replaces the schedule of an existing one with
	// the same ID, bumping its revision and resetting attempts. An existing terminal
	// record is only replaced when spec.ReplaceTerminal is set, and a started record
	// (active, or pending with attempts) is kept when spec.KeepStarted is set. A kept
	// record is returned unchanged with scheduled=false.
	UpsertJob(ctx context.Context, spec models.JobSpec, now time.Time) (job models.Job, scheduled bool, err error)

	// GetJob retrieves a single job by ID. Returns nil, nil when absent.
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// ActivateJob moves a pending job to active and increments its attempt count.
	// Returns nil, nil when the job is absent, not pending or not yet due.
	ActivateJob(ctx context.Context, id string, now time.Time) (*models.Job, error)

	// MarkCompleted marks an active job completed if revision is still current.
	// Reports whether the record changed; terminal or re-scheduled jobs are left alone.
	MarkCompleted(ctx context.Context, id string, revision int64) (bool, error)

	// MarkFailed marks an active job permanently failed if revision is still current.
	MarkFailed(ctx context.Context, id string, revision int64, reason string) (bool, error)

	// RetryJob returns an active job to pending with a new due time if revision is still current.
	RetryJob(ctx context.Context, id string, revision int64, reason string, nextDueAt time.Time) (bool, error)

	// CancelJob marks a pending job canceled. Reports whether it was pending.
	CancelJob(ctx context.Context, id string) (bool, error)

	// FindDue returns pending jobs whose due time is at or before the given instant.
	FindDue(ctx context.Context, before time.Time) ([]models.Job, error)

	// ListPending returns every pending job regardless of due time.
	ListPending(ctx context.Context) ([]models.Job, error)

	// ListStaleActive returns active jobs locked before lockedBefore.
	ListStaleActive(ctx context.Context, lockedBefore time.Time) ([]models.Job, error)

	// RequeueStaleActive resets jobs that have been active since before staleBefore
	// back to pending (crash recovery).
	RequeueStaleActive(ctx context.Context, staleBefore time.Time) (int, error)
}

// WebhookRepo persists inbound webhook events.
type WebhookRepo interface {
	// InsertWebhookEvent stores the event unless one with the same ID exists.
	// Returns created=false for a duplicate delivery.
	InsertWebhookEvent(ctx context.Context, ev models.WebhookEvent) (created bool, err error)

	// GetWebhookEvent returns nil, nil when absent.
	GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error)
}

// ScheduleRepo persists the weekly backup schedule singleton.
type ScheduleRepo interface {
	// GetScheduleConfig returns nil, nil when no schedule was ever saved.
	GetScheduleConfig(ctx context.Context) (*models.ScheduleConfig, error)
	SaveScheduleConfig(ctx context.Context, cfg models.ScheduleConfig) error
}
