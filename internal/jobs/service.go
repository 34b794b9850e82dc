package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/models"
	"github.com/BTreeMap/SessionPipe/internal/queue"
	"github.com/BTreeMap/SessionPipe/internal/store"
	"github.com/google/uuid"
)

// Scheduler is the job creation surface handed to producers and handlers.
type Scheduler interface {
	Schedule(ctx context.Context, spec models.JobSpec) (models.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	Now() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceClock overrides the time source used for defaults and record timestamps.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithDefaultMaxAttempts sets the attempt ceiling for specs that leave it unset.
func WithDefaultMaxAttempts(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.defaultMaxAttempts = n
		}
	}
}

// WithDefaultBackoff sets the backoff for specs that leave it unset.
func WithDefaultBackoff(p models.BackoffPolicy) ServiceOption {
	return func(s *Service) {
		if p.Type != "" && p.Base > 0 {
			s.defaultBackoff = p
		}
	}
}

// Service persists jobs and feeds the delay queue.
type Service struct {
	repo               store.JobRepo
	queue              *queue.DelayQueue
	now                func() time.Time
	defaultMaxAttempts int
	defaultBackoff     models.BackoffPolicy

	// locks serialises upsert and enqueue per job ID so the queued token
	// always matches the latest record.
	locks *keyLock
}

var _ Scheduler = (*Service)(nil)

// NewService creates a Service.
func NewService(repo store.JobRepo, q *queue.DelayQueue, opts ...ServiceOption) *Service {
	s := &Service{
		repo:               repo,
		queue:              q,
		now:                time.Now,
		defaultMaxAttempts: models.DefaultMaxAttempts,
		defaultBackoff:     models.DefaultBackoff(),
		locks:              newKeyLock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.now() }

// Schedule creates or re-schedules a job. The record is written before the queue token;
// if the token cannot be inserted the pending record is picked up by the recovery sweep.
// When an existing record is kept (see models.JobSpec.KeepsExisting) it is returned
// without enqueueing. Calls for the same ID are serialised.
func (s *Service) Schedule(ctx context.Context, spec models.JobSpec) (models.Job, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = s.defaultMaxAttempts
	}
	if spec.Backoff.Type == "" {
		spec.Backoff = s.defaultBackoff
	}
	unlock := s.locks.Lock(spec.ID)
	defer unlock()

	job, scheduled, err := s.repo.UpsertJob(ctx, spec, s.now())
	if err != nil {
		return models.Job{}, fmt.Errorf("schedule %s job %s: %w", spec.Type, spec.ID, err)
	}
	if !scheduled {
		slog.Debug("Service.Schedule: existing record kept", "id", job.ID, "status", job.Status)
		return job, nil
	}
	if _, err := s.queue.Enqueue(queue.Token{ID: job.ID, DueAt: job.DueAt, Priority: job.Priority}); err != nil {
		slog.Warn("Service.Schedule: enqueue failed, leaving job for recovery sweep", "id", job.ID, "error", err)
	}
	slog.Debug("Service.Schedule", "id", job.ID, "type", job.Type, "dueAt", job.DueAt, "priority", job.Priority, "revision", job.Revision)
	return job, nil
}

// Cancel removes a pending job's token and record. Executing jobs are not interrupted.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	dequeued := s.queue.Cancel(id)
	canceled, err := s.repo.CancelJob(ctx, id)
	if err != nil {
		return dequeued, fmt.Errorf("cancel job %s: %w", id, err)
	}
	if dequeued || canceled {
		slog.Debug("Service.Cancel", "id", id, "dequeued", dequeued, "recordCanceled", canceled)
	}
	return dequeued || canceled, nil
}

// Get returns the job record, or nil when absent.
func (s *Service) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.repo.GetJob(ctx, id)
}
