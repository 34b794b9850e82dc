// Package models defines the core data structures for SessionPipe.
//
// It includes durable jobs, inbound webhook events, the weekly backup schedule and
// ephemeral session timer state, which are shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	// JobStatusCanceled records a pending job removed by an external cancel.
	JobStatusCanceled JobStatus = "canceled"
)

// IsTerminal reports whether no further execution is expected for the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Job type tags. Each selects a handler and a payload schema.
const (
	JobTypeProcessWebhook        = "processWebhook"
	JobTypeProcessPurchase       = "processPurchase"
	JobTypeGenerateBackup        = "generateDatabaseBackup"
	JobTypeSessionTimerTick      = "sessionTimerTick"
	JobTypeProcessInactivity     = "processInactivity"
	JobTypeScheduleConfigChanged = "scheduleConfigChanged"
	JobTypeUserNotification      = "notification:user"
)

// Priorities used by producers. Higher runs first among ready jobs.
const (
	PriorityLow      = 1
	PriorityNormal   = 10
	PriorityHigh     = 50
	PriorityCritical = 100
)

// DefaultMaxAttempts is used when a JobSpec leaves MaxAttempts unset.
const DefaultMaxAttempts = 3

// MaxBackoff is the ceiling of BackoffPolicy.Delay.
const MaxBackoff = time.Duration(math.MaxInt64)

// BackoffType selects the retry delay formula.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// BackoffPolicy is the delay applied between retry attempts.
type BackoffPolicy struct {
	Type BackoffType   `json:"type"`
	Base time.Duration `json:"base"`
}

// DefaultBackoff is exponential with a five second base.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Type: BackoffExponential, Base: 5 * time.Second}
}

// Delay returns the wait before the retry that follows the given number of attempts.
// attempts is 1-based: after the first failure the delay is Base for both policies.
func (p BackoffPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	if p.Type != BackoffExponential {
		return base
	}
	shift := attempts - 1
	if shift > 62 || base > MaxBackoff>>shift {
		return MaxBackoff
	}
	return base << shift
}

// Job is a durable unit of deferred work.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	DueAt       time.Time       `json:"due_at"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     BackoffPolicy   `json:"backoff"`
	Status      JobStatus       `json:"status"`
	LastError   string          `json:"last_error,omitempty"`
	// Revision increases every time the record is re-scheduled. Bookkeeping for an
	// execution only applies while the revision it activated is still current.
	Revision  int64      `json:"revision"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// JobSpec is what producers submit to have work scheduled.
type JobSpec struct {
	ID          string
	Type        string
	Payload     json.RawMessage
	DueAt       time.Time
	Priority    int
	MaxAttempts int
	Backoff     BackoffPolicy
	// ReplaceTerminal resets an existing completed, failed or canceled record with the
	// same ID back to pending. Without it such a record is left untouched.
	ReplaceTerminal bool
	// KeepStarted leaves an existing record alone once it has been picked up: while it
	// runs and while it waits for a retry.
	KeepStarted bool
}

// KeepsExisting reports whether an upsert of s must leave existing unchanged.
func (s JobSpec) KeepsExisting(existing Job) bool {
	if existing.Status.IsTerminal() {
		return !s.ReplaceTerminal
	}
	return s.KeepStarted && (existing.Status == JobStatusActive || existing.Attempts > 0)
}

var (
	ErrMissingJobType = errors.New("job type is required")
	ErrMissingJobID   = errors.New("job id is required")
)

// Normalize fills defaults and validates the JobSpec. ID generation is the caller's job.
func (s *JobSpec) Normalize(now time.Time) error {
	if s.Type == "" {
		return ErrMissingJobType
	}
	if s.ID == "" {
		return ErrMissingJobID
	}
	if s.DueAt.IsZero() {
		s.DueAt = now
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.Backoff.Type == "" {
		s.Backoff = DefaultBackoff()
	}
	if s.Payload == nil {
		s.Payload = json.RawMessage(`{}`)
	}
	return nil
}

// EncodePayload marshals a typed payload for a JobSpec.
func EncodePayload(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}
