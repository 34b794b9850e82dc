package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/models"
)

// InMemoryStore keeps everything in process memory. Used when no DSN is configured and in tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]models.Job
	events   map[string]models.WebhookEvent
	schedule *models.ScheduleConfig
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:   make(map[string]models.Job),
		events: make(map[string]models.WebhookEvent),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) UpsertJob(_ context.Context, spec models.JobSpec, now time.Time) (models.Job, bool, error) {
	if err := spec.Normalize(now); err != nil {
		return models.Job{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[spec.ID]
	if !ok {
		job := newJobFromSpec(spec, now)
		s.jobs[job.ID] = job
		return cloneJob(job), true, nil
	}
	if spec.KeepsExisting(existing) {
		return cloneJob(existing), false, nil
	}
	job := existing
	job.Type = spec.Type
	job.Payload = spec.Payload
	job.DueAt = spec.DueAt.UTC()
	job.Priority = spec.Priority
	job.MaxAttempts = spec.MaxAttempts
	job.Backoff = spec.Backoff
	job.Status = models.JobStatusPending
	job.Attempts = 0
	job.LastError = ""
	job.LockedAt = nil
	job.Revision++
	job.UpdatedAt = now.UTC()
	s.jobs[job.ID] = job
	return cloneJob(job), true, nil
}

func (s *InMemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	c := cloneJob(j)
	return &c, nil
}

func (s *InMemoryStore) ActivateJob(_ context.Context, id string, now time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusPending || j.DueAt.After(now) {
		return nil, nil
	}
	now = now.UTC()
	j.Status = models.JobStatusActive
	j.Attempts++
	j.LockedAt = &now
	j.UpdatedAt = now
	s.jobs[id] = j
	c := cloneJob(j)
	return &c, nil
}

// transition applies fn to an active job whose revision still matches.
func (s *InMemoryStore) transition(id string, revision int64, fn func(j *models.Job)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusActive || j.Revision != revision {
		return false
	}
	fn(&j)
	j.LockedAt = nil
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return true
}

func (s *InMemoryStore) MarkCompleted(_ context.Context, id string, revision int64) (bool, error) {
	return s.transition(id, revision, func(j *models.Job) {
		j.Status = models.JobStatusCompleted
	}), nil
}

func (s *InMemoryStore) MarkFailed(_ context.Context, id string, revision int64, reason string) (bool, error) {
	return s.transition(id, revision, func(j *models.Job) {
		j.Status = models.JobStatusFailed
		j.LastError = truncateError(reason)
	}), nil
}

func (s *InMemoryStore) RetryJob(_ context.Context, id string, revision int64, reason string, nextDueAt time.Time) (bool, error) {
	return s.transition(id, revision, func(j *models.Job) {
		j.Status = models.JobStatusPending
		j.LastError = truncateError(reason)
		j.DueAt = nextDueAt.UTC()
	}), nil
}

func (s *InMemoryStore) CancelJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusPending {
		return false, nil
	}
	j.Status = models.JobStatusCanceled
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return true, nil
}

func (s *InMemoryStore) FindDue(_ context.Context, before time.Time) ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobStatusPending && !j.DueAt.After(before) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		return out[a].DueAt.Before(out[b].DueAt)
	})
	return out, nil
}

func (s *InMemoryStore) ListPending(_ context.Context) ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobStatusPending {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].DueAt.Before(out[b].DueAt) })
	return out, nil
}

func (s *InMemoryStore) ListStaleActive(_ context.Context, lockedBefore time.Time) ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobStatusActive && j.LockedAt != nil && j.LockedAt.Before(lockedBefore) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].LockedAt.Before(*out[b].LockedAt) })
	return out, nil
}

func (s *InMemoryStore) RequeueStaleActive(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status == models.JobStatusActive && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = models.JobStatusPending
			j.LockedAt = nil
			j.UpdatedAt = time.Now().UTC()
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) InsertWebhookEvent(_ context.Context, ev models.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; ok {
		return false, nil
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	ev.Payload = append([]byte(nil), ev.Payload...)
	s.events[ev.ID] = ev
	return true, nil
}

func (s *InMemoryStore) GetWebhookEvent(_ context.Context, id string) (*models.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

func (s *InMemoryStore) GetScheduleConfig(_ context.Context) (*models.ScheduleConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.schedule == nil {
		return nil, nil
	}
	c := *s.schedule
	return &c, nil
}

func (s *InMemoryStore) SaveScheduleConfig(_ context.Context, cfg models.ScheduleConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now()
	}
	s.schedule = &cfg
	return nil
}

func cloneJob(j models.Job) models.Job {
	j.Payload = append([]byte(nil), j.Payload...)
	if j.LockedAt != nil {
		t := *j.LockedAt
		j.LockedAt = &t
	}
	return j
}
