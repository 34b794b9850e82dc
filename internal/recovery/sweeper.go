package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/queue"
	"github.com/BTreeMap/SessionPipe/internal/scheduler"
	"github.com/BTreeMap/SessionPipe/internal/store"
)

// Defaults for the sweep.
const (
	DefaultSweepInterval  = 30 * time.Second
	DefaultStaleThreshold = 10 * time.Minute
)

// InFlightChecker reports whether a job is being executed right now.
type InFlightChecker interface {
	InFlight(id string) bool
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithStaleThreshold sets how long a job may stay active without an executing worker
// before the sweep treats it as abandoned.
func WithStaleThreshold(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithSweeperClock overrides the time source.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// Sweeper re-inserts queue tokens for pending jobs the queue does not know about:
// all pending jobs at startup, and due ones that were lost while running. It also
// returns abandoned active jobs to pending.
type Sweeper struct {
	repo       store.JobRepo
	queue      *queue.DelayQueue
	inflight   InFlightChecker
	staleAfter time.Duration
	now        func() time.Time
}

var _ Recoverable = (*Sweeper)(nil)

// NewSweeper creates a Sweeper. inflight may be nil.
func NewSweeper(repo store.JobRepo, q *queue.DelayQueue, inflight InFlightChecker, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		repo:       repo,
		queue:      q,
		inflight:   inflight,
		staleAfter: DefaultStaleThreshold,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverState returns every active job to pending and loads every pending job into
// the queue. It runs before the dispatcher starts and the instance lock rules out a
// second process, so no active record can belong to a live worker.
func (s *Sweeper) RecoverState(ctx context.Context) error {
	requeued, err := s.repo.RequeueStaleActive(ctx, s.now())
	if err != nil {
		return fmt.Errorf("requeue stale jobs: %w", err)
	}
	pending, err := s.repo.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	loaded := 0
	for _, job := range pending {
		added, err := s.queue.EnqueueIfAbsent(queue.Token{ID: job.ID, DueAt: job.DueAt, Priority: job.Priority})
		if err != nil {
			return fmt.Errorf("load job %s: %w", job.ID, err)
		}
		if added {
			loaded++
		}
	}
	slog.Info("Sweeper.RecoverState: queue restored", "staleRequeued", requeued, "pending", len(pending), "loaded", loaded)
	return nil
}

// Sweep returns abandoned active jobs to pending, then enqueues due pending jobs that
// are neither queued nor executing. It returns how many tokens were inserted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if err := s.releaseAbandoned(ctx); err != nil {
		return 0, err
	}
	due, err := s.repo.FindDue(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("find due jobs: %w", err)
	}
	inserted := 0
	for _, job := range due {
		if s.inFlight(job.ID) {
			continue
		}
		added, err := s.queue.EnqueueIfAbsent(queue.Token{ID: job.ID, DueAt: job.DueAt, Priority: job.Priority})
		if err != nil {
			return inserted, err
		}
		if added {
			inserted++
		}
	}
	if inserted > 0 {
		slog.Warn("Sweeper.Sweep: re-inserted lost tokens", "count", inserted)
	}
	return inserted, nil
}

func (s *Sweeper) inFlight(id string) bool {
	return s.inflight != nil && s.inflight.InFlight(id)
}

// releaseAbandoned moves active jobs that no worker is executing and that were locked
// more than staleAfter ago back to pending, due now. The attempt already counted stays
// counted. A record re-scheduled meanwhile is left alone by the revision check.
func (s *Sweeper) releaseAbandoned(ctx context.Context) error {
	now := s.now()
	stale, err := s.repo.ListStaleActive(ctx, now.Add(-s.staleAfter))
	if err != nil {
		return fmt.Errorf("list stale active jobs: %w", err)
	}
	for _, job := range stale {
		if s.inFlight(job.ID) {
			continue
		}
		ok, err := s.repo.RetryJob(ctx, job.ID, job.Revision, "abandoned by worker", now)
		if err != nil {
			return fmt.Errorf("release abandoned job %s: %w", job.ID, err)
		}
		if ok {
			slog.Warn("Sweeper.Sweep: released abandoned job", "id", job.ID, "lockedAt", job.LockedAt, "attempts", job.Attempts)
		}
	}
	return nil
}

// Start runs Sweep on the scheduler every interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context, sched *scheduler.Scheduler, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return sched.AddJob(fmt.Sprintf("@every %s", interval), func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Sweep(ctx); err != nil {
			slog.Error("Sweeper.Start: sweep failed", "error", err)
		}
	})
}
