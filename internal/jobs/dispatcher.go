package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/models"
	"github.com/BTreeMap/SessionPipe/internal/queue"
	"github.com/BTreeMap/SessionPipe/internal/store"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkerCount is the size of the worker pool when none is configured.
const DefaultWorkerCount = 4

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithDispatcherClock overrides the time source used for activation and backoff.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher drains ready tokens from the delay queue and runs their handlers.
// At most one execution per job ID is in progress at any time.
type Dispatcher struct {
	repo     store.JobRepo
	queue    *queue.DelayQueue
	registry *Registry
	workers  int
	now      func() time.Time
	locks    *keyLock
}

// NewDispatcher creates a Dispatcher over the given store, queue and registry.
func NewDispatcher(repo store.JobRepo, q *queue.DelayQueue, registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		repo:     repo,
		queue:    q,
		registry: registry,
		workers:  DefaultWorkerCount,
		now:      time.Now,
		locks:    newKeyLock(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// InFlight reports whether a worker currently holds or waits for id.
func (d *Dispatcher) InFlight(id string) bool {
	return d.locks.Held(id)
}

// Run starts the worker pool and blocks until ctx is cancelled or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("Dispatcher.Run: starting workers", "workers", d.workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		worker := i
		g.Go(func() error {
			return d.work(gctx, worker)
		})
	}
	err := g.Wait()
	slog.Info("Dispatcher.Run: stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

func (d *Dispatcher) work(ctx context.Context, worker int) error {
	for {
		tok, err := d.queue.DequeueReady(ctx)
		if err != nil {
			slog.Debug("Dispatcher.work: worker exiting", "worker", worker, "reason", err)
			return err
		}
		d.execute(ctx, tok)
	}
}

// execute runs a single token under the per-id lock. It never returns an error;
// every outcome is recorded in the store.
func (d *Dispatcher) execute(ctx context.Context, tok queue.Token) {
	unlock := d.locks.Lock(tok.ID)
	defer unlock()

	// Bookkeeping must land even while shutting down.
	bctx := context.WithoutCancel(ctx)

	job, err := d.repo.ActivateJob(bctx, tok.ID, d.now())
	if err != nil {
		slog.Error("Dispatcher.execute: activate failed, leaving job for recovery sweep", "id", tok.ID, "error", err)
		return
	}
	if job == nil {
		d.rearm(bctx, tok)
		return
	}

	handler, err := d.registry.Lookup(job.Type)
	if err == nil {
		slog.Debug("Dispatcher.execute: running job", "id", job.ID, "type", job.Type, "attempt", job.Attempts)
		err = runHandler(ctx, handler, *job)
	}
	if err != nil {
		d.fail(bctx, *job, err)
		return
	}

	ok, cerr := d.repo.MarkCompleted(bctx, job.ID, job.Revision)
	if cerr != nil {
		slog.Error("Dispatcher.execute: mark completed failed", "id", job.ID, "error", cerr)
		return
	}
	if !ok {
		slog.Debug("Dispatcher.execute: job re-scheduled during run, completion skipped", "id", job.ID, "revision", job.Revision)
		return
	}
	slog.Debug("Dispatcher.execute: job completed", "id", job.ID, "type", job.Type)
}

// rearm handles a token that found nothing to activate. A token that fired before its
// pending record is due is queued again at the record's due time; anything else is stale.
func (d *Dispatcher) rearm(ctx context.Context, tok queue.Token) {
	rec, err := d.repo.GetJob(ctx, tok.ID)
	if err != nil {
		slog.Error("Dispatcher.rearm: lookup failed, leaving job for recovery sweep", "id", tok.ID, "error", err)
		return
	}
	if rec == nil || rec.Status != models.JobStatusPending || !rec.DueAt.After(d.now()) {
		slog.Debug("Dispatcher.execute: stale token skipped", "id", tok.ID)
		return
	}
	added, err := d.queue.EnqueueIfAbsent(queue.Token{ID: rec.ID, DueAt: rec.DueAt, Priority: rec.Priority})
	if err != nil {
		slog.Warn("Dispatcher.rearm: enqueue failed, leaving job for recovery sweep", "id", rec.ID, "error", err)
		return
	}
	slog.Debug("Dispatcher.rearm: token ahead of record", "id", rec.ID, "dueAt", rec.DueAt, "requeued", added)
}

// fail records a failed attempt: retry with backoff while attempts remain, otherwise mark failed.
func (d *Dispatcher) fail(ctx context.Context, job models.Job, cause error) {
	reason := cause.Error()
	if job.Attempts < job.MaxAttempts {
		next := d.now().Add(job.Backoff.Delay(job.Attempts))
		ok, err := d.repo.RetryJob(ctx, job.ID, job.Revision, reason, next)
		if err != nil {
			slog.Error("Dispatcher.fail: retry bookkeeping failed", "id", job.ID, "error", err)
			return
		}
		if !ok {
			slog.Debug("Dispatcher.fail: job re-scheduled during run, retry skipped", "id", job.ID, "error", cause)
			return
		}
		if _, err := d.queue.Enqueue(queue.Token{ID: job.ID, DueAt: next, Priority: job.Priority}); err != nil {
			slog.Warn("Dispatcher.fail: enqueue retry failed, leaving job for recovery sweep", "id", job.ID, "error", err)
		}
		slog.Warn("Dispatcher.fail: job failed, retry scheduled", "id", job.ID, "type", job.Type,
			"attempt", job.Attempts, "maxAttempts", job.MaxAttempts, "nextDueAt", next, "error", cause)
		return
	}

	ok, err := d.repo.MarkFailed(ctx, job.ID, job.Revision, reason)
	if err != nil {
		slog.Error("Dispatcher.fail: mark failed bookkeeping failed", "id", job.ID, "error", err)
		return
	}
	if !ok {
		slog.Debug("Dispatcher.fail: job re-scheduled during run, failure not recorded", "id", job.ID, "error", cause)
		return
	}
	slog.Error("Dispatcher.fail: job permanently failed", "id", job.ID, "type", job.Type, "attempts", job.Attempts, "error", cause)
}

// runHandler converts a handler panic into an error.
func runHandler(ctx context.Context, h Handler, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher: handler panicked", "id", job.ID, "type", job.Type, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
