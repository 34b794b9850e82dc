package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/jobs"
	"github.com/BTreeMap/SessionPipe/internal/models"
	"github.com/BTreeMap/SessionPipe/internal/notify"
	"github.com/BTreeMap/SessionPipe/internal/queue"
	"github.com/BTreeMap/SessionPipe/internal/store"
	"github.com/BTreeMap/SessionPipe/internal/testutil"
)

type timerHarness struct {
	repo   *store.InMemoryStore
	svc    *jobs.Service
	rec    *notify.Recorder
	timers *Timers
	clock  *testutil.Clock
}

func newTimerHarness(t *testing.T, st Store, opts ...Option) *timerHarness {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	repo := store.NewInMemoryStore()
	q := queue.New(queue.WithClock(clock.Now))
	t.Cleanup(q.Close)
	svc := jobs.NewService(repo, q, jobs.WithServiceClock(clock.Now))
	rec := notify.NewRecorder()
	return &timerHarness{
		repo:   repo,
		svc:    svc,
		rec:    rec,
		timers: NewTimers(st, svc, notify.BestEffort(rec), opts...),
		clock:  clock,
	}
}

// runDue executes every pending timer job that is due, the way the dispatcher would.
func (h *timerHarness) runDue(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	due, err := h.repo.FindDue(ctx, h.clock.Now())
	if err != nil {
		t.Fatalf("FindDue failed: %v", err)
	}
	for _, job := range due {
		active, err := h.repo.ActivateJob(ctx, job.ID, h.clock.Now())
		if err != nil || active == nil {
			t.Fatalf("activate %s: %v", job.ID, err)
		}
		switch job.Type {
		case models.JobTypeSessionTimerTick:
			var p models.SessionTickPayload
			if err := models.DecodePayload(*active, &p); err != nil {
				t.Fatal(err)
			}
			err = h.timers.Tick(ctx, p)
		case models.JobTypeProcessInactivity:
			var p models.InactivityPayload
			if err := models.DecodePayload(*active, &p); err != nil {
				t.Fatal(err)
			}
			err = h.timers.CheckInactivity(ctx, p)
		default:
			t.Fatalf("unexpected job type %s", job.Type)
		}
		if err != nil {
			t.Fatalf("%s %s failed: %v", job.Type, job.ID, err)
		}
		h.repo.MarkCompleted(ctx, active.ID, active.Revision)
	}
	return len(due)
}

func (h *timerHarness) pendingOfType(t *testing.T, typ string) []models.Job {
	t.Helper()
	all, err := h.repo.ListPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var out []models.Job
	for _, j := range all {
		if j.Type == typ {
			out = append(out, j)
		}
	}
	return out
}

func TestStartSchedulesTickAndInactivity(t *testing.T) {
	h := newTimerHarness(t, NewMemoryStore(0))
	ctx := context.Background()
	st, err := h.timers.Start(ctx, "s1", "", []string{"u1", "u2"}, 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if st.Status != models.SessionActive || st.Generation != 1 || st.MaxDuration != DefaultMaxDuration {
		t.Errorf("unexpected state %+v", st)
	}
	ticks := h.pendingOfType(t, models.JobTypeSessionTimerTick)
	if len(ticks) != 1 || !ticks[0].DueAt.Equal(h.clock.Now()) || ticks[0].Priority != models.PriorityHigh {
		t.Errorf("expected one immediate high priority tick, got %+v", ticks)
	}
	inact, _ := h.svc.Get(ctx, InactivityJobID("s1"))
	if inact == nil || !inact.DueAt.Equal(h.clock.Now().Add(DefaultInactivityTimeout)) {
		t.Errorf("expected inactivity check in %s, got %+v", DefaultInactivityTimeout, inact)
	}
	if h.rec.Count(EventStarted) != 1 {
		t.Error("expected session:started")
	}
	if _, err := h.timers.Start(ctx, "s1", "", nil, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for running session, got %v", err)
	}
}

func TestTickChainEndsAtMaxDuration(t *testing.T) {
	h := newTimerHarness(t, NewMemoryStore(0), WithTickInterval(time.Minute), WithInactivityTimeout(0))
	ctx := context.Background()
	if _, err := h.timers.Start(ctx, "s1", "room-a", nil, 7200*time.Second); err != nil {
		t.Fatal(err)
	}

	steps := 0
	for {
		h.runDue(t)
		st, _ := h.timers.Get(ctx, "s1")
		if st.Status == models.SessionEnded {
			break
		}
		steps++
		if steps > 200 {
			t.Fatal("tick chain never ended the session")
		}
		h.clock.Advance(time.Minute)
	}
	if steps != 120 {
		t.Errorf("expected session to end after 120 one-minute ticks, got %d", steps)
	}
	if n := len(h.pendingOfType(t, models.JobTypeSessionTimerTick)); n != 0 {
		t.Errorf("expected no successor tick after ending, got %d", n)
	}
	if h.rec.Count(EventEnded) != 1 {
		t.Errorf("expected one session:ended, got %d", h.rec.Count(EventEnded))
	}
	for _, e := range h.rec.Events() {
		if e.Room != "room-a" {
			t.Errorf("event %s went to room %q", e.Event, e.Room)
		}
	}
}

func TestPauseStopsChainAndResumeStartsNewGeneration(t *testing.T) {
	h := newTimerHarness(t, NewMemoryStore(0), WithInactivityTimeout(0))
	ctx := context.Background()
	h.timers.Start(ctx, "s1", "", nil, time.Hour)
	h.runDue(t)
	h.clock.Advance(time.Second)

	if _, err := h.timers.Pause(ctx, "s1"); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	// the tick scheduled before the pause runs but schedules nothing
	h.runDue(t)
	if n := len(h.pendingOfType(t, models.JobTypeSessionTimerTick)); n != 0 {
		t.Fatalf("expected chain to stop while paused, %d ticks pending", n)
	}
	if _, err := h.timers.Pause(ctx, "s1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on double pause, got %v", err)
	}

	h.clock.Advance(10 * time.Minute)
	st, err := h.timers.Resume(ctx, "s1")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if st.Generation != 3 {
		t.Errorf("expected generation 3 after pause and resume, got %d", st.Generation)
	}
	if st.PausedTotal != 10*time.Minute {
		t.Errorf("expected 10m paused total, got %s", st.PausedTotal)
	}
	if got := st.Elapsed(h.clock.Now()); got != time.Second {
		t.Errorf("expected elapsed 1s excluding pause, got %s", got)
	}
	ticks := h.pendingOfType(t, models.JobTypeSessionTimerTick)
	if len(ticks) != 1 {
		t.Fatalf("expected one new tick, got %d", len(ticks))
	}
	var p models.SessionTickPayload
	models.DecodePayload(ticks[0], &p)
	if p.Generation != 3 {
		t.Errorf("new tick should carry generation 3, got %d", p.Generation)
	}
}

func TestStaleGenerationTickIsIgnored(t *testing.T) {
	h := newTimerHarness(t, NewMemoryStore(0), WithInactivityTimeout(0))
	ctx := context.Background()
	h.timers.Start(ctx, "s1", "", nil, time.Hour)
	h.timers.Pause(ctx, "s1")
	h.timers.Resume(ctx, "s1")
	h.rec.Reset()

	if err := h.timers.Tick(ctx, models.SessionTickPayload{SessionID: "s1", Generation: 1}); err != nil {
		t.Fatalf("stale tick returned error: %v", err)
	}
	if h.rec.Count(EventTick) != 0 {
		t.Error("stale tick should not emit")
	}
	if err := h.timers.Tick(ctx, models.SessionTickPayload{SessionID: "missing", Generation: 1}); err != nil {
		t.Errorf("tick for unknown session should stop quietly, got %v", err)
	}
}

func TestEndCancelsInactivityAndIsIdempotent(t *testing.T) {
	h := newTimerHarness(t, NewMemoryStore(0))
	ctx := context.Background()
	h.timers.Start(ctx, "s1", "", nil, time.Hour)
	if _, err := h.timers.End(ctx, "s1"); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	job, _ := h.svc.Get(ctx, InactivityJobID("s1"))
	if job == nil || job.Status != models.JobStatusCanceled {
		t.Errorf("expected inactivity job canceled, got %+v", job)
	}
	if _, err := h.timers.End(ctx, "s1"); err != nil {
		t.Errorf("second End should be a no-op, got %v", err)
	}
	if h.rec.Count(EventEnded) != 1 {
		t.Errorf("expected a single session:ended, got %d", h.rec.Count(EventEnded))
	}
	if _, err := h.timers.Touch(ctx, "s1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition touching ended session, got %v", err)
	}

	// an ended session can be started again
	st, err := h.timers.Start(ctx, "s1", "", nil, time.Hour)
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if st.Generation <= 2 {
		t.Errorf("restart should move generation forward, got %d", st.Generation)
	}
}

func TestInactivityPausesIdleSession(t *testing.T) {
	h := newTimerHarness(t, NewMemoryStore(0), WithTickInterval(time.Minute), WithInactivityTimeout(5*time.Minute))
	ctx := context.Background()
	h.timers.Start(ctx, "s1", "", nil, time.Hour)

	h.clock.Advance(3 * time.Minute)
	h.timers.Touch(ctx, "s1")

	// first check fires at start+5m, sees recent activity and re-arms for touch+5m
	h.clock.Advance(2 * time.Minute)
	if err := h.runInactivity(t); err != nil {
		t.Fatal(err)
	}
	st, _ := h.timers.Get(ctx, "s1")
	if st.Status != models.SessionActive {
		t.Fatalf("session paused despite recent activity")
	}
	job, _ := h.svc.Get(ctx, InactivityJobID("s1"))
	want := h.clock.Now().Add(3 * time.Minute)
	if job.Status != models.JobStatusPending || !job.DueAt.Equal(want) {
		t.Errorf("expected re-armed check due %s, got %+v", want, job)
	}

	h.clock.Advance(3 * time.Minute)
	if err := h.runInactivity(t); err != nil {
		t.Fatal(err)
	}
	st, _ = h.timers.Get(ctx, "s1")
	if st.Status != models.SessionPaused {
		t.Errorf("expected idle session paused, got %s", st.Status)
	}
	if h.rec.Count(EventPaused) != 1 {
		t.Errorf("expected session:paused, got %d", h.rec.Count(EventPaused))
	}
}

// runInactivity runs just the due inactivity check.
func (h *timerHarness) runInactivity(t *testing.T) error {
	t.Helper()
	ctx := context.Background()
	job, err := h.repo.ActivateJob(ctx, InactivityJobID("s1"), h.clock.Now())
	if err != nil || job == nil {
		t.Fatalf("inactivity job not pending: %v", err)
	}
	if job.DueAt.After(h.clock.Now()) {
		t.Fatalf("inactivity job not yet due (%s)", job.DueAt)
	}
	var p models.InactivityPayload
	models.DecodePayload(*job, &p)
	if err := h.timers.CheckInactivity(ctx, p); err != nil {
		return err
	}
	h.repo.MarkCompleted(ctx, job.ID, job.Revision)
	return nil
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()
	if err := s.Create(ctx, models.SessionTimerState{SessionID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, models.SessionTimerState{SessionID: "a"}); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired state to be gone, got %v", err)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis tests")
	}
	ctx := context.Background()
	client, err := DialRedis(ctx, addr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		t.Fatalf("DialRedis failed: %v", err)
	}
	defer client.Close()
	s := NewRedisStore(client, WithKeyPrefix("sessionpipe-test:"+t.Name()+":"), WithTTL(time.Minute))
	defer s.Delete(ctx, "r1")

	if err := s.Create(ctx, models.SessionTimerState{SessionID: "r1", Status: models.SessionActive, Generation: 1}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Create(ctx, models.SessionTimerState{SessionID: "r1"}); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Update(ctx, "r1", func(st *models.SessionTimerState) error {
				st.Generation++
				return nil
			}); err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}()
	}
	wg.Wait()
	st, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Generation != 6 {
		t.Errorf("expected 5 concurrent increments to land, generation=%d", st.Generation)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
