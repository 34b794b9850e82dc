package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/jobs"
	"github.com/BTreeMap/SessionPipe/internal/models"
	"github.com/BTreeMap/SessionPipe/internal/notify"
	"github.com/google/uuid"
)

// Events pushed to the session room.
const (
	EventStarted = "session:started"
	EventTick    = "session:tick"
	EventPaused  = "session:paused"
	EventResumed = "session:resumed"
	EventEnded   = "session:ended"
)

// Defaults for timer behaviour.
const (
	DefaultTickInterval      = time.Second
	DefaultMaxDuration       = 2 * time.Hour
	DefaultInactivityTimeout = 10 * time.Minute
)

// InactivityJobID is the fixed ID of a session's pending inactivity check.
func InactivityJobID(sessionID string) string {
	return "inactivity:" + sessionID
}

// TickJobID builds a unique ID for one tick of the chain.
func TickJobID(sessionID string) string {
	return "tick:" + sessionID + ":" + uuid.NewString()
}

// Option configures Timers.
type Option func(*Timers)

// WithTickInterval sets the gap between ticks.
func WithTickInterval(d time.Duration) Option {
	return func(t *Timers) {
		if d > 0 {
			t.tickInterval = d
		}
	}
}

// WithDefaultMaxDuration sets the session length used when Start gets zero.
func WithDefaultMaxDuration(d time.Duration) Option {
	return func(t *Timers) {
		if d > 0 {
			t.defaultMax = d
		}
	}
}

// WithInactivityTimeout sets the idle time after which an active session is paused.
// Zero disables inactivity checks.
func WithInactivityTimeout(d time.Duration) Option {
	return func(t *Timers) { t.inactivityTimeout = d }
}

// Timers implements session timer operations on top of a Store and the job scheduler.
type Timers struct {
	store             Store
	jobs              jobs.Scheduler
	notifier          notify.Notifier
	tickInterval      time.Duration
	defaultMax        time.Duration
	inactivityTimeout time.Duration
}

// NewTimers creates Timers.
func NewTimers(store Store, scheduler jobs.Scheduler, notifier notify.Notifier, opts ...Option) *Timers {
	t := &Timers{
		store:             store,
		jobs:              scheduler,
		notifier:          notifier,
		tickInterval:      DefaultTickInterval,
		defaultMax:        DefaultMaxDuration,
		inactivityTimeout: DefaultInactivityTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoomFor returns the room events for a session are pushed to.
func RoomFor(st models.SessionTimerState) string {
	if st.Room != "" {
		return st.Room
	}
	return "session:" + st.SessionID
}

// Start creates an active timer and begins its tick chain. A previous ended timer for
// the same session is replaced.
func (t *Timers) Start(ctx context.Context, sessionID, room string, userIDs []string, maxDuration time.Duration) (*models.SessionTimerState, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if maxDuration <= 0 {
		maxDuration = t.defaultMax
	}
	now := t.jobs.Now()
	st := models.SessionTimerState{
		SessionID:      sessionID,
		Room:           room,
		UserIDs:        userIDs,
		StartTime:      now,
		Status:         models.SessionActive,
		MaxDuration:    maxDuration,
		LastActivityAt: now,
		Generation:     1,
		UpdatedAt:      now,
	}
	err := t.store.Create(ctx, st)
	if errors.Is(err, ErrExists) {
		existing, gerr := t.store.Get(ctx, sessionID)
		if gerr == nil && existing.Status != models.SessionEnded {
			return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, sessionID, existing.Status)
		}
		if err := t.store.Delete(ctx, sessionID); err != nil {
			return nil, err
		}
		if existing != nil {
			st.Generation = existing.Generation + 1
		}
		err = t.store.Create(ctx, st)
	}
	if err != nil {
		return nil, fmt.Errorf("start session %s: %w", sessionID, err)
	}

	if err := t.scheduleTick(ctx, st, now); err != nil {
		return nil, err
	}
	if err := t.scheduleInactivity(ctx, st, now.Add(t.inactivityTimeout)); err != nil {
		return nil, err
	}
	slog.Info("Timers.Start: session timer started", "session", sessionID, "maxDuration", maxDuration)
	t.notifier.EmitToRoom(ctx, RoomFor(st), EventStarted, st.Snapshot(now))
	return &st, nil
}

// Pause freezes elapsed time and stops the current tick chain.
func (t *Timers) Pause(ctx context.Context, sessionID string) (*models.SessionTimerState, error) {
	now := t.jobs.Now()
	st, err := t.store.Update(ctx, sessionID, func(st *models.SessionTimerState) error {
		if st.Status != models.SessionActive {
			return fmt.Errorf("%w: cannot pause %s session", ErrInvalidTransition, st.Status)
		}
		pause(st, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Timers.Pause: session paused", "session", sessionID)
	t.notifier.EmitToRoom(ctx, RoomFor(*st), EventPaused, st.Snapshot(now))
	return st, nil
}

func pause(st *models.SessionTimerState, now time.Time) {
	st.Status = models.SessionPaused
	st.PausedAt = &now
	st.Generation++
	st.UpdatedAt = now
}

// Resume restarts a paused session with a fresh tick chain.
func (t *Timers) Resume(ctx context.Context, sessionID string) (*models.SessionTimerState, error) {
	now := t.jobs.Now()
	st, err := t.store.Update(ctx, sessionID, func(st *models.SessionTimerState) error {
		if st.Status != models.SessionPaused {
			return fmt.Errorf("%w: cannot resume %s session", ErrInvalidTransition, st.Status)
		}
		if st.PausedAt != nil {
			st.PausedTotal += now.Sub(*st.PausedAt)
		}
		st.PausedAt = nil
		st.Status = models.SessionActive
		st.LastActivityAt = now
		st.Generation++
		st.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := t.scheduleTick(ctx, *st, now); err != nil {
		return nil, err
	}
	if err := t.scheduleInactivity(ctx, *st, now.Add(t.inactivityTimeout)); err != nil {
		return nil, err
	}
	slog.Info("Timers.Resume: session resumed", "session", sessionID, "generation", st.Generation)
	t.notifier.EmitToRoom(ctx, RoomFor(*st), EventResumed, st.Snapshot(now))
	return st, nil
}

// End stops the timer for good. Ending an ended session is a no-op.
func (t *Timers) End(ctx context.Context, sessionID string) (*models.SessionTimerState, error) {
	now := t.jobs.Now()
	alreadyEnded := false
	st, err := t.store.Update(ctx, sessionID, func(st *models.SessionTimerState) error {
		if st.Status == models.SessionEnded {
			alreadyEnded = true
			return errUnchanged
		}
		end(st, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if alreadyEnded {
		return st, nil
	}
	if _, err := t.jobs.Cancel(ctx, InactivityJobID(sessionID)); err != nil {
		slog.Warn("Timers.End: cancel inactivity check failed", "session", sessionID, "error", err)
	}
	slog.Info("Timers.End: session ended", "session", sessionID)
	t.notifier.EmitToRoom(ctx, RoomFor(*st), EventEnded, st.Snapshot(now))
	return st, nil
}

func end(st *models.SessionTimerState, now time.Time) {
	if st.Status == models.SessionPaused && st.PausedAt != nil {
		st.PausedTotal += now.Sub(*st.PausedAt)
		st.PausedAt = nil
	}
	st.Status = models.SessionEnded
	st.Generation++
	st.UpdatedAt = now
}

// Touch records user activity on a session that has not ended.
func (t *Timers) Touch(ctx context.Context, sessionID string) (*models.SessionTimerState, error) {
	now := t.jobs.Now()
	return t.store.Update(ctx, sessionID, func(st *models.SessionTimerState) error {
		if st.Status == models.SessionEnded {
			return fmt.Errorf("%w: session has ended", ErrInvalidTransition)
		}
		st.LastActivityAt = now
		st.UpdatedAt = now
		return nil
	})
}

// Get returns the current timer state.
func (t *Timers) Get(ctx context.Context, sessionID string) (*models.SessionTimerState, error) {
	return t.store.Get(ctx, sessionID)
}

// Now exposes the scheduler clock.
func (t *Timers) Now() time.Time { return t.jobs.Now() }

// Tick runs one link of the tick chain. It pushes the elapsed time and either ends
// the session or schedules the next tick. Ticks from an outdated generation, or for
// sessions that are not active, stop silently.
func (t *Timers) Tick(ctx context.Context, p models.SessionTickPayload) error {
	now := t.jobs.Now()
	stale, ended := false, false
	st, err := t.store.Update(ctx, p.SessionID, func(st *models.SessionTimerState) error {
		if st.Status != models.SessionActive || st.Generation != p.Generation {
			stale = true
			return errUnchanged
		}
		if st.Elapsed(now) >= st.MaxDuration {
			end(st, now)
			ended = true
			return nil
		}
		return errUnchanged
	})
	if errors.Is(err, ErrNotFound) {
		slog.Debug("Timers.Tick: session gone, chain stopped", "session", p.SessionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("tick session %s: %w", p.SessionID, err)
	}
	if stale {
		slog.Debug("Timers.Tick: chain stopped", "session", p.SessionID, "status", st.Status,
			"tickGeneration", p.Generation, "generation", st.Generation)
		return nil
	}

	room := RoomFor(*st)
	if ended {
		t.notifier.EmitToRoom(ctx, room, EventTick, st.Snapshot(now))
		t.notifier.EmitToRoom(ctx, room, EventEnded, st.Snapshot(now))
		if _, err := t.jobs.Cancel(ctx, InactivityJobID(p.SessionID)); err != nil {
			slog.Warn("Timers.Tick: cancel inactivity check failed", "session", p.SessionID, "error", err)
		}
		slog.Info("Timers.Tick: maximum duration reached, session ended", "session", p.SessionID, "elapsed", st.Elapsed(now))
		return nil
	}

	t.notifier.EmitToRoom(ctx, room, EventTick, st.Snapshot(now))
	return t.scheduleTick(ctx, *st, now.Add(t.tickInterval))
}

// CheckInactivity pauses an active session that has been idle for the inactivity
// timeout, or re-arms itself for when it would be.
func (t *Timers) CheckInactivity(ctx context.Context, p models.InactivityPayload) error {
	if t.inactivityTimeout <= 0 {
		return nil
	}
	now := t.jobs.Now()
	var nextCheck time.Time
	paused := false
	st, err := t.store.Update(ctx, p.SessionID, func(st *models.SessionTimerState) error {
		if st.Status != models.SessionActive || st.Generation != p.Generation {
			return errUnchanged
		}
		deadline := st.LastActivityAt.Add(t.inactivityTimeout)
		if now.Before(deadline) {
			nextCheck = deadline
			return errUnchanged
		}
		pause(st, now)
		paused = true
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inactivity check for session %s: %w", p.SessionID, err)
	}
	if paused {
		slog.Info("Timers.CheckInactivity: idle session paused", "session", p.SessionID, "idle", now.Sub(st.LastActivityAt))
		t.notifier.EmitToRoom(ctx, RoomFor(*st), EventPaused, map[string]interface{}{
			"reason": "inactivity",
			"timer":  st.Snapshot(now),
		})
		return nil
	}
	if !nextCheck.IsZero() {
		return t.scheduleInactivity(ctx, *st, nextCheck)
	}
	return nil
}

func (t *Timers) scheduleTick(ctx context.Context, st models.SessionTimerState, due time.Time) error {
	payload, err := models.EncodePayload(models.SessionTickPayload{SessionID: st.SessionID, Generation: st.Generation})
	if err != nil {
		return err
	}
	_, err = t.jobs.Schedule(ctx, models.JobSpec{
		ID:       TickJobID(st.SessionID),
		Type:     models.JobTypeSessionTimerTick,
		Payload:  payload,
		DueAt:    due,
		Priority: models.PriorityHigh,
	})
	if err != nil {
		return fmt.Errorf("schedule tick for session %s: %w", st.SessionID, err)
	}
	return nil
}

func (t *Timers) scheduleInactivity(ctx context.Context, st models.SessionTimerState, due time.Time) error {
	if t.inactivityTimeout <= 0 {
		return nil
	}
	payload, err := models.EncodePayload(models.InactivityPayload{SessionID: st.SessionID, Generation: st.Generation})
	if err != nil {
		return err
	}
	_, err = t.jobs.Schedule(ctx, models.JobSpec{
		ID:              InactivityJobID(st.SessionID),
		Type:            models.JobTypeProcessInactivity,
		Payload:         payload,
		DueAt:           due,
		Priority:        models.PriorityNormal,
		ReplaceTerminal: true,
	})
	if err != nil {
		return fmt.Errorf("schedule inactivity check for session %s: %w", st.SessionID, err)
	}
	return nil
}
