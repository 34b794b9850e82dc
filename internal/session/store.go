// Package session manages ephemeral appointment-session timers.
//
// Timer state lives only in a fast store with a TTL (memory or Redis), never in the
// durable job store. The per-second tick is a chain of one-shot jobs: each tick checks
// the state and schedules its successor until the session is paused, ended or runs
// out of time.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BTreeMap/SessionPipe/internal/models"
)

var (
	// ErrNotFound is returned when no state exists for a session.
	ErrNotFound = errors.New("session not found")
	// ErrExists is returned by Create when a session already has state.
	ErrExists = errors.New("session already exists")
	// ErrInvalidTransition is returned for operations not allowed in the current status.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// errUnchanged lets an Update callback skip the write.
	errUnchanged = errors.New("unchanged")
)

// DefaultStateTTL bounds how long timer state outlives its last update.
const DefaultStateTTL = 24 * time.Hour

// Store holds SessionTimerState with atomic per-session read-modify-write.
type Store interface {
	// Create stores st unless state for st.SessionID exists.
	Create(ctx context.Context, st models.SessionTimerState) error
	// Get returns ErrNotFound when absent or expired.
	Get(ctx context.Context, sessionID string) (*models.SessionTimerState, error)
	// Update applies fn atomically and returns the resulting state. If fn returns an
	// error the state is left untouched and the error is returned.
	Update(ctx context.Context, sessionID string, fn func(st *models.SessionTimerState) error) (*models.SessionTimerState, error)
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]memoryEntry
	ttl    time.Duration
	now    func() time.Time
}

type memoryEntry struct {
	state     models.SessionTimerState
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore. A non-positive ttl uses DefaultStateTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &MemoryStore{states: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (s *MemoryStore) lookupLocked(id string) (models.SessionTimerState, bool) {
	e, ok := s.states[id]
	if !ok {
		return models.SessionTimerState{}, false
	}
	if s.now().After(e.expiresAt) {
		delete(s.states, id)
		return models.SessionTimerState{}, false
	}
	return e.state, true
}

func (s *MemoryStore) Create(_ context.Context, st models.SessionTimerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookupLocked(st.SessionID); ok {
		return ErrExists
	}
	s.states[st.SessionID] = memoryEntry{state: cloneState(st), expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.SessionTimerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lookupLocked(id)
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneState(st)
	return &c, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(st *models.SessionTimerState) error) (*models.SessionTimerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lookupLocked(id)
	if !ok {
		return nil, ErrNotFound
	}
	work := cloneState(st)
	if err := fn(&work); err != nil {
		if errors.Is(err, errUnchanged) {
			return &st, nil
		}
		return nil, err
	}
	s.states[id] = memoryEntry{state: cloneState(work), expiresAt: s.now().Add(s.ttl)}
	return &work, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	return nil
}

func cloneState(st models.SessionTimerState) models.SessionTimerState {
	if st.UserIDs != nil {
		st.UserIDs = append([]string(nil), st.UserIDs...)
	}
	if st.PausedAt != nil {
		t := *st.PausedAt
		st.PausedAt = &t
	}
	return st
}
