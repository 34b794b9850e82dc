package notify

import (
	"context"
	"sync"
)

// Emitted is one event captured by a Recorder.
type Emitted struct {
	Event  string
	UserID string
	Room   string
	Data   interface{}
}

// Recorder is an in-memory Gateway for tests. Set Err to make every call fail
// after it has been recorded.
type Recorder struct {
	mu     sync.Mutex
	events []Emitted
	Err    error
}

var _ Gateway = (*Recorder)(nil)

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(_ context.Context, event, userID string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Emitted{Event: event, UserID: userID, Data: data})
	return r.Err
}

func (r *Recorder) EmitToRoom(_ context.Context, room, event string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Emitted{Event: event, Room: room, Data: data})
	return r.Err
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Emitted, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many times event was recorded.
func (r *Recorder) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

// Reset clears recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
