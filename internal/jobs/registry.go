// Package jobs executes durable jobs: it maps job types to handlers, runs the worker
// pool that drains the delay queue, and exposes the job creation API used by producers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/SessionPipe/internal/models"
)

// ErrUnknownJobType is returned when no handler is registered for a job's type.
var ErrUnknownJobType = errors.New("unknown job type")

// Handler executes one attempt of a job. A non-nil error counts as a failed attempt.
type Handler func(ctx context.Context, job models.Job) error

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs handler for jobType, replacing any previous one.
func (r *Registry) Register(jobType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = handler
	slog.Debug("Registry.Register", "type", jobType)
}

// Lookup returns the handler for jobType or an error wrapping ErrUnknownJobType.
func (r *Registry) Lookup(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return h, nil
}

// Types lists registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
