// Package recovery restores scheduling state after a restart and keeps the delay
// queue consistent with the job store while running.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is a component that restores its state during startup.
type Recoverable interface {
	RecoverState(ctx context.Context) error
}

// RecoverFunc adapts a function to Recoverable.
type RecoverFunc func(ctx context.Context) error

func (f RecoverFunc) RecoverState(ctx context.Context) error { return f(ctx) }

type namedRecoverable struct {
	name string
	r    Recoverable
}

// Manager runs the recovery of every registered component in registration order.
type Manager struct {
	recoverables []namedRecoverable
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a component under a name used in logs.
func (m *Manager) Register(name string, r Recoverable) {
	m.recoverables = append(m.recoverables, namedRecoverable{name: name, r: r})
}

// RecoverAll runs every component even if an earlier one fails.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))

	recovered, failed := 0, 0
	for _, nr := range m.recoverables {
		if err := nr.r.RecoverState(ctx); err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", nr.name, "error", err)
			failed++
			continue
		}
		recovered++
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", recovered, "errors", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(m.recoverables))
	}
	return nil
}
