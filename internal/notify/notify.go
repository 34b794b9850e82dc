// Package notify pushes real-time events to connected clients.
//
// Gateway is the raw delivery surface and reports errors. Job handlers never see it
// directly: they get a Notifier from BestEffort, whose methods have no error result.
// A failed push is logged and dropped so it can never fail or retry the owning job.
package notify

import (
	"context"
	"log/slog"
)

// Gateway delivers events to a single user or to every member of a room.
type Gateway interface {
	Emit(ctx context.Context, event, userID string, data interface{}) error
	EmitToRoom(ctx context.Context, room, event string, data interface{}) error
}

// Notifier is a fire-and-forget Gateway. Errors are logged and discarded.
type Notifier interface {
	Emit(ctx context.Context, event, userID string, data interface{})
	EmitToRoom(ctx context.Context, room, event string, data interface{})
}

// BestEffort wraps gw so delivery failures are logged instead of returned.
// A nil gw yields a Notifier that drops everything.
func BestEffort(gw Gateway) Notifier {
	return bestEffort{gw: gw}
}

type bestEffort struct {
	gw Gateway
}

func (b bestEffort) Emit(ctx context.Context, event, userID string, data interface{}) {
	if b.gw == nil {
		return
	}
	if err := b.gw.Emit(ctx, event, userID, data); err != nil {
		slog.Warn("Notifier.Emit: delivery failed, dropped", "event", event, "user", userID, "error", err)
	}
}

func (b bestEffort) EmitToRoom(ctx context.Context, room, event string, data interface{}) {
	if b.gw == nil {
		return
	}
	if err := b.gw.EmitToRoom(ctx, room, event, data); err != nil {
		slog.Warn("Notifier.EmitToRoom: delivery failed, dropped", "event", event, "room", room, "error", err)
	}
}
