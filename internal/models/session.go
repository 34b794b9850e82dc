package models

import "time"

// SessionStatus is the state of a session timer.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
	SessionEnded  SessionStatus = "ended"
)

// SessionTimerState is the ephemeral timer state of one appointment session.
type SessionTimerState struct {
	SessionID      string        `json:"session_id"`
	Room           string        `json:"room"`
	UserIDs        []string      `json:"user_ids,omitempty"`
	StartTime      time.Time     `json:"start_time"`
	Status         SessionStatus `json:"status"`
	MaxDuration    time.Duration `json:"max_duration"`
	PausedAt       *time.Time    `json:"paused_at,omitempty"`
	PausedTotal    time.Duration `json:"paused_total"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	// Generation changes whenever a new tick chain is started; ticks carrying an
	// older generation stop themselves.
	Generation int64     `json:"generation"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Elapsed returns running time excluding pauses, as of now.
func (s SessionTimerState) Elapsed(now time.Time) time.Duration {
	end := now
	if s.Status == SessionPaused && s.PausedAt != nil {
		end = *s.PausedAt
	}
	d := end.Sub(s.StartTime) - s.PausedTotal
	if d < 0 {
		return 0
	}
	return d
}

// Remaining returns how much of MaxDuration is left, never negative.
func (s SessionTimerState) Remaining(now time.Time) time.Duration {
	r := s.MaxDuration - s.Elapsed(now)
	if r < 0 {
		return 0
	}
	return r
}

// TimerInfo is the snapshot pushed to clients on every tick.
type TimerInfo struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
	ElapsedMS int64         `json:"elapsed_ms"`
	RemainMS  int64         `json:"remaining_ms"`
	At        time.Time     `json:"at"`
}

// Snapshot builds a TimerInfo for now.
func (s SessionTimerState) Snapshot(now time.Time) TimerInfo {
	return TimerInfo{
		SessionID: s.SessionID,
		Status:    s.Status,
		ElapsedMS: s.Elapsed(now).Milliseconds(),
		RemainMS:  s.Remaining(now).Milliseconds(),
		At:        now,
	}
}
