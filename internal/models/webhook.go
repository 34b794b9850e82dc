package models

import (
	"encoding/json"
	"time"
)

// WebhookEvent is the raw record of an inbound webhook. It is never mutated after insert.
type WebhookEvent struct {
	ID         string          `json:"id"`
	Provider   string          `json:"provider"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}
