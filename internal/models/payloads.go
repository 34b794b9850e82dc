package models

import (
	"encoding/json"
	"fmt"
)

// WebhookPayload is the payload for processWebhook jobs.
type WebhookPayload struct {
	EventID string `json:"event_id"`
}

// PurchasePayload is the enriched payload for processPurchase jobs derived from a webhook.
type PurchasePayload struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	InvoiceID  string `json:"invoice_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Amount     int64  `json:"amount,omitempty"`
	Currency   string `json:"currency,omitempty"`
}

// BackupPayload is the payload for generateDatabaseBackup jobs.
type BackupPayload struct {
	Reason string `json:"reason,omitempty"`
}

// SessionTickPayload is the payload for sessionTimerTick jobs.
type SessionTickPayload struct {
	SessionID  string `json:"session_id"`
	Generation int64  `json:"generation"`
}

// InactivityPayload is the payload for processInactivity jobs.
type InactivityPayload struct {
	SessionID  string `json:"session_id"`
	Generation int64  `json:"generation"`
}

// ScheduleChangedPayload is the payload for scheduleConfigChanged jobs.
type ScheduleChangedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// UserNotificationPayload is the payload for notification:user jobs.
type UserNotificationPayload struct {
	UserID  string          `json:"user_id"`
	Event   string          `json:"event"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Phone   string          `json:"phone,omitempty"`
}

// DecodePayload unmarshals a job payload into the schema for its type.
func DecodePayload(job Job, v interface{}) error {
	if len(job.Payload) == 0 {
		return fmt.Errorf("invalid %s payload: empty", job.Type)
	}
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", job.Type, err)
	}
	return nil
}
