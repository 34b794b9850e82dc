package automation

import (
	"time"

	"github.com/BTreeMap/SessionPipe/internal/models"
	"github.com/tidwall/gjson"
)

// EventRules classifies webhook event types and says where purchase fields live in
// the provider payload. Paths use gjson syntax and are tried in order.
type EventRules struct {
	// Critical event types are scheduled at critical priority with no delay.
	Critical []string
	// Purchase event types spawn a processPurchase job.
	Purchase []string
	// NormalDelay postpones processing of non-critical events.
	NormalDelay time.Duration

	InvoicePaths  []string
	CustomerPaths []string
	PhonePaths    []string
	AmountPaths   []string
	CurrencyPaths []string
}

// DefaultEventRules returns rules for Stripe-shaped payloads.
func DefaultEventRules() EventRules {
	return EventRules{
		Critical:      []string{"invoice.paid", "checkout.session.completed", "payment_intent.succeeded"},
		Purchase:      []string{"invoice.paid", "checkout.session.completed"},
		InvoicePaths:  []string{"data.object.invoice", "data.object.id"},
		CustomerPaths: []string{"data.object.customer"},
		PhonePaths:    []string{"data.object.customer_details.phone", "data.object.customer_phone"},
		AmountPaths:   []string{"data.object.amount_total", "data.object.amount_paid"},
		CurrencyPaths: []string{"data.object.currency"},
	}
}

func (r EventRules) IsCritical(eventType string) bool { return contains(r.Critical, eventType) }

func (r EventRules) IsPurchase(eventType string) bool { return contains(r.Purchase, eventType) }

// Priority returns the job priority and start delay for an event type.
func (r EventRules) Priority(eventType string) (int, time.Duration) {
	if r.IsCritical(eventType) {
		return models.PriorityCritical, 0
	}
	return models.PriorityNormal, r.NormalDelay
}

// ExtractPurchase derives the enriched purchase payload from a raw webhook body.
func (r EventRules) ExtractPurchase(ev models.WebhookEvent) models.PurchasePayload {
	p := models.PurchasePayload{
		EventID:    ev.ID,
		EventType:  ev.EventType,
		InvoiceID:  firstString(ev.Payload, r.InvoicePaths),
		CustomerID: firstString(ev.Payload, r.CustomerPaths),
		Phone:      firstString(ev.Payload, r.PhonePaths),
		Currency:   firstString(ev.Payload, r.CurrencyPaths),
	}
	for _, path := range r.AmountPaths {
		if v := gjson.GetBytes(ev.Payload, path); v.Exists() && v.Type == gjson.Number {
			p.Amount = v.Int()
			break
		}
	}
	return p
}

func firstString(body []byte, paths []string) string {
	for _, path := range paths {
		// nested objects (an expanded customer) are not ids
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
