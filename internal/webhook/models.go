package webhook

import "time"

// EventType is the provider-agnostic classification the provisioning state
// machine consumes. Providers map their native event names onto these.
type EventType string

const (
	EventPaymentSucceeded      EventType = "payment_succeeded"
	EventRefund                EventType = "refund"
	EventChargeback            EventType = "chargeback"
	EventSubscriptionCancelled EventType = "subscription_cancelled"
	EventDisputeResolved       EventType = "dispute_resolved"
	// EventUnknown marks event types this system does not act on. They are
	// still admitted and persisted so provider retries stay idempotent.
	EventUnknown EventType = "unknown"
)

// EventData is the business payload extracted from a verified webhook
type EventData struct {
	ProductID      string     `json:"product_id"`
	CustomerID     string     `json:"customer_id"`
	MaxActivations int        `json:"max_activations,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// PaymentEvent is an admitted webhook event. Immutable once persisted;
// (Provider, EventID) is the replay-dedupe key. ProcessedAt is the only
// field written after admission, by the state machine, for crash recovery.
type PaymentEvent struct {
	Provider    string     `json:"provider"`
	EventID     string     `json:"event_id"`
	Type        string     `json:"type"`      // provider-native event name
	Canonical   EventType  `json:"canonical"` // mapped classification
	PayloadHash string     `json:"payload_hash"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Data        EventData  `json:"data"`
}

// Key returns the replay-dedupe key
func (e *PaymentEvent) Key() string {
	return e.Provider + ":" + e.EventID
}
