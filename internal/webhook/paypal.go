package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	licenseErrors "keymint/internal/errors"
)

// PayPalProvider verifies PayPal webhook transmissions. The real PayPal
// verification is an API call against their certificate chain; that external
// oracle is modeled as a shared-secret HMAC over
// "<transmission-id>|<transmission-time>|<body>" carried in the standard
// transmission headers.
type PayPalProvider struct {
	secret []byte
}

// NewPayPalProvider creates a PayPal verifier with the webhook secret
func NewPayPalProvider(secret string) *PayPalProvider {
	return &PayPalProvider{secret: []byte(secret)}
}

// Name implements Provider
func (p *PayPalProvider) Name() string { return "paypal" }

// paypalEnvelope is the subset of the PayPal event body this system reads
type paypalEnvelope struct {
	ID        string    `json:"id"`
	EventType string    `json:"event_type"`
	Resource  EventData `json:"resource"`
}

// Verify implements Provider
func (p *PayPalProvider) Verify(body []byte, headers http.Header, now time.Time, tolerance time.Duration) (PaymentEvent, error) {
	transmissionID := headers.Get("Paypal-Transmission-Id")
	transmissionTime := headers.Get("Paypal-Transmission-Time")
	receivedSig := headers.Get("Paypal-Transmission-Sig")
	if transmissionID == "" || transmissionTime == "" || receivedSig == "" {
		return PaymentEvent{}, fmt.Errorf("%w: missing transmission headers", licenseErrors.ErrWebhookSignature)
	}

	signedAt, err := time.Parse(time.RFC3339, transmissionTime)
	if err != nil {
		return PaymentEvent{}, fmt.Errorf("%w: bad transmission time", licenseErrors.ErrWebhookSignature)
	}
	if !withinTolerance(signedAt, now, tolerance) {
		return PaymentEvent{}, fmt.Errorf("%w: signed at %s", licenseErrors.ErrWebhookStale, signedAt.UTC().Format(time.RFC3339))
	}

	signedPayload := fmt.Sprintf("%s|%s|%s", transmissionID, transmissionTime, body)
	expected := computeHMAC(p.secret, []byte(signedPayload))
	if !hmacEqual(expected, receivedSig) {
		return PaymentEvent{}, licenseErrors.ErrWebhookSignature
	}

	var envelope paypalEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return PaymentEvent{}, fmt.Errorf("malformed paypal event body: %w", err)
	}
	if envelope.ID == "" {
		return PaymentEvent{}, fmt.Errorf("malformed paypal event: missing id")
	}

	return PaymentEvent{
		Provider:    p.Name(),
		EventID:     envelope.ID,
		Type:        envelope.EventType,
		Canonical:   mapPayPalType(envelope.EventType),
		PayloadHash: payloadHash(body),
		ReceivedAt:  now.UTC(),
		Data:        envelope.Resource,
	}, nil
}

func mapPayPalType(t string) EventType {
	switch t {
	case "PAYMENT.CAPTURE.COMPLETED", "PAYMENT.SALE.COMPLETED":
		return EventPaymentSucceeded
	case "PAYMENT.CAPTURE.REFUNDED", "PAYMENT.SALE.REFUNDED":
		return EventRefund
	case "CUSTOMER.DISPUTE.CREATED":
		return EventChargeback
	case "BILLING.SUBSCRIPTION.CANCELLED":
		return EventSubscriptionCancelled
	case "CUSTOMER.DISPUTE.RESOLVED":
		return EventDisputeResolved
	default:
		return EventUnknown
	}
}
