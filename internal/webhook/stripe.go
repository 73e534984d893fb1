package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	licenseErrors "keymint/internal/errors"
)

// StripeProvider verifies Stripe webhook signatures. Scheme:
// Stripe-Signature header "t=<unix>,v1=<hex hmac>" where the HMAC-SHA256 is
// computed over "<t>.<body>" with the endpoint secret.
type StripeProvider struct {
	secret []byte
}

// NewStripeProvider creates a Stripe verifier with the endpoint secret
func NewStripeProvider(secret string) *StripeProvider {
	return &StripeProvider{secret: []byte(secret)}
}

// Name implements Provider
func (p *StripeProvider) Name() string { return "stripe" }

// stripeEnvelope is the subset of the Stripe event body this system reads
type stripeEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object EventData `json:"object"`
	} `json:"data"`
}

// Verify implements Provider
func (p *StripeProvider) Verify(body []byte, headers http.Header, now time.Time, tolerance time.Duration) (PaymentEvent, error) {
	header := headers.Get("Stripe-Signature")
	if header == "" {
		return PaymentEvent{}, fmt.Errorf("%w: missing Stripe-Signature header", licenseErrors.ErrWebhookSignature)
	}

	var ts int64
	var receivedSig string
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return PaymentEvent{}, fmt.Errorf("%w: bad timestamp", licenseErrors.ErrWebhookSignature)
			}
			ts = parsed
		case "v1":
			receivedSig = v
		}
	}
	if ts == 0 || receivedSig == "" {
		return PaymentEvent{}, fmt.Errorf("%w: incomplete signature header", licenseErrors.ErrWebhookSignature)
	}

	signedAt := time.Unix(ts, 0)
	if !withinTolerance(signedAt, now, tolerance) {
		return PaymentEvent{}, fmt.Errorf("%w: signed at %s", licenseErrors.ErrWebhookStale, signedAt.UTC().Format(time.RFC3339))
	}

	signedPayload := fmt.Sprintf("%d.%s", ts, body)
	expected := computeHMAC(p.secret, []byte(signedPayload))
	if !hmacEqual(expected, receivedSig) {
		return PaymentEvent{}, licenseErrors.ErrWebhookSignature
	}

	var envelope stripeEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return PaymentEvent{}, fmt.Errorf("malformed stripe event body: %w", err)
	}
	if envelope.ID == "" {
		return PaymentEvent{}, fmt.Errorf("malformed stripe event: missing id")
	}

	return PaymentEvent{
		Provider:    p.Name(),
		EventID:     envelope.ID,
		Type:        envelope.Type,
		Canonical:   mapStripeType(envelope.Type),
		PayloadHash: payloadHash(body),
		ReceivedAt:  now.UTC(),
		Data:        envelope.Data.Object,
	}, nil
}

func mapStripeType(t string) EventType {
	switch t {
	case "payment_intent.succeeded", "invoice.payment_succeeded":
		return EventPaymentSucceeded
	case "charge.refunded":
		return EventRefund
	case "charge.dispute.created":
		return EventChargeback
	case "customer.subscription.deleted":
		return EventSubscriptionCancelled
	case "charge.dispute.funds_reinstated":
		return EventDisputeResolved
	default:
		return EventUnknown
	}
}
