package webhook

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licenseErrors "keymint/internal/errors"
)

const paypalTestSecret = "paypal_test_secret"

func paypalBody(eventID, eventType string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"event_type":%q,"resource":{"product_id":"com.example.product","customer_id":"cus_1"}}`,
		eventID, eventType))
}

func paypalHeaders(t *testing.T, body []byte, signedAt time.Time) http.Header {
	t.Helper()
	transmissionID := "tx-" + signedAt.UTC().Format("150405")
	transmissionTime := signedAt.UTC().Format(time.RFC3339)
	sig := computeHMAC([]byte(paypalTestSecret),
		[]byte(fmt.Sprintf("%s|%s|%s", transmissionID, transmissionTime, body)))

	h := http.Header{}
	h.Set("Paypal-Transmission-Id", transmissionID)
	h.Set("Paypal-Transmission-Time", transmissionTime)
	h.Set("Paypal-Transmission-Sig", sig)
	return h
}

func TestPayPalVerify(t *testing.T) {
	p := NewPayPalProvider(paypalTestSecret)
	now := time.Now()
	body := paypalBody("WH-1", "PAYMENT.CAPTURE.COMPLETED")

	event, err := p.Verify(body, paypalHeaders(t, body, now), now, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "paypal", event.Provider)
	assert.Equal(t, "WH-1", event.EventID)
	assert.Equal(t, EventPaymentSucceeded, event.Canonical)
	assert.Equal(t, "com.example.product", event.Data.ProductID)
}

func TestPayPalVerifyRejectsMutatedBody(t *testing.T) {
	p := NewPayPalProvider(paypalTestSecret)
	now := time.Now()
	body := paypalBody("WH-1", "PAYMENT.CAPTURE.COMPLETED")
	headers := paypalHeaders(t, body, now)

	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		_, err := p.Verify(mutated, headers, now, 5*time.Minute)
		assert.ErrorIs(t, err, licenseErrors.ErrWebhookSignature, "mutation at byte %d accepted", i)
	}
}

func TestPayPalVerifyRejectsStaleTransmission(t *testing.T) {
	p := NewPayPalProvider(paypalTestSecret)
	now := time.Now()
	body := paypalBody("WH-1", "PAYMENT.CAPTURE.COMPLETED")

	_, err := p.Verify(body, paypalHeaders(t, body, now.Add(-10*time.Minute)), now, 5*time.Minute)
	assert.ErrorIs(t, err, licenseErrors.ErrWebhookStale)
}

func TestPayPalVerifyRejectsMissingHeaders(t *testing.T) {
	p := NewPayPalProvider(paypalTestSecret)
	now := time.Now()
	body := paypalBody("WH-1", "PAYMENT.CAPTURE.COMPLETED")

	full := paypalHeaders(t, body, now)
	for _, missing := range []string{"Paypal-Transmission-Id", "Paypal-Transmission-Time", "Paypal-Transmission-Sig"} {
		t.Run(missing, func(t *testing.T) {
			h := full.Clone()
			h.Del(missing)
			_, err := p.Verify(body, h, now, 5*time.Minute)
			assert.ErrorIs(t, err, licenseErrors.ErrWebhookSignature)
		})
	}
}

func TestMapPayPalType(t *testing.T) {
	tests := []struct {
		native string
		want   EventType
	}{
		{"PAYMENT.CAPTURE.COMPLETED", EventPaymentSucceeded},
		{"PAYMENT.SALE.COMPLETED", EventPaymentSucceeded},
		{"PAYMENT.CAPTURE.REFUNDED", EventRefund},
		{"PAYMENT.SALE.REFUNDED", EventRefund},
		{"CUSTOMER.DISPUTE.CREATED", EventChargeback},
		{"BILLING.SUBSCRIPTION.CANCELLED", EventSubscriptionCancelled},
		{"CUSTOMER.DISPUTE.RESOLVED", EventDisputeResolved},
		{"CHECKOUT.ORDER.APPROVED", EventUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapPayPalType(tt.native), tt.native)
	}
}
