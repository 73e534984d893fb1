package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

// Provider verifies a raw webhook against one payment provider's published
// signature scheme and extracts the event on success. The guard owns the
// admission policy; providers own only the verification primitive, so
// swapping an HMAC check for a provider verification API stays local to one
// implementation.
type Provider interface {
	Name() string
	Verify(body []byte, headers http.Header, now time.Time, tolerance time.Duration) (PaymentEvent, error)
}

// computeHMAC returns the hex HMAC-SHA256 of msg under secret
func computeHMAC(secret, msg []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// hmacEqual compares a received hex signature in constant time
func hmacEqual(expected, received string) bool {
	return hmac.Equal([]byte(expected), []byte(received))
}

// payloadHash fingerprints the raw body for the persisted event record
func payloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// withinTolerance checks the signed timestamp freshness window. Stale but
// validly signed payloads are classic replay material and must be rejected.
func withinTolerance(signed, now time.Time, tolerance time.Duration) bool {
	age := now.Sub(signed)
	if age < 0 {
		age = -age // small clock skew in either direction
	}
	return age <= tolerance
}
