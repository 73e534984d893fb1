package license

import (
	"time"

	"github.com/google/uuid"
)

// Status is the stored lifecycle state of a license
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
	StatusExpired   Status = "expired"
)

// ActivationRecord binds a license to one device fingerprint.
// Records are append-only; suspension and revocation retain them so the
// audit trail of past activations survives.
type ActivationRecord struct {
	DeviceFingerprint string    `json:"device_fingerprint"`
	ActivatedAt       time.Time `json:"activated_at"`
}

// License represents a provisioned right to use a product
type License struct {
	ID             uuid.UUID          `json:"id"`
	Key            string             `json:"key"`
	ProductID      string             `json:"product_id"`
	CustomerID     string             `json:"customer_id"`
	Status         Status             `json:"status"`
	MaxActivations int                `json:"max_activations"`
	Activations    []ActivationRecord `json:"activations"`
	IssuedAt       time.Time          `json:"issued_at"`
	ExpiresAt      *time.Time         `json:"expires_at,omitempty"`
	Signature      []byte             `json:"signature"`
}

// EffectiveStatus computes the lifecycle state at the given instant.
// Expiry is lazy: a stored active license past its expires_at reads as
// expired without a background sweep ever rewriting it.
func (l *License) EffectiveStatus(now time.Time) Status {
	if l.Status == StatusActive && l.ExpiresAt != nil && !now.Before(*l.ExpiresAt) {
		return StatusExpired
	}
	return l.Status
}

// HasActivation reports whether the fingerprint is already registered
func (l *License) HasActivation(fingerprint string) bool {
	for _, a := range l.Activations {
		if a.DeviceFingerprint == fingerprint {
			return true
		}
	}
	return false
}

// AtCapacity reports whether the activation limit is reached
func (l *License) AtCapacity() bool {
	return len(l.Activations) >= l.MaxActivations
}
