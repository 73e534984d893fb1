package license

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	licenseErrors "keymint/internal/errors"
)

// SigningContext holds the process-wide Ed25519 keypair. It is constructed
// once at startup from the sealed keystore and passed explicitly to the
// generator and validator; there is no ambient global key. Rotation replaces
// the context wholesale, it is never mutated in place.
type SigningContext struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigningContext builds a signing context from a loaded private key
func NewSigningContext(priv ed25519.PrivateKey) (*SigningContext, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: invalid key length %d", licenseErrors.ErrSigningKeyUnavailable, len(priv))
	}
	return &SigningContext{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// NewEphemeralSigningContext generates a throwaway keypair.
// Keys do not survive restarts; development and tests only.
func NewEphemeralSigningContext() (*SigningContext, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", licenseErrors.ErrSigningKeyUnavailable, err)
	}
	return NewSigningContext(priv)
}

// Sign signs the canonical token payload
func (s *SigningContext) Sign(payload []byte) ([]byte, error) {
	if s == nil || len(s.priv) != ed25519.PrivateKeySize {
		return nil, licenseErrors.ErrSigningKeyUnavailable
	}
	return ed25519.Sign(s.priv, payload), nil
}

// Verify reports whether sig is a valid signature over payload
func (s *SigningContext) Verify(payload, sig []byte) (bool, error) {
	if s == nil || len(s.pub) != ed25519.PublicKeySize {
		return false, licenseErrors.ErrVerifierUnavailable
	}
	return ed25519.Verify(s.pub, payload, sig), nil
}

// PublicKey exposes the verification half for export to offline validators
func (s *SigningContext) PublicKey() ed25519.PublicKey {
	return s.pub
}
