package security

import (
	"errors"
	"regexp"
	"strings"
)

// Device fingerprints are computed client-side and arrive as opaque strings.
// The server only normalizes and bounds them; it never trusts their content
// beyond uniqueness within a license.
const (
	// MinFingerprintLength rejects trivially spoofable identifiers
	MinFingerprintLength = 8
	// MaxFingerprintLength bounds storage per activation record
	MaxFingerprintLength = 128
)

var (
	// ErrInvalidFingerprint indicates a fingerprint outside the accepted shape
	ErrInvalidFingerprint = errors.New("invalid device fingerprint")

	fingerprintPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)
)

// NormalizeFingerprint canonicalizes a client-supplied device fingerprint.
// Surrounding whitespace is stripped and hex-like fingerprints are lowercased
// so the same device never counts twice against the activation limit.
func NormalizeFingerprint(raw string) (string, error) {
	fp := strings.TrimSpace(raw)
	if len(fp) < MinFingerprintLength || len(fp) > MaxFingerprintLength {
		return "", ErrInvalidFingerprint
	}
	if !fingerprintPattern.MatchString(fp) {
		return "", ErrInvalidFingerprint
	}
	return strings.ToLower(fp), nil
}
