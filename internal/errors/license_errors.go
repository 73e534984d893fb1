package errors

import "errors"

// License-specific sentinel errors. Services translate these into opaque
// validation reasons at the HTTP edge; raw internals never leave the process.
var (
	ErrMalformedKey        = errors.New("malformed license key")
	ErrSignatureInvalid    = errors.New("license signature invalid")
	ErrLicenseUnknown      = errors.New("license unknown")
	ErrLicenseExpired      = errors.New("license expired")
	ErrLicenseNotActive    = errors.New("license not active")
	ErrActivationLimit     = errors.New("activation limit exceeded")
	ErrVerifierUnavailable = errors.New("signature verifier unavailable")

	// Generation
	ErrSigningKeyUnavailable = errors.New("signing key unavailable")

	// Webhook admission
	ErrWebhookSignature = errors.New("webhook signature invalid")
	ErrWebhookStale     = errors.New("webhook timestamp outside tolerance")
	ErrUnknownProvider  = errors.New("unknown payment provider")

	// Provisioning
	ErrStateConflict = errors.New("concurrent license transition conflict")
)
