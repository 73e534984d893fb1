package license

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"keymint/internal/audit"
	licenseErrors "keymint/internal/errors"
	"keymint/internal/infrastructure"
	"keymint/internal/security"
)

// Reason is the opaque denial code returned to validation clients.
// Internal license identifiers never appear in reasons.
type Reason string

const (
	ReasonMalformed       Reason = "malformed"
	ReasonSignature       Reason = "signature"
	ReasonUnknown         Reason = "unknown"
	ReasonPending         Reason = "pending"
	ReasonSuspended       Reason = "suspended"
	ReasonRevoked         Reason = "revoked"
	ReasonExpired         Reason = "expired"
	ReasonActivationLimit Reason = "activation_limit"
	ReasonUnavailable     Reason = "unavailable"
)

// Result is the outcome of a validation request
type Result struct {
	Valid  bool
	Reason Reason
}

func invalid(reason Reason) Result { return Result{Valid: false, Reason: reason} }

// Store is the license persistence surface the validator needs. Mutate
// serializes per license id so two concurrent activations can never both
// slip past the activation limit.
type Store interface {
	FindByID(ctx context.Context, id uuid.UUID) (License, error)
	Mutate(ctx context.Context, id uuid.UUID, fn func(*License) error) (License, error)
}

// AuditLog is the slice of the audit surface the validator writes to
type AuditLog interface {
	AppendDetail(ctx context.Context, action audit.Action, subjectID, actor, detail string) (audit.Entry, error)
}

const validatorActor = "validator"

// Validator is the secure license service: it answers whether a key is
// currently valid for a product and device, registering the activation as a
// side effect. In fail-closed mode any verifier or storage trouble denies.
type Validator struct {
	signer     *SigningContext
	store      Store
	auditLog   AuditLog
	failClosed bool
	logger     *slog.Logger
	now        func() time.Time
}

// NewValidator creates a validator. failClosed must be true in production.
func NewValidator(signer *SigningContext, store Store, auditLog AuditLog, failClosed bool, logger *slog.Logger) *Validator {
	return &Validator{
		signer:     signer,
		store:      store,
		auditLog:   auditLog,
		failClosed: failClosed,
		logger:     infrastructure.WithComponent(logger, "validator"),
		now:        time.Now,
	}
}

// Validate checks a license key against a product and device fingerprint.
// Order matters: parse, verify signature, look up, status, expiry, then the
// activation-limit check under the per-license lock. Every outcome, success
// or denial, lands in the audit log; denied requests never learn internal
// license identifiers.
func (v *Validator) Validate(ctx context.Context, key, productID, deviceFingerprint string) (Result, error) {
	fingerprint, err := security.NormalizeFingerprint(deviceFingerprint)
	if err != nil {
		return v.deny(ctx, "", ReasonMalformed), nil
	}

	parsed, err := ParseToken(key)
	if err != nil {
		// No subject and no key material in the audit entry: a malformed
		// key is untrusted input, not a license.
		return v.deny(ctx, "", ReasonMalformed), nil
	}

	validSig, err := v.signer.Verify(parsed.PayloadRaw, parsed.Signature)
	if err != nil {
		if v.failClosed {
			v.logger.WarnContext(ctx, "signature verifier unavailable, failing closed",
				slog.String("error", err.Error()))
			return v.deny(ctx, "", ReasonUnavailable), nil
		}
		v.logger.WarnContext(ctx, "signature verifier unavailable, permissive mode",
			slog.String("error", err.Error()))
	} else if !validSig {
		return v.deny(ctx, "", ReasonSignature), nil
	}

	productDigest := Digest(productID)
	if subtle.ConstantTimeCompare(parsed.Payload.ProductDigest[:], productDigest[:]) != 1 {
		return v.deny(ctx, "", ReasonUnknown), nil
	}

	lic, err := v.store.FindByID(ctx, parsed.Payload.LicenseID)
	if err != nil {
		if errors.Is(err, licenseErrors.ErrLicenseUnknown) {
			return v.deny(ctx, "", ReasonUnknown), nil
		}
		if v.failClosed {
			return v.deny(ctx, "", ReasonUnavailable), nil
		}
		return Result{}, err
	}
	if lic.ProductID != productID {
		return v.deny(ctx, lic.ID.String(), ReasonUnknown), nil
	}

	if reason, ok := statusReason(lic.EffectiveStatus(v.now())); !ok {
		return v.deny(ctx, lic.ID.String(), reason), nil
	}

	// Activation registration under the per-license lock. The status and
	// expiry checks repeat inside the critical section because a webhook
	// transition may have raced the read above.
	_, err = v.store.Mutate(ctx, lic.ID, func(l *License) error {
		if reason, ok := statusReason(l.EffectiveStatus(v.now())); !ok {
			return reasonError(reason)
		}
		if l.HasActivation(fingerprint) {
			return nil // idempotent re-activation
		}
		if l.AtCapacity() {
			return licenseErrors.ErrActivationLimit
		}
		l.Activations = append(l.Activations, ActivationRecord{
			DeviceFingerprint: fingerprint,
			ActivatedAt:       v.now().UTC(),
		})
		return nil
	})
	if err != nil {
		if reason, ok := errorReason(err); ok {
			return v.deny(ctx, lic.ID.String(), reason), nil
		}
		if v.failClosed {
			return v.deny(ctx, lic.ID.String(), ReasonUnavailable), nil
		}
		return Result{}, err
	}

	if _, auditErr := v.auditLog.AppendDetail(ctx, audit.ActionValidationSucceeded, lic.ID.String(), validatorActor, ""); auditErr != nil {
		v.logger.ErrorContext(ctx, "failed to audit validation success", slog.String("error", auditErr.Error()))
	}
	return Result{Valid: true}, nil
}

// deny audits the denial and returns the invalid result
func (v *Validator) deny(ctx context.Context, subjectID string, reason Reason) Result {
	if _, err := v.auditLog.AppendDetail(ctx, audit.ActionValidationDenied, subjectID, validatorActor, string(reason)); err != nil {
		v.logger.ErrorContext(ctx, "failed to audit validation denial",
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()),
		)
	}
	return invalid(reason)
}

// statusReason maps a non-active effective status to its denial reason
func statusReason(status Status) (Reason, bool) {
	switch status {
	case StatusActive:
		return "", true
	case StatusPending:
		return ReasonPending, false
	case StatusSuspended:
		return ReasonSuspended, false
	case StatusRevoked:
		return ReasonRevoked, false
	case StatusExpired:
		return ReasonExpired, false
	default:
		return ReasonUnknown, false
	}
}

// reasonErr carries a denial reason through the store mutation callback
type reasonErr struct{ reason Reason }

func (e reasonErr) Error() string { return string(e.reason) }

func reasonError(reason Reason) error { return reasonErr{reason: reason} }

func errorReason(err error) (Reason, bool) {
	var re reasonErr
	if errors.As(err, &re) {
		return re.reason, true
	}
	if errors.Is(err, licenseErrors.ErrActivationLimit) {
		return ReasonActivationLimit, true
	}
	return "", false
}
