package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	licenseErrors "keymint/internal/errors"
	"keymint/internal/license"
)

// LicenseService is the transport-facing facade over validation and status
// lookups. Handlers depend on this interface, never on the domain directly.
type LicenseService interface {
	Validate(ctx context.Context, key, productID, deviceFingerprint string) (*ValidationResponse, error)
	Status(ctx context.Context, key string) (*LicenseStatusResponse, error)
}

// ValidationResponse is the client-facing validation result. The reason is
// an opaque code; internal identifiers and raw errors never appear here.
type ValidationResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// LicenseStatusResponse summarizes a license for its holder
type LicenseStatusResponse struct {
	LicenseKey      string     `json:"license_key"` // masked
	Status          string     `json:"status"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	DaysLeft        int        `json:"days_left,omitempty"`
	ActivationsUsed int        `json:"activations_used"`
	MaxActivations  int        `json:"max_activations"`
}

type licenseService struct {
	validator *license.Validator
	store     license.Store
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewLicenseService creates the license service facade
func NewLicenseService(validator *license.Validator, store license.Store, metrics *Metrics, logger *slog.Logger) LicenseService {
	return &licenseService{
		validator: validator,
		store:     store,
		metrics:   metrics,
		logger:    logger.With(slog.String("service", "license")),
		now:       time.Now,
	}
}

// Validate runs the secure validation path and shapes the outcome for
// transport. Denials come back as results, not errors; only storage-level
// faults propagate as errors for a 5xx.
func (s *licenseService) Validate(ctx context.Context, key, productID, deviceFingerprint string) (*ValidationResponse, error) {
	result, err := s.validator.Validate(ctx, key, productID, deviceFingerprint)
	if err != nil {
		s.logger.ErrorContext(ctx, "validation failed hard",
			slog.String("product_id", productID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.metrics.RecordValidation(ctx, result.Valid, string(result.Reason))
	s.logger.InfoContext(ctx, "validation completed",
		slog.Bool("valid", result.Valid),
		slog.String("reason", string(result.Reason)),
		slog.String("product_id", productID),
	)
	return &ValidationResponse{
		Valid:  result.Valid,
		Reason: string(result.Reason),
	}, nil
}

// Status returns a holder-facing summary for the given key. The key itself
// authenticates the lookup; a bad key yields not-found with no detail.
func (s *licenseService) Status(ctx context.Context, key string) (*LicenseStatusResponse, error) {
	parsed, err := license.ParseToken(key)
	if err != nil {
		return nil, licenseErrors.ErrLicenseUnknown
	}

	lic, err := s.store.FindByID(ctx, parsed.Payload.LicenseID)
	if err != nil {
		if errors.Is(err, licenseErrors.ErrLicenseUnknown) {
			return nil, licenseErrors.ErrLicenseUnknown
		}
		return nil, err
	}
	// A stolen well-formed token for another license id still needs the
	// matching key material to read anything.
	if license.NormalizeKey(lic.Key) != license.NormalizeKey(key) {
		return nil, licenseErrors.ErrLicenseUnknown
	}

	now := s.now()
	resp := &LicenseStatusResponse{
		LicenseKey:      MaskLicenseKey(lic.Key),
		Status:          string(lic.EffectiveStatus(now)),
		IssuedAt:        lic.IssuedAt,
		ExpiresAt:       lic.ExpiresAt,
		ActivationsUsed: len(lic.Activations),
		MaxActivations:  lic.MaxActivations,
	}
	if lic.ExpiresAt != nil {
		if days := int(lic.ExpiresAt.Sub(now).Hours() / 24); days > 0 {
			resp.DaysLeft = days
		}
	}
	return resp, nil
}

// MaskLicenseKey hides the bulk of a key for logs and status responses
func MaskLicenseKey(key string) string {
	normalized := license.NormalizeKey(key)
	if len(normalized) <= 12 {
		return "****"
	}
	return normalized[:6] + "..." + normalized[len(normalized)-4:]
}
