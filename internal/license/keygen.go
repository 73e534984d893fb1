package license

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	licenseErrors "keymint/internal/errors"
	"keymint/internal/infrastructure"
)

// Generator produces signed license keys. It is internal-only: the
// provisioning state machine invokes it, nothing network-reachable does.
type Generator struct {
	signer *SigningContext
	logger *slog.Logger
	now    func() time.Time
}

// NewGenerator creates a key generator bound to the injected signing context
func NewGenerator(signer *SigningContext, logger *slog.Logger) *Generator {
	return &Generator{
		signer: signer,
		logger: infrastructure.WithComponent(logger, "keygen"),
		now:    time.Now,
	}
}

// Generate mints a new License with a signed, globally unique key.
// Uniqueness comes from the random license id and nonce, never a sequence.
// Callers guarantee no license already exists for (product, customer).
//
// A missing signing context is a hard failure: there is no unsigned
// fallback, licenses without a verifiable signature must never exist.
func (g *Generator) Generate(ctx context.Context, productID, customerID string, maxActivations int, expiresAt *time.Time) (License, error) {
	if g.signer == nil {
		return License{}, licenseErrors.ErrSigningKeyUnavailable
	}
	if productID == "" || customerID == "" {
		return License{}, fmt.Errorf("product and customer ids are required")
	}
	if maxActivations < 1 {
		return License{}, fmt.Errorf("max activations must be >= 1, got %d", maxActivations)
	}

	payload := TokenPayload{
		Version:        tokenVersion,
		LicenseID:      uuid.New(),
		ProductDigest:  Digest(productID),
		CustomerDigest: Digest(customerID),
		ExpiresAt:      expiresAt,
	}
	if _, err := rand.Read(payload.Nonce[:]); err != nil {
		return License{}, fmt.Errorf("nonce generation failed: %w", err)
	}

	raw := payload.marshal()
	sig, err := g.signer.Sign(raw)
	if err != nil {
		return License{}, err
	}
	key, err := EncodeToken(raw, sig)
	if err != nil {
		return License{}, err
	}

	// Stored and handed out in the dash-grouped display form; validation
	// normalizes it away again.
	lic := License{
		ID:             payload.LicenseID,
		Key:            FormatKey(key),
		ProductID:      productID,
		CustomerID:     customerID,
		Status:         StatusPending,
		MaxActivations: maxActivations,
		IssuedAt:       g.now().UTC(),
		ExpiresAt:      expiresAt,
		Signature:      sig,
	}

	g.logger.InfoContext(ctx, "license generated",
		slog.String("license_id", lic.ID.String()),
		slog.String("product_id", productID),
		slog.Int("max_activations", maxActivations),
	)
	return lic, nil
}
