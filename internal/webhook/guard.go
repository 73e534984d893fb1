package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"keymint/internal/audit"
	licenseErrors "keymint/internal/errors"
	"keymint/internal/infrastructure"
)

// Outcome classifies an admission decision
type Outcome int

const (
	Accepted Outcome = iota
	Duplicate
	Rejected
)

// String renders the outcome for logs and audit details
func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	default:
		return "rejected"
	}
}

// Decision is the result of admitting one raw webhook
type Decision struct {
	Outcome Outcome
	Event   PaymentEvent // populated when Outcome == Accepted or Duplicate
	Reason  string       // populated when Outcome == Rejected
}

// EventStore persists admitted events. PutIfAbsent must be atomic on the
// (provider, event_id) key: the event is persisted together with the
// admission decision so a crash between verification and persistence cannot
// double-admit.
type EventStore interface {
	PutIfAbsent(ctx context.Context, event PaymentEvent) (bool, error)
}

// AuditLog is the slice of the audit surface the guard writes to
type AuditLog interface {
	AppendDetail(ctx context.Context, action audit.Action, subjectID, actor, detail string) (audit.Entry, error)
}

const guardActor = "webhook-guard"

// Guard owns webhook admission policy: authenticity, freshness, and replay
// protection. Verified events flow to the provisioning state machine as
// plain values; rejected payloads never get that far.
type Guard struct {
	providers map[string]Provider
	store     EventStore
	auditLog  AuditLog
	tolerance time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewGuard creates a guard over the given provider set
func NewGuard(providers []Provider, store EventStore, auditLog AuditLog, tolerance time.Duration, logger *slog.Logger) *Guard {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Guard{
		providers: byName,
		store:     store,
		auditLog:  auditLog,
		tolerance: tolerance,
		logger:    infrastructure.WithComponent(logger, "webhook-guard"),
		now:       time.Now,
	}
}

// Admit verifies a raw webhook and persists it exactly once.
// Re-delivery of an already-admitted event returns Duplicate and changes
// nothing; rejected signatures are audit-logged as security events.
func (g *Guard) Admit(ctx context.Context, providerName string, body []byte, headers http.Header) (Decision, error) {
	provider, ok := g.providers[providerName]
	if !ok {
		return g.reject(ctx, providerName, "", licenseErrors.ErrUnknownProvider), nil
	}

	event, err := provider.Verify(body, headers, g.now(), g.tolerance)
	if err != nil {
		return g.reject(ctx, providerName, "", err), nil
	}

	// PutIfAbsent is atomic on the event key, so every delivery gets its
	// own answer: exactly one concurrent delivery of an event is Accepted,
	// the rest see Duplicate.
	inserted, err := g.store.PutIfAbsent(ctx, event)
	if err != nil {
		return Decision{}, fmt.Errorf("event persistence failed: %w", err)
	}

	if !inserted {
		if _, auditErr := g.auditLog.AppendDetail(ctx, audit.ActionEventDuplicate, event.Key(), guardActor, event.Type); auditErr != nil {
			g.logger.ErrorContext(ctx, "failed to audit duplicate event", slog.String("error", auditErr.Error()))
		}
		g.logger.InfoContext(ctx, "duplicate webhook event",
			slog.String("provider", providerName),
			slog.String("event_id", event.EventID),
		)
		return Decision{Outcome: Duplicate, Event: event}, nil
	}

	if _, auditErr := g.auditLog.AppendDetail(ctx, audit.ActionEventAdmitted, event.Key(), guardActor, event.Type); auditErr != nil {
		g.logger.ErrorContext(ctx, "failed to audit admitted event", slog.String("error", auditErr.Error()))
	}
	g.logger.InfoContext(ctx, "webhook event admitted",
		slog.String("provider", providerName),
		slog.String("event_id", event.EventID),
		slog.String("type", event.Type),
	)
	return Decision{Outcome: Accepted, Event: event}, nil
}

// reject audits the rejection as a security event and builds the decision.
// The audited detail carries the failure class, never payload content.
func (g *Guard) reject(ctx context.Context, providerName, eventID string, cause error) Decision {
	reason := rejectReason(cause)
	subject := providerName
	if eventID != "" {
		subject = providerName + ":" + eventID
	}
	if _, err := g.auditLog.AppendDetail(ctx, audit.ActionEventRejected, subject, guardActor, reason); err != nil {
		g.logger.ErrorContext(ctx, "failed to audit rejected event", slog.String("error", err.Error()))
	}
	g.logger.WarnContext(ctx, "webhook rejected",
		slog.String("provider", providerName),
		slog.String("reason", reason),
	)
	return Decision{Outcome: Rejected, Reason: reason}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, licenseErrors.ErrUnknownProvider):
		return "unknown_provider"
	case errors.Is(err, licenseErrors.ErrWebhookStale):
		return "stale_timestamp"
	case errors.Is(err, licenseErrors.ErrWebhookSignature):
		return "signature_invalid"
	default:
		return "malformed_payload"
	}
}
