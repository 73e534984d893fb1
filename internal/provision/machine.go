package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"keymint/internal/audit"
	licenseErrors "keymint/internal/errors"
	"keymint/internal/infrastructure"
	"keymint/internal/license"
	"keymint/internal/webhook"
)

// LicenseStore is the license persistence surface the machine drives
type LicenseStore interface {
	Save(ctx context.Context, lic license.License) error
	FindByOwner(ctx context.Context, productID, customerID string) (license.License, error)
	Mutate(ctx context.Context, id uuid.UUID, fn func(*license.License) error) (license.License, error)
}

// EventStore tracks which admitted events have been applied
type EventStore interface {
	MarkProcessed(ctx context.Context, provider, eventID string, at time.Time) error
	ListUnprocessed(ctx context.Context) ([]webhook.PaymentEvent, error)
}

// KeyGenerator mints licenses for first-time paying customers
type KeyGenerator interface {
	Generate(ctx context.Context, productID, customerID string, maxActivations int, expiresAt *time.Time) (license.License, error)
}

// AuditLog is the slice of the audit surface the machine writes to
type AuditLog interface {
	AppendDetail(ctx context.Context, action audit.Action, subjectID, actor, detail string) (audit.Entry, error)
}

const machineActor = "provisioner"

// defaultMaxActivations applies when a payment event does not carry a limit
const defaultMaxActivations = 1

// Machine is the provisioning state machine. It consumes admitted
// PaymentEvents exclusively; nothing else mutates license status. Each
// transition runs inside the per-license critical section and emits exactly
// one audit entry at commit time. Once a transition starts it runs to
// completion; there is no cancellation path that could leave it half-applied.
type Machine struct {
	licenses LicenseStore
	events   EventStore
	keygen   KeyGenerator
	auditLog AuditLog
	logger   *slog.Logger
	now      func() time.Time
}

// NewMachine creates a provisioning state machine
func NewMachine(licenses LicenseStore, events EventStore, keygen KeyGenerator, auditLog AuditLog, logger *slog.Logger) *Machine {
	return &Machine{
		licenses: licenses,
		events:   events,
		keygen:   keygen,
		auditLog: auditLog,
		logger:   infrastructure.WithComponent(logger, "provisioner"),
		now:      time.Now,
	}
}

// Apply processes one admitted event. Unrecognized event types produce an
// "ignored" audit entry and no state change, keeping admission idempotent.
// A state conflict under concurrency is retried once, then surfaced.
func (m *Machine) Apply(ctx context.Context, event webhook.PaymentEvent) error {
	err := m.apply(ctx, event)
	if errors.Is(err, licenseErrors.ErrStateConflict) {
		m.logger.WarnContext(ctx, "transition conflict, retrying once",
			slog.String("event", event.Key()))
		err = m.apply(ctx, event)
	}
	if err != nil {
		return err
	}
	if err := m.events.MarkProcessed(ctx, event.Provider, event.EventID, m.now()); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (m *Machine) apply(ctx context.Context, event webhook.PaymentEvent) error {
	switch event.Canonical {
	case webhook.EventPaymentSucceeded:
		return m.applyPayment(ctx, event)
	case webhook.EventRefund, webhook.EventChargeback:
		return m.transition(ctx, event, license.StatusActive, license.StatusSuspended, audit.ActionLicenseSuspended)
	case webhook.EventSubscriptionCancelled:
		return m.transition(ctx, event, license.StatusActive, license.StatusRevoked, audit.ActionLicenseRevoked)
	case webhook.EventDisputeResolved:
		return m.transition(ctx, event, license.StatusSuspended, license.StatusActive, audit.ActionLicenseReactivated)
	default:
		return m.ignore(ctx, event, "unrecognized event type")
	}
}

// applyPayment creates a license for a new (product, customer) pair or
// reactivates a suspended one. An already-active license means the provider
// retried or double-billed; that is ignored, not an error.
func (m *Machine) applyPayment(ctx context.Context, event webhook.PaymentEvent) error {
	data := event.Data
	if data.ProductID == "" || data.CustomerID == "" {
		return m.ignore(ctx, event, "payment event missing product or customer")
	}

	existing, err := m.licenses.FindByOwner(ctx, data.ProductID, data.CustomerID)
	if err != nil {
		if !errors.Is(err, licenseErrors.ErrLicenseUnknown) {
			return fmt.Errorf("license lookup: %w", err)
		}
		return m.provisionNew(ctx, event)
	}

	switch existing.EffectiveStatus(m.now()) {
	case license.StatusSuspended:
		return m.transition(ctx, event, license.StatusSuspended, license.StatusActive, audit.ActionLicenseReactivated)
	case license.StatusActive:
		return m.ignore(ctx, event, "license already active")
	default:
		return m.ignore(ctx, event, fmt.Sprintf("license in state %s", existing.Status))
	}
}

// provisionNew mints a pending license and immediately activates it.
// Creation and activation are distinct transitions, each with its own
// audit entry chained at commit time. Losing the save race against a
// concurrent payment for the same owner surfaces as a state conflict;
// the retry then observes the winner's license and ignores the event.
func (m *Machine) provisionNew(ctx context.Context, event webhook.PaymentEvent) error {
	data := event.Data
	maxActivations := data.MaxActivations
	if maxActivations < 1 {
		maxActivations = defaultMaxActivations
	}

	lic, err := m.keygen.Generate(ctx, data.ProductID, data.CustomerID, maxActivations, data.ExpiresAt)
	if err != nil {
		return fmt.Errorf("key generation: %w", err)
	}
	if err := m.licenses.Save(ctx, lic); err != nil {
		return fmt.Errorf("license save: %w", err)
	}
	if _, err := m.auditLog.AppendDetail(ctx, audit.ActionLicenseCreated, lic.ID.String(), machineActor, event.Key()); err != nil {
		m.logger.ErrorContext(ctx, "failed to audit license creation", slog.String("error", err.Error()))
	}

	if _, err := m.licenses.Mutate(ctx, lic.ID, func(l *license.License) error {
		if l.Status != license.StatusPending {
			return licenseErrors.ErrStateConflict
		}
		l.Status = license.StatusActive
		return nil
	}); err != nil {
		return fmt.Errorf("activate new license: %w", err)
	}
	if _, err := m.auditLog.AppendDetail(ctx, audit.ActionLicenseActivated, lic.ID.String(), machineActor, event.Key()); err != nil {
		m.logger.ErrorContext(ctx, "failed to audit license activation", slog.String("error", err.Error()))
	}

	m.logger.InfoContext(ctx, "license provisioned",
		slog.String("license_id", lic.ID.String()),
		slog.String("product_id", data.ProductID),
		slog.String("event", event.Key()),
	)
	return nil
}

// transition moves the owning license from one status to another under its
// row lock. Activation records are retained across every transition so the
// audit trail of past activations survives suspension and revocation.
func (m *Machine) transition(ctx context.Context, event webhook.PaymentEvent, from, to license.Status, action audit.Action) error {
	data := event.Data
	if data.ProductID == "" || data.CustomerID == "" {
		return m.ignore(ctx, event, "event missing product or customer")
	}

	lic, err := m.licenses.FindByOwner(ctx, data.ProductID, data.CustomerID)
	if err != nil {
		if errors.Is(err, licenseErrors.ErrLicenseUnknown) {
			return m.ignore(ctx, event, "no license for event subject")
		}
		return fmt.Errorf("license lookup: %w", err)
	}

	var skipped string
	if _, err := m.licenses.Mutate(ctx, lic.ID, func(l *license.License) error {
		if l.EffectiveStatus(m.now()) != from {
			skipped = fmt.Sprintf("precondition %s not met, license is %s", from, l.Status)
			return nil
		}
		l.Status = to
		return nil
	}); err != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	if skipped != "" {
		return m.ignore(ctx, event, skipped)
	}

	if _, err := m.auditLog.AppendDetail(ctx, action, lic.ID.String(), machineActor, event.Key()); err != nil {
		m.logger.ErrorContext(ctx, "failed to audit transition", slog.String("error", err.Error()))
	}
	m.logger.InfoContext(ctx, "license transition",
		slog.String("license_id", lic.ID.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("event", event.Key()),
	)
	return nil
}

// ignore records an admitted-but-inert event
func (m *Machine) ignore(ctx context.Context, event webhook.PaymentEvent, detail string) error {
	if _, err := m.auditLog.AppendDetail(ctx, audit.ActionEventIgnored, event.Key(), machineActor, detail); err != nil {
		m.logger.ErrorContext(ctx, "failed to audit ignored event", slog.String("error", err.Error()))
	}
	return nil
}

// Reconcile replays admitted events that were never applied, oldest first.
// Run at startup: it is how a crash between admission and transition is
// detected and converged.
func (m *Machine) Reconcile(ctx context.Context) error {
	pending, err := m.events.ListUnprocessed(ctx)
	if err != nil {
		return fmt.Errorf("list unprocessed events: %w", err)
	}
	for _, event := range pending {
		if err := m.Apply(ctx, event); err != nil {
			return fmt.Errorf("reconcile %s: %w", event.Key(), err)
		}
	}
	if len(pending) > 0 {
		m.logger.InfoContext(ctx, "reconciled unprocessed events", slog.Int("count", len(pending)))
	}
	return nil
}
