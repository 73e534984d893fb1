package provision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymint/internal/audit"
	"keymint/internal/license"
	"keymint/internal/store"
	"keymint/internal/webhook"
)

type fixture struct {
	machine  *Machine
	licenses *store.MemoryLicenseStore
	events   *store.MemoryEventStore
	auditLog *audit.Log
	audits   *audit.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	signer, err := license.NewEphemeralSigningContext()
	require.NoError(t, err)

	audits := audit.NewMemoryStore()
	auditLog := audit.NewLog(audits, logger)
	licenses := store.NewMemoryLicenseStore()
	events := store.NewMemoryEventStore()
	gen := license.NewGenerator(signer, logger)

	return &fixture{
		machine:  NewMachine(licenses, events, gen, auditLog, logger),
		licenses: licenses,
		events:   events,
		auditLog: auditLog,
		audits:   audits,
	}
}

func paymentEvent(id string, canonical webhook.EventType) webhook.PaymentEvent {
	return webhook.PaymentEvent{
		Provider:   "stripe",
		EventID:    id,
		Type:       "native." + string(canonical),
		Canonical:  canonical,
		ReceivedAt: time.Now().UTC(),
		Data: webhook.EventData{
			ProductID:      "com.example.product",
			CustomerID:     "cus_1",
			MaxActivations: 2,
		},
	}
}

// admit mimics the guard's persistence step so Apply sees a durable event
func (f *fixture) admit(t *testing.T, event webhook.PaymentEvent) webhook.PaymentEvent {
	t.Helper()
	inserted, err := f.events.PutIfAbsent(context.Background(), event)
	require.NoError(t, err)
	require.True(t, inserted)
	return event
}

func (f *fixture) auditActions(t *testing.T) []audit.Action {
	t.Helper()
	ctx := context.Background()
	n, err := f.audits.Len(ctx)
	require.NoError(t, err)
	if n == 0 {
		return nil
	}
	entries, err := f.audits.Range(ctx, 0, n-1)
	require.NoError(t, err)
	actions := make([]audit.Action, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
	}
	return actions
}

func TestApplyPaymentProvisionsNewLicense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.admit(t, paymentEvent("evt_1", webhook.EventPaymentSucceeded))

	require.NoError(t, f.machine.Apply(ctx, event))

	lic, err := f.licenses.FindByOwner(ctx, "com.example.product", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, lic.Status)
	assert.Equal(t, 2, lic.MaxActivations)
	assert.NotEmpty(t, lic.Key)

	assert.Equal(t, []audit.Action{audit.ActionLicenseCreated, audit.ActionLicenseActivated}, f.auditActions(t))

	stored, err := f.events.Find(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.NotNil(t, stored.ProcessedAt)
}

// Simultaneous first payments for the same (product, customer) pair must
// converge on a single license with a single creation entry; the losers of
// the save race fall through to the already-provisioned path.
func TestApplyConcurrentPaymentsSameOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const payments = 10
	events := make([]webhook.PaymentEvent, payments)
	for i := range events {
		events[i] = f.admit(t, paymentEvent(fmt.Sprintf("evt_%d", i), webhook.EventPaymentSucceeded))
	}

	start := make(chan struct{})
	errs := make(chan error, payments)
	var wg sync.WaitGroup
	for _, event := range events {
		wg.Add(1)
		go func(event webhook.PaymentEvent) {
			defer wg.Done()
			<-start
			errs <- f.machine.Apply(ctx, event)
		}(event)
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	lic, err := f.licenses.FindByOwner(ctx, "com.example.product", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, lic.Status)

	created := 0
	for _, action := range f.auditActions(t) {
		if action == audit.ActionLicenseCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)

	pending, err := f.events.ListUnprocessed(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApplyPaymentDefaultsActivationLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := paymentEvent("evt_1", webhook.EventPaymentSucceeded)
	event.Data.MaxActivations = 0
	f.admit(t, event)

	require.NoError(t, f.machine.Apply(ctx, event))

	lic, err := f.licenses.FindByOwner(ctx, "com.example.product", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, 1, lic.MaxActivations)
}

func TestApplyPaymentOnActiveLicenseIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.machine.Apply(ctx, f.admit(t, paymentEvent("evt_1", webhook.EventPaymentSucceeded))))
	require.NoError(t, f.machine.Apply(ctx, f.admit(t, paymentEvent("evt_2", webhook.EventPaymentSucceeded))))

	actions := f.auditActions(t)
	assert.Equal(t, audit.ActionEventIgnored, actions[len(actions)-1])

	lic, err := f.licenses.FindByOwner(ctx, "com.example.product", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, lic.Status)
}

func TestApplyRefundSuspendsAndPaymentReactivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.machine.Apply(ctx, f.admit(t, paymentEvent("evt_1", webhook.EventPaymentSucceeded))))

	lic, err := f.licenses.FindByOwner(ctx, "com.example.product", "cus_1")
	require.NoError(t, err)

	// Activations recorded before the refund must survive suspension.
	_, err = f.licenses.Mutate(ctx, lic.ID, func(l *license.License) error {
		l.Activations = append(l.Activations, license.ActivationRecord{
			DeviceFingerprint: "device-aaaa-01",
			ActivatedAt:       time.Now(),
		})
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.machine.Apply(ctx, f.admit(t, paymentEvent("evt_2", webhook.EventRefund))))
	lic, err = f.licenses.FindByID(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, license.StatusSuspended, lic.Status)
	assert.Len(t, lic.Activations, 1)

	// A fresh payment for a suspended license reactivates in place.
	require.NoError(t, f.machine.Apply(ctx, f.admit(t, paymentEvent("evt_3", webhook.EventPaymentSucceeded))))
	lic, err = f.licenses.FindByID(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, lic.Status)
	assert.Len(t, lic.Activations, 1)

	assert.Equal(t, []audit.Action{
		audit.ActionLicenseCreated,
		audit.ActionLicenseActivated,
		audit.ActionLicenseSuspended,
		audit.ActionLicenseReactivated,
	}, f.auditActions(t))
}

func TestApplyTransitionTable(t *testing.T) {
	tests := []struct {
		name       string
		from       license.Status
		event      webhook.EventType
		want       license.Status
		wantAction audit.Action
	}{
		{"chargeback suspends", license.StatusActive, webhook.EventChargeback, license.StatusSuspended, audit.ActionLicenseSuspended},
		{"cancellation revokes", license.StatusActive, webhook.EventSubscriptionCancelled, license.StatusRevoked, audit.ActionLicenseRevoked},
		{"dispute resolution reactivates", license.StatusSuspended, webhook.EventDisputeResolved, license.StatusActive, audit.ActionLicenseReactivated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			require.NoError(t, f.machine.Apply(ctx, f.admit(t, paymentEvent("evt_setup", webhook.EventPaymentSucceeded))))
			lic, err := f.licenses.FindByOwner(ctx, "com.example.product", "cus_1")
			require.NoError(t, err)
			_, err = f.licenses.Mutate(ctx, lic.ID, func(l *license.License) error {
				l.Status = tt.from
				return nil
			})
			require.NoError(t, err)

			require.NoError(t, f.machine.Apply(ctx, f.admit(t, paymentEvent("evt_t", tt.event))))

			lic, err = f.licenses.FindByID(ctx, lic.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, lic.Status)

			actions := f.auditActions(t)
			assert.Equal(t, tt.wantAction, actions[len(actions)-1])
		})
	}
}

func TestApplyTransitionPreconditionNotMet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.machine.Apply(ctx, f.admit(t, paymentEvent("evt_1", webhook.EventPaymentSucceeded))))
	require.NoError(t, f.machine.Apply(ctx, f.admit(t, paymentEvent("evt_2", webhook.EventSubscriptionCancelled))))

	// A refund against a revoked license does not resurrect or move it.
	require.NoError(t, f.machine.Apply(ctx, f.admit(t, paymentEvent("evt_3", webhook.EventRefund))))

	lic, err := f.licenses.FindByOwner(ctx, "com.example.product", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, license.StatusRevoked, lic.Status)

	actions := f.auditActions(t)
	assert.Equal(t, audit.ActionEventIgnored, actions[len(actions)-1])
}

func TestApplyEventWithoutSubjectIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Transition event arrives for a (product, customer) with no license.
	require.NoError(t, f.machine.Apply(ctx, f.admit(t, paymentEvent("evt_1", webhook.EventRefund))))
	assert.Equal(t, []audit.Action{audit.ActionEventIgnored}, f.auditActions(t))
}

func TestApplyUnknownEventTypeIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.admit(t, paymentEvent("evt_1", webhook.EventUnknown))

	require.NoError(t, f.machine.Apply(ctx, event))
	assert.Equal(t, []audit.Action{audit.ActionEventIgnored}, f.auditActions(t))

	// Ignored events still get the processed marker so reconciliation does
	// not replay them forever.
	stored, err := f.events.Find(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestApplyPaymentMissingDataIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := paymentEvent("evt_1", webhook.EventPaymentSucceeded)
	event.Data.CustomerID = ""
	f.admit(t, event)

	require.NoError(t, f.machine.Apply(ctx, event))
	assert.Equal(t, []audit.Action{audit.ActionEventIgnored}, f.auditActions(t))
}

func TestReconcileReplaysUnprocessedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Events admitted but never applied, as after a crash between the
	// guard's persistence and the state machine.
	f.admit(t, paymentEvent("evt_1", webhook.EventPaymentSucceeded))
	refund := paymentEvent("evt_2", webhook.EventRefund)
	refund.ReceivedAt = refund.ReceivedAt.Add(time.Second)
	f.admit(t, refund)

	require.NoError(t, f.machine.Reconcile(ctx))

	lic, err := f.licenses.FindByOwner(ctx, "com.example.product", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, license.StatusSuspended, lic.Status)

	pending, err := f.events.ListUnprocessed(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A second reconcile is a no-op.
	before := f.auditActions(t)
	require.NoError(t, f.machine.Reconcile(ctx))
	assert.Equal(t, before, f.auditActions(t))
}
