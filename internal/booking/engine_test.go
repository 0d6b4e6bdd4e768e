package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/telehealth-scheduling/internal/availability"
	"github.com/wolfman30/telehealth-scheduling/internal/clock"
	"github.com/wolfman30/telehealth-scheduling/internal/events"
	"github.com/wolfman30/telehealth-scheduling/internal/observability/metrics"
	"github.com/wolfman30/telehealth-scheduling/internal/payments"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

var monday = civil.Date{Year: 2026, Month: time.October, Day: 19}

func at(h, m int) civil.Time { return civil.Time{Hour: h, Minute: m} }

type schedules map[string]*availability.Schedule

func (s schedules) Get(_ context.Context, id string) (*availability.Schedule, error) {
	sched, ok := s[id]
	if !ok {
		return nil, availability.ErrNotFound
	}
	return sched.Clone(), nil
}

// gatewayFunc adapts a function to payments.Gateway.
type gatewayFunc func(ctx context.Context, req payments.ChargeRequest) (*payments.Receipt, error)

func (f gatewayFunc) Charge(ctx context.Context, req payments.ChargeRequest) (*payments.Receipt, error) {
	return f(ctx, req)
}

type fixture struct {
	clock   *clock.Manual
	store   *reservations.MemoryStore
	fake    *payments.FakeGateway
	outbox  *events.MemoryOutbox
	reg     *prometheus.Registry
	engine  *Engine
	svc     *Service
	ctx     context.Context
	gateway payments.Gateway
}

func newFixture(t *testing.T, gateway ...payments.Gateway) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC))
	sched := availability.NewSchedule("pr-1", "UTC")
	sched.Week = availability.DefaultWeek()

	fx := &fixture{
		clock:  clk,
		store:  reservations.NewMemoryStore(clk),
		fake:   payments.NewFakeGateway(0, logging.Discard()),
		outbox: events.NewMemoryOutbox(),
		reg:    prometheus.NewRegistry(),
		ctx:    context.Background(),
	}
	fx.gateway = fx.fake
	if len(gateway) > 0 {
		fx.gateway = gateway[0]
	}
	m := metrics.NewSchedulingMetrics(fx.reg)
	fx.engine = NewEngine(schedules{"pr-1": sched}, fx.store, fx.gateway,
		NewOutboxReporter(fx.outbox, m, logging.Discard()),
		EngineConfig{HoldTTL: 10 * time.Minute, Granularity: 30 * time.Minute},
		clk, m, logging.Discard())
	fx.svc = NewService(fx.engine, NewMemorySnapshotStore(), DefaultFee, clk, logging.Discard())
	return fx
}

func (fx *fixture) newWorkflow(t *testing.T, patient string) *Workflow {
	t.Helper()
	wf, err := fx.svc.Create(fx.ctx, CreateRequest{PractitionerID: "pr-1", PatientID: patient, Notes: "headache"})
	require.NoError(t, err)
	return wf
}

func (fx *fixture) reconciliations(t *testing.T) float64 {
	t.Helper()
	samples, err := metrics.SnapshotCounters(fx.reg, "telehealth_booking_reconciliation_required_total")
	require.NoError(t, err)
	var total float64
	for _, s := range samples {
		total += s.Value
	}
	return total
}

func TestSelectSlotHoldsAndAdvances(t *testing.T) {
	fx := newFixture(t)
	wf := fx.newWorkflow(t, "patient-a")
	assert.Equal(t, StateSelectingSlot, wf.State)
	assert.Equal(t, 1, wf.State.Step())

	got, err := fx.svc.SelectSlot(fx.ctx, wf.ID, monday, at(9, 0))
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPayment, got.State)
	require.NotNil(t, got.Slot)
	assert.Equal(t, at(9, 30), got.Slot.End)
	require.NotNil(t, got.HoldExpiresAt)
	assert.Equal(t, fx.clock.Now().Add(10*time.Minute), *got.HoldExpiresAt)

	r, err := fx.store.Get(fx.ctx, *got.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, reservations.StateHeld, r.State)
	assert.Equal(t, "patient-a", r.PatientID)
}

func TestSelectSlotRejectsSlotsTheScheduleDoesNotOffer(t *testing.T) {
	fx := newFixture(t)
	wf := fx.newWorkflow(t, "patient-a")

	cases := []struct {
		name  string
		date  civil.Date
		start civil.Time
	}{
		{"off grid", monday, at(9, 15)},
		{"outside window", monday, at(12, 0)},
		{"disabled day", monday.AddDays(2), at(9, 0)},
		{"already started", civil.Date{Year: 2026, Month: time.October, Day: 12}, at(9, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := fx.svc.SelectSlot(fx.ctx, wf.ID, tc.date, tc.start)
			assert.ErrorIs(t, err, ErrSlotUnavailable)
			require.NotNil(t, got)
			assert.Equal(t, StateSelectingSlot, got.State)
		})
	}
}

func TestSelectSlotUnknownPractitioner(t *testing.T) {
	fx := newFixture(t)
	wf, err := fx.svc.Create(fx.ctx, CreateRequest{PractitionerID: "pr-missing", PatientID: "patient-a"})
	require.NoError(t, err)

	_, err = fx.svc.SelectSlot(fx.ctx, wf.ID, monday, at(9, 0))
	assert.ErrorIs(t, err, ErrSlotUnavailable)
}

func TestSelectSlotTakenLeavesWorkflowSelecting(t *testing.T) {
	fx := newFixture(t)
	a := fx.newWorkflow(t, "patient-a")
	b := fx.newWorkflow(t, "patient-b")

	_, err := fx.svc.SelectSlot(fx.ctx, a.ID, monday, at(9, 0))
	require.NoError(t, err)

	got, err := fx.svc.SelectSlot(fx.ctx, b.ID, monday, at(9, 0))
	assert.ErrorIs(t, err, ErrSlotUnavailable)
	assert.Equal(t, StateSelectingSlot, got.State)
	assert.Nil(t, got.ReservationID)

	got, err = fx.svc.SelectSlot(fx.ctx, b.ID, monday, at(9, 30))
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPayment, got.State)
}

func TestSelectSlotOnlyWhileSelecting(t *testing.T) {
	fx := newFixture(t)
	wf := fx.newWorkflow(t, "patient-a")
	_, err := fx.svc.SelectSlot(fx.ctx, wf.ID, monday, at(9, 0))
	require.NoError(t, err)

	_, err = fx.svc.SelectSlot(fx.ctx, wf.ID, monday, at(10, 0))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestConcurrentSelectionHoldsSlotOnce(t *testing.T) {
	fx := newFixture(t)
	const n = 20
	ids := make([]*Workflow, n)
	for i := range ids {
		ids[i] = fx.newWorkflow(t, "patient")
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for _, wf := range ids {
		wg.Add(1)
		go func(wf *Workflow) {
			defer wg.Done()
			_, err := fx.svc.SelectSlot(fx.ctx, wf.ID, monday, at(14, 0))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrSlotUnavailable)
		}(wf)
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
}

func TestPayConfirms(t *testing.T) {
	fx := newFixture(t)
	wf := fx.newWorkflow(t, "patient-a")
	_, err := fx.svc.SelectSlot(fx.ctx, wf.ID, monday, at(9, 0))
	require.NoError(t, err)

	got, err := fx.svc.Pay(fx.ctx, wf.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, got.State)
	assert.Equal(t, 3, got.State.Step())
	require.NotNil(t, got.Receipt)
	assert.Equal(t, "fake", got.Receipt.Provider)
	assert.True(t, got.PaymentAttempted)

	r, err := fx.store.Get(fx.ctx, *got.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, reservations.StateConfirmed, r.State)
	assert.Equal(t, 1, fx.fake.Calls(r.ID))
	assert.Len(t, fx.outbox.Entries(events.TypeBookingConfirmed), 1)

	_, err = fx.svc.Pay(fx.ctx, wf.ID, "")
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, 1, fx.fake.Calls(r.ID))
}

func TestPreparePaymentOnlyOnce(t *testing.T) {
	fx := newFixture(t)
	wf := fx.newWorkflow(t, "patient-a")
	require.NoError(t, fx.engine.SelectSlot(fx.ctx, wf, monday, at(9, 0)))

	_, err := fx.engine.PreparePayment(fx.ctx, wf, "")
	require.NoError(t, err)
	_, err = fx.engine.PreparePayment(fx.ctx, wf, "")
	assert.ErrorIs(t, err, ErrPaymentAttempted)
}

func TestPayFailuresReleaseAndCancel(t *testing.T) {
	cases := []struct {
		name   string
		method string
		check  func(t *testing.T, err error)
	}{
		{"declined", payments.FakeMethodDeclined, func(t *testing.T, err error) {
			assert.True(t, payments.IsDeclined(err))
			assert.Equal(t, "card declined", payments.DeclineReason(err))
		}},
		{"transient", payments.FakeMethodError, func(t *testing.T, err error) {
			assert.True(t, payments.IsTransient(err))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t)
			wf := fx.newWorkflow(t, "patient-a")
			_, err := fx.svc.SelectSlot(fx.ctx, wf.ID, monday, at(9, 0))
			require.NoError(t, err)

			got, err := fx.svc.Pay(fx.ctx, wf.ID, tc.method)
			tc.check(t, err)
			assert.Equal(t, StateCancelled, got.State)
			assert.Nil(t, got.Receipt)

			r, err := fx.store.Get(fx.ctx, *got.ReservationID)
			require.NoError(t, err)
			assert.Equal(t, reservations.StateReleased, r.State)

			// The slot is open again.
			other := fx.newWorkflow(t, "patient-b")
			_, err = fx.svc.SelectSlot(fx.ctx, other.ID, monday, at(9, 0))
			assert.NoError(t, err)
			assert.Len(t, fx.outbox.Entries(events.TypeBookingCancelled), 1)
		})
	}
}

func TestPayAfterHoldExpiredDoesNotCharge(t *testing.T) {
	fx := newFixture(t)
	wf := fx.newWorkflow(t, "patient-a")
	_, err := fx.svc.SelectSlot(fx.ctx, wf.ID, monday, at(9, 0))
	require.NoError(t, err)

	fx.clock.Advance(11 * time.Minute)
	got, err := fx.svc.Pay(fx.ctx, wf.ID, "")
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, StateCancelled, got.State)
	assert.Zero(t, fx.fake.Calls(*got.ReservationID))

	r, err := fx.store.Get(fx.ctx, *got.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, reservations.StateExpired, r.State)
}

func TestPayHoldLapsesDuringChargeRequiresReconciliation(t *testing.T) {
	var fx *fixture
	fx = newFixture(t, gatewayFunc(func(_ context.Context, req payments.ChargeRequest) (*payments.Receipt, error) {
		fx.clock.Advance(15 * time.Minute)
		return &payments.Receipt{ID: "pi_123", Provider: "stripe"}, nil
	}))
	wf := fx.newWorkflow(t, "patient-a")
	_, err := fx.svc.SelectSlot(fx.ctx, wf.ID, monday, at(9, 0))
	require.NoError(t, err)

	got, err := fx.svc.Pay(fx.ctx, wf.ID, "")
	var recErr *ReconciliationRequiredError
	require.ErrorAs(t, err, &recErr)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, "pi_123", recErr.Receipt.ID)
	assert.Equal(t, wf.ID, recErr.WorkflowID)

	assert.Equal(t, StateCancelled, got.State)
	require.NotNil(t, got.Receipt)
	assert.Equal(t, "pi_123", got.Receipt.ID)

	entries := fx.outbox.Entries(events.TypeReconciliationRequired)
	require.Len(t, entries, 1)
	assert.Contains(t, string(entries[0].Payload), `"receipt_id":"pi_123"`)
	assert.Equal(t, float64(1), fx.reconciliations(t))
}

func TestPayConfirmFailureKeepsReceiptForSync(t *testing.T) {
	fx := newFixture(t)
	flaky := &flakyConfirmStore{Store: fx.store, failures: 1}
	fx.engine.reservations = flaky

	wf := fx.newWorkflow(t, "patient-a")
	_, err := fx.svc.SelectSlot(fx.ctx, wf.ID, monday, at(9, 0))
	require.NoError(t, err)

	got, err := fx.svc.Pay(fx.ctx, wf.ID, "")
	require.Error(t, err)
	assert.Equal(t, StateAwaitingPayment, got.State)
	require.NotNil(t, got.Receipt)

	got, err = fx.svc.Get(fx.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, got.State)
}

type flakyConfirmStore struct {
	reservations.Store
	failures int
}

func (s *flakyConfirmStore) Confirm(ctx context.Context, id uuid.UUID) (*reservations.Reservation, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("connection reset")
	}
	return s.Store.Confirm(ctx, id)
}

func TestCancelReleasesHold(t *testing.T) {
	fx := newFixture(t)
	wf := fx.newWorkflow(t, "patient-a")
	_, err := fx.svc.SelectSlot(fx.ctx, wf.ID, monday, at(9, 0))
	require.NoError(t, err)

	got, err := fx.svc.Cancel(fx.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, "cancelled by patient", got.CancelReason)

	r, err := fx.store.Get(fx.ctx, *got.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, reservations.StateReleased, r.State)

	_, err = fx.svc.Cancel(fx.ctx, wf.ID)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestCancelBeforeSelecting(t *testing.T) {
	fx := newFixture(t)
	wf := fx.newWorkflow(t, "patient-a")

	got, err := fx.svc.Cancel(fx.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Nil(t, got.ReservationID)
}

func TestCancelConfirmedIsTerminal(t *testing.T) {
	fx := newFixture(t)
	wf := fx.newWorkflow(t, "patient-a")
	_, err := fx.svc.SelectSlot(fx.ctx, wf.ID, monday, at(9, 0))
	require.NoError(t, err)
	_, err = fx.svc.Pay(fx.ctx, wf.ID, "")
	require.NoError(t, err)

	_, err = fx.svc.Cancel(fx.ctx, wf.ID)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestSyncCancelsOnExpiredHold(t *testing.T) {
	fx := newFixture(t)
	wf := fx.newWorkflow(t, "patient-a")
	_, err := fx.svc.SelectSlot(fx.ctx, wf.ID, monday, at(9, 0))
	require.NoError(t, err)

	got, err := fx.svc.Get(fx.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPayment, got.State)

	fx.clock.Advance(10 * time.Minute)
	got, err = fx.svc.Get(fx.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, "hold expired", got.CancelReason)
}

func TestSyncCancelsOnReleasedHold(t *testing.T) {
	fx := newFixture(t)
	wf := fx.newWorkflow(t, "patient-a")
	got, err := fx.svc.SelectSlot(fx.ctx, wf.ID, monday, at(9, 0))
	require.NoError(t, err)

	_, err = fx.store.Release(fx.ctx, *got.ReservationID)
	require.NoError(t, err)

	got, err = fx.svc.Get(fx.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, "hold released", got.CancelReason)
}

func TestSyncReportsChargeWithUnrecordedOutcome(t *testing.T) {
	fx := newFixture(t)
	wf := fx.newWorkflow(t, "patient-a")
	_, err := fx.svc.SelectSlot(fx.ctx, wf.ID, monday, at(9, 0))
	require.NoError(t, err)

	// The process stops after the gateway call: PreparePayment was saved,
	// CompletePayment never ran.
	var req payments.ChargeRequest
	_, err = fx.svc.apply(fx.ctx, wf.ID, func(ctx context.Context, wf *Workflow) error {
		var err error
		req, err = fx.engine.PreparePayment(ctx, wf, "")
		return err
	})
	require.NoError(t, err)
	receipt, err := fx.engine.Charge(fx.ctx, req)
	require.NoError(t, err)
	require.NotNil(t, receipt)

	fx.clock.Advance(11 * time.Minute)
	got, err := fx.svc.Get(fx.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, "payment outcome unknown", got.CancelReason)
	assert.True(t, got.PaymentAttempted)
	assert.Nil(t, got.Receipt)
	assert.Equal(t, 1, fx.fake.Calls(req.ReservationID))

	entries := fx.outbox.Entries(events.TypeReconciliationRequired)
	require.Len(t, entries, 1)
	assert.Contains(t, string(entries[0].Payload), "payment outcome unknown")
	assert.Equal(t, float64(1), fx.reconciliations(t))
	assert.Empty(t, fx.outbox.Entries(events.TypeBookingCancelled))
}

func TestSyncWithoutPaymentAttemptOnlyCancels(t *testing.T) {
	fx := newFixture(t)
	wf := fx.newWorkflow(t, "patient-a")
	_, err := fx.svc.SelectSlot(fx.ctx, wf.ID, monday, at(9, 0))
	require.NoError(t, err)

	fx.clock.Advance(11 * time.Minute)
	got, err := fx.svc.Get(fx.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "hold expired", got.CancelReason)
	assert.Zero(t, fx.reconciliations(t))
	assert.Empty(t, fx.outbox.Entries(events.TypeReconciliationRequired))
}

func TestSyncTreatsPrunedReservationAsExpired(t *testing.T) {
	fx := newFixture(t)
	pruning := reservations.NewMemoryStore(fx.clock, reservations.WithRetention(time.Hour))
	fx.engine.reservations = pruning

	wf := fx.newWorkflow(t, "patient-a")
	_, err := fx.svc.SelectSlot(fx.ctx, wf.ID, monday, at(9, 0))
	require.NoError(t, err)

	fx.clock.Advance(20 * time.Minute)
	_, err = pruning.SweepExpired(fx.ctx)
	require.NoError(t, err)
	fx.clock.Advance(2 * time.Hour)
	_, err = pruning.SweepExpired(fx.ctx)
	require.NoError(t, err)
	require.Zero(t, pruning.Len())

	got, err := fx.svc.Get(fx.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, "hold expired", got.CancelReason)
}
