package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/telehealth-scheduling/internal/availability"
	"github.com/wolfman30/telehealth-scheduling/internal/clock"
	"github.com/wolfman30/telehealth-scheduling/internal/observability/metrics"
	"github.com/wolfman30/telehealth-scheduling/internal/payments"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
	"github.com/wolfman30/telehealth-scheduling/internal/slots"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

var bookingTracer = otel.Tracer("telehealth.internal.booking")

// EngineConfig holds the booking rules.
type EngineConfig struct {
	HoldTTL     time.Duration
	Granularity time.Duration
}

// Engine applies workflow transitions. It holds no per-workflow state and
// takes no locks; callers serialise operations on one workflow.
type Engine struct {
	schedules    slots.ScheduleSource
	reservations reservations.Store
	gateway      payments.Gateway
	reporter     Reporter
	clock        clock.Clock
	metrics      *metrics.SchedulingMetrics
	logger       *logging.Logger
	cfg          EngineConfig
}

func NewEngine(schedules slots.ScheduleSource, store reservations.Store, gateway payments.Gateway, reporter Reporter, cfg EngineConfig, clk clock.Clock, m *metrics.SchedulingMetrics, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if reporter == nil {
		reporter = NopReporter{}
	}
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = 10 * time.Minute
	}
	if cfg.Granularity <= 0 {
		cfg.Granularity = 30 * time.Minute
	}
	return &Engine{
		schedules:    schedules,
		reservations: store,
		gateway:      gateway,
		reporter:     reporter,
		clock:        clock.OrSystem(clk),
		metrics:      m,
		logger:       logger,
		cfg:          cfg,
	}
}

// SelectSlot holds the slot starting at start on date. The slot must be one
// the schedule currently offers and must not have started. A slot someone else
// holds returns ErrSlotUnavailable and leaves the workflow selecting.
func (e *Engine) SelectSlot(ctx context.Context, wf *Workflow, date civil.Date, start civil.Time) error {
	ctx, span := bookingTracer.Start(ctx, "booking.select_slot")
	defer span.End()
	span.SetAttributes(attribute.String("workflow.id", wf.ID.String()), attribute.String("slot.date", date.String()))

	if err := expectState(wf, StateSelectingSlot); err != nil {
		return err
	}

	sched, err := e.schedules.Get(ctx, wf.PractitionerID)
	if errors.Is(err, availability.ErrNotFound) {
		return fmt.Errorf("%w: practitioner has no schedule", ErrSlotUnavailable)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("booking: load schedule: %w", err)
	}
	slot, ok := offeredSlot(sched, date, start, e.cfg.Granularity)
	if !ok {
		return fmt.Errorf("%w: %s %s is not offered", ErrSlotUnavailable, date, availability.FormatClock(start))
	}
	if slot.StartsAt(sched.Location()).Before(e.clock.Now()) {
		return fmt.Errorf("%w: slot has already started", ErrSlotUnavailable)
	}

	r, err := e.reservations.Hold(ctx, reservations.HoldRequest{
		Slot:      slot.Key(),
		End:       slot.End,
		PatientID: wf.PatientID,
		TTL:       e.cfg.HoldTTL,
	})
	if err != nil {
		if !errors.Is(err, ErrSlotUnavailable) {
			span.RecordError(err)
		}
		return err
	}

	id, expires := r.ID, r.ExpiresAt
	wf.Slot = &slot
	wf.ReservationID = &id
	wf.HoldExpiresAt = &expires
	e.transition(wf, StateAwaitingPayment)
	return nil
}

func offeredSlot(sched *availability.Schedule, date civil.Date, start civil.Time, granularity time.Duration) (slots.Slot, bool) {
	want := availability.MinuteOfDay(start)
	for s := range slots.Expand(sched, date, date.AddDays(1), granularity) {
		switch m := availability.MinuteOfDay(s.Start); {
		case m == want:
			return s, true
		case m > want:
			return slots.Slot{}, false
		}
	}
	return slots.Slot{}, false
}

// PreparePayment checks the workflow may be charged and marks the payment as
// attempted. A hold that already lapsed cancels the workflow with ErrExpired
// and nothing is charged.
func (e *Engine) PreparePayment(ctx context.Context, wf *Workflow, paymentMethod string) (payments.ChargeRequest, error) {
	if err := expectState(wf, StateAwaitingPayment); err != nil {
		return payments.ChargeRequest{}, err
	}
	if wf.PaymentAttempted {
		return payments.ChargeRequest{}, ErrPaymentAttempted
	}
	if wf.HoldExpiresAt != nil && !e.clock.Now().Before(*wf.HoldExpiresAt) {
		if _, err := e.reservations.Release(ctx, wf.reservationID()); err != nil {
			e.logger.Warn("failed to release lapsed hold", "workflow_id", wf.ID, "error", err)
		}
		e.cancel(ctx, wf, "hold expired before payment")
		return payments.ChargeRequest{}, ErrExpired
	}

	wf.PaymentAttempted = true
	wf.UpdatedAt = e.clock.Now()
	return payments.ChargeRequest{
		ReservationID: wf.reservationID(),
		Amount:        wf.Amount,
		Currency:      wf.Currency,
		Description:   "Telehealth consultation " + wf.Slot.String(),
		PaymentMethod: paymentMethod,
	}, nil
}

// Charge calls the gateway. It must run without any workflow lock held.
func (e *Engine) Charge(ctx context.Context, req payments.ChargeRequest) (*payments.Receipt, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.charge")
	defer span.End()
	span.SetAttributes(attribute.String("reservation.id", req.ReservationID.String()))

	started := time.Now()
	receipt, err := e.gateway.Charge(ctx, req)
	outcome := "succeeded"
	switch {
	case payments.IsDeclined(err):
		outcome = "declined"
	case err != nil:
		outcome = "error"
		span.RecordError(err)
	}
	e.metrics.ObservePaymentLatency(outcome, time.Since(started).Seconds())
	return receipt, err
}

// CompletePayment applies the gateway outcome. A failed charge releases the
// hold and cancels. A successful charge confirms the reservation; if the hold
// lapsed meanwhile the workflow is cancelled and a ReconciliationRequiredError
// is reported and returned.
func (e *Engine) CompletePayment(ctx context.Context, wf *Workflow, receipt *payments.Receipt, chargeErr error) error {
	if chargeErr != nil {
		if !payments.IsDeclined(chargeErr) && !payments.IsTransient(chargeErr) {
			chargeErr = &payments.TransientError{Err: chargeErr}
		}
		if _, err := e.reservations.Release(ctx, wf.reservationID()); err != nil {
			e.logger.Warn("failed to release hold after failed payment", "workflow_id", wf.ID, "error", err)
		}
		reason := "payment failed"
		if payments.IsDeclined(chargeErr) {
			reason = "payment declined: " + payments.DeclineReason(chargeErr)
		}
		e.cancel(ctx, wf, reason)
		return chargeErr
	}
	if receipt == nil {
		receipt = &payments.Receipt{}
	}
	wf.Receipt = receipt
	return e.confirm(ctx, wf)
}

// Pay runs PreparePayment, Charge and CompletePayment in sequence.
func (e *Engine) Pay(ctx context.Context, wf *Workflow, paymentMethod string) error {
	req, err := e.PreparePayment(ctx, wf, paymentMethod)
	if err != nil {
		return err
	}
	receipt, chargeErr := e.Charge(ctx, req)
	return e.CompletePayment(ctx, wf, receipt, chargeErr)
}

func (e *Engine) confirm(ctx context.Context, wf *Workflow) error {
	_, err := e.reservations.Confirm(ctx, wf.reservationID())
	switch {
	case err == nil:
		e.transition(wf, StateConfirmed)
		e.reporter.Confirmed(ctx, wf)
		return nil
	case errors.Is(err, ErrExpired), errors.Is(err, ErrReleased), errors.Is(err, reservations.ErrNotFound):
		return e.reconcile(ctx, wf, *wf.Receipt, "reconciliation required", err)
	default:
		// Charged but not yet confirmed; Sync retries the confirm.
		return fmt.Errorf("booking: confirm reservation: %w", err)
	}
}

// reconcile cancels a workflow whose money may have been captured without an
// appointment and reports it to operators.
func (e *Engine) reconcile(ctx context.Context, wf *Workflow, receipt payments.Receipt, reason string, cause error) *ReconciliationRequiredError {
	recErr := &ReconciliationRequiredError{
		WorkflowID:    wf.ID,
		ReservationID: wf.reservationID(),
		Receipt:       receipt,
		Cause:         cause,
	}
	wf.CancelReason = reason
	e.transition(wf, StateCancelled)
	e.reporter.ReconciliationRequired(ctx, wf, recErr)
	return recErr
}

// Cancel abandons the workflow, releasing any hold.
func (e *Engine) Cancel(ctx context.Context, wf *Workflow) error {
	if wf.State.IsTerminal() {
		return ErrTerminal
	}
	if wf.Receipt != nil {
		return fmt.Errorf("%w: payment already captured", ErrInvalidState)
	}
	if wf.ReservationID != nil {
		if _, err := e.reservations.Release(ctx, *wf.ReservationID); err != nil && !errors.Is(err, reservations.ErrNotFound) {
			return fmt.Errorf("booking: release hold: %w", err)
		}
	}
	e.cancel(ctx, wf, "cancelled by patient")
	return nil
}

// Sync reconciles an awaiting_payment workflow with its reservation: a hold
// that expired or was released cancels the workflow. A workflow holding a
// receipt retries the confirm. A charge that was attempted but never recorded
// (the process stopped between the gateway call and CompletePayment) has an
// unknown outcome; once its hold is gone the workflow is cancelled and
// reported for reconciliation instead of silently dropped. Sync never moves
// a workflow to confirmed on its own.
func (e *Engine) Sync(ctx context.Context, wf *Workflow) error {
	if wf.State != StateAwaitingPayment || wf.ReservationID == nil {
		return nil
	}
	if wf.Receipt != nil {
		return e.confirm(ctx, wf)
	}

	id := *wf.ReservationID
	r, err := e.reservations.Get(ctx, id)
	if errors.Is(err, reservations.ErrNotFound) {
		// Active holds are never pruned, so a missing one has long expired.
		r, err = &reservations.Reservation{ID: id, State: reservations.StateExpired}, nil
	}
	if err != nil {
		return fmt.Errorf("booking: load reservation: %w", err)
	}
	if r.HeldAndDue(e.clock.Now()) {
		if _, err := e.reservations.ExpireIfDue(ctx, id); err != nil {
			return fmt.Errorf("booking: expire hold: %w", err)
		}
		r.State = reservations.StateExpired
	}
	var cause error
	var reason string
	switch r.State {
	case reservations.StateExpired:
		cause, reason = ErrExpired, "hold expired"
	case reservations.StateReleased:
		cause, reason = ErrReleased, "hold released"
	default:
		return nil
	}
	if wf.PaymentAttempted {
		e.reconcile(ctx, wf, payments.Receipt{}, "payment outcome unknown", fmt.Errorf("%w: %w", ErrPaymentOutcomeUnknown, cause))
		return nil
	}
	e.cancel(ctx, wf, reason)
	return nil
}

func (e *Engine) cancel(ctx context.Context, wf *Workflow, reason string) {
	wf.CancelReason = reason
	e.transition(wf, StateCancelled)
	e.reporter.Cancelled(ctx, wf)
}

func (e *Engine) transition(wf *Workflow, to State) {
	from := wf.State
	wf.State = to
	wf.UpdatedAt = e.clock.Now()
	e.metrics.ObserveTransition(string(from), string(to))
	e.logger.Info("booking transition", "workflow_id", wf.ID, "from", from, "to", to)
}

func expectState(wf *Workflow, want State) error {
	if wf.State.IsTerminal() {
		return ErrTerminal
	}
	if wf.State != want {
		return fmt.Errorf("%w: workflow is %s", ErrInvalidState, wf.State)
	}
	return nil
}
