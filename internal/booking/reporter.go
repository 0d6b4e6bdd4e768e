package booking

import (
	"context"

	"github.com/google/uuid"

	"github.com/wolfman30/telehealth-scheduling/internal/availability"
	"github.com/wolfman30/telehealth-scheduling/internal/events"
	"github.com/wolfman30/telehealth-scheduling/internal/observability/metrics"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

// Reporter is told about workflow outcomes. Implementations must not block
// for long; they run while the workflow is locked.
type Reporter interface {
	Confirmed(ctx context.Context, wf *Workflow)
	Cancelled(ctx context.Context, wf *Workflow)
	ReconciliationRequired(ctx context.Context, wf *Workflow, err *ReconciliationRequiredError)
}

// NopReporter discards every outcome.
type NopReporter struct{}

func (NopReporter) Confirmed(context.Context, *Workflow) {}
func (NopReporter) Cancelled(context.Context, *Workflow) {}
func (NopReporter) ReconciliationRequired(context.Context, *Workflow, *ReconciliationRequiredError) {}

// OutboxReporter records outcomes as outbox events.
type OutboxReporter struct {
	outbox  events.Outbox
	metrics *metrics.SchedulingMetrics
	logger  *logging.Logger
}

func NewOutboxReporter(outbox events.Outbox, m *metrics.SchedulingMetrics, logger *logging.Logger) *OutboxReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return &OutboxReporter{outbox: outbox, metrics: m, logger: logger}
}

func (r *OutboxReporter) Confirmed(ctx context.Context, wf *Workflow) {
	payload := events.BookingConfirmedV1{
		EventID:        uuid.NewString(),
		WorkflowID:     wf.ID.String(),
		ReservationID:  wf.reservationID().String(),
		PractitionerID: wf.PractitionerID,
		PatientID:      wf.PatientID,
		Amount:         wf.Amount,
		Currency:       wf.Currency,
		OccurredAt:     wf.UpdatedAt,
	}
	if wf.Slot != nil {
		payload.Date = wf.Slot.Date.String()
		payload.Start = availability.FormatClock(wf.Slot.Start)
		payload.End = availability.FormatClock(wf.Slot.End)
	}
	if wf.Receipt != nil {
		payload.ReceiptID = wf.Receipt.ID
	}
	r.insert(ctx, wf, events.TypeBookingConfirmed, payload)
}

func (r *OutboxReporter) Cancelled(ctx context.Context, wf *Workflow) {
	payload := events.BookingCancelledV1{
		EventID:        uuid.NewString(),
		WorkflowID:     wf.ID.String(),
		PractitionerID: wf.PractitionerID,
		PatientID:      wf.PatientID,
		Reason:         wf.CancelReason,
		OccurredAt:     wf.UpdatedAt,
	}
	if wf.ReservationID != nil {
		payload.ReservationID = wf.ReservationID.String()
	}
	r.insert(ctx, wf, events.TypeBookingCancelled, payload)
}

func (r *OutboxReporter) ReconciliationRequired(ctx context.Context, wf *Workflow, recErr *ReconciliationRequiredError) {
	r.metrics.ObserveReconciliation()
	r.logger.Error("payment captured without a reservation",
		"workflow_id", wf.ID,
		"reservation_id", recErr.ReservationID,
		"receipt_id", recErr.Receipt.ID,
		"provider", recErr.Receipt.Provider,
		"amount", wf.Amount,
		"currency", wf.Currency,
		"error", recErr.Cause,
	)
	r.insert(ctx, wf, events.TypeReconciliationRequired, events.ReconciliationRequiredV1{
		EventID:        uuid.NewString(),
		WorkflowID:     wf.ID.String(),
		ReservationID:  recErr.ReservationID.String(),
		PractitionerID: wf.PractitionerID,
		PatientID:      wf.PatientID,
		ReceiptID:      recErr.Receipt.ID,
		Provider:       recErr.Receipt.Provider,
		Amount:         wf.Amount,
		Currency:       wf.Currency,
		Cause:          recErr.Cause.Error(),
		OccurredAt:     wf.UpdatedAt,
	})
}

func (r *OutboxReporter) insert(ctx context.Context, wf *Workflow, eventType string, payload any) {
	if _, err := r.outbox.Insert(ctx, wf.ID.String(), eventType, payload); err != nil {
		r.logger.Error("failed to write booking event", "workflow_id", wf.ID, "event_type", eventType, "error", err)
	}
}
