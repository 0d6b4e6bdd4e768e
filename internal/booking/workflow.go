// Package booking runs the patient booking flow: pick a slot (hold), pay, and
// end in exactly one of confirmed or cancelled.
package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/telehealth-scheduling/internal/payments"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
	"github.com/wolfman30/telehealth-scheduling/internal/slots"
)

// State is the workflow step.
type State string

const (
	StateSelectingSlot   State = "selecting_slot"
	StateAwaitingPayment State = "awaiting_payment"
	StateConfirmed       State = "confirmed"
	StateCancelled       State = "cancelled"
)

// IsTerminal reports whether the workflow has finished.
func (s State) IsTerminal() bool {
	return s == StateConfirmed || s == StateCancelled
}

// Step maps the state onto the three-step picker UI (1 slot, 2 payment, 3 done).
func (s State) Step() int {
	switch s {
	case StateSelectingSlot:
		return 1
	case StateAwaitingPayment:
		return 2
	default:
		return 3
	}
}

var (
	// ErrNotFound is returned for an unknown workflow ID.
	ErrNotFound = errors.New("booking: workflow not found")

	// ErrInvalidState is returned for an operation the current state does not allow.
	ErrInvalidState = errors.New("booking: operation not allowed in current state")

	// ErrTerminal is returned for any operation on a confirmed or cancelled workflow.
	ErrTerminal = errors.New("booking: workflow already finished")

	// ErrPaymentAttempted is returned by a second Pay on the same workflow.
	ErrPaymentAttempted = errors.New("booking: payment already attempted")

	// ErrBusy is returned while a payment for the workflow is in flight.
	ErrBusy = errors.New("booking: payment in progress")

	// ErrConflict is returned when a snapshot was written concurrently.
	ErrConflict = errors.New("booking: workflow modified concurrently")

	ErrInvalidRequest = errors.New("booking: invalid request")

	// ErrPaymentOutcomeUnknown marks a charge that was sent to the gateway
	// but whose result was never recorded.
	ErrPaymentOutcomeUnknown = errors.New("booking: payment outcome unknown")
)

// Reservation outcomes surfaced unchanged to callers.
var (
	ErrSlotUnavailable = reservations.ErrSlotUnavailable
	ErrExpired         = reservations.ErrExpired
	ErrReleased        = reservations.ErrReleased
)

// ReconciliationRequiredError means the charge succeeded, or may have
// succeeded, but the reservation could no longer be confirmed. Receipt is
// empty when the outcome is unknown.
type ReconciliationRequiredError struct {
	WorkflowID    uuid.UUID
	ReservationID uuid.UUID
	Receipt       payments.Receipt
	Cause         error
}

func (e *ReconciliationRequiredError) Error() string {
	if e.Receipt.ID == "" {
		return fmt.Sprintf("booking: payment for reservation %s may have been captured: %v", e.ReservationID, e.Cause)
	}
	return fmt.Sprintf("booking: payment %s captured but reservation %s could not be confirmed: %v",
		e.Receipt.ID, e.ReservationID, e.Cause)
}

func (e *ReconciliationRequiredError) Unwrap() error { return e.Cause }

// Workflow is one patient's pass through the booking flow. It is persisted as
// a snapshot after every operation.
type Workflow struct {
	ID               uuid.UUID         `json:"id"`
	PractitionerID   string            `json:"practitioner_id"`
	PatientID        string            `json:"patient_id"`
	Notes            string            `json:"notes,omitempty"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	State            State             `json:"state"`
	Slot             *slots.Slot       `json:"slot,omitempty"`
	ReservationID    *uuid.UUID        `json:"reservation_id,omitempty"`
	HoldExpiresAt    *time.Time        `json:"hold_expires_at,omitempty"`
	PaymentAttempted bool              `json:"payment_attempted"`
	Receipt          *payments.Receipt `json:"receipt,omitempty"`
	CancelReason     string            `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Version          int64             `json:"version"`
}

// Clone returns a deep copy.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	if w.Slot != nil {
		s := *w.Slot
		cp.Slot = &s
	}
	if w.ReservationID != nil {
		id := *w.ReservationID
		cp.ReservationID = &id
	}
	if w.HoldExpiresAt != nil {
		t := *w.HoldExpiresAt
		cp.HoldExpiresAt = &t
	}
	if w.Receipt != nil {
		r := *w.Receipt
		cp.Receipt = &r
	}
	return &cp
}

func (w *Workflow) reservationID() uuid.UUID {
	if w.ReservationID == nil {
		return uuid.Nil
	}
	return *w.ReservationID
}
