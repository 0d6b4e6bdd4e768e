package events

import "time"

// Event types written to the outbox. The suffix is the payload version.
const (
	TypeReservationChanged     = "reservation.state_changed.v1"
	TypeScheduleChanged        = "availability.schedule_changed.v1"
	TypeBookingConfirmed       = "booking.confirmed.v1"
	TypeBookingCancelled       = "booking.cancelled.v1"
	TypeReconciliationRequired = "booking.reconciliation_required.v1"
)

type ReservationChangedV1 struct {
	EventID        string    `json:"event_id"`
	ReservationID  string    `json:"reservation_id"`
	PractitionerID string    `json:"practitioner_id"`
	PatientID      string    `json:"patient_id"`
	Date           string    `json:"date"`
	Start          string    `json:"start"`
	End            string    `json:"end"`
	State          string    `json:"state"`
	ExpiresAt      time.Time `json:"expires_at"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type ScheduleChangedV1 struct {
	EventID        string    `json:"event_id"`
	PractitionerID string    `json:"practitioner_id"`
	Revision       int64     `json:"revision"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type BookingConfirmedV1 struct {
	EventID        string    `json:"event_id"`
	WorkflowID     string    `json:"workflow_id"`
	ReservationID  string    `json:"reservation_id"`
	PractitionerID string    `json:"practitioner_id"`
	PatientID      string    `json:"patient_id"`
	Date           string    `json:"date"`
	Start          string    `json:"start"`
	End            string    `json:"end"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	ReceiptID      string    `json:"receipt_id"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type BookingCancelledV1 struct {
	EventID        string    `json:"event_id"`
	WorkflowID     string    `json:"workflow_id"`
	ReservationID  string    `json:"reservation_id,omitempty"`
	PractitionerID string    `json:"practitioner_id"`
	PatientID      string    `json:"patient_id"`
	Reason         string    `json:"reason"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// ReconciliationRequiredV1 is raised when money was captured but the
// reservation could not be confirmed. Ops must refund or rebook by hand.
type ReconciliationRequiredV1 struct {
	EventID        string    `json:"event_id"`
	WorkflowID     string    `json:"workflow_id"`
	ReservationID  string    `json:"reservation_id"`
	PractitionerID string    `json:"practitioner_id"`
	PatientID      string    `json:"patient_id"`
	ReceiptID      string    `json:"receipt_id"`
	Provider       string    `json:"provider"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	Cause          string    `json:"cause"`
	OccurredAt     time.Time `json:"occurred_at"`
}
