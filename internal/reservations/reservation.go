// Package reservations is the authoritative record of which slots are held or
// booked. At most one held or confirmed reservation exists per slot key.
package reservations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

var (
	// ErrSlotUnavailable means another non-terminal reservation owns the slot.
	ErrSlotUnavailable = errors.New("reservations: slot unavailable")
	// ErrNotFound means no reservation has the given ID.
	ErrNotFound = errors.New("reservations: reservation not found")
	// ErrExpired means the hold's TTL elapsed before confirmation.
	ErrExpired = errors.New("reservations: hold expired")
	// ErrReleased means the hold was released before confirmation.
	ErrReleased = errors.New("reservations: hold released")
	// ErrInvalidHold rejects malformed hold requests.
	ErrInvalidHold = errors.New("reservations: invalid hold request")
)

// State is the reservation lifecycle state.
type State string

const (
	StateHeld      State = "held"
	StateConfirmed State = "confirmed"
	StateReleased  State = "released"
	StateExpired   State = "expired"
)

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateConfirmed || s == StateReleased || s == StateExpired
}

// OccupiesSlot reports whether a reservation in this state owns its slot key.
func (s State) OccupiesSlot() bool {
	return s == StateHeld || s == StateConfirmed
}

// SlotKey identifies a slot for reservation purposes.
type SlotKey struct {
	PractitionerID string     `json:"practitioner_id"`
	Date           civil.Date `json:"date"`
	Start          civil.Time `json:"start"`
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s/%s/%02d:%02d", k.PractitionerID, k.Date, k.Start.Hour, k.Start.Minute)
}

// Reservation is the only persisted, mutable booking entity.
type Reservation struct {
	ID          uuid.UUID  `json:"id"`
	Slot        SlotKey    `json:"slot"`
	End         civil.Time `json:"end"`
	PatientID   string     `json:"patient_id"`
	State       State      `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`

	// Reclaimed is set on a Hold result when the new hold replaced a stale
	// one on the same key; it is the stale reservation after expiry. Not
	// persisted.
	Reclaimed *Reservation `json:"-"`
}

// HeldAndDue reports whether a held reservation's TTL has elapsed at now.
func (r *Reservation) HeldAndDue(now time.Time) bool {
	return r.State == StateHeld && !now.Before(r.ExpiresAt)
}

// Active reports whether the reservation still owns its slot at now.
func (r *Reservation) Active(now time.Time) bool {
	switch r.State {
	case StateConfirmed:
		return true
	case StateHeld:
		return now.Before(r.ExpiresAt)
	default:
		return false
	}
}

// HoldRequest asks for a provisional hold on one slot.
type HoldRequest struct {
	Slot      SlotKey
	End       civil.Time
	PatientID string
	TTL       time.Duration
}

// Validate checks the request before any store mutation.
func (h HoldRequest) Validate() error {
	switch {
	case h.Slot.PractitionerID == "":
		return fmt.Errorf("%w: practitioner id required", ErrInvalidHold)
	case h.PatientID == "":
		return fmt.Errorf("%w: patient id required", ErrInvalidHold)
	case !h.Slot.Date.IsValid() || !h.Slot.Start.IsValid() || !validEnd(h.End):
		return fmt.Errorf("%w: invalid slot date or time", ErrInvalidHold)
	case h.End.Hour*60+h.End.Minute <= h.Slot.Start.Hour*60+h.Slot.Start.Minute:
		return fmt.Errorf("%w: slot end must be after start", ErrInvalidHold)
	case h.TTL <= 0:
		return fmt.Errorf("%w: hold ttl must be positive", ErrInvalidHold)
	}
	return nil
}

// endOfDay is the "24:00" end of a slot that runs to midnight.
var endOfDay = civil.Time{Hour: 24}

func validEnd(t civil.Time) bool {
	return t.IsValid() || t == endOfDay
}

// parseEnd reads a slot end, accepting Postgres' "24:00:00".
func parseEnd(s string) (civil.Time, error) {
	if s == "24:00:00" || s == "24:00" {
		return endOfDay, nil
	}
	return civil.ParseTime(s)
}

// Store is the reservation contract. Hold is linearizable per slot key: of
// concurrent holds on one key at most one succeeds, the rest observe
// ErrSlotUnavailable immediately.
type Store interface {
	Hold(ctx context.Context, req HoldRequest) (*Reservation, error)
	Confirm(ctx context.Context, id uuid.UUID) (*Reservation, error)
	Release(ctx context.Context, id uuid.UUID) (*Reservation, error)
	Get(ctx context.Context, id uuid.UUID) (*Reservation, error)
	ListNonTerminal(ctx context.Context, practitionerID string, from, to civil.Date) ([]SlotKey, error)
	SweepExpired(ctx context.Context) ([]Reservation, error)
	ExpireIfDue(ctx context.Context, id uuid.UUID) (bool, error)
}

func inRange(d, from, to civil.Date) bool {
	return !d.Before(from) && d.Before(to)
}

func clone(r *Reservation) *Reservation {
	if r == nil {
		return nil
	}
	out := *r
	if r.ConfirmedAt != nil {
		t := *r.ConfirmedAt
		out.ConfirmedAt = &t
	}
	if r.ReleasedAt != nil {
		t := *r.ReleasedAt
		out.ReleasedAt = &t
	}
	out.Reclaimed = clone(r.Reclaimed)
	return &out
}
