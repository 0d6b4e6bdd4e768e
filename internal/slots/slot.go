// Package slots turns a practitioner's availability into bookable, fixed-length
// slots and filters out the ones already held or booked.
package slots

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"github.com/wolfman30/telehealth-scheduling/internal/availability"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
)

var (
	// ErrInvalidGranularity rejects slot lengths that are not a positive whole number of minutes up to a day.
	ErrInvalidGranularity = errors.New("slots: invalid granularity")
	// ErrInvalidRange rejects a range whose end is not after its start.
	ErrInvalidRange = errors.New("slots: invalid date range")
	// ErrRangeTooLarge rejects ranges longer than the configured maximum.
	ErrRangeTooLarge = errors.New("slots: date range too large")
	// ErrInvalidCursor rejects a page cursor that did not come from a previous page.
	ErrInvalidCursor = errors.New("slots: invalid cursor")
)

// Slot is a concrete bookable interval on one date. Two slots are equal when
// all four fields match.
type Slot struct {
	PractitionerID string
	Date           civil.Date
	Start          civil.Time
	End            civil.Time
}

// Key returns the reservation key for the slot.
func (s Slot) Key() reservations.SlotKey {
	return reservations.SlotKey{PractitionerID: s.PractitionerID, Date: s.Date, Start: s.Start}
}

// StartsAt resolves the slot start to an instant in loc.
func (s Slot) StartsAt(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(s.Date.Year, s.Date.Month, s.Date.Day, s.Start.Hour, s.Start.Minute, 0, 0, loc)
}

func (s Slot) String() string {
	return fmt.Sprintf("%s %s %s-%s", s.PractitionerID, s.Date, availability.FormatClock(s.Start), availability.FormatClock(s.End))
}

type slotJSON struct {
	PractitionerID string `json:"practitioner_id"`
	Date           string `json:"date"`
	Start          string `json:"start"`
	End            string `json:"end"`
}

func (s Slot) MarshalJSON() ([]byte, error) {
	return json.Marshal(slotJSON{
		PractitionerID: s.PractitionerID,
		Date:           s.Date.String(),
		Start:          availability.FormatClock(s.Start),
		End:            availability.FormatClock(s.End),
	})
}

func (s *Slot) UnmarshalJSON(data []byte) error {
	var raw slotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	date, err := civil.ParseDate(raw.Date)
	if err != nil {
		return fmt.Errorf("%w: %q", availability.ErrInvalidDate, raw.Date)
	}
	start, err := availability.ParseClock(raw.Start)
	if err != nil {
		return err
	}
	end, err := availability.ParseClock(raw.End)
	if err != nil {
		return err
	}
	*s = Slot{PractitionerID: raw.PractitionerID, Date: date, Start: start, End: end}
	return nil
}

// ValidateGranularity checks that g is a whole number of minutes in (0, 24h].
func ValidateGranularity(g time.Duration) error {
	if g <= 0 || g > 24*time.Hour || g%time.Minute != 0 {
		return fmt.Errorf("%w: %s", ErrInvalidGranularity, g)
	}
	return nil
}

// ValidateRange checks [from, to) is non-empty and at most maxDays long.
func ValidateRange(from, to civil.Date, maxDays int) error {
	if !from.IsValid() || !to.IsValid() || !from.Before(to) {
		return fmt.Errorf("%w: %s..%s", ErrInvalidRange, from, to)
	}
	if maxDays > 0 && to.DaysSince(from) > maxDays {
		return fmt.Errorf("%w: %d days (max %d)", ErrRangeTooLarge, to.DaysSince(from), maxDays)
	}
	return nil
}
