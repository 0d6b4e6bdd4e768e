package slots

import (
	"iter"
	"time"

	"cloud.google.com/go/civil"

	"github.com/wolfman30/telehealth-scheduling/internal/availability"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
)

// Expand yields the slots the schedule offers on every date in [from, to),
// ordered by date then start time. The sequence is lazy and can be ranged over
// any number of times. An invalid granularity yields nothing.
func Expand(s *availability.Schedule, from, to civil.Date, granularity time.Duration) iter.Seq[Slot] {
	if s == nil {
		return func(func(Slot) bool) {}
	}
	return ExpandWith(s.PractitionerID, s.Week, s.Blocked, from, to, granularity)
}

// ExpandWith is Expand over an explicit template and blocked-date set.
func ExpandWith(practitionerID string, week availability.WeeklyAvailability, blocked map[civil.Date]struct{}, from, to civil.Date, granularity time.Duration) iter.Seq[Slot] {
	step := int(granularity / time.Minute)
	return func(yield func(Slot) bool) {
		if ValidateGranularity(granularity) != nil {
			return
		}
		for date := from; date.Before(to); date = date.AddDays(1) {
			if _, ok := blocked[date]; ok {
				continue
			}
			day := week[availability.WeekdayOf(date)]
			if !day.Enabled {
				continue
			}
			for _, w := range day.Windows {
				end := availability.MinuteOfDay(w.End)
				for m := availability.MinuteOfDay(w.Start); m+step <= end; m += step {
					slot := Slot{
						PractitionerID: practitionerID,
						Date:           date,
						Start:          availability.ClockAt(m),
						End:            availability.ClockAt(m + step),
					}
					if !yield(slot) {
						return
					}
				}
			}
		}
	}
}

// Open drops slots whose key is in taken.
func Open(all iter.Seq[Slot], taken map[reservations.SlotKey]struct{}) iter.Seq[Slot] {
	return func(yield func(Slot) bool) {
		for s := range all {
			if _, ok := taken[s.Key()]; ok {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

// TakenSet indexes a list of reservation keys.
func TakenSet(keys []reservations.SlotKey) map[reservations.SlotKey]struct{} {
	out := make(map[reservations.SlotKey]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}
