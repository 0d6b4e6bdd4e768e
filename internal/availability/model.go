// Package availability holds a practitioner's recurring weekly schedule and the
// set of dates they have blocked out, plus its stores, service and HTTP handler.
package availability

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

var (
	// ErrInvalidWindow is returned when a window has start >= end or overlaps another window.
	ErrInvalidWindow = errors.New("availability: invalid time window")
	// ErrInvalidDay is returned for a weekday outside Monday..Sunday.
	ErrInvalidDay = errors.New("availability: invalid day")
	// ErrInvalidDate is returned for an impossible calendar date.
	ErrInvalidDate = errors.New("availability: invalid date")
	// ErrWindowIndex is returned when removing a window that does not exist.
	ErrWindowIndex = errors.New("availability: window index out of range")
	// ErrNotFound is returned when no schedule exists for a practitioner.
	ErrNotFound = errors.New("availability: schedule not found")
	// ErrStaleRevision is returned when a save races with another writer.
	ErrStaleRevision = errors.New("availability: stale revision")
)

// WindowError describes which window failed validation.
type WindowError struct {
	Window TimeWindow
	Reason string
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("availability: invalid time window %s: %s", e.Window, e.Reason)
}

func (e *WindowError) Unwrap() error { return ErrInvalidWindow }

// Weekday indexes the week starting on Monday.
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayNames = [7]string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

func (d Weekday) String() string {
	if !d.Valid() {
		return "weekday(" + strconv.Itoa(int(d)) + ")"
	}
	return weekdayNames[d]
}

// Valid reports whether d is Monday..Sunday.
func (d Weekday) Valid() bool { return d >= Monday && d <= Sunday }

// FromTimeWeekday converts a time.Weekday (Sunday-first) into a Weekday.
func FromTimeWeekday(w time.Weekday) Weekday {
	return Weekday((int(w) + 6) % 7)
}

// WeekdayOf returns the weekday of a calendar date.
func WeekdayOf(d civil.Date) Weekday {
	return FromTimeWeekday(d.In(time.UTC).Weekday())
}

// ParseWeekday accepts full names, three-letter abbreviations, or 0-6 (Monday=0).
func ParseWeekday(s string) (Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for i, name := range weekdayNames {
		if v == name || v == name[:3] {
			return Weekday(i), nil
		}
	}
	if n, err := strconv.Atoi(v); err == nil && Weekday(n).Valid() {
		return Weekday(n), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidDay, s)
}

// EndOfDay is midnight at the end of a day. It is only meaningful as the end
// of a window or slot and is written "24:00".
var EndOfDay = civil.Time{Hour: 24}

// ParseClock parses "HH:MM" or "HH:MM:SS" into a minute-resolution wall-clock
// time. "24:00" parses as EndOfDay.
func ParseClock(s string) (civil.Time, error) {
	s = strings.TrimSpace(s)
	if s == "24:00" || s == "24:00:00" {
		return EndOfDay, nil
	}
	layout := "15:04"
	if strings.Count(s, ":") == 2 {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return civil.Time{}, fmt.Errorf("availability: invalid time %q", s)
	}
	if t.Second() != 0 {
		return civil.Time{}, fmt.Errorf("availability: time %q must be on a minute boundary", s)
	}
	return civil.Time{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// FormatClock renders a wall-clock time as "HH:MM".
func FormatClock(t civil.Time) string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// MinuteOfDay returns minutes since midnight.
func MinuteOfDay(t civil.Time) int {
	return t.Hour*60 + t.Minute
}

// ClockAt converts minutes since midnight back into a wall-clock time.
func ClockAt(minute int) civil.Time {
	return civil.Time{Hour: minute / 60, Minute: minute % 60}
}

// TimeWindow is a half-open wall-clock interval [Start, End) within one day.
type TimeWindow struct {
	Start civil.Time
	End   civil.Time
}

// NewWindow parses a window from "HH:MM" strings.
func NewWindow(start, end string) (TimeWindow, error) {
	s, err := ParseClock(start)
	if err != nil {
		return TimeWindow{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return TimeWindow{}, err
	}
	return TimeWindow{Start: s, End: e}, nil
}

// MustWindow is NewWindow for literals; it panics on malformed input.
func MustWindow(start, end string) TimeWindow {
	w, err := NewWindow(start, end)
	if err != nil {
		panic(err)
	}
	return w
}

func (w TimeWindow) String() string {
	return FormatClock(w.Start) + "-" + FormatClock(w.End)
}

// Minutes returns the length of the window.
func (w TimeWindow) Minutes() int {
	return MinuteOfDay(w.End) - MinuteOfDay(w.Start)
}

// Contains reports whether [start, end) lies inside the window.
func (w TimeWindow) Contains(start, end civil.Time) bool {
	return MinuteOfDay(start) >= MinuteOfDay(w.Start) && MinuteOfDay(end) <= MinuteOfDay(w.End) &&
		MinuteOfDay(start) < MinuteOfDay(end)
}

type windowJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (w TimeWindow) MarshalJSON() ([]byte, error) {
	return json.Marshal(windowJSON{Start: FormatClock(w.Start), End: FormatClock(w.End)})
}

func (w *TimeWindow) UnmarshalJSON(data []byte) error {
	var raw windowJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewWindow(raw.Start, raw.End)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// ValidateWindows checks start < end for every window and that no two windows
// overlap. Windows that only touch at a boundary are allowed.
func ValidateWindows(windows []TimeWindow) error {
	for _, w := range windows {
		if MinuteOfDay(w.Start) >= MinuteOfDay(w.End) {
			return &WindowError{Window: w, Reason: "start must be before end"}
		}
	}
	sorted := sortedWindows(windows)
	for i := 1; i < len(sorted); i++ {
		if MinuteOfDay(sorted[i].Start) < MinuteOfDay(sorted[i-1].End) {
			return &WindowError{Window: sorted[i], Reason: "overlaps " + sorted[i-1].String()}
		}
	}
	return nil
}

func sortedWindows(windows []TimeWindow) []TimeWindow {
	out := make([]TimeWindow, len(windows))
	copy(out, windows)
	sort.SliceStable(out, func(i, j int) bool {
		return MinuteOfDay(out[i].Start) < MinuteOfDay(out[j].Start)
	})
	return out
}

// DayAvailability is one weekday of the recurring template.
type DayAvailability struct {
	Enabled bool         `json:"enabled"`
	Windows []TimeWindow `json:"windows"`
}

// WeeklyAvailability is the Monday..Sunday template.
type WeeklyAvailability [7]DayAvailability

type dayJSON struct {
	Day     string       `json:"day"`
	Enabled bool         `json:"enabled"`
	Windows []TimeWindow `json:"windows"`
}

func (w WeeklyAvailability) MarshalJSON() ([]byte, error) {
	days := make([]dayJSON, 7)
	for i, d := range w {
		windows := d.Windows
		if windows == nil {
			windows = []TimeWindow{}
		}
		days[i] = dayJSON{Day: Weekday(i).String(), Enabled: d.Enabled, Windows: windows}
	}
	return json.Marshal(days)
}

func (w *WeeklyAvailability) UnmarshalJSON(data []byte) error {
	var days []dayJSON
	if err := json.Unmarshal(data, &days); err != nil {
		return err
	}
	if len(days) != 7 {
		return fmt.Errorf("availability: weekly template needs 7 days, got %d", len(days))
	}
	var out WeeklyAvailability
	for i, d := range days {
		idx := Weekday(i)
		if d.Day != "" {
			parsed, err := ParseWeekday(d.Day)
			if err != nil {
				return err
			}
			idx = parsed
		}
		if err := ValidateWindows(d.Windows); err != nil {
			return err
		}
		out[idx] = DayAvailability{Enabled: d.Enabled, Windows: sortedWindows(d.Windows)}
	}
	*w = out
	return nil
}

// DefaultWeek is the template new practitioners start from.
func DefaultWeek() WeeklyAvailability {
	var w WeeklyAvailability
	w[Monday] = DayAvailability{Enabled: true, Windows: []TimeWindow{MustWindow("09:00", "12:00"), MustWindow("14:00", "17:00")}}
	w[Tuesday] = DayAvailability{Enabled: true, Windows: []TimeWindow{MustWindow("09:00", "12:00")}}
	w[Wednesday] = DayAvailability{Enabled: false, Windows: []TimeWindow{}}
	w[Thursday] = DayAvailability{Enabled: true, Windows: []TimeWindow{MustWindow("10:00", "16:00")}}
	w[Friday] = DayAvailability{Enabled: true, Windows: []TimeWindow{MustWindow("09:00", "13:00")}}
	w[Saturday] = DayAvailability{Enabled: false, Windows: []TimeWindow{}}
	w[Sunday] = DayAvailability{Enabled: false, Windows: []TimeWindow{}}
	return w
}

// Schedule is the practitioner aggregate: the weekly template and the blocked
// dates are independent collections. Revision increases on every change.
type Schedule struct {
	PractitionerID string
	Timezone       string
	Week           WeeklyAvailability
	Blocked        map[civil.Date]struct{}
	Revision       int64
	UpdatedAt      time.Time
}

// NewSchedule returns an empty schedule (every day disabled).
func NewSchedule(practitionerID, timezone string) *Schedule {
	if timezone == "" {
		timezone = "UTC"
	}
	return &Schedule{
		PractitionerID: practitionerID,
		Timezone:       timezone,
		Blocked:        map[civil.Date]struct{}{},
	}
}

// Location resolves the schedule's timezone, defaulting to UTC.
func (s *Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Day returns the template entry for d.
func (s *Schedule) Day(d Weekday) DayAvailability {
	if !d.Valid() {
		return DayAvailability{}
	}
	return s.Week[d]
}

// SetDayWindows replaces the windows of one day. Validation runs before any
// mutation so a rejected call leaves the schedule untouched.
func (s *Schedule) SetDayWindows(day Weekday, windows []TimeWindow) error {
	if !day.Valid() {
		return ErrInvalidDay
	}
	if err := ValidateWindows(windows); err != nil {
		return err
	}
	s.Week[day].Windows = sortedWindows(windows)
	s.Revision++
	return nil
}

// AddWindow appends one window to a day.
func (s *Schedule) AddWindow(day Weekday, w TimeWindow) error {
	if !day.Valid() {
		return ErrInvalidDay
	}
	next := append(append([]TimeWindow{}, s.Week[day].Windows...), w)
	return s.SetDayWindows(day, next)
}

// RemoveWindow drops the window at index (in start order) from a day.
func (s *Schedule) RemoveWindow(day Weekday, index int) error {
	if !day.Valid() {
		return ErrInvalidDay
	}
	current := s.Week[day].Windows
	if index < 0 || index >= len(current) {
		return ErrWindowIndex
	}
	next := make([]TimeWindow, 0, len(current)-1)
	next = append(next, current[:index]...)
	next = append(next, current[index+1:]...)
	return s.SetDayWindows(day, next)
}

// ToggleDay enables or disables a weekday. Enabling a day without windows is
// allowed; the day simply yields no slots.
func (s *Schedule) ToggleDay(day Weekday, enabled bool) error {
	if !day.Valid() {
		return ErrInvalidDay
	}
	if s.Week[day].Enabled == enabled {
		return nil
	}
	s.Week[day].Enabled = enabled
	s.Revision++
	return nil
}

// BlockDate removes all slots on date. Existing reservations on that date are
// not affected; only new holds are prevented.
func (s *Schedule) BlockDate(date civil.Date) error {
	if !date.IsValid() {
		return ErrInvalidDate
	}
	if s.Blocked == nil {
		s.Blocked = map[civil.Date]struct{}{}
	}
	if _, ok := s.Blocked[date]; ok {
		return nil
	}
	s.Blocked[date] = struct{}{}
	s.Revision++
	return nil
}

// UnblockDate restores the weekly template for date.
func (s *Schedule) UnblockDate(date civil.Date) error {
	if !date.IsValid() {
		return ErrInvalidDate
	}
	if _, ok := s.Blocked[date]; !ok {
		return nil
	}
	delete(s.Blocked, date)
	s.Revision++
	return nil
}

// IsBlocked reports whether date is blocked.
func (s *Schedule) IsBlocked(date civil.Date) bool {
	_, ok := s.Blocked[date]
	return ok
}

// BlockedDates returns the blocked set in ascending order.
func (s *Schedule) BlockedDates() []civil.Date {
	out := make([]civil.Date, 0, len(s.Blocked))
	for d := range s.Blocked {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Offers reports whether [start, end) on date is bookable under the template:
// the date is not blocked, its weekday is enabled and a window contains it.
func (s *Schedule) Offers(date civil.Date, start, end civil.Time) bool {
	if s.IsBlocked(date) {
		return false
	}
	day := s.Week[WeekdayOf(date)]
	if !day.Enabled {
		return false
	}
	for _, w := range day.Windows {
		if w.Contains(start, end) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	out := *s
	for i, d := range s.Week {
		out.Week[i] = DayAvailability{Enabled: d.Enabled, Windows: append([]TimeWindow{}, d.Windows...)}
	}
	out.Blocked = make(map[civil.Date]struct{}, len(s.Blocked))
	for d := range s.Blocked {
		out.Blocked[d] = struct{}{}
	}
	return &out
}

// scheduleJSON is the stored and wire form of a Schedule.
type scheduleJSON struct {
	PractitionerID string             `json:"practitioner_id"`
	Timezone       string             `json:"timezone"`
	Week           WeeklyAvailability `json:"week"`
	BlockedDates   []civil.Date       `json:"blocked_dates"`
	Revision       int64              `json:"revision"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func (s *Schedule) MarshalJSON() ([]byte, error) {
	return json.Marshal(scheduleJSON{
		PractitionerID: s.PractitionerID,
		Timezone:       s.Timezone,
		Week:           s.Week,
		BlockedDates:   s.BlockedDates(),
		Revision:       s.Revision,
		UpdatedAt:      s.UpdatedAt,
	})
}

func (s *Schedule) UnmarshalJSON(data []byte) error {
	var raw scheduleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Schedule{
		PractitionerID: raw.PractitionerID,
		Timezone:       raw.Timezone,
		Week:           raw.Week,
		Blocked:        make(map[civil.Date]struct{}, len(raw.BlockedDates)),
		Revision:       raw.Revision,
		UpdatedAt:      raw.UpdatedAt,
	}
	for _, d := range raw.BlockedDates {
		s.Blocked[d] = struct{}{}
	}
	return nil
}
