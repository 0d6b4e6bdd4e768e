package slots

import (
	"encoding/base64"
	"iter"
	"strings"

	"cloud.google.com/go/civil"

	"github.com/wolfman30/telehealth-scheduling/internal/availability"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 500
)

// Page is one window of an ordered slot listing.
type Page struct {
	Slots      []Slot `json:"slots"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// Cursor encodes the position just after s.
func Cursor(s Slot) string {
	raw := s.Date.String() + "T" + availability.FormatClock(s.Start)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

type position struct {
	date  civil.Date
	start int
}

func decodeCursor(cursor string) (*position, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	datePart, clockPart, ok := strings.Cut(string(raw), "T")
	if !ok {
		return nil, ErrInvalidCursor
	}
	date, err := civil.ParseDate(datePart)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	start, err := availability.ParseClock(clockPart)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &position{date: date, start: availability.MinuteOfDay(start)}, nil
}

func (p *position) after(s Slot) bool {
	if p == nil {
		return true
	}
	if s.Date != p.date {
		return s.Date.After(p.date)
	}
	return availability.MinuteOfDay(s.Start) > p.start
}

// Paginate collects up to limit slots that sort strictly after cursor. When
// more slots remain, NextCursor points at the last one returned.
func Paginate(seq iter.Seq[Slot], cursor string, limit int) (Page, error) {
	pos, err := decodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}

	page := Page{Slots: make([]Slot, 0, min(limit, 32))}
	more := false
	for s := range seq {
		if !pos.after(s) {
			continue
		}
		if len(page.Slots) == limit {
			more = true
			break
		}
		page.Slots = append(page.Slots, s)
	}
	if more {
		page.NextCursor = Cursor(page.Slots[len(page.Slots)-1])
	}
	return page, nil
}
