package reservations

import (
	"context"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/wolfman30/telehealth-scheduling/internal/clock"
)

// DefaultRetention is how long released and expired reservations stay
// readable in a MemoryStore before SweepExpired drops them.
const DefaultRetention = 24 * time.Hour

// MemoryStore guards all reservations with one mutex, so every operation is a
// single critical section and hold is a compare-and-set on the active index.
type MemoryStore struct {
	mu        sync.Mutex
	clock     clock.Clock
	retention time.Duration
	byID      map[uuid.UUID]*Reservation
	active    map[SlotKey]uuid.UUID
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithRetention sets how long released and expired reservations are kept.
// Confirmed reservations are never dropped.
func WithRetention(d time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		if d > 0 {
			m.retention = d
		}
	}
}

// NewMemoryStore returns an empty in-memory reservation store.
func NewMemoryStore(clk clock.Clock, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		clock:     clock.OrSystem(clk),
		retention: DefaultRetention,
		byID:      make(map[uuid.UUID]*Reservation),
		active:    make(map[SlotKey]uuid.UUID),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Hold(_ context.Context, req HoldRequest) (*Reservation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()

	var reclaimed *Reservation
	if id, ok := m.active[req.Slot]; ok {
		existing := m.byID[id]
		if !existing.HeldAndDue(now) {
			return nil, ErrSlotUnavailable
		}
		m.finishLocked(existing, StateExpired, now)
		reclaimed = clone(existing)
	}

	r := &Reservation{
		ID:        uuid.New(),
		Slot:      req.Slot,
		End:       req.End,
		PatientID: req.PatientID,
		State:     StateHeld,
		CreatedAt: now,
		ExpiresAt: now.Add(req.TTL),
	}
	m.byID[r.ID] = r
	m.active[r.Slot] = r.ID
	out := clone(r)
	out.Reclaimed = reclaimed
	return out, nil
}

func (m *MemoryStore) Confirm(_ context.Context, id uuid.UUID) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()

	r, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch r.State {
	case StateConfirmed:
		return clone(r), nil
	case StateReleased:
		return nil, ErrReleased
	case StateExpired:
		return nil, ErrExpired
	}
	if r.HeldAndDue(now) {
		m.finishLocked(r, StateExpired, now)
		return nil, ErrExpired
	}
	r.State = StateConfirmed
	r.ConfirmedAt = &now
	return clone(r), nil
}

func (m *MemoryStore) Release(_ context.Context, id uuid.UUID) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()

	r, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.State == StateHeld {
		if r.HeldAndDue(now) {
			m.finishLocked(r, StateExpired, now)
		} else {
			m.finishLocked(r, StateReleased, now)
		}
	}
	return clone(r), nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

func (m *MemoryStore) ListNonTerminal(_ context.Context, practitionerID string, from, to civil.Date) ([]SlotKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()

	var keys []SlotKey
	for key, id := range m.active {
		if key.PractitionerID != practitionerID || !inRange(key.Date, from, to) {
			continue
		}
		if m.byID[id].Active(now) {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys, nil
}

func (m *MemoryStore) SweepExpired(_ context.Context) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()

	var expired []Reservation
	for _, id := range m.active {
		r := m.byID[id]
		if r.HeldAndDue(now) {
			m.finishLocked(r, StateExpired, now)
			expired = append(expired, *clone(r))
		}
	}
	m.pruneLocked(now)
	return expired, nil
}

// pruneLocked drops released and expired reservations older than the
// retention window. They no longer own a key, so only Get notices.
func (m *MemoryStore) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.retention)
	for id, r := range m.byID {
		if r.State == StateReleased || r.State == StateExpired {
			if r.ReleasedAt != nil && !r.ReleasedAt.After(cutoff) {
				delete(m.byID, id)
			}
		}
	}
}

// Len reports how many reservations the store currently keeps.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *MemoryStore) ExpireIfDue(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	now := m.clock.Now()
	if !r.HeldAndDue(now) {
		return false, nil
	}
	m.finishLocked(r, StateExpired, now)
	return true, nil
}

// finishLocked moves a held reservation to a terminal failure state and frees its key.
func (m *MemoryStore) finishLocked(r *Reservation, state State, now time.Time) {
	r.State = state
	r.ReleasedAt = &now
	if m.active[r.Slot] == r.ID {
		delete(m.active, r.Slot)
	}
}

func sortKeys(keys []SlotKey) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Date != b.Date {
			return a.Date.Before(b.Date)
		}
		if a.Start.Hour != b.Start.Hour {
			return a.Start.Hour < b.Start.Hour
		}
		return a.Start.Minute < b.Start.Minute
	})
}
