package availability

import (
	"context"
	"sync"
)

// Store persists schedules. Save succeeds only when the stored revision equals
// expectedRevision (0 for a schedule that has never been saved).
type Store interface {
	Get(ctx context.Context, practitionerID string) (*Schedule, error)
	Save(ctx context.Context, schedule *Schedule, expectedRevision int64) error
}

// MemoryStore keeps schedules in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schedules: make(map[string]*Schedule)}
}

func (m *MemoryStore) Get(_ context.Context, practitionerID string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[practitionerID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, schedule *Schedule, expectedRevision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if existing, ok := m.schedules[schedule.PractitionerID]; ok {
		current = existing.Revision
	}
	if current != expectedRevision {
		return ErrStaleRevision
	}
	m.schedules[schedule.PractitionerID] = schedule.Clone()
	return nil
}
