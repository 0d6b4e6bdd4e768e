package booking

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// SnapshotStore persists workflow snapshots with optimistic versioning. Save
// succeeds only when the stored version equals expected (0 means the workflow
// must not exist yet) and returns ErrConflict otherwise.
type SnapshotStore interface {
	Get(ctx context.Context, id uuid.UUID) (*Workflow, error)
	Save(ctx context.Context, wf *Workflow, expected int64) error
}

// MemorySnapshotStore keeps snapshots in process.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	workflows map[uuid.UUID]*Workflow
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{workflows: make(map[uuid.UUID]*Workflow)}
}

func (m *MemorySnapshotStore) Get(_ context.Context, id uuid.UUID) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return wf.Clone(), nil
}

func (m *MemorySnapshotStore) Save(_ context.Context, wf *Workflow, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if existing, ok := m.workflows[wf.ID]; ok {
		current = existing.Version
	}
	if current != expected {
		return ErrConflict
	}
	m.workflows[wf.ID] = wf.Clone()
	return nil
}

// Count reports how many workflows are stored, by state.
func (m *MemorySnapshotStore) Count() map[State]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[State]int)
	for _, wf := range m.workflows {
		out[wf.State]++
	}
	return out
}
