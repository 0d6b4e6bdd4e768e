// Package events implements the transactional outbox: domain code appends
// events, a deliverer drains them to SQS, RabbitMQ and other handlers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MaxAttempts is how many failed deliveries an entry gets before it is parked.
const MaxAttempts = 10

// OutboxEntry represents a pending event.
type OutboxEntry struct {
	ID          uuid.UUID       `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	Attempts    int             `json:"attempts,omitempty"`
}

// Outbox persists events for reliable delivery.
type Outbox interface {
	Insert(ctx context.Context, aggregateID, eventType string, payload any) (uuid.UUID, error)
	FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
}

type outboxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// OutboxStore is the Postgres outbox.
type OutboxStore struct {
	db outboxDB
}

func NewOutboxStore(db outboxDB) *OutboxStore {
	if db == nil {
		panic("events: pgx pool required")
	}
	return &OutboxStore{db: db}
}

func (s *OutboxStore) Insert(ctx context.Context, aggregateID string, eventType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	id := uuid.New()
	query := `
		INSERT INTO outbox (id, aggregate_id, type, payload)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.db.Exec(ctx, query, id, aggregateID, eventType, data); err != nil {
		return uuid.Nil, fmt.Errorf("events: insert outbox: %w", err)
	}
	return id, nil
}

func (s *OutboxStore) FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error) {
	query := `
		SELECT id, aggregate_id, type, payload, created_at, attempts
		FROM outbox
		WHERE delivered_at IS NULL AND attempts < $2
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit, MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("events: fetch pending: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.AggregateID, &entry.Type, &payload, &entry.CreatedAt, &entry.Attempts); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		entry.Payload = append([]byte(nil), payload...)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE outbox
		SET delivered_at = now()
		WHERE id = $1 AND delivered_at IS NULL
	`
	ct, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	query := `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1 AND delivered_at IS NULL
	`
	if _, err := s.db.Exec(ctx, query, id, msg); err != nil {
		return fmt.Errorf("events: mark failed: %w", err)
	}
	return nil
}

// MemoryOutbox keeps entries in process. Used by the memory backend and tests.
type MemoryOutbox struct {
	mu        sync.Mutex
	order     []uuid.UUID
	entries   map[uuid.UUID]*OutboxEntry
	delivered map[uuid.UUID]bool
	now       func() time.Time
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		entries:   make(map[uuid.UUID]*OutboxEntry),
		delivered: make(map[uuid.UUID]bool),
		now:       time.Now,
	}
}

func (m *MemoryOutbox) Insert(_ context.Context, aggregateID, eventType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &OutboxEntry{ID: uuid.New(), AggregateID: aggregateID, Type: eventType, Payload: data, CreatedAt: m.now().UTC()}
	m.entries[entry.ID] = entry
	m.order = append(m.order, entry.ID)
	return entry.ID, nil
}

func (m *MemoryOutbox) FetchPending(_ context.Context, limit int32) ([]OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OutboxEntry
	for _, id := range m.order {
		e := m.entries[id]
		if m.delivered[id] || e.Attempts >= MaxAttempts {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) == int(limit) {
			break
		}
	}
	return out, nil
}

func (m *MemoryOutbox) MarkDelivered(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok || m.delivered[id] {
		return false, nil
	}
	m.delivered[id] = true
	return true, nil
}

func (m *MemoryOutbox) MarkFailed(_ context.Context, id uuid.UUID, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return errors.New("events: unknown outbox entry")
	}
	e.Attempts++
	return nil
}

// Entries returns every entry of the given type, delivered or not.
func (m *MemoryOutbox) Entries(eventType string) []OutboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OutboxEntry
	for _, id := range m.order {
		if e := m.entries[id]; eventType == "" || e.Type == eventType {
			out = append(out, *e)
		}
	}
	return out
}
