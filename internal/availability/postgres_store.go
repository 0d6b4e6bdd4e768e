package availability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/lib/pq"
)

// PostgresStore persists schedules in practitioner_schedules. The weekly
// template is a JSONB column and blocked dates a DATE[] column.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps a database/sql handle (lib/pq driver).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, practitionerID string) (*Schedule, error) {
	var (
		schedule = Schedule{PractitionerID: practitionerID}
		week     []byte
		blocked  pq.StringArray
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT timezone, week, blocked_dates, revision, updated_at
		FROM practitioner_schedules
		WHERE practitioner_id = $1
	`, practitionerID).Scan(&schedule.Timezone, &week, &blocked, &schedule.Revision, &schedule.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("availability: select schedule: %w", err)
	}
	if err := json.Unmarshal(week, &schedule.Week); err != nil {
		return nil, fmt.Errorf("availability: decode week: %w", err)
	}
	schedule.Blocked = make(map[civil.Date]struct{}, len(blocked))
	for _, raw := range blocked {
		d, err := civil.ParseDate(raw)
		if err != nil {
			return nil, fmt.Errorf("availability: decode blocked date %q: %w", raw, err)
		}
		schedule.Blocked[d] = struct{}{}
	}
	return &schedule, nil
}

func (s *PostgresStore) Save(ctx context.Context, schedule *Schedule, expectedRevision int64) error {
	week, err := json.Marshal(schedule.Week)
	if err != nil {
		return fmt.Errorf("availability: encode week: %w", err)
	}
	dates := schedule.BlockedDates()
	blocked := make([]string, len(dates))
	for i, d := range dates {
		blocked[i] = d.String()
	}
	updatedAt := schedule.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	var res sql.Result
	if expectedRevision == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO practitioner_schedules (practitioner_id, timezone, week, blocked_dates, revision, updated_at)
			VALUES ($1, $2, $3, $4::date[], $5, $6)
			ON CONFLICT (practitioner_id) DO NOTHING
		`, schedule.PractitionerID, schedule.Timezone, week, pq.Array(blocked), schedule.Revision, updatedAt)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE practitioner_schedules
			SET timezone = $2, week = $3, blocked_dates = $4::date[], revision = $5, updated_at = $6
			WHERE practitioner_id = $1 AND revision = $7
		`, schedule.PractitionerID, schedule.Timezone, week, pq.Array(blocked), schedule.Revision, updatedAt, expectedRevision)
	}
	if err != nil {
		return fmt.Errorf("availability: save schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("availability: save schedule rows: %w", err)
	}
	if n == 0 {
		return ErrStaleRevision
	}
	return nil
}
