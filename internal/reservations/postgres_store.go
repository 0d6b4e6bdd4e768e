package reservations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/telehealth-scheduling/internal/clock"
)

// DB is the subset of pgxpool.Pool used by PostgresStore (pgxmock satisfies it).
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps reservations in Postgres. The partial unique index on
// (practitioner_id, slot_date, slot_start) WHERE state IN ('held','confirmed')
// is the serialization point for concurrent holds.
type PostgresStore struct {
	db    DB
	clock clock.Clock
}

// NewPostgresStore creates a pgx-backed reservation store.
func NewPostgresStore(db DB, clk clock.Clock) *PostgresStore {
	if db == nil {
		panic("reservations: db required")
	}
	return &PostgresStore{db: db, clock: clock.OrSystem(clk)}
}

const reservationColumns = `id, practitioner_id, slot_date::text, slot_start::text, slot_end::text,
	patient_id, state, created_at, expires_at, confirmed_at, released_at`

func (s *PostgresStore) Hold(ctx context.Context, req HoldRequest) (*Reservation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	r := &Reservation{
		ID:        uuid.New(),
		Slot:      req.Slot,
		End:       req.End,
		PatientID: req.PatientID,
		State:     StateHeld,
		CreatedAt: now,
		ExpiresAt: now.Add(req.TTL),
	}

	var reclaimed *Reservation
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// Free a stale hold on this key first so the insert below can claim it.
		// The active-slot index allows at most one such row.
		stale, err := scanReservation(tx.QueryRow(ctx, `
			UPDATE reservations SET state = 'expired', released_at = $4
			WHERE practitioner_id = $1 AND slot_date = $2::date AND slot_start = $3::time
			  AND state = 'held' AND expires_at <= $4
			RETURNING `+reservationColumns,
			req.Slot.PractitionerID, req.Slot.Date.String(), req.Slot.Start.String(), now))
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return fmt.Errorf("reservations: expire stale hold: %w", err)
		default:
			reclaimed = stale
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO reservations (id, practitioner_id, slot_date, slot_start, slot_end, patient_id, state, created_at, expires_at)
			VALUES ($1, $2, $3::date, $4::time, $5::time, $6, 'held', $7, $8)
		`, r.ID, req.Slot.PractitionerID, req.Slot.Date.String(), req.Slot.Start.String(), req.End.String(),
			req.PatientID, r.CreatedAt, r.ExpiresAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrSlotUnavailable
			}
			return fmt.Errorf("reservations: insert hold: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.Reclaimed = reclaimed
	return r, nil
}

func (s *PostgresStore) Confirm(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	now := s.clock.Now()
	var (
		out     *Reservation
		outcome error
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		r, err := scanReservation(tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		switch r.State {
		case StateConfirmed:
			out = r
			return nil
		case StateReleased:
			outcome = ErrReleased
			return nil
		case StateExpired:
			outcome = ErrExpired
			return nil
		}
		if r.HeldAndDue(now) {
			if _, err := tx.Exec(ctx, `UPDATE reservations SET state = 'expired', released_at = $2 WHERE id = $1`, id, now); err != nil {
				return fmt.Errorf("reservations: expire on confirm: %w", err)
			}
			outcome = ErrExpired
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE reservations SET state = 'confirmed', confirmed_at = $2 WHERE id = $1`, id, now); err != nil {
			return fmt.Errorf("reservations: confirm: %w", err)
		}
		r.State = StateConfirmed
		r.ConfirmedAt = &now
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return nil, outcome
	}
	return out, nil
}

func (s *PostgresStore) Release(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	now := s.clock.Now()
	r, err := scanReservation(s.db.QueryRow(ctx, `
		UPDATE reservations
		SET state = CASE WHEN expires_at <= $2 THEN 'expired' ELSE 'released' END,
		    released_at = $2
		WHERE id = $1 AND state = 'held'
		RETURNING `+reservationColumns, id, now))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	// Nothing held: either unknown or already terminal (a no-op).
	return s.Get(ctx, id)
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	return scanReservation(s.db.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
}

func (s *PostgresStore) ListNonTerminal(ctx context.Context, practitionerID string, from, to civil.Date) ([]SlotKey, error) {
	rows, err := s.db.Query(ctx, `
		SELECT slot_date::text, slot_start::text
		FROM reservations
		WHERE practitioner_id = $1 AND slot_date >= $2::date AND slot_date < $3::date
		  AND (state = 'confirmed' OR (state = 'held' AND expires_at > $4))
		ORDER BY slot_date, slot_start
	`, practitionerID, from.String(), to.String(), s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("reservations: list non-terminal: %w", err)
	}
	defer rows.Close()

	var keys []SlotKey
	for rows.Next() {
		var date, start string
		if err := rows.Scan(&date, &start); err != nil {
			return nil, fmt.Errorf("reservations: scan slot key: %w", err)
		}
		key, err := parseKey(practitionerID, date, start)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reservations: list non-terminal rows: %w", err)
	}
	return keys, nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context) ([]Reservation, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE reservations SET state = 'expired', released_at = $1
		WHERE state = 'held' AND expires_at <= $1
		RETURNING `+reservationColumns, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("reservations: sweep: %w", err)
	}
	defer rows.Close()

	var expired []Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reservations: sweep rows: %w", err)
	}
	return expired, nil
}

func (s *PostgresStore) ExpireIfDue(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE reservations SET state = 'expired', released_at = $2
		WHERE id = $1 AND state = 'held' AND expires_at <= $2
	`, id, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("reservations: expire: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reservations: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reservations: commit: %w", err)
	}
	return nil
}

func scanReservation(row pgx.Row) (*Reservation, error) {
	var (
		r                  Reservation
		date, start, end   string
		state              string
		confirmed, release *time.Time
	)
	err := row.Scan(&r.ID, &r.Slot.PractitionerID, &date, &start, &end,
		&r.PatientID, &state, &r.CreatedAt, &r.ExpiresAt, &confirmed, &release)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reservations: scan: %w", err)
	}
	key, err := parseKey(r.Slot.PractitionerID, date, start)
	if err != nil {
		return nil, err
	}
	r.Slot = key
	if r.End, err = parseEnd(end); err != nil {
		return nil, fmt.Errorf("reservations: parse slot end %q: %w", end, err)
	}
	r.State = State(state)
	r.ConfirmedAt = confirmed
	r.ReleasedAt = release
	return &r, nil
}

func parseKey(practitionerID, date, start string) (SlotKey, error) {
	d, err := civil.ParseDate(date)
	if err != nil {
		return SlotKey{}, fmt.Errorf("reservations: parse slot date %q: %w", date, err)
	}
	t, err := civil.ParseTime(start)
	if err != nil {
		return SlotKey{}, fmt.Errorf("reservations: parse slot start %q: %w", start, err)
	}
	return SlotKey{PractitionerID: practitionerID, Date: d, Start: t}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
