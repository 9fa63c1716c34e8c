package calllog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"voicebridge/pkg/utils"

	"github.com/google/uuid"
)

// PostgresStore persists call history in Postgres via database/sql.
//
// NOTE: assumes the following table exists:
//
//	CREATE TABLE call_log (
//	  id UUID PRIMARY KEY,
//	  call_sid TEXT NOT NULL UNIQUE,
//	  from_number TEXT NOT NULL,
//	  to_number TEXT NOT NULL,
//	  status TEXT NOT NULL,
//	  started_at TIMESTAMPTZ NOT NULL,
//	  ended_at TIMESTAMPTZ,
//	  duration_seconds INT NOT NULL DEFAULT 0,
//	  created_at TIMESTAMPTZ NOT NULL,
//	  updated_at TIMESTAMPTZ NOT NULL
//	)
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

func (s *PostgresStore) Create(ctx context.Context, e Entry) (Entry, error) {
	if e.CallSID == "" {
		return Entry{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = StatusRinging
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = now
	}
	e.CreatedAt = now
	e.UpdatedAt = now

	const q = `
INSERT INTO call_log (id, call_sid, from_number, to_number, status, started_at, ended_at, duration_seconds, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
	_, err := s.db.ExecContext(ctx, q,
		e.ID,
		e.CallSID,
		e.From,
		e.To,
		e.Status,
		e.StartedAt,
		e.EndedAt,
		e.DurationSeconds,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *PostgresStore) GetByCallSID(ctx context.Context, callSID string) (Entry, bool, error) {
	if callSID == "" {
		return Entry{}, false, ErrInvalidArgument
	}

	const q = `
SELECT id, call_sid, from_number, to_number, status, started_at, ended_at, duration_seconds, created_at, updated_at
FROM call_log
WHERE call_sid = $1
`
	var e Entry
	if err := s.db.QueryRowContext(ctx, q, callSID).Scan(
		&e.ID,
		&e.CallSID,
		&e.From,
		&e.To,
		&e.Status,
		&e.StartedAt,
		&e.EndedAt,
		&e.DurationSeconds,
		&e.CreatedAt,
		&e.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, upd Update) error {
	if id == "" {
		return ErrInvalidArgument
	}

	now := s.clock().UTC()

	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Lock the row so concurrent stream/manager updates serialize.
		const sel = `
SELECT id, status, started_at, ended_at, duration_seconds
FROM call_log
WHERE id = $1
FOR UPDATE
`
		var cur Entry
		if err := tx.QueryRowContext(ctx, sel, id).Scan(
			&cur.ID,
			&cur.Status,
			&cur.StartedAt,
			&cur.EndedAt,
			&cur.DurationSeconds,
		); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		if upd.Status != nil {
			cur.Status = *upd.Status
		}
		if upd.StartedAt != nil {
			cur.StartedAt = *upd.StartedAt
		}
		if upd.EndedAt != nil {
			cur.EndedAt = upd.EndedAt
		}
		if upd.DurationSeconds != nil {
			cur.DurationSeconds = *upd.DurationSeconds
		}

		const q = `
UPDATE call_log
SET status = $2, started_at = $3, ended_at = $4, duration_seconds = $5, updated_at = $6
WHERE id = $1
`
		_, err := tx.ExecContext(ctx, q, cur.ID, cur.Status, cur.StartedAt, cur.EndedAt, cur.DurationSeconds, now)
		return err
	})
}
