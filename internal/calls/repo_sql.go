package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"telehealth-rtc/internal/apperr"
	"telehealth-rtc/pkg/utils"
)

// Schema is portable between Postgres and SQLite.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS call_logs (
		call_id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		caller_id TEXT NOT NULL,
		callee_id TEXT NOT NULL,
		status TEXT NOT NULL,
		end_reason TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		answered_at TIMESTAMP NULL,
		ended_at TIMESTAMP NOT NULL,
		duration INTEGER NOT NULL DEFAULT 0,
		extensions_requested INTEGER NOT NULL DEFAULT 0,
		extensions_accepted INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS call_logs_started_at_idx ON call_logs (started_at)`,
}

type SQLRepo struct {
	db *sql.DB
}

func NewSQLRepo(db *sql.DB) *SQLRepo { return &SQLRepo{db: db} }

func (r *SQLRepo) Migrate(ctx context.Context) error {
	return utils.ExecAll(ctx, r.db, Schema)
}

func (r *SQLRepo) SaveCallLog(ctx context.Context, l CallLog) error {
	if l.CallID == "" {
		return apperr.Invalid("call id is required")
	}
	var answered sql.NullTime
	if l.AnsweredAt != nil {
		answered = sql.NullTime{Time: l.AnsweredAt.UTC(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO call_logs (call_id, room_id, caller_id, callee_id, status, end_reason,
			started_at, answered_at, ended_at, duration, extensions_requested, extensions_accepted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (call_id) DO UPDATE SET
			status = excluded.status,
			end_reason = excluded.end_reason,
			answered_at = excluded.answered_at,
			ended_at = excluded.ended_at,
			duration = excluded.duration,
			extensions_requested = excluded.extensions_requested,
			extensions_accepted = excluded.extensions_accepted`,
		l.CallID, l.RoomID, l.CallerID, l.CalleeID, string(l.Status), string(l.Reason),
		l.StartedAt.UTC(), answered, l.EndedAt.UTC(), l.DurationSeconds,
		l.ExtensionsRequested, l.ExtensionsAccepted,
	)
	if err != nil {
		return fmt.Errorf("calls: save log: %w", err)
	}
	return nil
}

const selectLog = `SELECT call_id, room_id, caller_id, callee_id, status, end_reason,
	started_at, answered_at, ended_at, duration, extensions_requested, extensions_accepted
	FROM call_logs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLog(row rowScanner) (CallLog, error) {
	var (
		l        CallLog
		status   string
		reason   string
		answered sql.NullTime
	)
	if err := row.Scan(&l.CallID, &l.RoomID, &l.CallerID, &l.CalleeID, &status, &reason,
		&l.StartedAt, &answered, &l.EndedAt, &l.DurationSeconds,
		&l.ExtensionsRequested, &l.ExtensionsAccepted); err != nil {
		return CallLog{}, err
	}
	l.Status = Status(status)
	l.Reason = EndReason(reason)
	l.StartedAt = l.StartedAt.UTC()
	l.EndedAt = l.EndedAt.UTC()
	if answered.Valid {
		at := answered.Time.UTC()
		l.AnsweredAt = &at
	}
	return l, nil
}

func (r *SQLRepo) GetCallLog(ctx context.Context, callID string) (CallLog, error) {
	l, err := scanLog(r.db.QueryRowContext(ctx, selectLog+` WHERE call_id = $1`, callID))
	if errors.Is(err, sql.ErrNoRows) {
		return CallLog{}, apperr.ErrCallNotFound
	}
	if err != nil {
		return CallLog{}, fmt.Errorf("calls: get log: %w", err)
	}
	return l, nil
}

func (r *SQLRepo) ListCallLogs(ctx context.Context, from, to time.Time, userID string) ([]CallLog, error) {
	q := selectLog + ` WHERE started_at >= $1 AND started_at < $2`
	args := []any{from.UTC(), to.UTC()}
	if userID != "" {
		q += ` AND (caller_id = $3 OR callee_id = $3)`
		args = append(args, userID)
	}
	q += ` ORDER BY started_at`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("calls: list logs: %w", err)
	}
	defer rows.Close()

	out := make([]CallLog, 0)
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("calls: scan log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
