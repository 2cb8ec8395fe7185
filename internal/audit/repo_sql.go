package audit

import (
	"context"
	"database/sql"
	"fmt"

	"telehealth-rtc/pkg/utils"
)

// Schema is portable between Postgres and SQLite. The table is insert-only.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		actor_user_id TEXT NOT NULL DEFAULT '',
		actor_role TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		socket_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		code TEXT NOT NULL DEFAULT '',
		call_id TEXT NOT NULL DEFAULT '',
		room_id TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_events_created_at_idx ON audit_events (created_at)`,
}

type SQLRepo struct {
	db *sql.DB
}

func NewSQLRepo(db *sql.DB) *SQLRepo { return &SQLRepo{db: db} }

func (r *SQLRepo) Migrate(ctx context.Context) error {
	return utils.ExecAll(ctx, r.db, Schema)
}

func (r *SQLRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, actor_user_id, actor_role, ip_address, socket_id,
			action, code, call_id, room_id, conversation_id, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress, e.SocketID,
		e.Action, e.Code, e.CallID, e.RoomID, e.ConversationID, e.Message, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

func (r *SQLRepo) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, actor_user_id, actor_role, ip_address, socket_id,
			action, code, call_id, room_id, conversation_id, message, created_at
		FROM audit_events ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.ID, &typ, &e.ActorUserID, &e.ActorRole, &e.IPAddress, &e.SocketID,
			&e.Action, &e.Code, &e.CallID, &e.RoomID, &e.ConversationID, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Type = EventType(typ)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
