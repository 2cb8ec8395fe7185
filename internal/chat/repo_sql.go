package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"telehealth-rtc/internal/apperr"
	"telehealth-rtc/pkg/utils"
)

const (
	receiptRead      = "read"
	receiptDelivered = "delivered"
)

// Schema is portable between Postgres and SQLite.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		last_message_id TEXT NOT NULL DEFAULT '',
		last_message TEXT NOT NULL DEFAULT '',
		last_message_at TIMESTAMP NULL,
		last_seq BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		user_id TEXT NOT NULL,
		unread_count INTEGER NOT NULL DEFAULT 0,
		read_seq BIGINT NOT NULL DEFAULT 0,
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS conversation_participants_user_idx ON conversation_participants (user_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		seq BIGINT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		type TEXT NOT NULL,
		client_message_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		is_edited BOOLEAN NOT NULL DEFAULT FALSE,
		edited_at TIMESTAMP NULL,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_at TIMESTAMP NULL,
		UNIQUE (conversation_id, seq)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS messages_client_id_idx
		ON messages (conversation_id, sender_id, client_message_id) WHERE client_message_id <> ''`,
	`CREATE TABLE IF NOT EXISTS message_receipts (
		message_id TEXT NOT NULL REFERENCES messages(id),
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		at TIMESTAMP NOT NULL,
		PRIMARY KEY (message_id, user_id, kind)
	)`,
}

// SQLRepo implements Repository on database/sql. Multi-row operations run in
// one transaction through utils.WithTx.
type SQLRepo struct {
	db *sql.DB
}

func NewSQLRepo(db *sql.DB) *SQLRepo { return &SQLRepo{db: db} }

func (r *SQLRepo) Migrate(ctx context.Context) error {
	return utils.ExecAll(ctx, r.db, Schema)
}

func (r *SQLRepo) CreateConversation(ctx context.Context, c Conversation) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = $1`, c.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("chat: check conversation: %w", err)
		}
		if exists > 0 {
			return apperr.Wrap(apperr.ErrStateConflict, "conversation already exists", nil)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, type, created_at) VALUES ($1, $2, $3)`,
			c.ID, string(c.Type), c.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("chat: insert conversation: %w", err)
		}
		for _, p := range c.Participants {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)`,
				c.ID, p); err != nil {
				return fmt.Errorf("chat: insert participant: %w", err)
			}
		}
		return nil
	})
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *SQLRepo) GetConversation(ctx context.Context, id string) (Conversation, error) {
	return getConversation(ctx, r.db, id)
}

func getConversation(ctx context.Context, q querier, id string) (Conversation, error) {
	var (
		c       Conversation
		typ     string
		lastAt  sql.NullTime
		created time.Time
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, type, last_message_id, last_message, last_message_at, last_seq, created_at
		FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &typ, &c.LastMessageID, &c.LastMessage, &lastAt, &c.LastSeq, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, apperr.ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("chat: get conversation: %w", err)
	}
	c.Type = ConversationType(typ)
	c.CreatedAt = created.UTC()
	if lastAt.Valid {
		at := lastAt.Time.UTC()
		c.LastMessageAt = &at
	}

	rows, err := q.QueryContext(ctx, `
		SELECT user_id, unread_count, archived FROM conversation_participants
		WHERE conversation_id = $1 ORDER BY user_id`, id)
	if err != nil {
		return Conversation{}, fmt.Errorf("chat: list participants: %w", err)
	}
	defer rows.Close()

	c.UnreadCounts = map[string]int{}
	c.ArchivedBy = []string{}
	for rows.Next() {
		var (
			user     string
			unread   int
			archived bool
		)
		if err := rows.Scan(&user, &unread, &archived); err != nil {
			return Conversation{}, fmt.Errorf("chat: scan participant: %w", err)
		}
		c.Participants = append(c.Participants, user)
		c.UnreadCounts[user] = unread
		if archived {
			c.ArchivedBy = append(c.ArchivedBy, user)
		}
	}
	return c, rows.Err()
}

func (r *SQLRepo) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT conversation_id FROM conversation_participants WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("chat: list conversations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("chat: scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := getConversation(ctx, r.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sortConversations(out)
	return out, nil
}

func (r *SQLRepo) AddParticipant(ctx context.Context, conversationID, userID string) (Conversation, error) {
	var out Conversation
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		c, err := getConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if c.HasParticipant(userID) {
			out = c
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, read_seq) VALUES ($1, $2, $3)`,
			conversationID, userID, c.LastSeq); err != nil {
			return fmt.Errorf("chat: insert participant: %w", err)
		}
		if c.Type == ConversationDirect && len(c.Participants) >= 2 {
			if _, err := tx.ExecContext(ctx, `UPDATE conversations SET type = $2 WHERE id = $1`,
				conversationID, string(ConversationGroup)); err != nil {
				return fmt.Errorf("chat: promote conversation: %w", err)
			}
		}
		out, err = getConversation(ctx, tx, conversationID)
		return err
	})
	if err != nil {
		return Conversation{}, err
	}
	return out, nil
}

func (r *SQLRepo) AppendMessage(ctx context.Context, m Message) (Message, error) {
	var dup *Message
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var member int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2`, m.ConversationID, m.SenderID).Scan(&member); err != nil {
			return fmt.Errorf("chat: check sender: %w", err)
		}
		if member == 0 {
			if _, err := getConversation(ctx, tx, m.ConversationID); err != nil {
				return err
			}
			return apperr.ErrNotParticipant
		}
		if m.ClientMessageID != "" {
			prev, err := scanMessage(tx.QueryRowContext(ctx, selectMessage+`
				WHERE conversation_id = $1 AND sender_id = $2 AND client_message_id = $3`,
				m.ConversationID, m.SenderID, m.ClientMessageID))
			if err == nil {
				dup = &prev
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("chat: check client message id: %w", err)
			}
		}

		err := tx.QueryRowContext(ctx, `
			UPDATE conversations
			SET last_seq = last_seq + 1, last_message_id = $2, last_message = $3, last_message_at = $4
			WHERE id = $1
			RETURNING last_seq`,
			m.ConversationID, m.ID, m.Content, m.CreatedAt.UTC()).Scan(&m.Seq)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.ErrConversationNotFound
		}
		if err != nil {
			return fmt.Errorf("chat: bump seq: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, seq, sender_id, content, type, client_message_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, m.ConversationID, m.Seq, m.SenderID, m.Content, string(m.Type), m.ClientMessageID, m.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("chat: insert message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversation_participants SET unread_count = unread_count + 1
			WHERE conversation_id = $1 AND user_id <> $2`, m.ConversationID, m.SenderID); err != nil {
			return fmt.Errorf("chat: bump unread: %w", err)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	if dup != nil {
		if err := r.attachReceipts(ctx, []*Message{dup}); err != nil {
			return Message{}, err
		}
		return *dup, nil
	}
	m.ReadBy = []string{}
	m.DeliveredTo = []string{}
	return m, nil
}

const selectMessage = `SELECT id, conversation_id, seq, sender_id, content, type, client_message_id,
	created_at, is_edited, edited_at, is_deleted, deleted_at FROM messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m        Message
		typ      string
		edited   sql.NullTime
		deleted  sql.NullTime
		createdA time.Time
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.Content, &typ, &m.ClientMessageID,
		&createdA, &m.IsEdited, &edited, &m.IsDeleted, &deleted); err != nil {
		return Message{}, err
	}
	m.Type = MessageType(typ)
	m.CreatedAt = createdA.UTC()
	if edited.Valid {
		at := edited.Time.UTC()
		m.EditedAt = &at
	}
	if deleted.Valid {
		at := deleted.Time.UTC()
		m.DeletedAt = &at
	}
	m.ReadBy = []string{}
	m.DeliveredTo = []string{}
	return m, nil
}

func (r *SQLRepo) GetMessage(ctx context.Context, id string) (Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, selectMessage+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, apperr.ErrMessageNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("chat: get message: %w", err)
	}
	if err := r.attachReceipts(ctx, []*Message{&m}); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (r *SQLRepo) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]Message, error) {
	if _, err := getConversation(ctx, r.db, conversationID); err != nil {
		return nil, err
	}
	q := selectMessage + ` WHERE conversation_id = $1 AND seq > $2 ORDER BY seq`
	args := []any{conversationID, afterSeq}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ptrs := make([]*Message, len(out))
	for i := range out {
		ptrs[i] = &out[i]
	}
	if err := r.attachReceipts(ctx, ptrs); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SQLRepo) attachReceipts(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*Message, len(msgs))
	holders := make([]string, len(msgs))
	args := make([]any, len(msgs))
	for i, m := range msgs {
		byID[m.ID] = m
		holders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = m.ID
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT message_id, user_id, kind FROM message_receipts
		WHERE message_id IN (`+strings.Join(holders, ", ")+`) ORDER BY at, user_id`, args...)
	if err != nil {
		return fmt.Errorf("chat: load receipts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, user, kind string
		if err := rows.Scan(&id, &user, &kind); err != nil {
			return fmt.Errorf("chat: scan receipt: %w", err)
		}
		m := byID[id]
		switch kind {
		case receiptRead:
			m.ReadBy = append(m.ReadBy, user)
		case receiptDelivered:
			m.DeliveredTo = append(m.DeliveredTo, user)
		}
	}
	return rows.Err()
}

func (r *SQLRepo) UpdateMessage(ctx context.Context, m Message) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET content = $2, is_edited = $3, edited_at = $4, is_deleted = $5, deleted_at = $6
			WHERE id = $1`,
			m.ID, m.Content, m.IsEdited, nullTime(m.EditedAt), m.IsDeleted, nullTime(m.DeletedAt))
		if err != nil {
			return fmt.Errorf("chat: update message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.ErrMessageNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET last_message = $2 WHERE last_message_id = $1`, m.ID, m.Content); err != nil {
			return fmt.Errorf("chat: update last message: %w", err)
		}
		return nil
	})
}

func (r *SQLRepo) MarkRead(ctx context.Context, conversationID, userID string, uptoSeq int64, at time.Time) (ReceiptResult, error) {
	var res ReceiptResult
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		cursor, err := readCursor(ctx, tx, conversationID, userID)
		if err != nil {
			return err
		}
		res.MessageIDs, err = addReceipts(ctx, tx, conversationID, userID, uptoSeq, receiptRead, at)
		if err != nil {
			return err
		}
		if uptoSeq > cursor {
			cursor = uptoSeq
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages
			WHERE conversation_id = $1 AND sender_id <> $2 AND seq > $3`,
			conversationID, userID, cursor).Scan(&res.Unread); err != nil {
			return fmt.Errorf("chat: count unread: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversation_participants SET read_seq = $3, unread_count = $4
			WHERE conversation_id = $1 AND user_id = $2`,
			conversationID, userID, cursor, res.Unread); err != nil {
			return fmt.Errorf("chat: update cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return ReceiptResult{}, err
	}
	return res, nil
}

func (r *SQLRepo) MarkDelivered(ctx context.Context, conversationID, userID string, uptoSeq int64, at time.Time) (ReceiptResult, error) {
	var res ReceiptResult
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := readCursor(ctx, tx, conversationID, userID); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT unread_count FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID).Scan(&res.Unread); err != nil {
			return fmt.Errorf("chat: read unread: %w", err)
		}
		var err error
		res.MessageIDs, err = addReceipts(ctx, tx, conversationID, userID, uptoSeq, receiptDelivered, at)
		return err
	})
	if err != nil {
		return ReceiptResult{}, err
	}
	return res, nil
}

func (r *SQLRepo) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := readCursor(ctx, tx, conversationID, userID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversation_participants SET archived = $3
			WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID, archived); err != nil {
			return fmt.Errorf("chat: set archived: %w", err)
		}
		return nil
	})
}

// readCursor also tells apart unknown conversations and non-participants.
func readCursor(ctx context.Context, tx *sql.Tx, conversationID, userID string) (int64, error) {
	var cursor int64
	err := tx.QueryRowContext(ctx, `
		SELECT read_seq FROM conversation_participants
		WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := getConversation(ctx, tx, conversationID); err != nil {
			return 0, err
		}
		return 0, apperr.ErrNotParticipant
	}
	if err != nil {
		return 0, fmt.Errorf("chat: read cursor: %w", err)
	}
	return cursor, nil
}

func addReceipts(ctx context.Context, tx *sql.Tx, conversationID, userID string, uptoSeq int64, kind string, at time.Time) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT m.id FROM messages m
		WHERE m.conversation_id = $1 AND m.sender_id <> $2 AND m.seq <= $3
		AND NOT EXISTS (
			SELECT 1 FROM message_receipts r
			WHERE r.message_id = m.id AND r.user_id = $2 AND r.kind = $4
		)
		ORDER BY m.seq`, conversationID, userID, uptoSeq, kind)
	if err != nil {
		return nil, fmt.Errorf("chat: find unreceipted: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("chat: scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_receipts (message_id, user_id, kind, at) VALUES ($1, $2, $3, $4)`,
			id, userID, kind, at.UTC()); err != nil {
			return nil, fmt.Errorf("chat: insert receipt: %w", err)
		}
	}
	return ids, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
