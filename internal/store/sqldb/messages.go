package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/messagesforcar/internal/store"
)

// MessageStore implements store.MessageStore.
type MessageStore struct {
	db *sqlx.DB
}

func NewMessageStore(db *sqlx.DB) *MessageStore {
	return &MessageStore{db: db}
}

// conversationRow mirrors the conversations table; participants are a JSON array.
type conversationRow struct {
	store.Conversation
	ParticipantsJSON string `db:"participants"`
}

const conversationCols = `id, name, last_message, last_timestamp, unread_count, is_group, participants, updated_at`

func (r conversationRow) toConversation() store.Conversation {
	c := r.Conversation
	if r.ParticipantsJSON != "" {
		_ = json.Unmarshal([]byte(r.ParticipantsJSON), &c.Participants)
	}
	return c
}

func (s *MessageStore) UpsertConversation(ctx context.Context, c *store.Conversation) error {
	if c.ID == "" {
		c.ID = store.GenNewID().String()
	}
	if c.UpdatedAt == 0 {
		c.UpdatedAt = time.Now().UnixMilli()
	}
	participants := "[]"
	if len(c.Participants) > 0 {
		b, err := json.Marshal(c.Participants)
		if err != nil {
			return err
		}
		participants = string(b)
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO conversations (`+conversationCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			last_message = excluded.last_message,
			last_timestamp = excluded.last_timestamp,
			unread_count = excluded.unread_count,
			is_group = excluded.is_group,
			participants = excluded.participants,
			updated_at = excluded.updated_at`),
		c.ID, c.Name, c.LastMessage, c.LastTimestamp, c.UnreadCount, c.IsGroup, participants, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
	}
	return nil
}

func (s *MessageStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	return s.getConversation(ctx, `SELECT `+conversationCols+` FROM conversations WHERE id = ?`, id)
}

func (s *MessageStore) FindConversationByName(ctx context.Context, name string) (*store.Conversation, error) {
	return s.getConversation(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE name = ? ORDER BY last_timestamp DESC LIMIT 1`, name)
}

func (s *MessageStore) getConversation(ctx context.Context, query string, arg any) (*store.Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(query), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	c := row.toConversation()
	return &c, nil
}

func (s *MessageStore) ListConversations(ctx context.Context, limit int) ([]store.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []conversationRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT `+conversationCols+` FROM conversations ORDER BY last_timestamp DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]store.Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toConversation())
	}
	return out, nil
}

func (s *MessageStore) MarkConversationRead(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE messages SET is_read = ? WHERE conversation_id = ?`), true, id); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	return tx.Commit()
}

func (s *MessageStore) InsertMessage(ctx context.Context, m *store.Message) error {
	if m.ID == "" {
		m.ID = store.GenNewID().String()
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO messages
		(id, conversation_id, sender, content, sent_at, is_incoming, is_read)
		VALUES (:id, :conversation_id, :sender, :content, :sent_at, :is_incoming, :is_read)
		ON CONFLICT (id) DO NOTHING`, m)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *MessageStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []store.Message
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`SELECT id, conversation_id, sender, content, sent_at, is_incoming, is_read
		FROM messages WHERE conversation_id = ? ORDER BY sent_at DESC LIMIT ?`), conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (s *MessageStore) UpsertContact(ctx context.Context, c *store.Contact) error {
	if c.ID == "" {
		c.ID = store.GenNewID().String()
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO contacts (id, name, phone, last_seen)
		VALUES (:id, :name, :phone, :last_seen)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, phone = excluded.phone, last_seen = excluded.last_seen`, c)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

func (s *MessageStore) CountConversations(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM conversations`)
}

func (s *MessageStore) CountMessages(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM messages`)
}

func (s *MessageStore) CountUnread(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COALESCE(SUM(unread_count), 0) FROM conversations`)
}

func (s *MessageStore) count(ctx context.Context, query string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, query); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}
