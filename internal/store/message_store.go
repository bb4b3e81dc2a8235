package store

import "context"

// Conversation is one thread of the conversation list.
type Conversation struct {
	ID            string   `json:"id" db:"id"`
	Name          string   `json:"name" db:"name"`
	LastMessage   string   `json:"last_message" db:"last_message"`
	LastTimestamp int64    `json:"last_timestamp" db:"last_timestamp"`
	UnreadCount   int      `json:"unread_count" db:"unread_count"`
	IsGroup       bool     `json:"is_group" db:"is_group"`
	Participants  []string `json:"participants,omitempty" db:"-"`
	UpdatedAt     int64    `json:"updated_at" db:"updated_at"`
}

// Message is a single message inside a conversation.
type Message struct {
	ID             string `json:"id" db:"id"`
	ConversationID string `json:"conversation_id" db:"conversation_id"`
	Sender         string `json:"sender" db:"sender"`
	Content        string `json:"content" db:"content"`
	Timestamp      int64  `json:"timestamp" db:"sent_at"`
	IsIncoming     bool   `json:"is_incoming" db:"is_incoming"`
	IsRead         bool   `json:"is_read" db:"is_read"`
}

// Contact is a known correspondent.
type Contact struct {
	ID       string `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Phone    string `json:"phone" db:"phone"`
	LastSeen int64  `json:"last_seen" db:"last_seen"`
}

// MessageStore persists the conversation list and intercepted messages.
type MessageStore interface {
	UpsertConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindConversationByName(ctx context.Context, name string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)
	MarkConversationRead(ctx context.Context, id string) error

	InsertMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	UpsertContact(ctx context.Context, c *Contact) error

	CountConversations(ctx context.Context) (int, error)
	CountMessages(ctx context.Context) (int, error)
	CountUnread(ctx context.Context) (int, error)
}
