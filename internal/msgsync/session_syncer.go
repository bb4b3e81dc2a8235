package msgsync

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/messagesforcar/internal/store"
)

//go:embed conversations.js
var conversationsScript string

// ConversationsScript returns the conversation-list scrape script.
func ConversationsScript() string { return conversationsScript }

// Evaluator runs a read-only script in the live session.
type Evaluator interface {
	Evaluate(ctx context.Context, js string) (string, error)
}

type scrapedConversation struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Snippet      string   `json:"snippet"`
	Timestamp    int64    `json:"timestamp"`
	Unread       bool     `json:"unread"`
	Group        bool     `json:"group"`
	Participants []string `json:"participants"`
}

type scrapeResult struct {
	Ready         bool                   `json:"ready"`
	Conversations *[]scrapedConversation `json:"conversations"`
}

// contactNamespace derives stable contact IDs from display names.
var contactNamespace = uuid.MustParse("6f1c2a4e-3b5d-4c8e-9a7f-0d2e4b6c8a10")

// SessionSyncer scrapes the conversation list from the live session and
// upserts conversations and contacts.
type SessionSyncer struct {
	eval     Evaluator
	messages store.MessageStore
	now      func() time.Time
}

// NewSessionSyncer creates a SessionSyncer.
func NewSessionSyncer(eval Evaluator, messages store.MessageStore) *SessionSyncer {
	return &SessionSyncer{eval: eval, messages: messages, now: time.Now}
}

// Sync implements Syncer.
func (s *SessionSyncer) Sync(ctx context.Context) (Report, error) {
	raw, err := s.eval.Evaluate(ctx, conversationsScript)
	if err != nil {
		if errors.Is(err, ErrSessionUnavailable) || isTransient(err) {
			return Report{}, Transient("scrape conversations", err)
		}
		return Report{}, Transient("scrape conversations", fmt.Errorf("%w: %w", ErrSessionUnavailable, err))
	}

	var res scrapeResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return Report{}, Structural("decode conversations", err)
	}
	if !res.Ready {
		return Report{}, Transient("scrape conversations", ErrSessionUnavailable)
	}
	if res.Conversations == nil {
		return Report{}, Structural("decode conversations", errors.New("missing conversations field"))
	}

	now := s.now().UnixMilli()
	var rep Report
	for _, sc := range *res.Conversations {
		if sc.Name == "" {
			continue
		}
		conv, err := s.resolve(ctx, sc)
		if err != nil {
			return rep, Transient("lookup conversation", err)
		}
		conv.Name = sc.Name
		conv.LastMessage = sc.Snippet
		if sc.Timestamp > 0 {
			conv.LastTimestamp = sc.Timestamp
		}
		conv.IsGroup = sc.Group
		if len(sc.Participants) > 0 {
			conv.Participants = sc.Participants
		}
		if sc.Unread {
			if conv.UnreadCount == 0 {
				conv.UnreadCount = 1
			}
		} else {
			conv.UnreadCount = 0
		}
		conv.UpdatedAt = now
		if err := s.messages.UpsertConversation(ctx, conv); err != nil {
			return rep, Transient("upsert conversation", err)
		}
		rep.Conversations++
		rep.Unread += conv.UnreadCount

		contacts := sc.Participants
		if !sc.Group {
			contacts = []string{sc.Name}
		}
		for _, name := range contacts {
			c := &store.Contact{
				ID:       uuid.NewSHA1(contactNamespace, []byte(name)).String(),
				Name:     name,
				LastSeen: conv.LastTimestamp,
			}
			if err := s.messages.UpsertContact(ctx, c); err != nil {
				return rep, Transient("upsert contact", err)
			}
			rep.Contacts++
		}
	}
	return rep, nil
}

// resolve finds the stored row for sc: by page id first, then by name. A row
// found by name (an intercepted notification stored before the first sync)
// is adopted under its existing id so its messages stay attached.
func (s *SessionSyncer) resolve(ctx context.Context, sc scrapedConversation) (*store.Conversation, error) {
	if sc.ID != "" {
		c, err := s.messages.GetConversation(ctx, sc.ID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	c, err := s.messages.FindConversationByName(ctx, sc.Name)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	id := sc.ID
	if id == "" {
		id = store.GenNewID().String()
	}
	return &store.Conversation{ID: id}, nil
}
