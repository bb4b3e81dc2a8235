// Package notify turns intercepted messages into notifications and turns
// notification actions (reply, mark-read) back into session commands.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mattn/go-runewidth"
	"golang.org/x/text/unicode/norm"

	"github.com/nextlevelbuilder/messagesforcar/internal/bus"
	"github.com/nextlevelbuilder/messagesforcar/internal/store"
)

const (
	defaultRouteCacheSize = 512
	defaultRecentSize     = 50
	defaultBodyWidth      = 160
	dedupeTTL             = 10 * time.Minute
	dedupeMaxSize         = 2000

	serviceTitle = "Messages for car"
)

// Publisher queues session commands (bus.MessageBus).
type Publisher interface {
	PublishOutbound(ctx context.Context, cmd bus.Command) error
}

// Config tunes a Bridge.
type Config struct {
	BodyWidth      int // display columns kept in a notification body
	RouteCacheSize int
	RecentSize     int
}

// Bridge is the notification/action bridge.
type Bridge struct {
	out      Publisher
	poster   Poster
	messages store.MessageStore // optional
	logger   *slog.Logger
	cfg      Config

	counter atomic.Int64
	filter  atomic.Pointer[Filter]
	dedupe  *bus.DedupeCache
	routes  *lru.Cache[int64, string]

	mu     sync.Mutex
	recent []Notification
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMessageStore persists intercepted messages (best effort).
func WithMessageStore(ms store.MessageStore) Option {
	return func(b *Bridge) { b.messages = ms }
}

// WithFilter installs a compiled CEL filter.
func WithFilter(f *Filter) Option {
	return func(b *Bridge) { b.filter.Store(f) }
}

// WithConfig overrides defaults.
func WithConfig(cfg Config) Option {
	return func(b *Bridge) { b.cfg = cfg }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// NewBridge creates a bridge posting through poster (nil = no sinks) and
// publishing commands to out.
func NewBridge(out Publisher, poster Poster, opts ...Option) *Bridge {
	b := &Bridge{
		out:    out,
		poster: poster,
		logger: slog.Default(),
		dedupe: bus.NewDedupeCache(dedupeTTL, dedupeMaxSize),
	}
	for _, o := range opts {
		o(b)
	}
	if b.cfg.BodyWidth <= 0 {
		b.cfg.BodyWidth = defaultBodyWidth
	}
	if b.cfg.RouteCacheSize <= 0 {
		b.cfg.RouteCacheSize = defaultRouteCacheSize
	}
	if b.cfg.RecentSize <= 0 {
		b.cfg.RecentSize = defaultRecentSize
	}
	b.routes, _ = lru.New[int64, string](b.cfg.RouteCacheSize)
	return b
}

// Enabled reports whether at least one notification sink is configured.
func (b *Bridge) Enabled() bool {
	if b.poster == nil {
		return false
	}
	if m, ok := b.poster.(*Multi); ok {
		return m.Len() > 0
	}
	return true
}

// SetFilter swaps the message filter (config hot reload).
func (b *Bridge) SetFilter(f *Filter) {
	b.filter.Store(f)
	b.logger.Info("notify: filter updated", "expr", f.Expr())
}

// NormalizeSender trims and NFC-normalizes a display name so routing and
// dedupe keys match regardless of how the page composed it.
func NormalizeSender(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func dedupeKey(msg bus.InterceptedMessage) string {
	return msg.Sender + "\x00" + msg.Content + "\x00" + strconv.FormatInt(msg.Timestamp, 10)
}

// nextID returns the next notification ID, skipping the reserved ones.
func (b *Bridge) nextID() int64 {
	for {
		n := b.counter.Add(1)
		if n != ServiceNotificationID && n != RepairNotificationID {
			return n
		}
	}
}

// OnInterceptedMessage posts a notification for msg. It returns false when
// the message was dropped (duplicate, filtered, empty).
func (b *Bridge) OnInterceptedMessage(ctx context.Context, msg bus.InterceptedMessage) (Notification, bool) {
	msg.Sender = NormalizeSender(msg.Sender)
	if msg.Sender == "" || strings.TrimSpace(msg.Content) == "" {
		b.logger.Debug("notify: empty intercepted message dropped")
		return Notification{}, false
	}
	if msg.Timestamp <= 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if b.dedupe.IsDuplicate(dedupeKey(msg)) {
		b.logger.Debug("notify: duplicate message dropped", "sender", msg.Sender)
		return Notification{}, false
	}
	if f := b.filter.Load(); f != nil {
		ok, err := f.Allow(msg)
		if err != nil {
			b.logger.Warn("notify: filter error, allowing message", "error", err)
		}
		if !ok {
			b.logger.Info("notify: message filtered", "sender", msg.Sender)
			return Notification{}, false
		}
	}

	n := b.nextID()
	replyKey, readKey := ReplyKey(n), MarkReadKey(n)
	b.routes.Add(replyKey, msg.Sender)
	b.routes.Add(readKey, msg.Sender)

	notif := Notification{
		ID:         n,
		Channel:    ChannelMessages,
		Importance: ChannelMessages.Importance(),
		Title:      msg.Sender,
		Body:       runewidth.Truncate(msg.Content, b.cfg.BodyWidth, "…"),
		Timestamp:  msg.Timestamp,
		Actions: []Action{
			{Kind: ActionReply, Key: replyKey, Title: "Reply", Sender: msg.Sender, FreeText: true},
			{Kind: ActionMarkRead, Key: readKey, Title: "Mark as read", Sender: msg.Sender},
		},
	}

	b.remember(notif)
	b.post(ctx, notif)
	b.persist(ctx, msg)
	return notif, true
}

// HandleAction converts a notification action into a session command. An
// empty or whitespace-only reply is dropped without issuing a command.
func (b *Bridge) HandleAction(ctx context.Context, cmd ActionCommand) error {
	sender := NormalizeSender(cmd.Sender)
	if sender == "" {
		s, ok := b.routes.Get(cmd.Key)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownRoute, cmd.Key)
		}
		sender = s
	}

	var out bus.Command
	switch cmd.Kind {
	case ActionReply:
		text := strings.TrimSpace(cmd.Payload)
		if text == "" {
			b.logger.Info("notify: empty reply dropped", "key", cmd.Key)
			return nil
		}
		out = bus.Command{
			Name:   bus.CommandSendReply,
			Params: map[string]string{"sender": sender, "text": text},
		}
	case ActionMarkRead:
		out = bus.Command{
			Name:   bus.CommandMarkAsRead,
			Params: map[string]string{"sender": sender},
		}
	default:
		return fmt.Errorf("%w: %q", ErrBadAction, cmd.Kind)
	}
	out.ID = uuid.Must(uuid.NewV7()).String()
	out.Key = cmd.Key

	if err := b.out.PublishOutbound(ctx, out); err != nil {
		return fmt.Errorf("publish %s: %w", out.Name, err)
	}
	b.logger.Info("notify: action forwarded", "command", out.Name, "key", cmd.Key)

	if cmd.Kind == ActionMarkRead {
		b.cancel(ctx, NotificationForKey(cmd.Key))
		b.markRead(ctx, sender)
	}
	return nil
}

// SetServiceStatus updates the ongoing service notification.
func (b *Bridge) SetServiceStatus(ctx context.Context, text string) {
	b.post(ctx, Notification{
		ID:         ServiceNotificationID,
		Channel:    ChannelService,
		Importance: ChannelService.Importance(),
		Title:      serviceTitle,
		Body:       text,
		Timestamp:  time.Now().UnixMilli(),
		Ongoing:    true,
		Silent:     true,
	})
}

// NotifyRepairRequired raises the re-pairing notice after a permanent sync
// failure.
func (b *Bridge) NotifyRepairRequired(ctx context.Context, reason string) {
	body := "Pairing expired, please reconnect"
	if reason != "" {
		body += " (" + runewidth.Truncate(reason, b.cfg.BodyWidth/2, "…") + ")"
	}
	notif := Notification{
		ID:         RepairNotificationID,
		Channel:    ChannelMessages,
		Importance: ChannelMessages.Importance(),
		Title:      serviceTitle,
		Body:       body,
		Timestamp:  time.Now().UnixMilli(),
	}
	b.remember(notif)
	b.post(ctx, notif)
}

// Recent returns up to limit recent message notifications, newest first.
func (b *Bridge) Recent(limit int) []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.recent) {
		limit = len(b.recent)
	}
	out := make([]Notification, 0, limit)
	for i := len(b.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, b.recent[i])
	}
	return out
}

// Run consumes intercepted messages from the bus until ctx is done.
func (b *Bridge) Run(ctx context.Context, mb *bus.MessageBus) {
	for {
		msg, ok := mb.ConsumeInbound(ctx)
		if !ok {
			return
		}
		b.OnInterceptedMessage(ctx, msg)
	}
}

func (b *Bridge) remember(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recent = append(b.recent, n)
	if len(b.recent) > b.cfg.RecentSize {
		b.recent = b.recent[len(b.recent)-b.cfg.RecentSize:]
	}
}

func (b *Bridge) post(ctx context.Context, n Notification) {
	if b.poster == nil {
		return
	}
	if err := b.poster.Post(ctx, n); err != nil {
		b.logger.Warn("notify: post failed", "id", n.ID, "channel", n.Channel, "error", err)
	}
}

func (b *Bridge) cancel(ctx context.Context, id int64) {
	if b.poster == nil {
		return
	}
	if err := b.poster.Cancel(ctx, id); err != nil {
		b.logger.Warn("notify: cancel failed", "id", id, "error", err)
	}
}

// persist records the intercepted message under its sender's conversation.
func (b *Bridge) persist(ctx context.Context, msg bus.InterceptedMessage) {
	if b.messages == nil {
		return
	}
	conv, err := b.messages.FindConversationByName(ctx, msg.Sender)
	if errors.Is(err, store.ErrNotFound) {
		conv = &store.Conversation{ID: store.GenNewID().String(), Name: msg.Sender}
	} else if err != nil {
		b.logger.Warn("notify: conversation lookup failed", "error", err)
		return
	}
	conv.LastMessage = msg.Content
	if msg.Timestamp > conv.LastTimestamp {
		conv.LastTimestamp = msg.Timestamp
	}
	conv.UnreadCount++
	conv.UpdatedAt = time.Now().UnixMilli()
	if err := b.messages.UpsertConversation(ctx, conv); err != nil {
		b.logger.Warn("notify: persist conversation failed", "error", err)
		return
	}
	m := &store.Message{
		ID:             uuid.NewSHA1(uuid.NameSpaceOID, []byte(dedupeKey(msg))).String(),
		ConversationID: conv.ID,
		Sender:         msg.Sender,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
		IsIncoming:     true,
	}
	if err := b.messages.InsertMessage(ctx, m); err != nil {
		b.logger.Warn("notify: persist message failed", "error", err)
	}
}

func (b *Bridge) markRead(ctx context.Context, sender string) {
	if b.messages == nil {
		return
	}
	conv, err := b.messages.FindConversationByName(ctx, sender)
	if err != nil {
		return
	}
	if err := b.messages.MarkConversationRead(ctx, conv.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		b.logger.Warn("notify: mark conversation read failed", "error", err)
	}
}
