// Package telegram is a notification sink that mirrors message
// notifications to a Telegram chat, with inline Reply / Mark as read buttons.
package telegram

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/messagesforcar/internal/notify"
)

const (
	// telegramMaxMessageLen is the safe limit for Telegram messages.
	telegramMaxMessageLen = 4000

	titleMaxLen = 256

	// trackedMessages bounds each lookup table; older entries fall out and
	// their buttons stop working.
	trackedMessages = 512

	callbackPrefix = "a:"
)

// Poster sends notifications to one chat and turns button taps and
// force-replies into notification actions.
type Poster struct {
	bot     *telego.Bot
	chatID  int64
	onAct   notify.ActionHandler
	logger  *slog.Logger
	sent    *lru.Cache[int64, int]    // notification id → telegram message id
	pending *lru.Cache[int, int64]    // force-reply prompt message id → reply key
	senders *lru.Cache[int64, string] // reply key → sender, for prompt text
}

// Option configures a Poster.
type Option func(*Poster)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poster) { p.logger = l }
}

// New creates a Telegram sink for chatID.
func New(token string, chatID int64, onAction notify.ActionHandler, opts ...Option) (*Poster, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	p := newPoster(bot, chatID, onAction)
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func newPoster(bot *telego.Bot, chatID int64, onAction notify.ActionHandler) *Poster {
	p := &Poster{bot: bot, chatID: chatID, onAct: onAction, logger: slog.Default()}
	p.sent, _ = lru.New[int64, int](trackedMessages)
	p.pending, _ = lru.New[int, int64](trackedMessages)
	p.senders, _ = lru.New[int64, string](trackedMessages)
	return p
}

func (p *Poster) Name() string { return "telegram" }

// Post implements notify.Poster. Service-channel updates are not mirrored.
func (p *Poster) Post(ctx context.Context, n notify.Notification) error {
	if n.Channel == notify.ChannelService {
		return nil
	}
	msg := tu.Message(tu.ID(p.chatID), formatNotification(n))
	msg.ParseMode = telego.ModeHTML
	msg.DisableNotification = n.Silent
	if kb := keyboard(n.Actions); kb != nil {
		msg = msg.WithReplyMarkup(kb)
	}

	sent, err := p.bot.SendMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	p.remember(n, sent.MessageID)
	return nil
}

func (p *Poster) remember(n notify.Notification, messageID int) {
	p.sent.Add(n.ID, messageID)
	for _, a := range n.Actions {
		if a.Kind == notify.ActionReply {
			p.senders.Add(a.Key, a.Sender)
		}
	}
}

// Cancel removes the mirrored message.
func (p *Poster) Cancel(ctx context.Context, id int64) error {
	msgID, ok := p.sent.Peek(id)
	p.sent.Remove(id)
	p.senders.Remove(notify.ReplyKey(id))
	if !ok {
		return nil
	}
	return p.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(p.chatID),
		MessageID: msgID,
	})
}

// Run long-polls updates until ctx is done.
func (p *Poster) Run(ctx context.Context) error {
	updates, err := p.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("telegram polling: %w", err)
	}
	p.logger.Info("telegram: polling started", "chat", p.chatID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			p.handleUpdate(ctx, u)
		}
	}
}

func (p *Poster) handleUpdate(ctx context.Context, u telego.Update) {
	switch {
	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		_ = p.bot.AnswerCallbackQuery(ctx, tu.CallbackQuery(q.ID))
		key, kind, ok := parseCallback(q.Data)
		if !ok {
			return
		}
		if kind == notify.ActionMarkRead {
			p.dispatch(ctx, notify.ActionCommand{Kind: kind, Key: key})
			return
		}
		p.promptReply(ctx, key)

	case u.Message != nil && u.Message.ReplyToMessage != nil:
		if u.Message.Chat.ID != p.chatID {
			return
		}
		promptID := u.Message.ReplyToMessage.MessageID
		key, ok := p.pending.Peek(promptID)
		p.pending.Remove(promptID)
		if !ok {
			return
		}
		p.dispatch(ctx, notify.ActionCommand{Kind: notify.ActionReply, Key: key, Payload: u.Message.Text})
	}
}

// promptReply asks for the reply text with a force-reply prompt.
func (p *Poster) promptReply(ctx context.Context, key int64) {
	sender, _ := p.senders.Get(key)

	text := "Reply"
	if sender != "" {
		text = "Reply to " + sender
	}
	msg := tu.Message(tu.ID(p.chatID), text).
		WithReplyMarkup(tu.ForceReply().WithInputFieldPlaceholder("Message"))
	sent, err := p.bot.SendMessage(ctx, msg)
	if err != nil {
		p.logger.Warn("telegram: reply prompt failed", "error", err)
		return
	}
	p.pending.Add(sent.MessageID, key)
}

func (p *Poster) dispatch(ctx context.Context, cmd notify.ActionCommand) {
	if p.onAct == nil {
		return
	}
	if err := p.onAct(ctx, cmd); err != nil {
		p.logger.Warn("telegram: action failed", "kind", cmd.Kind, "key", cmd.Key, "error", err)
	}
}

// formatNotification renders the HTML message: the title in bold, then the
// body, each cut on a rune boundary without splitting an entity.
func formatNotification(n notify.Notification) string {
	head := "<b>" + cutEscaped(html.EscapeString(n.Title), titleMaxLen) + "</b>\n"
	return head + cutEscaped(html.EscapeString(n.Body), telegramMaxMessageLen-len(head))
}

// cutEscaped shortens HTML-escaped text to at most limit bytes.
func cutEscaped(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	if limit <= 0 {
		return ""
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	s = s[:cut]
	if i := strings.LastIndexByte(s, '&'); i >= 0 && !strings.Contains(s[i:], ";") {
		s = s[:i]
	}
	return s
}

func keyboard(actions []notify.Action) *telego.InlineKeyboardMarkup {
	if len(actions) == 0 {
		return nil
	}
	var row []telego.InlineKeyboardButton
	for _, a := range actions {
		row = append(row, tu.InlineKeyboardButton(a.Title).
			WithCallbackData(callbackPrefix+strconv.FormatInt(a.Key, 10)))
	}
	return tu.InlineKeyboard(row)
}

// parseCallback decodes "a:<key>"; even keys are replies, odd keys mark-read.
func parseCallback(data string) (int64, notify.ActionKind, bool) {
	raw, ok := strings.CutPrefix(data, callbackPrefix)
	if !ok {
		return 0, "", false
	}
	key, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || key < 2 {
		return 0, "", false
	}
	if key%2 == 0 {
		return key, notify.ActionReply, true
	}
	return key, notify.ActionMarkRead, true
}
