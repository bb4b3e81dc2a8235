package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/nextlevelbuilder/messagesforcar/internal/notify"
)

func TestParseCallback(t *testing.T) {
	cases := []struct {
		data string
		key  int64
		kind notify.ActionKind
		ok   bool
	}{
		{"a:2", 2, notify.ActionReply, true},
		{"a:3", 3, notify.ActionMarkRead, true},
		{"a:1000", 1000, notify.ActionReply, true},
		{"a:1", 0, "", false},
		{"a:x", 0, "", false},
		{"b:2", 0, "", false},
		{"", 0, "", false},
	}
	for _, c := range cases {
		key, kind, ok := parseCallback(c.data)
		if key != c.key || kind != c.kind || ok != c.ok {
			t.Errorf("parseCallback(%q) = %d, %q, %v", c.data, key, kind, ok)
		}
	}
}

func TestFormatNotificationEscapes(t *testing.T) {
	got := formatNotification(notify.Notification{Title: "A&B", Body: "<hi>"})
	if got != "<b>A&amp;B</b>\n&lt;hi&gt;" {
		t.Errorf("formatted = %q", got)
	}

	long := formatNotification(notify.Notification{Title: "x", Body: strings.Repeat("&", 3000)})
	if len(long) > telegramMaxMessageLen {
		t.Errorf("len = %d", len(long))
	}
	if strings.HasSuffix(long, "&am") || strings.HasSuffix(long, "&a") {
		t.Errorf("cut inside an entity: %q", long[len(long)-10:])
	}
}

func TestKeyboard(t *testing.T) {
	if keyboard(nil) != nil {
		t.Error("no actions should give no keyboard")
	}
	kb := keyboard([]notify.Action{
		{Kind: notify.ActionReply, Key: 4, Title: "Reply"},
		{Kind: notify.ActionMarkRead, Key: 5, Title: "Mark as read"},
	})
	if len(kb.InlineKeyboard) != 1 || len(kb.InlineKeyboard[0]) != 2 {
		t.Fatalf("keyboard = %+v", kb)
	}
	if kb.InlineKeyboard[0][1].CallbackData != "a:5" {
		t.Errorf("callback = %q", kb.InlineKeyboard[0][1].CallbackData)
	}
}

func TestFormatNotificationKeepsRunesWhole(t *testing.T) {
	got := formatNotification(notify.Notification{Title: strings.Repeat("é", 400), Body: strings.Repeat("日本", 1000)})
	if len(got) > telegramMaxMessageLen {
		t.Errorf("len = %d", len(got))
	}
	if !utf8.ValidString(got) {
		t.Error("truncation split a rune")
	}
	if !strings.HasPrefix(got, "<b>") || !strings.Contains(got, "</b>\n") {
		t.Errorf("title markup lost: %q", got[:20])
	}
}

func TestPosterTablesBounded(t *testing.T) {
	p := newPoster(nil, 42, nil)
	for i := int64(1); i <= trackedMessages*3; i++ {
		p.remember(notify.Notification{
			ID:      i,
			Actions: []notify.Action{{Kind: notify.ActionReply, Key: notify.ReplyKey(i), Sender: "Alice"}},
		}, int(i))
		p.pending.Add(int(i), notify.ReplyKey(i))
	}
	if p.sent.Len() != trackedMessages || p.senders.Len() != trackedMessages || p.pending.Len() != trackedMessages {
		t.Errorf("tables = %d/%d/%d, want %d each", p.sent.Len(), p.senders.Len(), p.pending.Len(), trackedMessages)
	}
	last := int64(trackedMessages * 3)
	if id, ok := p.sent.Peek(last); !ok || id != int(last) {
		t.Error("newest notification forgotten")
	}
	if _, ok := p.sent.Peek(1); ok {
		t.Error("oldest notification still tracked")
	}
}
