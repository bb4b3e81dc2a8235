package notify

import (
	"context"
	"errors"
)

// Channel is a notification channel.
type Channel string

const (
	// ChannelService carries the low-importance, silent, ongoing
	// "service running" notification.
	ChannelService Channel = "service"
	// ChannelMessages carries incoming messages (high importance).
	ChannelMessages Channel = "messages"
)

// Importance returns the channel importance ("low" or "high").
func (c Channel) Importance() string {
	if c == ChannelService {
		return "low"
	}
	return "high"
}

const (
	// ServiceNotificationID is the fixed ID of the ongoing service notification.
	ServiceNotificationID int64 = 1001
	// RepairNotificationID is the fixed ID of the re-pairing notice.
	RepairNotificationID int64 = 1002
)

// ActionKind is a notification action type.
type ActionKind string

const (
	ActionReply    ActionKind = "reply"
	ActionMarkRead ActionKind = "mark_read"
)

// Action is a button attached to a message notification.
type Action struct {
	Kind     ActionKind `json:"kind"`
	Key      int64      `json:"key"`
	Title    string     `json:"title"`
	Sender   string     `json:"sender"`
	FreeText bool       `json:"freeText,omitempty"` // accepts a typed reply
}

// Notification is what sinks render.
type Notification struct {
	ID         int64    `json:"id"`
	Channel    Channel  `json:"channel"`
	Importance string   `json:"importance"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Timestamp  int64    `json:"timestamp"`
	Ongoing    bool     `json:"ongoing,omitempty"`
	Silent     bool     `json:"silent,omitempty"`
	Actions    []Action `json:"actions,omitempty"`
}

// ActionCommand is a notification action coming back from a sink.
// Sender may be empty; it is then resolved from the action key.
type ActionCommand struct {
	Kind    ActionKind `json:"kind"`
	Sender  string     `json:"sender,omitempty"`
	Payload string     `json:"payload,omitempty"`
	Key     int64      `json:"key"`
}

// ActionHandler receives actions from interactive sinks.
type ActionHandler func(ctx context.Context, cmd ActionCommand) error

// Poster is a notification sink.
type Poster interface {
	Name() string
	Post(ctx context.Context, n Notification) error
	Cancel(ctx context.Context, id int64) error
}

var (
	// ErrUnknownRoute means an action key has no known sender.
	ErrUnknownRoute = errors.New("notify: unknown action key")
	// ErrBadAction means the action kind is not recognized.
	ErrBadAction = errors.New("notify: unsupported action")
)

// ReplyKey and MarkReadKey derive the action keys of notification n.
// Distinct notifications never share a key.
func ReplyKey(n int64) int64 { return 2 * n }
func MarkReadKey(n int64) int64 { return 2*n + 1 }

// NotificationForKey returns the notification ID an action key belongs to.
func NotificationForKey(key int64) int64 { return key / 2 }

// KindForKey returns the action kind an action key was derived for.
func KindForKey(key int64) ActionKind {
	if key%2 == 0 {
		return ActionReply
	}
	return ActionMarkRead
}
