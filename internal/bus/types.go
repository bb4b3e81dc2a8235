package bus

import "context"

// InterceptedMessage is a new message noticed by the live session observer.
type InterceptedMessage struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// Command names understood by the session host.
const (
	CommandSendReply  = "SEND_REPLY"
	CommandMarkAsRead = "MARK_AS_READ"
)

// Command is a named action to run against the live session.
type Command struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
	Key    int64             `json:"key,omitempty"` // originating notification action key
}

// Event is a server-side notification fanned out to subscribers
// (gateway clients).
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// EventHandler receives broadcast events. It must not block.
type EventHandler func(Event)

// CommandHandler executes one outbound command.
type CommandHandler func(ctx context.Context, cmd Command) error
