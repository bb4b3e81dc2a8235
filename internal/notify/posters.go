package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/messagesforcar/internal/bus"
	"github.com/nextlevelbuilder/messagesforcar/pkg/protocol"
)

// LogPoster writes notifications to the log.
type LogPoster struct {
	Logger *slog.Logger
}

func (p LogPoster) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (LogPoster) Name() string { return "log" }

func (p LogPoster) Post(_ context.Context, n Notification) error {
	p.logger().Info("notification", "id", n.ID, "channel", n.Channel, "title", n.Title, "body", n.Body)
	return nil
}

func (p LogPoster) Cancel(_ context.Context, id int64) error {
	p.logger().Info("notification cancelled", "id", id)
	return nil
}

// Broadcaster fans events out to gateway clients (bus.MessageBus).
type Broadcaster interface {
	Broadcast(event bus.Event)
}

// EventPoster broadcasts notifications as gateway events. Display clients
// answer with the notification.action method.
type EventPoster struct {
	Events Broadcaster
}

func (EventPoster) Name() string { return "gateway" }

func (p EventPoster) Post(_ context.Context, n Notification) error {
	p.Events.Broadcast(bus.Event{Name: protocol.EventNotificationPosted, Payload: n})
	return nil
}

func (p EventPoster) Cancel(_ context.Context, id int64) error {
	p.Events.Broadcast(bus.Event{Name: protocol.EventNotificationCancelled, Payload: map[string]any{"id": id}})
	return nil
}

// Multi posts to every sink and joins their errors.
type Multi struct {
	posters []Poster
}

// NewMulti combines sinks, skipping nil ones.
func NewMulti(posters ...Poster) *Multi {
	m := &Multi{}
	for _, p := range posters {
		if p != nil {
			m.posters = append(m.posters, p)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.posters) }

// Names lists the sink names.
func (m *Multi) Names() []string {
	out := make([]string, 0, len(m.posters))
	for _, p := range m.posters {
		out = append(out, p.Name())
	}
	return out
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Post(ctx context.Context, n Notification) error {
	var errs []error
	for _, p := range m.posters {
		if err := p.Post(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Cancel(ctx context.Context, id int64) error {
	var errs []error
	for _, p := range m.posters {
		if err := p.Cancel(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
