// Package bus routes intercepted messages from the live session to the
// notification bridge, action commands back to the session, and broadcasts
// events to gateway subscribers.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultBuffer = 100

// MessageBus decouples the session host from the notification bridge.
type MessageBus struct {
	inbound  chan InterceptedMessage
	outbound chan Command

	subMu       sync.RWMutex
	subscribers map[string]EventHandler
}

func New() *MessageBus {
	return &MessageBus{
		inbound:     make(chan InterceptedMessage, defaultBuffer),
		outbound:    make(chan Command, defaultBuffer),
		subscribers: make(map[string]EventHandler),
	}
}

func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recv[T any](ctx context.Context, ch <-chan T) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// PublishInbound queues an intercepted message, blocking while the buffer
// is full.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InterceptedMessage) error {
	return send(ctx, mb.inbound, msg)
}

// ConsumeInbound returns false once ctx is done.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InterceptedMessage, bool) {
	return recv(ctx, mb.inbound)
}

// PublishOutbound queues a command for the session host.
func (mb *MessageBus) PublishOutbound(ctx context.Context, cmd Command) error {
	return send(ctx, mb.outbound, cmd)
}

func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (Command, bool) {
	return recv(ctx, mb.outbound)
}

// RunOutbound feeds commands to handler one at a time until ctx is done.
// Handler errors are logged, never escalated.
func (mb *MessageBus) RunOutbound(ctx context.Context, handler CommandHandler) {
	for {
		cmd, ok := mb.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		if err := handler(ctx, cmd); err != nil {
			slog.Warn("bus: command failed", "command", cmd.Name, "id", cmd.ID, "error", err)
		}
	}
}

// Subscribe registers an event subscriber under id.
func (mb *MessageBus) Subscribe(id string, handler EventHandler) {
	mb.subMu.Lock()
	defer mb.subMu.Unlock()
	mb.subscribers[id] = handler
}

// Unsubscribe removes an event subscriber.
func (mb *MessageBus) Unsubscribe(id string) {
	mb.subMu.Lock()
	defer mb.subMu.Unlock()
	delete(mb.subscribers, id)
}

// Broadcast calls every subscriber synchronously; handlers must not block.
// A nil bus drops the event.
func (mb *MessageBus) Broadcast(event Event) {
	if mb == nil {
		return
	}
	mb.subMu.RLock()
	defer mb.subMu.RUnlock()
	for _, handler := range mb.subscribers {
		handler(event)
	}
}
