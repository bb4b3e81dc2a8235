package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDedupeCache(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := NewDedupeCache(time.Minute, 100).WithClock(func() time.Time { return now })

	if d.IsDuplicate("alice|hi|1") {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.IsDuplicate("alice|hi|1") {
		t.Fatal("second sighting not reported as duplicate")
	}
	if d.IsDuplicate("alice|hi|2") {
		t.Fatal("different key reported as duplicate")
	}

	now = now.Add(2 * time.Minute)
	if d.IsDuplicate("alice|hi|1") {
		t.Error("expired key still reported as duplicate")
	}
}

func TestDedupeCacheMaxSize(t *testing.T) {
	d := NewDedupeCache(time.Hour, 3)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		d.IsDuplicate(k)
	}
	if n := d.Len(); n != 3 {
		t.Errorf("len = %d, want 3", n)
	}
	// oldest keys were evicted, the newest are still remembered
	if !d.IsDuplicate("e") {
		t.Error("most recent key forgotten")
	}
	if d.IsDuplicate("a") {
		t.Error("evicted key still reported as duplicate")
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	mb := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []Command
	done := make(chan struct{})
	go func() {
		mb.RunOutbound(ctx, func(_ context.Context, cmd Command) error {
			mu.Lock()
			got = append(got, cmd)
			n := len(got)
			mu.Unlock()
			if n == 2 {
				close(done)
			}
			return errors.New("logged, not escalated")
		})
	}()

	mb.PublishOutbound(ctx, Command{Name: CommandSendReply, Params: map[string]string{"sender": "Alice", "text": "ok"}})
	mb.PublishOutbound(ctx, Command{Name: CommandMarkAsRead, Params: map[string]string{"sender": "Alice"}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("commands not consumed")
	}
	mu.Lock()
	defer mu.Unlock()
	if got[0].Name != CommandSendReply || got[1].Name != CommandMarkAsRead {
		t.Errorf("order = %v", got)
	}
}

func TestPublishRespectsContext(t *testing.T) {
	mb := &MessageBus{inbound: make(chan InterceptedMessage), outbound: make(chan Command)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := mb.PublishInbound(ctx, InterceptedMessage{}); !errors.Is(err, context.Canceled) {
		t.Errorf("inbound err = %v", err)
	}
	if err := mb.PublishOutbound(ctx, Command{}); !errors.Is(err, context.Canceled) {
		t.Errorf("outbound err = %v", err)
	}
}

func TestBroadcast(t *testing.T) {
	mb := New()
	var a, b int
	mb.Subscribe("a", func(Event) { a++ })
	mb.Subscribe("b", func(Event) { b++ })
	mb.Broadcast(Event{Name: "pairing.changed"})
	mb.Unsubscribe("b")
	mb.Broadcast(Event{Name: "sync.run"})
	if a != 2 || b != 1 {
		t.Errorf("a=%d b=%d", a, b)
	}
}
