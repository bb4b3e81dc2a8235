package otelexport

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/messagesforcar/internal/store"
)

func TestUUIDConversions(t *testing.T) {
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")

	tid := uuidToTraceID(id)
	for i := range tid {
		if tid[i] != id[i] {
			t.Fatalf("trace id byte %d differs", i)
		}
	}

	sid := uuidToSpanID(id)
	for i := 0; i < 8; i++ {
		if sid[i] != id[8+i] {
			t.Errorf("span id byte %d: got %02x, want %02x", i, sid[i], id[8+i])
		}
	}

	other := uuid.MustParse("550e8400-e29b-41d4-b827-557766550001")
	if uuidToSpanID(other) == sid {
		t.Error("different ids produced the same span id")
	}
}

func TestSpanNameAndKind(t *testing.T) {
	cases := []struct {
		spanType string
		name     string
		want     string
		kind     trace.SpanKind
	}{
		{store.SpanTypeSyncRun, "message_sync_work", "sync message_sync_work", trace.SpanKindInternal},
		{store.SpanTypeTransition, "unpaired->paired", "pairing unpaired->paired", trace.SpanKindInternal},
		{store.SpanTypeCommand, "send_reply", "command send_reply", trace.SpanKindClient},
		{"other", "x", "x", trace.SpanKindInternal},
	}
	for _, c := range cases {
		s := store.SpanData{SpanType: c.spanType, Name: c.name}
		if got := spanName(s); got != c.want {
			t.Errorf("spanName(%s) = %q, want %q", c.spanType, got, c.want)
		}
		if got := spanKind(c.spanType); got != c.kind {
			t.Errorf("spanKind(%s) = %v, want %v", c.spanType, got, c.kind)
		}
	}
}

func TestSpanAttributesSorted(t *testing.T) {
	s := store.SpanData{
		ID:         uuid.New(),
		TraceID:    uuid.New(),
		SpanType:   store.SpanTypeSyncRun,
		DurationMS: 42,
		Attributes: map[string]string{"result": "success", "imported": "3"},
	}
	attrs := spanAttributes(s)

	want := []attribute.Key{
		"mfc.span_type", "mfc.trace_id", "mfc.span_id", "mfc.duration_ms",
		"mfc.imported", "mfc.result",
	}
	if len(attrs) != len(want) {
		t.Fatalf("got %d attributes, want %d", len(attrs), len(want))
	}
	for i, k := range want {
		if attrs[i].Key != k {
			t.Errorf("attr %d = %s, want %s", i, attrs[i].Key, k)
		}
	}
}

func TestEndTime(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)
	s := store.SpanData{StartTime: start, DurationMS: 250}
	if got := endTime(s); !got.Equal(start.Add(250 * time.Millisecond)) {
		t.Errorf("endTime = %v", got)
	}

	end := start.Add(time.Second)
	s.EndTime = &end
	if got := endTime(s); !got.Equal(end) {
		t.Errorf("explicit end ignored: %v", got)
	}
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(Config{DeviceProfile: "automotive"})
	found := map[attribute.Key]string{}
	for _, a := range attrs {
		found[a.Key] = a.Value.AsString()
	}
	if found["service.name"] != "messagesforcar" || found["service.version"] != "dev" {
		t.Errorf("defaults not applied: %v", found)
	}
	if found["mfc.device_profile"] != "automotive" {
		t.Errorf("device profile missing: %v", found)
	}
}

func TestNewRequiresEndpoint(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Error("expected error for empty endpoint")
	}
}

func TestNilExporter(t *testing.T) {
	var exp *Exporter
	exp.ExportSpans(context.Background(), []store.SpanData{{SpanType: store.SpanTypeSyncRun, StartTime: time.Now()}})
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
