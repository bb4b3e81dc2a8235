package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Span types recorded by the tracing collector.
const (
	SpanTypeSyncRun    = "sync_run"
	SpanTypeTransition = "pairing_transition"
	SpanTypeCommand    = "session_command"
)

// SpanData is one finished unit of work in the run log.
type SpanData struct {
	ID           uuid.UUID         `json:"id" db:"id"`
	TraceID      uuid.UUID         `json:"trace_id" db:"trace_id"`
	ParentSpanID *uuid.UUID        `json:"parent_span_id,omitempty" db:"-"`
	SpanType     string            `json:"span_type" db:"span_type"`
	Name         string            `json:"name" db:"name"`
	Status       string            `json:"status" db:"status"` // "ok" or "error"
	Error        string            `json:"error,omitempty" db:"error"`
	StartTime    time.Time         `json:"start_time" db:"-"`
	EndTime      *time.Time        `json:"end_time,omitempty" db:"-"`
	DurationMS   int               `json:"duration_ms" db:"duration_ms"`
	Attributes   map[string]string `json:"attributes,omitempty" db:"-"`
	CreatedAt    time.Time         `json:"created_at" db:"-"`
}

// RunStore keeps the run log (sync runs, pairing transitions, commands).
type RunStore interface {
	BatchCreateSpans(ctx context.Context, spans []SpanData) error
	ListSpans(ctx context.Context, spanType string, limit int) ([]SpanData, error)
}
