// Package tracing records run spans (sync runs, pairing transitions, session
// commands) into the run log and optionally mirrors them to an exporter.
package tracing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/messagesforcar/internal/store"
)

const (
	defaultBufferSize    = 1000
	defaultFlushInterval = 5 * time.Second
	maxBatch             = 100
	errorMaxLen          = 500
)

// SpanExporter mirrors flushed spans to an external backend. The OTLP
// implementation lives in otelexport behind the otel build tag.
type SpanExporter interface {
	ExportSpans(ctx context.Context, spans []store.SpanData)
	Shutdown(ctx context.Context) error
}

// Collector queues spans and writes them to the RunStore in batches, either
// every flush interval or as soon as maxBatch spans are pending.
type Collector struct {
	runs     store.RunStore // nil: exporter only
	queue    chan store.SpanData
	interval time.Duration

	exporter atomic.Pointer[SpanExporter]
	dropped  atomic.Int64

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewCollector(runs store.RunStore) *Collector {
	return &Collector{
		runs:     runs,
		queue:    make(chan store.SpanData, defaultBufferSize),
		interval: defaultFlushInterval,
		done:     make(chan struct{}),
	}
}

// SetExporter attaches exp; spans flushed afterwards are mirrored to it.
func (c *Collector) SetExporter(exp SpanExporter) {
	c.exporter.Store(&exp)
}

func (c *Collector) currentExporter() SpanExporter {
	if p := c.exporter.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *Collector) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop writes whatever is still queued and shuts the exporter down.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()

		if exp := c.currentExporter(); exp != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := exp.Shutdown(ctx); err != nil {
				slog.Warn("tracing: exporter shutdown", "error", err)
			}
		}
	})
}

// EmitSpan fills in ids and timestamps and queues the span. It never blocks;
// a full queue drops the span.
func (c *Collector) EmitSpan(span store.SpanData) {
	if span.ID == uuid.Nil {
		span.ID = store.GenNewID()
	}
	if span.TraceID == uuid.Nil {
		span.TraceID = span.ID
	}
	if span.CreatedAt.IsZero() {
		span.CreatedAt = time.Now().UTC()
	}
	if span.StartTime.IsZero() {
		span.StartTime = span.CreatedAt
	}
	span.Error = truncateError(span.Error)

	select {
	case c.queue <- span:
	default:
		if c.dropped.Add(1) == 1 {
			slog.Warn("tracing: span queue full, dropping spans", "span_type", span.SpanType)
		}
	}
}

// Dropped counts spans lost to a full queue.
func (c *Collector) Dropped() int64 { return c.dropped.Load() }

func (c *Collector) run() {
	defer c.wg.Done()

	tick := time.NewTicker(c.interval)
	defer tick.Stop()

	batch := make([]store.SpanData, 0, maxBatch)
	for {
		select {
		case s := <-c.queue:
			batch = append(batch, s)
			if len(batch) >= maxBatch {
				batch = c.write(batch)
			}
		case <-tick.C:
			batch = c.write(batch)
		case <-c.done:
			for {
				select {
				case s := <-c.queue:
					batch = append(batch, s)
				default:
					c.write(batch)
					return
				}
			}
		}
	}
}

// write persists and exports batch, returning it emptied for reuse.
func (c *Collector) write(batch []store.SpanData) []store.SpanData {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.runs != nil {
		if err := c.runs.BatchCreateSpans(ctx, batch); err != nil {
			slog.Warn("tracing: write spans", "count", len(batch), "error", err)
		}
	}
	if exp := c.currentExporter(); exp != nil {
		exp.ExportSpans(ctx, batch)
	}
	return batch[:0]
}

// truncateError caps s at errorMaxLen bytes on a rune boundary.
func truncateError(s string) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= errorMaxLen {
		return s
	}
	cut := errorMaxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
