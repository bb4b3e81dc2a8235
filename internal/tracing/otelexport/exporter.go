// Package otelexport mirrors run-log spans (sync runs, pairing transitions,
// session commands) to an OTLP collector.
package otelexport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/messagesforcar/internal/store"
)

const attrPrefix = "mfc."

type Config struct {
	Endpoint      string // host:port
	Protocol      string // "grpc" (default) or "http"
	Insecure      bool
	ServiceName   string
	Version       string
	DeviceProfile string // "automotive" or "standard"
	Headers       map[string]string
}

// Exporter implements tracing.SpanExporter.
type Exporter struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

func New(ctx context.Context, cfg Config) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("otlp endpoint is required")
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	client, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(client,
			sdktrace.WithMaxExportBatchSize(100),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	return &Exporter{provider: tp, tracer: tp.Tracer("messagesforcar")}, nil
}

func resourceAttributes(cfg Config) []attribute.KeyValue {
	name := cfg.ServiceName
	if name == "" {
		name = "messagesforcar"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(version),
	}
	if cfg.DeviceProfile != "" {
		attrs = append(attrs, attribute.String(attrPrefix+"device_profile", cfg.DeviceProfile))
	}
	return attrs
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// ExportSpans is called by the collector on every flush, after the run-log insert.
func (e *Exporter) ExportSpans(ctx context.Context, spans []store.SpanData) {
	if e == nil {
		return
	}
	for _, s := range spans {
		e.exportSpan(ctx, s)
	}
}

func (e *Exporter) exportSpan(ctx context.Context, s store.SpanData) {
	parent := ctx
	if s.ParentSpanID != nil {
		parent = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    uuidToTraceID(s.TraceID),
			SpanID:     uuidToSpanID(*s.ParentSpanID),
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		}))
	}

	_, span := e.tracer.Start(parent, spanName(s),
		trace.WithTimestamp(s.StartTime),
		trace.WithSpanKind(spanKind(s.SpanType)),
		trace.WithAttributes(spanAttributes(s)...),
	)

	if s.Status == "error" {
		span.SetStatus(codes.Error, s.Error)
		if s.Error != "" {
			span.RecordError(errors.New(s.Error))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(endTime(s)))
}

// spanName groups spans by their origin in trace UIs: "sync message_sync_work",
// "pairing unpaired->paired", "command send_reply".
func spanName(s store.SpanData) string {
	switch s.SpanType {
	case store.SpanTypeSyncRun:
		return "sync " + s.Name
	case store.SpanTypeTransition:
		return "pairing " + s.Name
	case store.SpanTypeCommand:
		return "command " + s.Name
	}
	return s.Name
}

// spanKind marks session commands as client calls into the page.
func spanKind(spanType string) trace.SpanKind {
	if spanType == store.SpanTypeCommand {
		return trace.SpanKindClient
	}
	return trace.SpanKindInternal
}

// spanAttributes returns the run-log ids and the span's own attributes,
// prefixed and in key order.
func spanAttributes(s store.SpanData) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(attrPrefix+"span_type", s.SpanType),
		attribute.String(attrPrefix+"trace_id", s.TraceID.String()),
		attribute.String(attrPrefix+"span_id", s.ID.String()),
	}
	if s.DurationMS > 0 {
		attrs = append(attrs, attribute.Int(attrPrefix+"duration_ms", s.DurationMS))
	}

	keys := make([]string, 0, len(s.Attributes))
	for k := range s.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(attrPrefix+k, s.Attributes[k]))
	}
	return attrs
}

func endTime(s store.SpanData) time.Time {
	if s.EndTime != nil {
		return *s.EndTime
	}
	return s.StartTime.Add(time.Duration(s.DurationMS) * time.Millisecond)
}

// Shutdown flushes pending spans.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	slog.Info("otel exporter shutting down")
	return e.provider.Shutdown(ctx)
}

func uuidToTraceID(id [16]byte) trace.TraceID {
	return trace.TraceID(id)
}

// uuidToSpanID keeps the low 8 bytes; v7 ids put their random bits there.
func uuidToSpanID(id [16]byte) trace.SpanID {
	var sid trace.SpanID
	copy(sid[:], id[8:16])
	return sid
}
