package sqldb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/messagesforcar/internal/store"
)

// RunStore implements store.RunStore on the spans table.
type RunStore struct {
	db *sqlx.DB
}

func NewRunStore(db *sqlx.DB) *RunStore {
	return &RunStore{db: db}
}

type spanRow struct {
	ID           string  `db:"id"`
	TraceID      string  `db:"trace_id"`
	ParentSpanID *string `db:"parent_span_id"`
	SpanType     string  `db:"span_type"`
	Name         string  `db:"name"`
	Status       string  `db:"status"`
	Error        string  `db:"error"`
	StartMS      int64   `db:"start_ms"`
	EndMS        *int64  `db:"end_ms"`
	DurationMS   int     `db:"duration_ms"`
	Attributes   string  `db:"attributes"`
	CreatedMS    int64   `db:"created_ms"`
}

func (s *RunStore) BatchCreateSpans(ctx context.Context, spans []store.SpanData) error {
	if len(spans) == 0 {
		return nil
	}
	rows := make([]spanRow, 0, len(spans))
	for _, sp := range spans {
		r := spanRow{
			ID:         sp.ID.String(),
			TraceID:    sp.TraceID.String(),
			SpanType:   sp.SpanType,
			Name:       sp.Name,
			Status:     sp.Status,
			Error:      sp.Error,
			StartMS:    sp.StartTime.UnixMilli(),
			DurationMS: sp.DurationMS,
			Attributes: "{}",
			CreatedMS:  sp.CreatedAt.UnixMilli(),
		}
		if sp.ParentSpanID != nil {
			p := sp.ParentSpanID.String()
			r.ParentSpanID = &p
		}
		if sp.EndTime != nil {
			e := sp.EndTime.UnixMilli()
			r.EndMS = &e
		}
		if len(sp.Attributes) > 0 {
			b, err := json.Marshal(sp.Attributes)
			if err != nil {
				return err
			}
			r.Attributes = string(b)
		}
		rows = append(rows, r)
	}

	_, err := s.db.NamedExecContext(ctx, `INSERT INTO spans
		(id, trace_id, parent_span_id, span_type, name, status, error, start_ms, end_ms, duration_ms, attributes, created_ms)
		VALUES (:id, :trace_id, :parent_span_id, :span_type, :name, :status, :error, :start_ms, :end_ms, :duration_ms, :attributes, :created_ms)
		ON CONFLICT (id) DO NOTHING`, rows)
	if err != nil {
		return fmt.Errorf("insert spans: %w", err)
	}
	return nil
}

func (s *RunStore) ListSpans(ctx context.Context, spanType string, limit int) ([]store.SpanData, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, trace_id, parent_span_id, span_type, name, status, error, start_ms, end_ms, duration_ms, attributes, created_ms
		FROM spans`
	args := []any{}
	if spanType != "" {
		query += ` WHERE span_type = ?`
		args = append(args, spanType)
	}
	query += ` ORDER BY start_ms DESC LIMIT ?`
	args = append(args, limit)

	var rows []spanRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list spans: %w", err)
	}

	out := make([]store.SpanData, 0, len(rows))
	for _, r := range rows {
		id, _ := uuid.Parse(r.ID)
		traceID, _ := uuid.Parse(r.TraceID)
		sp := store.SpanData{
			ID:         id,
			TraceID:    traceID,
			SpanType:   r.SpanType,
			Name:       r.Name,
			Status:     r.Status,
			Error:      r.Error,
			StartTime:  time.UnixMilli(r.StartMS),
			DurationMS: r.DurationMS,
			CreatedAt:  time.UnixMilli(r.CreatedMS),
		}
		if r.ParentSpanID != nil {
			if p, err := uuid.Parse(*r.ParentSpanID); err == nil {
				sp.ParentSpanID = &p
			}
		}
		if r.EndMS != nil {
			e := time.UnixMilli(*r.EndMS)
			sp.EndTime = &e
		}
		if r.Attributes != "" && r.Attributes != "{}" {
			_ = json.Unmarshal([]byte(r.Attributes), &sp.Attributes)
		}
		out = append(out, sp)
	}
	return out, nil
}
