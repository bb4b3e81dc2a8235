package msgsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/messagesforcar/internal/pairing"
	"github.com/nextlevelbuilder/messagesforcar/internal/scheduler"
	"github.com/nextlevelbuilder/messagesforcar/internal/store"
)

// Result is the outcome of one executor run.
type Result struct {
	Success      bool   `json:"success"`
	Retryable    bool   `json:"retryable"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Report summarizes what a sync pulled from the live session.
type Report struct {
	Conversations int `json:"conversations"`
	Contacts      int `json:"contacts"`
	Unread        int `json:"unread"`
}

// Syncer snapshots the live session into the message store.
type Syncer interface {
	Sync(ctx context.Context) (Report, error)
}

// PairingState is the read side of the pairing store the executor checks.
type PairingState interface {
	State() pairing.Record
	IsPairingRecent(threshold time.Duration) bool
}

// SpanSink receives run spans (tracing.Collector).
type SpanSink interface {
	EmitSpan(span store.SpanData)
}

// Worker is the unit of work the scheduler invokes for message sync.
type Worker struct {
	Pairing  PairingState
	Messages store.MessageStore
	Syncer   Syncer
	Spans    SpanSink     // optional
	Logger   *slog.Logger // optional
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Run performs one sync. It never panics: a fault inside the run is
// reported as retryable.
func (w *Worker) Run(ctx context.Context) (res Result) {
	log := w.logger()
	start := time.Now()
	attrs := map[string]string{}

	defer func() {
		if r := recover(); r != nil {
			log.Error("sync: worker panic", "panic", r, "stack", string(debug.Stack()))
			res = Result{Retryable: true, ErrorMessage: fmt.Sprintf("panic: %v", r)}
		}
		w.emitSpan(start, res, attrs)
	}()

	rec := w.Pairing.State()
	if !rec.IsPaired {
		log.Info("sync: device not paired, skipping sync")
		attrs["skipped"] = "not_paired"
		return Result{Success: true}
	}
	if !w.Pairing.IsPairingRecent(pairing.DefaultRecentThreshold) {
		log.Warn("sync: pairing is not recent, may need re-pairing",
			"pairedAt", time.UnixMilli(rec.PairingTimestamp).Format(time.RFC3339))
	}

	convs, err := w.Messages.CountConversations(ctx)
	if err != nil {
		return w.fail(Transient("count conversations", err))
	}
	msgs, err := w.Messages.CountMessages(ctx)
	if err != nil {
		return w.fail(Transient("count messages", err))
	}
	attrs["conversations_before"] = strconv.Itoa(convs)
	attrs["messages_before"] = strconv.Itoa(msgs)
	log.Info("sync: starting", "conversations", convs, "messages", msgs)

	rep, err := w.Syncer.Sync(ctx)
	if err != nil {
		return w.fail(err)
	}
	attrs["conversations"] = strconv.Itoa(rep.Conversations)
	attrs["contacts"] = strconv.Itoa(rep.Contacts)
	attrs["unread"] = strconv.Itoa(rep.Unread)

	log.Info("sync: completed", "conversations", rep.Conversations, "contacts", rep.Contacts,
		"unread", rep.Unread, "duration", time.Since(start))
	return Result{Success: true}
}

func (w *Worker) fail(err error) Result {
	retry := Retryable(err)
	if retry && isTransient(err) {
		w.logger().Warn("sync: transient failure, will retry", "error", err)
	} else if retry {
		w.logger().Warn("sync: failed, will retry", "error", err)
	} else {
		w.logger().Error("sync: permanent failure", "error", err)
	}
	return Result{Retryable: retry, ErrorMessage: err.Error()}
}

func (w *Worker) emitSpan(start time.Time, res Result, attrs map[string]string) {
	if w.Spans == nil {
		return
	}
	end := time.Now()
	status := "ok"
	switch {
	case !res.Success && res.Retryable:
		status = "retry"
	case !res.Success:
		status = "error"
	}
	id := store.GenNewID()
	w.Spans.EmitSpan(store.SpanData{
		ID:         id,
		TraceID:    uuid.Must(uuid.NewV7()),
		SpanType:   store.SpanTypeSyncRun,
		Name:       WorkName,
		Status:     status,
		Error:      res.ErrorMessage,
		StartTime:  start,
		EndTime:    &end,
		DurationMS: int(end.Sub(start).Milliseconds()),
		Attributes: attrs,
		CreatedAt:  end,
	})
}

// WorkerFunc adapts w to the scheduler's worker signature.
func WorkerFunc(w *Worker) scheduler.Worker {
	return func(ctx context.Context, job scheduler.Job) (scheduler.Result, error) {
		res := w.Run(ctx)
		switch {
		case res.Success:
			return scheduler.ResultSuccess, nil
		case res.Retryable:
			return scheduler.ResultRetry, errors.New(res.ErrorMessage)
		default:
			return scheduler.ResultFailure, errors.New(res.ErrorMessage)
		}
	}
}
