// Package scheduler is a small persistent work runtime for background jobs.
// Registrations are persisted to JSON and due work runs one job at a time,
// subject to environment constraints (network, battery, idle).
//
// Two kinds of work are supported:
//   - "periodic": unique, named, recurring work (fixed interval or a 5-field
//     cron expression parsed by gronx)
//   - "oneshot":  ad hoc work that runs once (retried with backoff)
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes recurring from one-off work.
type Kind string

const (
	KindPeriodic Kind = "periodic"
	KindOneShot  Kind = "oneshot"
)

// RunState is the lifecycle state of a work registration.
type RunState string

const (
	StateEnqueued  RunState = "enqueued"
	StateRunning   RunState = "running"
	StateSucceeded RunState = "succeeded"
	StateFailed    RunState = "failed"
	StateCancelled RunState = "cancelled"
	StateBlocked   RunState = "blocked" // constraints unmet, retried next tick
)

// Finished reports whether s is terminal.
func (s RunState) Finished() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ExistingPolicy decides what EnqueueUniquePeriodic does when active work
// with the same name already exists.
type ExistingPolicy string

const (
	PolicyKeep    ExistingPolicy = "keep"    // leave the existing registration untouched
	PolicyUpdate  ExistingPolicy = "update"  // replace schedule and constraints, keep run history
	PolicyReplace ExistingPolicy = "replace" // cancel and register fresh
)

// Constraints gate when work may run.
type Constraints struct {
	RequiresNetwork       bool `json:"requiresNetwork,omitempty"`
	RequiresBatteryNotLow bool `json:"requiresBatteryNotLow,omitempty"`
	RequiresDeviceIdle    bool `json:"requiresDeviceIdle,omitempty"`
}

// Schedule defines when periodic work recurs. Exactly one field is set.
type Schedule struct {
	EveryMS int64  `json:"everyMs,omitempty"` // interval in milliseconds
	Expr    string `json:"expr,omitempty"`    // cron expression
}

// Every is a fixed-interval schedule.
func Every(d time.Duration) Schedule {
	return Schedule{EveryMS: d.Milliseconds()}
}

// Request describes work to enqueue.
type Request struct {
	Name         string
	Schedule     Schedule // periodic only
	Constraints  Constraints
	Tags         []string
	InitialDelay time.Duration
}

// JobState tracks runtime state for a job.
type JobState struct {
	Status      RunState `json:"status"`
	RunAttempt  int      `json:"runAttempt"`            // consecutive retries in the current period
	NextRunAtMS *int64   `json:"nextRunAtMs,omitempty"` // next scheduled execution
	LastRunAtMS *int64   `json:"lastRunAtMs,omitempty"` // last execution timestamp
	LastStatus  string   `json:"lastStatus,omitempty"`  // "ok", "retry" or "failed"
	LastError   string   `json:"lastError,omitempty"`
}

// Job is a persisted work registration.
type Job struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Kind        Kind        `json:"kind"`
	Schedule    Schedule    `json:"schedule,omitempty"`
	Constraints Constraints `json:"constraints"`
	Tags        []string    `json:"tags,omitempty"`
	State       JobState    `json:"state"`
	CreatedAtMS int64       `json:"createdAtMs"`
	UpdatedAtMS int64       `json:"updatedAtMs"`
}

// WorkInfo is the queryable snapshot of a job.
type WorkInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Kind        Kind     `json:"kind"`
	State       RunState `json:"state"`
	RunAttempt  int      `json:"runAttempt"`
	NextRunAtMS int64    `json:"nextRunAtMs,omitempty"`
	LastRunAtMS int64    `json:"lastRunAtMs,omitempty"`
	LastStatus  string   `json:"lastStatus,omitempty"`
	LastError   string   `json:"lastError,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

func (j *Job) info() WorkInfo {
	wi := WorkInfo{
		ID:         j.ID,
		Name:       j.Name,
		Kind:       j.Kind,
		State:      j.State.Status,
		RunAttempt: j.State.RunAttempt,
		LastStatus: j.State.LastStatus,
		LastError:  j.State.LastError,
		Tags:       append([]string(nil), j.Tags...),
	}
	if j.State.NextRunAtMS != nil {
		wi.NextRunAtMS = *j.State.NextRunAtMS
	}
	if j.State.LastRunAtMS != nil {
		wi.LastRunAtMS = *j.State.LastRunAtMS
	}
	return wi
}

// Result is what a worker reports for one run.
type Result int

const (
	ResultSuccess Result = iota
	ResultRetry
	ResultFailure
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultRetry:
		return "retry"
	case ResultFailure:
		return "failure"
	}
	return "unknown"
}

// Worker executes one run of a job. The error, if any, is recorded as the
// job's last error.
type Worker func(ctx context.Context, job Job) (Result, error)

// RunEvent is delivered to OnRunFinished listeners after each run whose
// result was applied.
type RunEvent struct {
	Work     WorkInfo
	Result   Result
	Err      string
	Attempt  int  // 1-based attempt within the current period
	GaveUp   bool // retry ceiling exceeded
	Duration time.Duration
	StartMS  int64
}

// storeFile is the persistent form of all jobs.
type storeFile struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

func generateID() string {
	return uuid.Must(uuid.NewV7()).String()
}
