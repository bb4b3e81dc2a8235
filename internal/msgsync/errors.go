package msgsync

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotPaired is returned when work needs a paired session.
	ErrNotPaired = errors.New("msgsync: device not paired")

	// ErrSessionUnavailable means the live session could not answer (not
	// loaded yet, navigating, browser gone).
	ErrSessionUnavailable = errors.New("msgsync: live session unavailable")

	// ErrStructural means the session answered with an unexpected shape.
	ErrStructural = errors.New("msgsync: unexpected response shape")
)

// ErrorKind classifies a sync failure.
type ErrorKind int

const (
	KindTransient  ErrorKind = iota // retry with backoff
	KindStructural                  // permanent, stops the recurring cycle
)

func (k ErrorKind) String() string {
	if k == KindStructural {
		return "structural"
	}
	return "transient"
}

// SyncError is a classified sync failure.
type SyncError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) error {
	return &SyncError{Kind: KindTransient, Op: op, Err: err}
}

// Structural wraps err as a permanent failure of op.
func Structural(op string, err error) error {
	if !errors.Is(err, ErrStructural) {
		err = fmt.Errorf("%w: %w", ErrStructural, err)
	}
	return &SyncError{Kind: KindStructural, Op: op, Err: err}
}

// Retryable reports whether a sync error should be retried. Only structural
// errors are permanent; anything unclassified is retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind != KindStructural
	}
	if errors.Is(err, ErrStructural) {
		return false
	}
	return true
}

// isTransient reports errors that are known to be temporary.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrSessionUnavailable) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
