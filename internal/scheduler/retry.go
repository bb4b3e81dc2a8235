package scheduler

import (
	"math/rand/v2"
	"time"
)

// RetryConfig controls backoff for work that reports ResultRetry.
type RetryConfig struct {
	MaxRetries int           // retry ceiling per period (default 5)
	MinBackoff time.Duration // first backoff delay (default 10s)
	MaxBackoff time.Duration // maximum backoff delay (default 5h)
}

// DefaultRetryConfig returns the platform defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		MinBackoff: 10 * time.Second,
		MaxBackoff: 5 * time.Hour,
	}
}

// Backoff computes the delay before retry number attempt (1-based):
// min(MinBackoff * 2^(attempt-1), MaxBackoff) with ±25% jitter.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return backoffWithJitter(c.MinBackoff, c.MaxBackoff, attempt-1)
}

// backoffWithJitter computes delay = min(base * 2^attempt, max) + jitter(±25%).
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	delay := max
	if attempt < 62 {
		if d := base << uint(attempt); d > 0 && d < max {
			delay = d
		}
	}

	// Jitter: ±25% of delay
	quarter := delay / 4
	if quarter > 0 {
		jitter := time.Duration(rand.Int64N(int64(quarter*2))) - quarter
		delay += jitter
	}

	return delay
}

// maxErrorBytes is the truncation limit for recorded job errors.
const maxErrorBytes = 4 * 1024

// truncateError keeps persisted last-error text bounded.
func truncateError(s string) string {
	if len(s) <= maxErrorBytes {
		return s
	}
	return s[:maxErrorBytes] + "...[truncated]"
}
