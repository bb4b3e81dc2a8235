package gateway

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter gives each connected client its own token bucket. Buckets are
// created on the first request and dropped when the client disconnects.
type RateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

// NewRateLimiter allows rpm requests per minute with the given burst.
// rpm <= 0 disables limiting.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	var limit rate.Limit
	if rpm > 0 {
		limit = rate.Limit(float64(rpm) / 60)
	}
	return &RateLimiter{
		limit:   limit,
		burst:   burst,
		now:     time.Now,
		clients: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) Enabled() bool { return rl.limit > 0 }

// Allow spends one token from the client's bucket.
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.Enabled() {
		return true
	}
	rl.mu.Lock()
	lim, ok := rl.clients[clientID]
	if !ok {
		lim = rate.NewLimiter(rl.limit, rl.burst)
		rl.clients[clientID] = lim
	}
	rl.mu.Unlock()

	if lim.AllowN(rl.now(), 1) {
		return true
	}
	slog.Warn("gateway: client rate limited", "client", clientID)
	return false
}

// Forget drops the client's bucket.
func (rl *RateLimiter) Forget(clientID string) {
	rl.mu.Lock()
	delete(rl.clients, clientID)
	rl.mu.Unlock()
}

// Tracked reports how many clients currently hold a bucket.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
