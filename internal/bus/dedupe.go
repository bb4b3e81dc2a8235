package bus

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupeCache remembers intercepted-message keys for a TTL window. The page
// re-fires its observer on re-render and reconnect, so the same message can
// reach the bus several times. When full, the least recently seen key goes.
type DedupeCache struct {
	seen *lru.Cache[string, int64] // key -> last seen, unix ms
	ttl  time.Duration
	now  func() time.Time
}

func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	seen, _ := lru.New[string, int64](maxSize) // only fails on size <= 0
	return &DedupeCache{seen: seen, ttl: ttl, now: time.Now}
}

// WithClock replaces the time source.
func (d *DedupeCache) WithClock(now func() time.Time) *DedupeCache {
	d.now = now
	return d
}

// IsDuplicate reports whether key was seen within the TTL, and records it.
func (d *DedupeCache) IsDuplicate(key string) bool {
	now := d.now().UnixMilli()
	prev, ok, _ := d.seen.PeekOrAdd(key, now)
	if ok && prev >= now-d.ttl.Milliseconds() {
		return true
	}
	if ok {
		d.seen.Add(key, now)
	}
	return false
}

// Len is the number of tracked keys, expired ones included until evicted.
func (d *DedupeCache) Len() int {
	return d.seen.Len()
}
