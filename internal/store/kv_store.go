package store

import "context"

// KVStore is the preferences collaborator: a flat string map whose batch
// writes are atomic. Implementations are last-writer-wins.
type KVStore interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// GetMany returns the subset of keys that are present.
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)

	// Apply writes set and removes del in one atomic batch.
	Apply(ctx context.Context, set map[string]string, del []string) error

	Close() error
}
