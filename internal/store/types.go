package store

import (
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// StoreConfig configures the store layer.
type StoreConfig struct {
	// Mode: "standalone" (default, SQLite) or "managed" (Postgres).
	Mode string

	// PostgresDSN is the Postgres connection string used in managed mode.
	PostgresDSN string

	// SQLitePath is the database file for standalone mode.
	SQLitePath string

	// KVBackend selects where preferences live: "file" (default), "sqlite",
	// "postgres" or "redis".
	KVBackend string

	// KVPath is the JSON preferences file for the "file" backend.
	KVPath string

	// RedisURL is used by the "redis" KV backend (redis://host:6379/0).
	RedisURL string

	// RedisPrefix namespaces the preference hash in a shared Redis.
	RedisPrefix string
}

// IsManaged returns true if the system is in managed (Postgres) mode.
func (c StoreConfig) IsManaged() bool {
	return c.PostgresDSN != "" && c.Mode == "managed"
}

// Stores bundles the persistence collaborators handed to the rest of the app.
type Stores struct {
	KV       KVStore
	Messages MessageStore
	Runs     RunStore

	closers []func() error
}

// AddCloser registers a resource released by Close.
func (s *Stores) AddCloser(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close releases every backend in reverse order of registration.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
