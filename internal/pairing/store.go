package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nextlevelbuilder/messagesforcar/internal/crypto"
	"github.com/nextlevelbuilder/messagesforcar/internal/store"
)

// Persisted preference keys.
const (
	KeyIsPaired         = "is_paired"
	KeyPairingURL       = "pairing_url"
	KeyPairingTimestamp = "pairing_timestamp"
	KeySchemaVersion    = "pairing_schema_version"
)

const (
	schemaVersion = 1

	// DefaultRecentThreshold is used by IsPairingRecent when no threshold is given.
	DefaultRecentThreshold = 24 * time.Hour
)

// Record is the durable pairing fact. IsPaired implies PairingTimestamp > 0.
type Record struct {
	IsPaired         bool   `json:"is_paired"`
	PairingURL       string `json:"pairing_url,omitempty"`
	PairingTimestamp int64  `json:"pairing_timestamp"`
}

// Store owns the pairing keys in the preferences collaborator. Reads are
// served from an in-memory snapshot; writes persist first, then swap the
// snapshot, all under one lock.
type Store struct {
	kv     store.KVStore
	sealer *crypto.Sealer
	now    func() time.Time
	logger *slog.Logger

	mu  sync.RWMutex
	rec Record
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock injects the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithSealer encrypts the pairing URL at rest.
func WithSealer(sealer *crypto.Sealer) StoreOption {
	return func(s *Store) { s.sealer = sealer }
}

// WithStoreLogger overrides slog.Default().
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore loads the record from kv. A read failure is logged and leaves the
// store at its defaults; State never fails.
func NewStore(ctx context.Context, kv store.KVStore, opts ...StoreOption) *Store {
	s := &Store{kv: kv, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(ctx); err != nil {
		s.logger.Warn("pairing: failed to load record, assuming unpaired", "error", err)
	}
	return s
}

// Reload re-reads the keys from the backing store.
func (s *Store) Reload(ctx context.Context) error {
	vals, err := s.kv.GetMany(ctx, KeyIsPaired, KeyPairingURL, KeyPairingTimestamp, KeySchemaVersion)
	if err != nil {
		return err
	}
	rec := s.decode(vals)

	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
	return nil
}

func (s *Store) decode(vals map[string]string) Record {
	var rec Record
	if v, ok := vals[KeySchemaVersion]; ok {
		if n, err := strconv.Atoi(v); err != nil || n > schemaVersion {
			s.logger.Warn("pairing: unexpected schema version", "version", v)
		}
	}
	rec.IsPaired, _ = strconv.ParseBool(vals[KeyIsPaired])
	if v := vals[KeyPairingTimestamp]; v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.logger.Warn("pairing: bad timestamp", "value", v, "error", err)
		}
		rec.PairingTimestamp = ts
	}
	if v := vals[KeyPairingURL]; v != "" {
		url, err := s.sealer.Open(v, KeyPairingURL)
		if err != nil {
			s.logger.Warn("pairing: cannot decrypt pairing url", "error", err)
		} else {
			rec.PairingURL = url
		}
	}
	if rec.IsPaired && rec.PairingTimestamp <= 0 {
		s.logger.Warn("pairing: paired flag without timestamp, treating as unpaired")
		rec = Record{}
	}
	return rec
}

// State returns a snapshot of the record.
func (s *Store) State() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec
}

// MarkAsPaired records a successful pairing at the current time. The write
// is persisted before the call returns.
func (s *Store) MarkAsPaired(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UnixMilli()
	if ts <= 0 {
		ts = 1
	}
	set := map[string]string{
		KeyIsPaired:         "true",
		KeyPairingTimestamp: strconv.FormatInt(ts, 10),
		KeySchemaVersion:    strconv.Itoa(schemaVersion),
	}
	var del []string
	if url != "" {
		sealed, err := s.sealer.Seal(url, KeyPairingURL)
		if err != nil {
			return fmt.Errorf("seal pairing url: %w", err)
		}
		set[KeyPairingURL] = sealed
	} else {
		del = []string{KeyPairingURL}
	}

	if err := s.kv.Apply(ctx, set, del); err != nil {
		return fmt.Errorf("persist pairing: %w", err)
	}
	s.rec = Record{IsPaired: true, PairingURL: url, PairingTimestamp: ts}
	s.logger.Info("pairing: marked as paired", "timestamp", ts)
	return nil
}

// ClearPairing resets the record to its defaults.
func (s *Store) ClearPairing(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.kv.Apply(ctx,
		map[string]string{KeyIsPaired: "false", KeySchemaVersion: strconv.Itoa(schemaVersion)},
		[]string{KeyPairingURL, KeyPairingTimestamp})
	if err != nil {
		return fmt.Errorf("clear pairing: %w", err)
	}
	s.rec = Record{}
	s.logger.Info("pairing: cleared")
	return nil
}

// IsPairingRecent reports whether the device paired less than threshold
// ago. A threshold <= 0 means DefaultRecentThreshold.
func (s *Store) IsPairingRecent(threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultRecentThreshold
	}
	rec := s.State()
	if rec.PairingTimestamp <= 0 {
		return false
	}
	age := s.now().UnixMilli() - rec.PairingTimestamp
	return age < threshold.Milliseconds()
}
