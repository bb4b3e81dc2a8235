package pairing

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/nextlevelbuilder/messagesforcar/internal/store"
)

// Manager state keys.
const (
	KeyState          = "pairing_state"
	KeyStateChangedAt = "pairing_state_changed_at"
	KeyLastCheck      = "pairing_last_check"
)

// ValidityWindow is how long a pairing stays valid before CheckPairingStatus
// reports it Expired.
const ValidityWindow = 7 * 24 * time.Hour

// ClearConfidence is the least confidence an Unpaired observation needs to
// clear the durable record. Lower scores come from pages that show neither a
// QR code nor conversations yet (loading, reloading).
const ClearConfidence = 0.6

// DefaultPairingURL is recorded when no session URL source is configured.
const DefaultPairingURL = "https://messages.google.com/web"

// Observation is one classified look at the session, ordered by (At, Seq).
type Observation struct {
	State      State   `json:"state"`
	Confidence float64 `json:"confidence"`
	Seq        uint64  `json:"seq"`
	At         int64   `json:"at"` // unix millis
}

// ChangeHandler is called after the state changed from one value to another.
// Handlers run while the change is being applied and must not call back into
// Observe or the explicit pairing events.
type ChangeHandler func(from, to State)

// Status is a point-in-time view of the manager for RPC and CLI output.
type Status struct {
	State       State  `json:"state"`
	Description string `json:"description"`
	ChangedAt   int64  `json:"changed_at"`
	LastCheck   int64  `json:"last_check"`
	Record      Record `json:"record"`
	Recent      bool   `json:"recent"`
	ShowQRCode  bool   `json:"show_qr_code"`
}

// Manager is the single writer of the pairing Store. It is fed by the
// detector (Observe) and by explicit completion/reset events.
type Manager struct {
	store  *Store
	kv     store.KVStore
	now    func() time.Time
	logger *slog.Logger
	urlFn  func() string

	// applyMu orders whole state applications (Observe and the explicit
	// events) so the newest observation is also the last one written.
	applyMu sync.Mutex

	mu        sync.Mutex
	state     State
	changedAt int64
	lastCheck int64
	lastSeq   uint64
	lastAt    int64
	handlers  []ChangeHandler
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock injects the time source.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithURLSource supplies the session URL recorded when a Paired observation
// marks the store paired.
func WithURLSource(fn func() string) ManagerOption {
	return func(m *Manager) { m.urlFn = fn }
}

// WithManagerLogger overrides slog.Default().
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager restores the last persisted state (Unknown on first launch).
func NewManager(ctx context.Context, st *Store, kv store.KVStore, opts ...ManagerOption) *Manager {
	m := &Manager{store: st, kv: kv, now: time.Now, logger: slog.Default(), state: StateUnknown}
	for _, opt := range opts {
		opt(m)
	}

	vals, err := kv.GetMany(ctx, KeyState, KeyStateChangedAt, KeyLastCheck)
	if err != nil {
		m.logger.Warn("pairing: failed to load manager state", "error", err)
	} else {
		if v, ok := vals[KeyState]; ok {
			m.state = DecodeState(v)
		}
		m.changedAt, _ = strconv.ParseInt(vals[KeyStateChangedAt], 10, 64)
		m.lastCheck, _ = strconv.ParseInt(vals[KeyLastCheck], 10, 64)
	}
	m.logger.Info("pairing: manager initialized", "state", m.state)
	return m
}

// OnChange registers a listener for edge-triggered state changes.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Current returns the state and when it last changed (unix millis).
func (m *Manager) Current() (State, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.changedAt
}

// IsPaired reports the durable record's flag.
func (m *Manager) IsPaired() bool {
	return m.store.State().IsPaired
}

// Store exposes the record store for read-only collaborators.
func (m *Manager) Store() *Store {
	return m.store
}

// ShouldShowQRCode is true whenever the user has to (re)scan.
func (m *Manager) ShouldShowQRCode() bool {
	s, _ := m.Current()
	switch s {
	case StateUnpaired, StateExpired, StateError, StateUnknown:
		return true
	}
	return false
}

// Status returns a snapshot for display.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{State: m.state, ChangedAt: m.changedAt, LastCheck: m.lastCheck}
	m.mu.Unlock()

	st.Description = Description(st.State)
	st.Record = m.store.State()
	st.Record.PairingURL = ""
	st.Recent = m.store.IsPairingRecent(0)
	st.ShowQRCode = m.ShouldShowQRCode()
	return st
}

// Observe applies a detector observation. Observations that are not newer
// than the last applied one are discarded and false is returned.
func (m *Manager) Observe(ctx context.Context, obs Observation) bool {
	if !obs.State.Valid() {
		return false
	}
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	if obs.Seq != 0 && obs.Seq <= m.lastSeq {
		m.mu.Unlock()
		m.logger.Debug("pairing: stale observation discarded", "seq", obs.Seq, "last_seq", m.lastSeq)
		return false
	}
	if obs.At != 0 && obs.At < m.lastAt {
		m.mu.Unlock()
		m.logger.Debug("pairing: observation older than last event", "at", obs.At, "last_at", m.lastAt)
		return false
	}
	if obs.Seq != 0 {
		m.lastSeq = obs.Seq
	}
	if obs.At != 0 {
		m.lastAt = obs.At
	}
	m.mu.Unlock()

	switch obs.State {
	case StatePaired:
		if !m.store.State().IsPaired {
			if err := m.store.MarkAsPaired(ctx, m.sessionURL()); err != nil {
				m.logger.Error("pairing: failed to record detected pairing", "error", err)
			}
		}
	case StateUnpaired:
		if !m.store.State().IsPaired {
			break
		}
		if obs.Confidence < ClearConfidence {
			m.logger.Debug("pairing: weak unpaired observation, keeping record", "confidence", obs.Confidence)
			break
		}
		if err := m.store.ClearPairing(ctx); err != nil {
			m.logger.Error("pairing: failed to clear invalidated pairing", "error", err)
		}
	}

	m.setState(ctx, obs.State)
	return true
}

// MarkPairingSuccessful is the explicit completion event (the user finished
// scanning).
func (m *Manager) MarkPairingSuccessful(ctx context.Context, url string) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	if url == "" {
		url = m.sessionURL()
	}
	if err := m.store.MarkAsPaired(ctx, url); err != nil {
		return err
	}
	m.bumpEventTime()
	m.setState(ctx, StatePaired)
	m.logger.Info("pairing: marked as successful")
	return nil
}

// ResetPairing forgets the pairing and returns to Unknown.
func (m *Manager) ResetPairing(ctx context.Context) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	if err := m.store.ClearPairing(ctx); err != nil {
		return err
	}
	m.bumpEventTime()
	m.setState(ctx, StateUnknown)
	m.logger.Info("pairing: state reset")
	return nil
}

// CheckPairingStatus recomputes the state from the durable record using the
// validity window and records the check time.
func (m *Manager) CheckPairingStatus(ctx context.Context) State {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	rec := m.store.State()
	now := m.now().UnixMilli()

	next := StateUnpaired
	if rec.IsPaired {
		if now-rec.PairingTimestamp < ValidityWindow.Milliseconds() {
			next = StatePaired
		} else {
			next = StateExpired
		}
	}

	m.mu.Lock()
	m.lastCheck = now
	m.mu.Unlock()
	if err := m.kv.Apply(ctx, map[string]string{KeyLastCheck: strconv.FormatInt(now, 10)}, nil); err != nil {
		m.logger.Warn("pairing: failed to persist last check", "error", err)
	}

	m.setState(ctx, next)
	return next
}

func (m *Manager) sessionURL() string {
	if m.urlFn != nil {
		if u := m.urlFn(); u != "" {
			return u
		}
	}
	return DefaultPairingURL
}

// bumpEventTime orders explicit events after any observation that started
// before them.
func (m *Manager) bumpEventTime() {
	m.mu.Lock()
	if now := m.now().UnixMilli(); now > m.lastAt {
		m.lastAt = now
	}
	m.mu.Unlock()
}

func (m *Manager) setState(ctx context.Context, next State) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.state = next
	m.changedAt = m.now().UnixMilli()
	changedAt := m.changedAt
	handlers := slices.Clone(m.handlers)
	m.mu.Unlock()

	err := m.kv.Apply(ctx, map[string]string{
		KeyState:          EncodeState(next),
		KeyStateChangedAt: strconv.FormatInt(changedAt, 10),
	}, nil)
	if err != nil {
		m.logger.Warn("pairing: failed to persist state", "state", next, "error", err)
	}

	m.logger.Info("pairing: state changed", "from", from, "to", next)
	for _, h := range handlers {
		h(from, next)
	}
}
