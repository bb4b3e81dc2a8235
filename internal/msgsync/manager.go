// Package msgsync schedules and executes background message sync: a unique
// periodic job plus ad hoc one-shots over the scheduler work runtime, gated
// on pairing state, connectivity and power.
package msgsync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nextlevelbuilder/messagesforcar/internal/pairing"
	"github.com/nextlevelbuilder/messagesforcar/internal/scheduler"
)

const (
	// WorkName is the unique name of the recurring sync job.
	WorkName = "message_sync_work"
	// OneShotName is the name of immediate sync requests.
	OneShotName = "message_sync_now"
	// ImmediateTag marks one-shot work in status listings.
	ImmediateTag = "immediate_sync"

	AutomotiveInterval = 30 * time.Minute
	StandardInterval   = 15 * time.Minute
)

// State is the scheduler-facing sync state.
type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
)

// Runtime is the work runtime the manager schedules on (*scheduler.Service).
type Runtime interface {
	EnqueueUniquePeriodic(req scheduler.Request, policy scheduler.ExistingPolicy) (scheduler.WorkInfo, error)
	EnqueueOneShot(req scheduler.Request) (scheduler.WorkInfo, error)
	CancelByName(name string) int
	Infos(name string) []scheduler.WorkInfo
}

// PairedFunc reports whether the device is currently paired.
type PairedFunc func() bool

// Noticer raises the re-pairing notice after a permanent sync failure.
type Noticer interface {
	NotifyRepairRequired(ctx context.Context, reason string)
}

// Config tunes the manager.
type Config struct {
	Automotive bool
	Interval   time.Duration            // 0 = by device class
	Policy     scheduler.ExistingPolicy // "" = update on automotive, keep otherwise
}

func (c Config) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	if c.Automotive {
		return AutomotiveInterval
	}
	return StandardInterval
}

func (c Config) policy() scheduler.ExistingPolicy {
	if c.Policy != "" {
		return c.Policy
	}
	if c.Automotive {
		return scheduler.PolicyUpdate
	}
	return scheduler.PolicyKeep
}

// Status is the sync snapshot served to clients.
type Status struct {
	State         State                `json:"state"`
	Blocked       bool                 `json:"blocked"`
	BlockedReason string               `json:"blockedReason,omitempty"`
	LastSuccessMS int64                `json:"lastSuccessMs,omitempty"`
	Periodic      []scheduler.WorkInfo `json:"periodic"`
	OneShots      []scheduler.WorkInfo `json:"oneShots"`
}

// Manager decides when sync work runs.
type Manager struct {
	runtime    Runtime
	paired     PairedFunc
	capability func() bool
	noticer    Noticer
	cfg        Config
	logger     *slog.Logger

	mu            sync.Mutex
	blocked       bool
	blockedReason string
	lastSuccessMS int64
	runHandlers   []func(scheduler.RunEvent)
}

// Option configures a Manager.
type Option func(*Manager)

// WithCapability sets the notification capability precondition checked
// before sync starts on pairing.
func WithCapability(fn func() bool) Option {
	return func(m *Manager) { m.capability = fn }
}

// WithNoticer sets the re-pairing notice sink.
func WithNoticer(n Noticer) Option {
	return func(m *Manager) { m.noticer = n }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a sync manager.
func NewManager(rt Runtime, paired PairedFunc, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		runtime:    rt,
		paired:     paired,
		capability: func() bool { return true },
		cfg:        cfg,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnRun registers a listener for finished sync runs.
func (m *Manager) OnRun(fn func(scheduler.RunEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runHandlers = append(m.runHandlers, fn)
}

func constraints() scheduler.Constraints {
	return scheduler.Constraints{
		RequiresNetwork:       true,
		RequiresBatteryNotLow: true,
	}
}

// StartSync enqueues the unique recurring sync job. It is a no-op when the
// device is not paired or sync is blocked after a permanent failure.
func (m *Manager) StartSync() error {
	if !m.paired() {
		m.logger.Info("sync: not paired, not starting periodic sync")
		return nil
	}
	m.mu.Lock()
	blocked := m.blocked
	m.mu.Unlock()
	if blocked {
		m.logger.Warn("sync: blocked until pairing changes, not starting")
		return nil
	}

	interval := m.cfg.interval()
	info, err := m.runtime.EnqueueUniquePeriodic(scheduler.Request{
		Name:        WorkName,
		Schedule:    scheduler.Every(interval),
		Constraints: constraints(),
	}, m.cfg.policy())
	if err != nil {
		return fmt.Errorf("enqueue periodic sync: %w", err)
	}
	m.logger.Info("sync: periodic sync scheduled", "id", info.ID, "interval", interval,
		"policy", string(m.cfg.policy()))
	return nil
}

// StopSync cancels the recurring job. Safe when nothing is scheduled.
func (m *Manager) StopSync() {
	if n := m.runtime.CancelByName(WorkName); n > 0 {
		m.logger.Info("sync: periodic sync stopped")
	}
}

// TriggerImmediateSync enqueues a one-shot sync. No-op when not paired.
func (m *Manager) TriggerImmediateSync() error {
	if !m.paired() {
		m.logger.Info("sync: not paired, ignoring immediate sync")
		return nil
	}
	info, err := m.runtime.EnqueueOneShot(scheduler.Request{
		Name:        OneShotName,
		Constraints: scheduler.Constraints{RequiresNetwork: true},
		Tags:        []string{ImmediateTag},
	})
	if err != nil {
		return fmt.Errorf("enqueue immediate sync: %w", err)
	}
	m.logger.Info("sync: immediate sync requested", "id", info.ID)
	return nil
}

// OnPairingStateChanged is a pairing.ChangeHandler. Paired starts sync (when
// a notification sink is available); Unpaired and a reset to Unknown stop it.
// Error and Expired leave the schedule alone: detection errors retry on the
// next tick and the worker checks the record itself. Starting or stopping
// lifts any permanent-failure block.
func (m *Manager) OnPairingStateChanged(from, to pairing.State) {
	switch to {
	case pairing.StatePaired, pairing.StateUnpaired, pairing.StateUnknown:
	default:
		m.logger.Debug("sync: pairing state ignored", "from", from, "to", to)
		return
	}

	m.mu.Lock()
	if m.blocked {
		m.logger.Info("sync: pairing changed, lifting block")
	}
	m.blocked = false
	m.blockedReason = ""
	m.mu.Unlock()

	if to != pairing.StatePaired {
		m.StopSync()
		return
	}
	if !m.capability() {
		m.logger.Warn("sync: no notification sink enabled, not starting sync")
		return
	}
	if err := m.StartSync(); err != nil {
		m.logger.Error("sync: start on pairing failed", "error", err)
	}
}

// OnNetworkConnectivityChanged triggers a sync when connectivity returns.
func (m *Manager) OnNetworkConnectivityChanged(connected bool) {
	if !connected || !m.paired() {
		return
	}
	if err := m.TriggerImmediateSync(); err != nil {
		m.logger.Error("sync: trigger on connectivity failed", "error", err)
	}
}

// OnPowerStateChanged stops sync on low power and restarts it on recovery.
// Only the automotive profile reacts.
func (m *Manager) OnPowerStateChanged(low bool) {
	if !m.cfg.Automotive {
		return
	}
	if low {
		m.logger.Info("sync: low power, stopping periodic sync")
		m.StopSync()
		return
	}
	if m.paired() {
		if err := m.StartSync(); err != nil {
			m.logger.Error("sync: start on power recovery failed", "error", err)
		}
	}
}

// OnEnvironmentChanged dispatches an environment delta to the connectivity
// and power handlers.
func (m *Manager) OnEnvironmentChanged(prev, cur scheduler.EnvState) {
	if prev.NetworkAvailable != cur.NetworkAvailable {
		m.OnNetworkConnectivityChanged(cur.NetworkAvailable)
	}
	if prev.BatteryLow != cur.BatteryLow {
		m.OnPowerStateChanged(cur.BatteryLow)
	}
}

// HandleRunFinished is the scheduler OnRunFinished listener. A permanent
// failure blocks the recurring cycle and raises the re-pairing notice.
func (m *Manager) HandleRunFinished(ev scheduler.RunEvent) {
	if ev.Work.Name != WorkName && ev.Work.Name != OneShotName {
		return
	}

	m.mu.Lock()
	if ev.Result == scheduler.ResultSuccess {
		m.lastSuccessMS = ev.StartMS + ev.Duration.Milliseconds()
	}
	handlers := slices.Clone(m.runHandlers)
	m.mu.Unlock()

	if ev.Result == scheduler.ResultFailure {
		m.mu.Lock()
		m.blocked = true
		m.blockedReason = ev.Err
		m.mu.Unlock()
		m.StopSync()
		m.logger.Error("sync: permanent failure, sync stopped until re-pairing", "error", ev.Err)
		if m.noticer != nil {
			m.noticer.NotifyRepairRequired(context.Background(), ev.Err)
		}
	}

	for _, fn := range handlers {
		fn(ev)
	}
}

func active(infos []scheduler.WorkInfo) []scheduler.WorkInfo {
	var out []scheduler.WorkInfo
	for _, wi := range infos {
		if !wi.State.Finished() {
			out = append(out, wi)
		}
	}
	return out
}

// IsSyncRunning reports whether any sync work is registered and not finished.
func (m *Manager) IsSyncRunning() bool {
	return len(active(m.runtime.Infos(WorkName))) > 0 || len(active(m.runtime.Infos(OneShotName))) > 0
}

// State derives Idle/Scheduled/Running from the runtime registrations.
func (m *Manager) State() State {
	all := append(active(m.runtime.Infos(WorkName)), active(m.runtime.Infos(OneShotName))...)
	if len(all) == 0 {
		return StateIdle
	}
	for _, wi := range all {
		if wi.State == scheduler.StateRunning {
			return StateRunning
		}
	}
	return StateScheduled
}

// SyncStatus returns the work infos of the recurring and one-shot jobs.
func (m *Manager) SyncStatus() Status {
	m.mu.Lock()
	st := Status{
		Blocked:       m.blocked,
		BlockedReason: m.blockedReason,
		LastSuccessMS: m.lastSuccessMS,
	}
	m.mu.Unlock()

	st.State = m.State()
	st.Periodic = m.runtime.Infos(WorkName)
	st.OneShots = m.runtime.Infos(OneShotName)
	return st
}
