package detector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/messagesforcar/internal/pairing"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultDebounce = 500 * time.Millisecond
	DefaultTimeout  = 5 * time.Second
)

// Config holds the hot-reloadable timing knobs.
type Config struct {
	Interval time.Duration
	Debounce time.Duration
	Timeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Transition is emitted whenever the observed state differs from the
// previous observation.
type Transition struct {
	From       pairing.State `json:"from"`
	To         pairing.State `json:"to"`
	Confidence float64       `json:"confidence"`
	Seq        uint64        `json:"seq"`
	At         int64         `json:"at"`
}

// Observation converts t for the pairing manager.
func (t Transition) Observation() pairing.Observation {
	return pairing.Observation{State: t.To, Confidence: t.Confidence, Seq: t.Seq, At: t.At}
}

// Handler receives transitions. It runs on the evaluation goroutine and
// should not block.
type Handler func(Transition)

// Detector polls the Oracle on a fixed interval and on debounced mutation
// pings. Evaluations are numbered; a newer one cancels the in-flight one and
// results older than the last reported one are dropped.
type Detector struct {
	oracle Oracle
	logger *slog.Logger
	now    func() time.Time

	seq atomic.Uint64

	cfgMu sync.RWMutex
	cfg   Config

	mu        sync.Mutex
	last      pairing.State
	lastConf  float64
	lastSeq   uint64
	handlers  []Handler
	inflight  context.CancelFunc
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	triggerCh chan struct{}
	reconfCh  chan struct{}
}

// Option configures a Detector.
type Option func(*Detector)

// WithConfig sets the initial timings.
func WithConfig(cfg Config) Option {
	return func(d *Detector) { d.cfg = cfg.withDefaults() }
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithClock injects the time source used for transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New creates a stopped detector.
func New(oracle Oracle, opts ...Option) *Detector {
	d := &Detector{
		oracle:    oracle,
		logger:    slog.Default(),
		now:       time.Now,
		cfg:       Config{}.withDefaults(),
		last:      pairing.StateUnknown,
		triggerCh: make(chan struct{}, 1),
		reconfCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnTransition registers a transition listener.
func (d *Detector) OnTransition(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Last returns the most recently observed state and its confidence.
func (d *Detector) Last() (pairing.State, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.lastConf
}

// Config returns the current timings.
func (d *Detector) Config() Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// SetConfig swaps the timings; a running loop picks up the new interval
// immediately.
func (d *Detector) SetConfig(cfg Config) {
	d.cfgMu.Lock()
	d.cfg = cfg.withDefaults()
	d.cfgMu.Unlock()
	select {
	case d.reconfCh <- struct{}{}:
	default:
	}
	d.logger.Info("detector: timings updated", "interval", cfg.Interval, "debounce", cfg.Debounce, "timeout", cfg.Timeout)
}

// Trigger signals a DOM mutation. Pings are coalesced: at most one is
// pending and the debounce window restarts on each.
func (d *Detector) Trigger() {
	select {
	case d.triggerCh <- struct{}{}:
	default:
	}
}

// Start begins the detection loop.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true
	go d.loop(loopCtx, d.done)
	d.logger.Info("detector started", "interval", d.Config().Interval)
}

// Stop halts the loop and waits for it to exit.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.cancel()
	done := d.done
	d.running = false
	if d.inflight != nil {
		d.inflight()
	}
	d.mu.Unlock()
	<-done
	d.logger.Info("detector stopped")
}

func (d *Detector) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.Config().Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	d.evaluateAsync(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.evaluateAsync(ctx)
		case <-d.triggerCh:
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(d.Config().Debounce)
			debounceC = debounce.C
		case <-debounceC:
			debounceC = nil
			d.evaluateAsync(ctx)
		case <-d.reconfCh:
			ticker.Reset(d.Config().Interval)
		}
	}
}

// evaluateAsync starts a numbered evaluation, cancelling the previous one.
func (d *Detector) evaluateAsync(ctx context.Context) {
	seq := d.seq.Add(1)
	evalCtx, cancel := context.WithTimeout(ctx, d.Config().Timeout)

	d.mu.Lock()
	if d.inflight != nil {
		d.inflight()
	}
	d.inflight = cancel
	d.mu.Unlock()

	go func() {
		defer cancel()
		d.run(evalCtx, seq)
	}()
}

// Evaluate runs one evaluation synchronously and returns its classification.
func (d *Detector) Evaluate(ctx context.Context) Classification {
	seq := d.seq.Add(1)
	evalCtx, cancel := context.WithTimeout(ctx, d.Config().Timeout)
	defer cancel()
	return d.run(evalCtx, seq)
}

func (d *Detector) run(ctx context.Context, seq uint64) Classification {
	cls, err := d.oracle.Observe(ctx)
	if err != nil {
		if seq != d.seq.Load() || errors.Is(ctx.Err(), context.Canceled) {
			// superseded by a newer evaluation, or shutting down
			return cls
		}
		d.logger.Debug("detector: evaluation failed", "seq", seq, "error", err)
		cls = Classification{State: pairing.StateError}
	}
	d.report(seq, cls)
	return cls
}

// firmedUp is true when an Unpaired result that lacked evidence is now backed
// by QR or pairing text. It is reported again so the pairing record can be
// cleared.
func firmedUp(cls Classification, prevConf float64) bool {
	return cls.State == pairing.StateUnpaired &&
		prevConf < pairing.ClearConfidence && cls.Confidence >= pairing.ClearConfidence
}

// report applies the edge trigger. It returns true when a transition fired.
func (d *Detector) report(seq uint64, cls Classification) bool {
	d.mu.Lock()
	if seq <= d.lastSeq {
		d.mu.Unlock()
		d.logger.Debug("detector: stale result discarded", "seq", seq, "last_seq", d.lastSeq)
		return false
	}
	d.lastSeq = seq
	prevConf := d.lastConf
	d.lastConf = cls.Confidence
	if cls.State == d.last && !firmedUp(cls, prevConf) {
		d.mu.Unlock()
		return false
	}
	t := Transition{From: d.last, To: cls.State, Confidence: cls.Confidence, Seq: seq, At: d.now().UnixMilli()}
	d.last = cls.State
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.Unlock()

	d.logger.Info("detector: pairing state observed", "from", t.From, "to", t.To,
		"confidence", t.Confidence, "seq", seq)
	for _, h := range handlers {
		h(t)
	}
	return true
}
