// Package session hosts the live Google Messages for Web page: it owns the
// single browser tab, serializes script evaluation against it, executes
// reply / mark-read commands and forwards what the injected observer sees.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/messagesforcar/internal/bus"
	"github.com/nextlevelbuilder/messagesforcar/internal/store"
	"github.com/nextlevelbuilder/messagesforcar/pkg/browser"
)

const (
	DefaultURL        = "https://messages.google.com/web"
	AuthenticationURL = "https://messages.google.com/web/authentication"

	bindingName = "__mfc_binding"
)

// DefaultAllowedHosts are the only hosts the tab may navigate to.
var DefaultAllowedHosts = []string{"messages.google.com", "accounts.google.com"}

// ErrNotReady is returned while the tab is not open.
var ErrNotReady = errors.New("session: not ready")

// Browser is the part of *browser.Manager the host drives.
type Browser interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	OpenTab(ctx context.Context, url string) (*browser.TabInfo, error)
	Navigate(ctx context.Context, targetID, url string) error
	CurrentURL(targetID string) (string, error)
	Evaluate(ctx context.Context, targetID, js string, args ...any) (string, error)
	ElementScreenshot(ctx context.Context, targetID, selector string) ([]byte, error)
	AddBinding(ctx context.Context, targetID, name string, fn func(payload string)) error
	AddScriptOnNewDocument(targetID, fnSource string) error
	OnNavigate(ctx context.Context, targetID string, fn func(url string)) error
	RestrictNavigation(ctx context.Context, targetID string, allowed []string, onBlocked func(url string)) error
}

// Inbound receives intercepted messages (bus.MessageBus).
type Inbound interface {
	PublishInbound(ctx context.Context, msg bus.InterceptedMessage) error
}

// SpanSink records executed commands (tracing.Collector).
type SpanSink interface {
	EmitSpan(span store.SpanData)
}

// Config tunes a Host.
type Config struct {
	URL          string
	AllowedHosts []string
	CommandRate  float64 // commands per second
	CommandBurst int
	EvalTimeout  time.Duration // upper bound when the caller's ctx has none
	QRMaxWidth   int           // QR captures wider than this are downscaled
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if len(c.AllowedHosts) == 0 {
		c.AllowedHosts = DefaultAllowedHosts
	}
	if c.CommandRate <= 0 {
		c.CommandRate = 0.5
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = 1
	}
	if c.EvalTimeout <= 0 {
		c.EvalTimeout = 15 * time.Second
	}
	if c.QRMaxWidth <= 0 {
		c.QRMaxWidth = 320
	}
	return c
}

// Host owns the live page.
type Host struct {
	br      Browser
	cfg     Config
	inbound Inbound
	spans   SpanSink
	logger  *slog.Logger
	limiter *rate.Limiter

	evalSem chan struct{} // one evaluation at a time

	mu         sync.Mutex
	target     string
	cancel     context.CancelFunc
	onMutation func()
}

// Option configures a Host.
type Option func(*Host)

// WithConfig overrides defaults.
func WithConfig(cfg Config) Option {
	return func(h *Host) { h.cfg = cfg }
}

// WithInbound sets where intercepted messages go.
func WithInbound(in Inbound) Option {
	return func(h *Host) { h.inbound = in }
}

// WithSpans records executed commands.
func WithSpans(s SpanSink) Option {
	return func(h *Host) { h.spans = s }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// New creates a host over br. Scripts are compile-checked here so a broken
// embed fails at startup, not on the first command.
func New(br Browser, opts ...Option) (*Host, error) {
	h := &Host{
		br:      br,
		logger:  slog.Default(),
		evalSem: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(h)
	}
	h.cfg = h.cfg.withDefaults()
	h.limiter = rate.NewLimiter(rate.Limit(h.cfg.CommandRate), h.cfg.CommandBurst)
	if err := checkScripts(); err != nil {
		return nil, err
	}
	return h, nil
}

// OnMutation sets the callback for throttled DOM mutation pings (the
// detector's Trigger).
func (h *Host) OnMutation(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMutation = fn
}

// Start launches the browser, opens the messages page and installs the
// observer, navigation guard and welcome redirect.
func (h *Host) Start(ctx context.Context) error {
	if err := h.br.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	tab, err := h.br.OpenTab(ctx, h.cfg.URL)
	if err != nil {
		return fmt.Errorf("open %s: %w", h.cfg.URL, err)
	}

	hookCtx, cancel := context.WithCancel(context.Background())
	target := tab.TargetID

	if err := h.br.RestrictNavigation(hookCtx, target, h.cfg.AllowedHosts, func(u string) {
		h.logger.Warn("session: blocked navigation", "url", u)
	}); err != nil {
		cancel()
		return err
	}
	if err := h.br.AddBinding(hookCtx, target, bindingName, h.handleBinding); err != nil {
		cancel()
		return err
	}
	if err := h.br.AddScriptOnNewDocument(target, observerScript); err != nil {
		cancel()
		return err
	}
	if err := h.br.OnNavigate(hookCtx, target, func(u string) { h.handleNavigate(hookCtx, u) }); err != nil {
		cancel()
		return err
	}

	h.mu.Lock()
	h.target = target
	h.cancel = cancel
	h.mu.Unlock()

	// the tab loaded before the hooks existed
	if _, err := h.Evaluate(ctx, observerScript); err != nil {
		h.logger.Warn("session: observer injection failed", "error", err)
	}
	h.handleNavigate(hookCtx, tab.URL)

	h.logger.Info("session: started", "url", tab.URL, "target", target)
	return nil
}

// Stop closes the tab hooks and the browser.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.target = ""
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return h.br.Stop(ctx)
}

func (h *Host) targetID() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.target == "" {
		return "", ErrNotReady
	}
	return h.target, nil
}

// Ready reports whether the page is open.
func (h *Host) Ready() bool {
	_, err := h.targetID()
	return err == nil
}

// Evaluate runs a read-only script and returns its textual result.
func (h *Host) Evaluate(ctx context.Context, js string) (string, error) {
	return h.eval(ctx, js)
}

// eval serializes every script run against the page. Waiting for the
// semaphore is bounded by ctx as well.
func (h *Host) eval(ctx context.Context, js string, args ...any) (string, error) {
	target, err := h.targetID()
	if err != nil {
		return "", err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.EvalTimeout)
		defer cancel()
	}

	if err := h.acquire(ctx); err != nil {
		return "", err
	}
	defer h.release()

	return h.br.Evaluate(ctx, target, js, args...)
}

func (h *Host) acquire(ctx context.Context) error {
	select {
	case h.evalSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for session: %w", ctx.Err())
	}
}

func (h *Host) release() { <-h.evalSem }

// CurrentURL returns the page location, the pairing URL source.
func (h *Host) CurrentURL() string {
	target, err := h.targetID()
	if err != nil {
		return ""
	}
	u, err := h.br.CurrentURL(target)
	if err != nil {
		h.logger.Debug("session: current url unavailable", "error", err)
		return ""
	}
	return u
}

type scriptResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// Execute runs one command against the page.
func (h *Host) Execute(ctx context.Context, cmd bus.Command) error {
	sender := strings.TrimSpace(cmd.Params["sender"])
	if sender == "" {
		return fmt.Errorf("%s: missing sender", cmd.Name)
	}

	var (
		raw string
		err error
	)
	start := time.Now()
	switch cmd.Name {
	case bus.CommandSendReply:
		text := cmd.Params["text"]
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("%s: empty text", cmd.Name)
		}
		raw, err = h.eval(ctx, sendReplyScript, sender, text)
	case bus.CommandMarkAsRead:
		raw, err = h.eval(ctx, markReadScript, sender)
	default:
		return fmt.Errorf("unknown command %q", cmd.Name)
	}
	if err == nil {
		err = parseScriptResult(raw)
	}
	h.emitSpan(cmd, start, err)
	if err != nil {
		return fmt.Errorf("%s %s: %w", cmd.Name, cmd.ID, err)
	}
	h.logger.Info("session: command executed", "command", cmd.Name, "id", cmd.ID)
	return nil
}

func parseScriptResult(raw string) error {
	var res scriptResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return fmt.Errorf("unexpected script result %q", raw)
	}
	if !res.OK {
		return errors.New(res.Error)
	}
	return nil
}

// RunCommands executes commands from the bus, paced by the rate limiter,
// until ctx is done. Failures are logged by the bus.
func (h *Host) RunCommands(ctx context.Context, mb *bus.MessageBus) {
	mb.RunOutbound(ctx, func(ctx context.Context, cmd bus.Command) error {
		if err := h.limiter.Wait(ctx); err != nil {
			return err
		}
		return h.Execute(ctx, cmd)
	})
}

type bindingPayload struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func (h *Host) handleBinding(payload string) {
	var p bindingPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		h.logger.Debug("session: bad binding payload", "error", err)
		return
	}
	switch p.Type {
	case "message":
		if h.inbound == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		msg := bus.InterceptedMessage{Sender: p.Sender, Content: p.Content, Timestamp: p.Timestamp}
		if err := h.inbound.PublishInbound(ctx, msg); err != nil {
			h.logger.Warn("session: intercepted message dropped", "error", err)
		}
		h.ping()
	case "mutation":
		h.ping()
	}
}

func (h *Host) ping() {
	h.mu.Lock()
	fn := h.onMutation
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// handleNavigate sends the welcome page on to the QR screen.
func (h *Host) handleNavigate(ctx context.Context, u string) {
	if !strings.Contains(u, "/web/welcome") {
		h.ping()
		return
	}
	target, err := h.targetID()
	if err != nil {
		return
	}
	h.logger.Info("session: welcome page, opening authentication")
	go func() {
		if err := h.br.Navigate(ctx, target, AuthenticationURL); err != nil {
			h.logger.Warn("session: authentication redirect failed", "error", err)
		}
	}()
}

func (h *Host) emitSpan(cmd bus.Command, start time.Time, err error) {
	if h.spans == nil {
		return
	}
	end := time.Now()
	span := store.SpanData{
		TraceID:    store.GenNewID(),
		SpanType:   store.SpanTypeCommand,
		Name:       cmd.Name,
		Status:     "ok",
		StartTime:  start,
		EndTime:    &end,
		DurationMS: int(end.Sub(start).Milliseconds()),
		Attributes: map[string]string{"command_id": cmd.ID},
	}
	if err != nil {
		span.Status = "error"
		span.Error = err.Error()
	}
	h.spans.EmitSpan(span)
}
