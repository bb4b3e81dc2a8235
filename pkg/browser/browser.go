// Package browser manages a single Chrome instance over the DevTools
// protocol (go-rod): launch or attach, stealth pages, script evaluation,
// bindings and request hijacking.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/mattn/go-shellwords"
)

// ErrNotRunning is returned by page operations before Start or after Stop.
var ErrNotRunning = errors.New("browser not running")

// Manager handles the Chrome browser lifecycle and page management.
type Manager struct {
	mu          sync.Mutex
	browser     *rod.Browser
	lnch        *launcher.Launcher
	pages       map[string]*rod.Page // targetID → page
	headless    bool
	stealth     bool
	userDataDir string
	binPath     string
	remoteURL   string
	extraFlags  string
	logger      *slog.Logger

	consoleErrors atomic.Int64
	lastError     atomic.Pointer[ConsoleMessage]
	lastErrorAt   atomic.Int64 // unix ms
}

// Option configures a Manager.
type Option func(*Manager)

// WithHeadless sets headless mode (default false).
func WithHeadless(h bool) Option {
	return func(m *Manager) { m.headless = h }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithStealth opens pages through go-rod/stealth (default true).
func WithStealth(on bool) Option {
	return func(m *Manager) { m.stealth = on }
}

// WithUserDataDir keeps the Chrome profile (cookies, IndexedDB) on disk so
// web sessions survive restarts.
func WithUserDataDir(dir string) Option {
	return func(m *Manager) { m.userDataDir = dir }
}

// WithBinPath uses a specific Chrome/Chromium binary instead of the
// auto-downloaded one.
func WithBinPath(path string) Option {
	return func(m *Manager) { m.binPath = path }
}

// WithRemoteURL attaches to an already running Chrome
// (ws://host:9222/devtools/browser/... or http://host:9222).
func WithRemoteURL(u string) Option {
	return func(m *Manager) { m.remoteURL = u }
}

// WithExtraFlags adds Chrome switches given as one shell-words string,
// e.g. `--lang=en-US --window-size="800,480"`.
func WithExtraFlags(s string) Option {
	return func(m *Manager) { m.extraFlags = s }
}

// New creates a Manager with options.
func New(opts ...Option) *Manager {
	m := &Manager{
		pages:   make(map[string]*rod.Page),
		stealth: true,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ParseFlags splits a shell-words string into Chrome switch names and values.
func ParseFlags(s string) (map[string][]string, error) {
	out := make(map[string][]string)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	args, err := shellwords.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse chrome flags: %w", err)
	}
	for _, a := range args {
		a = strings.TrimLeft(a, "-")
		if a == "" {
			continue
		}
		name, val, hasVal := strings.Cut(a, "=")
		if hasVal {
			out[name] = append(out[name], val)
		} else if _, ok := out[name]; !ok {
			out[name] = nil
		}
	}
	return out, nil
}

// Start launches Chrome (or connects to the remote one).
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		return fmt.Errorf("browser already running")
	}

	var controlURL string
	if m.remoteURL != "" {
		u, err := launcher.ResolveURL(m.remoteURL)
		if err != nil {
			return fmt.Errorf("resolve remote Chrome: %w", err)
		}
		controlURL = u
		m.logger.Info("browser: connecting to remote Chrome", "cdp", controlURL)
	} else {
		l := launcher.New().
			Context(ctx).
			Headless(m.headless).
			Set("disable-gpu").
			Set("no-first-run").
			Set("no-default-browser-check").
			Set("disable-blink-features", "AutomationControlled")
		if m.userDataDir != "" {
			l = l.UserDataDir(m.userDataDir)
		}
		if m.binPath != "" {
			l = l.Bin(m.binPath)
		}
		extra, err := ParseFlags(m.extraFlags)
		if err != nil {
			return err
		}
		for name, vals := range extra {
			l = l.Set(flags.Flag(name), vals...)
		}

		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch Chrome: %w", err)
		}
		controlURL = u
		m.lnch = l
		m.logger.Info("Chrome launched", "cdp", controlURL, "headless", m.headless, "profile", m.userDataDir)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		if m.lnch != nil {
			m.lnch.Kill()
			m.lnch = nil
		}
		return fmt.Errorf("connect to Chrome: %w", err)
	}

	m.browser = b
	return nil
}

// Stop closes the Chrome browser. A remote browser is only disconnected.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser == nil {
		return nil
	}

	var err error
	if m.remoteURL == "" {
		err = m.browser.Close()
	}
	if m.lnch != nil {
		m.lnch.Kill()
		m.lnch = nil
	}
	m.browser = nil
	m.pages = make(map[string]*rod.Page)
	return err
}

// Running reports whether a browser is attached.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser != nil
}

// Status returns current browser status.
func (m *Manager) Status() *StatusInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := &StatusInfo{
		Remote:        m.remoteURL != "",
		Headless:      m.headless,
		Stealth:       m.stealth,
		Profile:       m.userDataDir,
		ConsoleErrors: m.consoleErrors.Load(),
	}
	if last := m.lastError.Load(); last != nil {
		info.LastConsoleError = last.Text
		info.LastErrorAt = time.UnixMilli(m.lastErrorAt.Load())
	}
	if m.browser == nil {
		return info
	}

	pages, _ := m.browser.Pages()
	info.Running = true
	info.Tabs = len(pages)
	if len(pages) > 0 {
		if pageInfo, err := pages[0].Info(); err == nil {
			info.URL = pageInfo.URL
		}
	}
	return info
}

// OpenTab opens a new (stealth) tab and navigates it to url.
func (m *Manager) OpenTab(ctx context.Context, url string) (*TabInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser == nil {
		return nil, ErrNotRunning
	}

	var page *rod.Page
	var err error
	if m.stealth {
		page, err = stealth.Page(m.browser)
	} else {
		page, err = m.browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}

	tid := string(page.TargetID)
	m.pages[tid] = page
	m.setupConsoleListener(page, tid)

	tab := &TabInfo{TargetID: tid, URL: url}
	if url == "" {
		return tab, nil
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := page.Context(navCtx).Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		m.logger.Warn("browser: wait load timeout", "url", url, "error", err)
	}
	if info, _ := page.Info(); info != nil {
		tab.URL = info.URL
		tab.Title = info.Title
	}
	return tab, nil
}

// Navigate navigates a page to a URL.
func (m *Manager) Navigate(ctx context.Context, targetID, url string) error {
	page, err := m.page(targetID)
	if err != nil {
		return err
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := page.Context(navCtx).Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		return fmt.Errorf("wait load after navigate: %w", err)
	}
	return nil
}

// CurrentURL returns the tab's current location.
func (m *Manager) CurrentURL(targetID string) (string, error) {
	page, err := m.page(targetID)
	if err != nil {
		return "", err
	}
	info, err := page.Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

// Close shuts down the browser if running.
func (m *Manager) Close() error {
	return m.Stop(context.Background())
}

func (m *Manager) page(targetID string) (*rod.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getPage(targetID)
}

// getPage looks up a page by targetID. If targetID is empty, returns the first available page.
// Must be called with m.mu held.
func (m *Manager) getPage(targetID string) (*rod.Page, error) {
	if m.browser == nil {
		return nil, ErrNotRunning
	}

	if targetID != "" {
		if p, ok := m.pages[targetID]; ok {
			return p, nil
		}
	}

	pages, err := m.browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	for _, p := range pages {
		m.pages[string(p.TargetID)] = p
	}

	if targetID != "" {
		if p, ok := m.pages[targetID]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("tab not found: %s", targetID)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no tabs open")
	}
	return pages[0], nil
}

// setupConsoleListener forwards page console output to the logger at debug
// level; errors are logged as warnings.
func (m *Manager) setupConsoleListener(page *rod.Page, targetID string) {
	go page.EachEvent(func(e *proto.RuntimeConsoleAPICalled) {
		msg := consoleMessage(e)
		if msg.Level == "error" {
			m.consoleErrors.Add(1)
			m.lastError.Store(&msg)
			m.lastErrorAt.Store(time.Now().UnixMilli())
			m.logger.Warn("browser: console error", "tab", targetID, "text", msg.Text)
			return
		}
		m.logger.Debug("browser: console", "tab", targetID, "level", msg.Level, "text", msg.Text)
	})()
}

func consoleMessage(e *proto.RuntimeConsoleAPICalled) ConsoleMessage {
	var parts []string
	for _, arg := range e.Args {
		s := arg.Value.String()
		if s != "" && s != "null" {
			parts = append(parts, s)
		}
	}
	level := "log"
	switch e.Type {
	case proto.RuntimeConsoleAPICalledTypeWarning:
		level = "warn"
	case proto.RuntimeConsoleAPICalledTypeError:
		level = "error"
	case proto.RuntimeConsoleAPICalledTypeInfo:
		level = "info"
	}
	return ConsoleMessage{Level: level, Text: strings.Join(parts, " ")}
}
