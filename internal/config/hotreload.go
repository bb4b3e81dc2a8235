package config

import (
	"bytes"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler receives the freshly loaded config and the sections that differ
// from the previous one.
type ChangeHandler func(cfg *Config, changed []string)

// liveSections take effect without a restart (detector timing, the
// notification filter). Edits anywhere else are applied to the in-memory
// config but only reach the browser, stores and gateway after a restart.
var liveSections = map[string]bool{"detector": true, "notifications.filter": true}

// Watcher reloads the config file when its content changes.
//
// The parent directory is watched rather than the file itself so editors
// that save via rename keep triggering reloads.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu       sync.Mutex
	handlers []ChangeHandler
	current  *Config
	digest   [sha256.Size]byte
	stopChan chan struct{}
}

func NewWatcher(configPath string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     filepath.Clean(ExpandHome(configPath)),
		watcher:  w,
		debounce: 300 * time.Millisecond,
	}, nil
}

func (cw *Watcher) OnChange(handler ChangeHandler) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.handlers = append(cw.handlers, handler)
}

// Start snapshots the current file and begins watching.
func (cw *Watcher) Start() error {
	if err := cw.watcher.Add(filepath.Dir(cw.path)); err != nil {
		return err
	}

	if data, err := os.ReadFile(cw.path); err == nil {
		cw.digest = sha256.Sum256(data)
	}
	if cfg, err := Load(cw.path); err == nil {
		cw.current = cfg
	}

	cw.stopChan = make(chan struct{})
	go cw.watchLoop()
	slog.Info("config: watching for changes", "path", cw.path)
	return nil
}

func (cw *Watcher) Stop() {
	if cw.stopChan != nil {
		close(cw.stopChan)
	}
	cw.watcher.Close()
}

func (cw *Watcher) watchLoop() {
	var timer *time.Timer
	for {
		select {
		case <-cw.stopChan:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(cw.debounce, cw.reload)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watcher error", "error", err)
		}
	}
}

func (cw *Watcher) reload() {
	data, err := os.ReadFile(cw.path)
	if err != nil {
		// mid-rename; the Create event that follows triggers another reload
		return
	}
	sum := sha256.Sum256(data)

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if bytes.Equal(sum[:], cw.digest[:]) {
		return
	}

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config: reload failed, keeping previous config", "error", err)
		return
	}
	cw.digest = sum

	changed := ChangedSections(cw.current, cfg)
	cw.current = cfg
	if len(changed) == 0 {
		return
	}

	var restart []string
	for _, s := range changed {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		slog.Warn("config: some changes apply after restart", "sections", restart)
	}
	slog.Info("config: reloaded", "changed", changed)

	for _, h := range cw.handlers {
		h(cfg, changed)
	}
}

// ChangedSections names the top-level sections that differ between prev and
// next. The notification filter is reported on its own. A nil prev reports
// every section.
func ChangedSections(prev, next *Config) []string {
	sections := []struct {
		name string
		a, b any
	}{
		{"device", nil, next.Device},
		{"browser", nil, next.Browser},
		{"session", nil, next.Session},
		{"detector", nil, next.Detector},
		{"sync", nil, next.Sync},
		{"notifications", nil, notificationsWithoutFilter(next.Notifications)},
		{"notifications.filter", nil, next.Notifications.Filter},
		{"gateway", nil, next.Gateway},
		{"database", nil, next.Database},
		{"telemetry", nil, next.Telemetry},
		{"tailscale", nil, next.Tailscale},
		{"security", nil, next.Security},
	}
	if prev != nil {
		prevVals := []any{
			prev.Device, prev.Browser, prev.Session, prev.Detector, prev.Sync,
			notificationsWithoutFilter(prev.Notifications), prev.Notifications.Filter,
			prev.Gateway, prev.Database, prev.Telemetry, prev.Tailscale, prev.Security,
		}
		for i := range sections {
			sections[i].a = prevVals[i]
		}
	}

	var out []string
	for _, s := range sections {
		if prev == nil || !reflect.DeepEqual(s.a, s.b) {
			out = append(out, s.name)
		}
	}
	return out
}

func notificationsWithoutFilter(n NotificationsConfig) NotificationsConfig {
	n.Filter = ""
	return n
}
