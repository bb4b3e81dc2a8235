// Package config loads the daemon configuration from a JSON5 or YAML file,
// applies MFC_* environment overrides and resolves keyring secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// DefaultDir is the per-user state directory.
const DefaultDir = "~/.messagesforcar"

// Config is the root configuration.
type Config struct {
	Device        DeviceConfig        `json:"device" yaml:"device"`
	Browser       BrowserConfig       `json:"browser" yaml:"browser"`
	Session       SessionConfig       `json:"session" yaml:"session"`
	Detector      DetectorConfig      `json:"detector" yaml:"detector"`
	Sync          SyncConfig          `json:"sync" yaml:"sync"`
	Notifications NotificationsConfig `json:"notifications" yaml:"notifications"`
	Gateway       GatewayConfig       `json:"gateway" yaml:"gateway"`
	Database      DatabaseConfig      `json:"database" yaml:"database"`
	Telemetry     TelemetryConfig     `json:"telemetry" yaml:"telemetry"`
	Tailscale     TailscaleConfig     `json:"tailscale" yaml:"tailscale"`
	Security      SecurityConfig      `json:"security" yaml:"security"`

	mu sync.RWMutex
}

// DeviceConfig describes the host the daemon runs on.
type DeviceConfig struct {
	// Automotive selects the car profile: 30 minute sync, UPDATE policy,
	// and low-battery stop/restart.
	Automotive     bool   `json:"automotive" yaml:"automotive"`
	PowerSupplyDir string `json:"power_supply_dir,omitempty" yaml:"power_supply_dir,omitempty"`
	EnvPollSeconds int    `json:"env_poll_seconds,omitempty" yaml:"env_poll_seconds,omitempty"`
}

// BrowserConfig controls the Chrome instance.
type BrowserConfig struct {
	Headless    bool   `json:"headless" yaml:"headless"`
	Stealth     bool   `json:"stealth" yaml:"stealth"`
	RemoteURL   string `json:"remote_url,omitempty" yaml:"remote_url,omitempty"`
	BinPath     string `json:"bin_path,omitempty" yaml:"bin_path,omitempty"`
	UserDataDir string `json:"user_data_dir" yaml:"user_data_dir"`
	ExtraFlags  string `json:"extra_flags,omitempty" yaml:"extra_flags,omitempty"` // shell-words, e.g. "--lang=en --window-size=800,480"
}

// SessionConfig controls the live page.
type SessionConfig struct {
	URL           string   `json:"url" yaml:"url"`
	AllowedHosts  []string `json:"allowed_hosts,omitempty" yaml:"allowed_hosts,omitempty"`
	CommandRate   float64  `json:"command_rate,omitempty" yaml:"command_rate,omitempty"` // commands per second
	CommandBurst  int      `json:"command_burst,omitempty" yaml:"command_burst,omitempty"`
	EvalTimeoutMS int      `json:"eval_timeout_ms,omitempty" yaml:"eval_timeout_ms,omitempty"`
	QRMaxWidth    int      `json:"qr_max_width,omitempty" yaml:"qr_max_width,omitempty"`
}

// DetectorConfig holds the pairing detector timing. Hot-reloadable.
type DetectorConfig struct {
	IntervalMS int `json:"interval_ms" yaml:"interval_ms"`
	DebounceMS int `json:"debounce_ms" yaml:"debounce_ms"`
	TimeoutMS  int `json:"timeout_ms" yaml:"timeout_ms"`
}

func (c DetectorConfig) Interval() time.Duration { return ms(c.IntervalMS) }
func (c DetectorConfig) Debounce() time.Duration { return ms(c.DebounceMS) }
func (c DetectorConfig) Timeout() time.Duration  { return ms(c.TimeoutMS) }

// SyncConfig controls background sync.
type SyncConfig struct {
	// IntervalMinutes overrides the device-class interval (0 = 30 on
	// automotive, 15 otherwise).
	IntervalMinutes   int    `json:"interval_minutes,omitempty" yaml:"interval_minutes,omitempty"`
	Policy            string `json:"policy,omitempty" yaml:"policy,omitempty"` // keep | update | replace
	MaxRetries        int    `json:"max_retries" yaml:"max_retries"`
	MinBackoffSeconds int    `json:"min_backoff_seconds" yaml:"min_backoff_seconds"`
	MaxBackoffSeconds int    `json:"max_backoff_seconds" yaml:"max_backoff_seconds"`
	RunTimeoutSeconds int    `json:"run_timeout_seconds" yaml:"run_timeout_seconds"`
	StorePath         string `json:"store_path" yaml:"store_path"`
	StaleAfterHours   int    `json:"stale_after_hours" yaml:"stale_after_hours"`
}

func (c SyncConfig) Interval() time.Duration   { return time.Duration(c.IntervalMinutes) * time.Minute }
func (c SyncConfig) MinBackoff() time.Duration { return time.Duration(c.MinBackoffSeconds) * time.Second }
func (c SyncConfig) MaxBackoff() time.Duration { return time.Duration(c.MaxBackoffSeconds) * time.Second }
func (c SyncConfig) RunTimeout() time.Duration { return time.Duration(c.RunTimeoutSeconds) * time.Second }
func (c SyncConfig) StaleAfter() time.Duration { return time.Duration(c.StaleAfterHours) * time.Hour }

// NotificationsConfig selects the notification sinks.
type NotificationsConfig struct {
	Log       bool           `json:"log" yaml:"log"`
	Gateway   bool           `json:"gateway" yaml:"gateway"` // broadcast to display clients
	Telegram  TelegramConfig `json:"telegram" yaml:"telegram"`
	Filter    string         `json:"filter,omitempty" yaml:"filter,omitempty"` // CEL over sender, content, timestamp
	BodyWidth int            `json:"body_width,omitempty" yaml:"body_width,omitempty"`
}

// TelegramConfig mirrors notifications to one Telegram chat.
type TelegramConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty" yaml:"chat_id,omitempty"`
}

// GatewayConfig controls the WebSocket gateway.
type GatewayConfig struct {
	Host           string   `json:"host" yaml:"host"`
	Port           int      `json:"port" yaml:"port"`
	Token          string   `json:"token,omitempty" yaml:"token,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty" yaml:"rate_limit_rpm,omitempty"`
	RateLimitBurst int      `json:"rate_limit_burst,omitempty" yaml:"rate_limit_burst,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// DatabaseConfig selects the persistence backends.
type DatabaseConfig struct {
	Mode        string `json:"mode" yaml:"mode"` // standalone | managed
	PostgresDSN string `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
	SQLitePath  string `json:"sqlite_path" yaml:"sqlite_path"`
	KVBackend   string `json:"kv_backend" yaml:"kv_backend"` // file | sqlite | postgres | redis
	KVPath      string `json:"kv_path" yaml:"kv_path"`
	RedisURL    string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	RedisPrefix string `json:"redis_prefix,omitempty" yaml:"redis_prefix,omitempty"`
}

// TelemetryConfig configures OTLP export (build tag otel).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty" yaml:"protocol,omitempty"` // grpc | http
	Insecure    bool              `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// TailscaleConfig configures the tailnet listener (build tag tsnet).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	AuthKey   string `json:"auth_key,omitempty" yaml:"auth_key,omitempty"`
	Ephemeral bool   `json:"ephemeral,omitempty" yaml:"ephemeral,omitempty"`
	StateDir  string `json:"state_dir,omitempty" yaml:"state_dir,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty" yaml:"enable_tls,omitempty"`
}

// SecurityConfig holds at-rest protection settings.
type SecurityConfig struct {
	// EncryptionKey seals the stored pairing URL (AES-GCM). Empty disables.
	EncryptionKey string `json:"encryption_key,omitempty" yaml:"encryption_key,omitempty"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Browser: BrowserConfig{
			Headless:    true,
			Stealth:     true,
			UserDataDir: DefaultDir + "/chrome",
		},
		Session: SessionConfig{
			URL:           "https://messages.google.com/web",
			CommandRate:   0.5,
			CommandBurst:  1,
			EvalTimeoutMS: 15000,
			QRMaxWidth:    320,
		},
		Detector: DetectorConfig{
			IntervalMS: 2000,
			DebounceMS: 500,
			TimeoutMS:  5000,
		},
		Sync: SyncConfig{
			MaxRetries:        5,
			MinBackoffSeconds: 10,
			MaxBackoffSeconds: 5 * 60 * 60,
			RunTimeoutSeconds: 600,
			StorePath:         DefaultDir + "/data/work.json",
			StaleAfterHours:   24,
		},
		Notifications: NotificationsConfig{
			Log:       true,
			Gateway:   true,
			BodyWidth: 160,
		},
		Gateway: GatewayConfig{
			Host:           "127.0.0.1",
			Port:           18790,
			RateLimitRPM:   120,
			RateLimitBurst: 20,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: DefaultDir + "/data/messages.db",
			KVBackend:  "file",
			KVPath:     DefaultDir + "/data/prefs.json",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "messagesforcar",
		},
	}
}

// Load reads the config file at path; a missing file yields defaults. The
// format follows the extension: .yaml/.yml is YAML, anything else JSON5.
// Environment overrides and keyring secrets are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.normalize()
	if err := cfg.ResolveSecrets(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json5.Unmarshal(data, cfg)
	}
}

// ResolvePath picks the config file: explicit flag, then MFC_CONFIG, then
// config.json5 (or config.yaml when only that exists) under DefaultDir.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("MFC_CONFIG"); env != "" {
		return env
	}
	json5Path := filepath.Join(ExpandHome(DefaultDir), "config.json5")
	if _, err := os.Stat(json5Path); err == nil {
		return json5Path
	}
	for _, name := range []string{"config.yaml", "config.yml"} {
		p := filepath.Join(ExpandHome(DefaultDir), name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return json5Path
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// ReplaceFrom copies every section of other into c (hot reload).
func (c *Config) ReplaceFrom(other *Config) {
	other.mu.RLock()
	snap := other.copySections()
	other.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Device = snap.Device
	c.Browser = snap.Browser
	c.Session = snap.Session
	c.Detector = snap.Detector
	c.Sync = snap.Sync
	c.Notifications = snap.Notifications
	c.Gateway = snap.Gateway
	c.Database = snap.Database
	c.Telemetry = snap.Telemetry
	c.Tailscale = snap.Tailscale
	c.Security = snap.Security
}

// Snapshot returns a copy safe to read while a reload is in progress.
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copySections()
}

func (c *Config) copySections() *Config {
	return &Config{
		Device:        c.Device,
		Browser:       c.Browser,
		Session:       c.Session,
		Detector:      c.Detector,
		Sync:          c.Sync,
		Notifications: c.Notifications,
		Gateway:       c.Gateway,
		Database:      c.Database,
		Telemetry:     c.Telemetry,
		Tailscale:     c.Tailscale,
		Security:      c.Security,
	}
}

// MaskedCopy returns a copy with secrets replaced, for display.
func (c *Config) MaskedCopy() *Config {
	cp := c.Snapshot()
	cp.Notifications.Telegram.Token = MaskSecret(cp.Notifications.Telegram.Token)
	cp.Gateway.Token = MaskSecret(cp.Gateway.Token)
	cp.Security.EncryptionKey = MaskSecret(cp.Security.EncryptionKey)
	cp.Tailscale.AuthKey = MaskSecret(cp.Tailscale.AuthKey)
	if cp.Database.PostgresDSN != "" {
		cp.Database.PostgresDSN = "***"
	}
	return cp
}

// MaskSecret keeps the first and last four characters of long secrets.
func MaskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 10:
		return "***"
	default:
		return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
	}
}
