package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name secrets are stored under.
const KeyringService = "messagesforcar"

const keyringPrefix = "keyring:"

// ApplyEnvOverrides overlays MFC_* environment variables. Secrets set in the
// environment always win over the file.
func (c *Config) ApplyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			} else {
				slog.Warn("config: ignoring non-boolean env value", "key", key, "value", v)
			}
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				slog.Warn("config: ignoring non-integer env value", "key", key, "value", v)
			}
		}
	}

	envBool("MFC_AUTOMOTIVE", &c.Device.Automotive)

	envBool("MFC_HEADLESS", &c.Browser.Headless)
	envStr("MFC_BROWSER_REMOTE_URL", &c.Browser.RemoteURL)
	envStr("MFC_BROWSER_BIN", &c.Browser.BinPath)
	envStr("MFC_BROWSER_USER_DATA_DIR", &c.Browser.UserDataDir)

	envStr("MFC_SYNC_POLICY", &c.Sync.Policy)
	envInt("MFC_SYNC_INTERVAL_MINUTES", &c.Sync.IntervalMinutes)

	envStr("MFC_TELEGRAM_TOKEN", &c.Notifications.Telegram.Token)
	if v := os.Getenv("MFC_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Notifications.Telegram.ChatID = id
		}
	}
	if c.Notifications.Telegram.Token != "" && os.Getenv("MFC_TELEGRAM_TOKEN") != "" {
		c.Notifications.Telegram.Enabled = true
	}

	envStr("MFC_GATEWAY_HOST", &c.Gateway.Host)
	envInt("MFC_GATEWAY_PORT", &c.Gateway.Port)
	envStr("MFC_GATEWAY_TOKEN", &c.Gateway.Token)

	envStr("MFC_DATABASE_MODE", &c.Database.Mode)
	envStr("MFC_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("MFC_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("MFC_KV_BACKEND", &c.Database.KVBackend)
	envStr("MFC_REDIS_URL", &c.Database.RedisURL)

	envStr("MFC_ENCRYPTION_KEY", &c.Security.EncryptionKey)

	envStr("MFC_OTEL_ENDPOINT", &c.Telemetry.Endpoint)
	if c.Telemetry.Endpoint != "" && os.Getenv("MFC_OTEL_ENDPOINT") != "" {
		c.Telemetry.Enabled = true
	}

	envStr("MFC_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("MFC_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
}

// normalize lowercases enum-like values, fills derived defaults and
// expands ~ in paths.
func (c *Config) normalize() {
	c.Sync.Policy = NormalizePolicy(c.Sync.Policy, c.Device.Automotive)
	if c.Sync.IntervalMinutes <= 0 {
		if c.Device.Automotive {
			c.Sync.IntervalMinutes = 30
		} else {
			c.Sync.IntervalMinutes = 15
		}
	}

	c.Database.Mode = strings.ToLower(strings.TrimSpace(c.Database.Mode))
	if c.Database.Mode == "" {
		c.Database.Mode = "standalone"
	}
	c.Database.KVBackend = normalizeKVBackend(c.Database.KVBackend)

	c.Telemetry.Protocol = strings.ToLower(strings.TrimSpace(c.Telemetry.Protocol))
	if c.Telemetry.Protocol != "http" {
		c.Telemetry.Protocol = "grpc"
	}

	c.Browser.UserDataDir = ExpandHome(c.Browser.UserDataDir)
	c.Sync.StorePath = ExpandHome(c.Sync.StorePath)
	c.Database.SQLitePath = ExpandHome(c.Database.SQLitePath)
	c.Database.KVPath = ExpandHome(c.Database.KVPath)
	c.Tailscale.StateDir = ExpandHome(c.Tailscale.StateDir)
}

// NormalizePolicy maps a user-provided policy name to keep, update or replace.
// Empty picks the device default: update on automotive, keep elsewhere.
func NormalizePolicy(s string, automotive bool) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "keep", "keep_existing":
		return "keep"
	case "update":
		return "update"
	case "replace", "replace_existing":
		return "replace"
	case "":
	default:
		slog.Warn("config: unknown sync policy, using device default", "policy", s)
	}
	if automotive {
		return "update"
	}
	return "keep"
}

func normalizeKVBackend(s string) string {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "sqlite", "postgres", "redis":
		return v
	case "pg", "postgresql":
		return "postgres"
	default:
		return "file"
	}
}

// ResolveSecrets replaces "keyring:<name>" values with the secret stored in
// the OS keyring under KeyringService.
func (c *Config) ResolveSecrets() error {
	for _, field := range []*string{
		&c.Notifications.Telegram.Token,
		&c.Gateway.Token,
		&c.Security.EncryptionKey,
		&c.Tailscale.AuthKey,
		&c.Database.PostgresDSN,
	} {
		if !strings.HasPrefix(*field, keyringPrefix) {
			continue
		}
		name := strings.TrimPrefix(*field, keyringPrefix)
		secret, err := keyring.Get(KeyringService, name)
		if err != nil {
			if errors.Is(err, keyring.ErrNotFound) {
				return fmt.Errorf("keyring secret %q not found", name)
			}
			return fmt.Errorf("keyring secret %q: %w", name, err)
		}
		*field = secret
	}
	return nil
}
