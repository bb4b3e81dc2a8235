//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/messagesforcar/internal/config"
)

// initTailscale: the tailnet listener needs -tags tsnet.
func initTailscale(_ context.Context, cfg *config.Config, _ http.Handler) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale: hostname configured but this binary was built without -tags tsnet")
	}
	return nil
}
