//go:build !otel

package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/messagesforcar/internal/config"
	"github.com/nextlevelbuilder/messagesforcar/internal/tracing"
)

// initOTelExporter: OTLP export needs -tags otel.
func initOTelExporter(_ context.Context, cfg *config.Config, _ *tracing.Collector) {
	if cfg.Telemetry.Enabled {
		slog.Warn("telemetry: enabled in config but this binary was built without -tags otel")
	}
}
