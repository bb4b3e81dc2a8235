//go:build otel

package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/messagesforcar/internal/config"
	"github.com/nextlevelbuilder/messagesforcar/internal/tracing"
	"github.com/nextlevelbuilder/messagesforcar/internal/tracing/otelexport"
)

// initOTelExporter mirrors the run log to OTLP when telemetry is enabled.
func initOTelExporter(ctx context.Context, cfg *config.Config, collector *tracing.Collector) {
	tc := cfg.Telemetry
	if collector == nil || !tc.Enabled {
		return
	}
	if tc.Endpoint == "" {
		slog.Warn("telemetry: enabled without an endpoint, run log stays local")
		return
	}

	profile := "standard"
	if cfg.Device.Automotive {
		profile = "automotive"
	}
	exp, err := otelexport.New(ctx, otelexport.Config{
		Endpoint:      tc.Endpoint,
		Protocol:      tc.Protocol,
		Insecure:      tc.Insecure,
		ServiceName:   tc.ServiceName,
		Version:       Version,
		DeviceProfile: profile,
		Headers:       tc.Headers,
	})
	if err != nil {
		slog.Warn("telemetry: exporter not created", "error", err)
		return
	}
	collector.SetExporter(exp)
	slog.Info("telemetry: exporting spans", "endpoint", tc.Endpoint, "protocol", tc.Protocol, "profile", profile)
}
