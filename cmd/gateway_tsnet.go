//go:build tsnet

package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/messagesforcar/internal/config"
)

const tailnetUpTimeout = 30 * time.Second

// initTailscale serves the gateway mux on the tailnet so a phone or laptop
// can reach the head unit without port forwarding. A tailnet peer is not a
// loopback client, so a gateway token is required.
func initTailscale(ctx context.Context, cfg *config.Config, mux http.Handler) func() {
	tc := cfg.Tailscale
	if tc.Hostname == "" {
		return nil
	}
	if cfg.Gateway.Token == "" {
		slog.Warn("tailscale: refusing to expose the gateway without gateway.token")
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  tc.Hostname,
		AuthKey:   tc.AuthKey,
		Ephemeral: tc.Ephemeral,
		Dir:       tc.StateDir,
	}
	if srv.Dir == "" {
		srv.Dir = filepath.Join(config.ExpandHome(config.DefaultDir), "tsnet")
	}

	upCtx, cancel := context.WithTimeout(ctx, tailnetUpTimeout)
	status, err := srv.Up(upCtx)
	cancel()
	if err != nil {
		slog.Warn("tailscale: node did not come up", "hostname", tc.Hostname, "error", err)
		srv.Close()
		return nil
	}

	ln, addr, err := tailnetListen(srv, tc.EnableTLS)
	if err != nil {
		slog.Warn("tailscale: listen failed", "error", err)
		srv.Close()
		return nil
	}
	var ips []string
	for _, ip := range status.TailscaleIPs {
		ips = append(ips, ip.String())
	}
	slog.Info("tailscale: gateway reachable on tailnet", "hostname", tc.Hostname, "addr", addr, "ips", ips)

	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("tailscale: serve stopped", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
		srv.Close()
		slog.Info("tailscale: listener stopped")
	}
}

func tailnetListen(srv *tsnet.Server, useTLS bool) (net.Listener, string, error) {
	if useTLS {
		ln, err := srv.ListenTLS("tcp", ":443")
		return ln, ":443 (tls)", err
	}
	ln, err := srv.Listen("tcp", ":80")
	return ln, ":80", err
}
