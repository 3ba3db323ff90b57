//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/fluxgate/fluxgate/internal/config"
)

// initTailscale serves the gateway mux on a tsnet listener so the control
// plane is reachable over the tailnet without exposing a LAN port. Returns
// a cleanup func, or nil when tailscale is not configured.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	if cfg.Tailscale.Hostname == "" {
		return nil
	}

	stateDir := config.ExpandHome(cfg.Tailscale.StateDir)
	if stateDir == "" {
		stateDir = filepath.Join(cfg.StateDir(), "tsnet")
	}

	srv := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		Dir:       stateDir,
		AuthKey:   cfg.Tailscale.AuthKey,
		Ephemeral: cfg.Tailscale.Ephemeral,
	}

	go func() {
		var (
			ln  net.Listener
			err error
		)
		if cfg.Tailscale.EnableTLS {
			ln, err = srv.ListenTLS("tcp", ":443")
		} else {
			ln, err = srv.Listen("tcp", ":80")
		}
		if err != nil {
			slog.Error("tsnet listen failed", "error", err)
			return
		}
		slog.Info("tsnet listener up", "hostname", cfg.Tailscale.Hostname, "tls", cfg.Tailscale.EnableTLS)
		if err := http.Serve(ln, mux); err != nil && ctx.Err() == nil {
			slog.Error("tsnet serve stopped", "error", err)
		}
	}()

	return func() {
		if err := srv.Close(); err != nil {
			slog.Warn("tsnet close failed", "error", err)
		}
	}
}
