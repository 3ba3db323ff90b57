//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/fluxgate/fluxgate/internal/config"
)

// initTailscale is compiled out unless the tsnet build tag is set:
// `go build -tags tsnet`.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale.hostname set but this binary was built without tsnet support, ignoring")
	}
	return nil
}
