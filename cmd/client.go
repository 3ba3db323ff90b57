package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fluxgate/fluxgate/internal/config"
	"github.com/fluxgate/fluxgate/pkg/client"
	"github.com/fluxgate/fluxgate/pkg/protocol"
)

// gatewayURL resolves the control-plane endpoint for CLI subcommands:
// FLUXGATE_URL wins, otherwise the configured host and port.
func gatewayURL(cfg *config.Config) string {
	if v := os.Getenv("FLUXGATE_URL"); v != "" {
		return v
	}
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s:%d/ws", host, cfg.Gateway.Port)
}

// dialGateway connects as an operator with the given scopes. Token and
// password come from the env overlay, same as the server reads them.
func dialGateway(ctx context.Context, scopes ...string) (*client.Client, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return client.Dial(ctx, client.Options{
		URL:      gatewayURL(cfg),
		Token:    cfg.Gateway.Token,
		Password: cfg.Gateway.Password,
		Role:     protocol.RoleOperator,
		Scope:    scopes,
		Client:   protocol.ClientInfo{ID: "fluxgate-cli", Version: Version},
	})
}

// cliContext returns the bounded context every one-shot subcommand runs
// under.
func cliContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
