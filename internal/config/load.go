package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults: loopback binding, pairing
// policy everywhere, sandbox exec with allowlist security.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Bind:                 "loopback",
			Host:                 "127.0.0.1",
			Port:                 18789,
			TunnelIdentityHeader: "X-Forwarded-Identity",
			HeartbeatSec:         30,
		},
		Routing: RoutingConfig{
			DMScope: "peer",
		},
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				ContextWindow: 50,
				MaxIterations: 20,
			},
		},
		Exec: ExecConfig{
			Host:               "sandbox",
			Security:           "allowlist",
			Ask:                "on-miss",
			ApprovalTimeoutSec: 60,
			OutputCapBytes:     200_000,
			OutputTailBytes:    20_000,
			TimeoutSec:         60,
		},
		Pairing: PairingConfig{
			TTLSec:     3600,
			MaxPending: 3,
		},
		Sessions: SessionsConfig{
			StateDir:     "~/.fluxgate",
			IdleTTLMin:   120,
			QueueBound:   8,
			EventBufSize: 64,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Secrets (token,
// password, tsnet auth key) come from env only and are never persisted.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("FLUXGATE_TOKEN", &c.Gateway.Token)
	envStr("FLUXGATE_PASSWORD", &c.Gateway.Password)
	envStr("FLUXGATE_STATE_DIR", &c.Sessions.StateDir)
	envStr("FLUXGATE_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)

	if v := os.Getenv("FLUXGATE_BIND"); v != "" {
		c.Gateway.Bind = v
	}
	if v := os.Getenv("FLUXGATE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			c.Gateway.Port = p
		}
	}
}

// Validate checks invariants that make the process unable to serve. With
// hardening enabled the caller must treat any error as fatal (exit 2).
func (c *Config) Validate() error {
	switch c.Gateway.Bind {
	case "", "loopback", "lan", "tunnel":
	default:
		return fmt.Errorf("gateway.bind: unknown mode %q", c.Gateway.Bind)
	}
	if c.Gateway.Bind != "" && c.Gateway.Bind != "loopback" {
		if c.Gateway.Token == "" && c.Gateway.Password == "" && !c.Gateway.TunnelIdentity {
			return fmt.Errorf("gateway.bind=%s requires a token, password, or tunnel identity", c.Gateway.Bind)
		}
	}
	switch c.Exec.Security {
	case "", "deny", "allowlist", "full":
	default:
		return fmt.Errorf("exec.security: unknown mode %q", c.Exec.Security)
	}
	switch c.Exec.Ask {
	case "", "off", "on-miss", "always":
	default:
		return fmt.Errorf("exec.ask: unknown mode %q", c.Exec.Ask)
	}
	for name, cc := range c.Channels {
		switch cc.Policy {
		case "", "pairing", "allowlist", "open", "disabled":
		default:
			return fmt.Errorf("channels.%s.policy: unknown policy %q", name, cc.Policy)
		}
	}
	if c.Pairing.MaxPending < 0 {
		return fmt.Errorf("pairing.max_pending must be >= 0")
	}
	return nil
}

// StateDir returns the expanded state directory path.
func (c *Config) StateDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.StateDir)
}

// ExpandHome replaces a leading ~ with the user home directory.
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
