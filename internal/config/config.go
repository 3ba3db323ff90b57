package config

import (
	"sync"
)

// Config is the root configuration for the FluxGate gateway. It is loaded
// from config.json (JSON5 accepted) at boot and hot-reloadable; mutation
// goes through ReplaceFrom so readers always see a consistent snapshot.
type Config struct {
	Gateway   GatewayConfig            `json:"gateway"`
	Routing   RoutingConfig            `json:"routing,omitempty"`
	Channels  map[string]ChannelConfig `json:"channels,omitempty"`
	Agents    AgentsConfig             `json:"agents"`
	Exec      ExecConfig               `json:"exec,omitempty"`
	Pairing   PairingConfig            `json:"pairing,omitempty"`
	Sessions  SessionsConfig           `json:"sessions,omitempty"`
	Cron      CronConfig               `json:"cron,omitempty"`
	Telemetry TelemetryConfig          `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig          `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the control-plane listener and its auth.
type GatewayConfig struct {
	// Bind selects the listener surface: "loopback" (default), "lan", or
	// "tunnel". Non-loopback bindings require Token or Password.
	Bind string `json:"bind,omitempty"`
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// Token is NEVER persisted to config.json; env FLUXGATE_TOKEN only.
	Token    string `json:"-"`
	Password string `json:"-"` // env FLUXGATE_PASSWORD only

	// TunnelIdentity accepts a trusted identity header injected by a
	// fronting tunnel in lieu of a token.
	TunnelIdentity       bool   `json:"tunnel_identity,omitempty"`
	TunnelIdentityHeader string `json:"tunnel_identity_header,omitempty"` // default "X-Forwarded-Identity"

	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"` // 0 = disabled
	HeartbeatSec   int      `json:"heartbeat_sec,omitempty"`  // default 30

	// Hardening makes config validation fail-closed (exit 2 on any
	// validation error instead of best-effort defaults).
	Hardening bool `json:"hardening,omitempty"`
}

// ListenHost derives the listener address from the bind mode. An explicit
// Host always wins; "lan" exposes all interfaces; every other mode
// (loopback, or tunnel fronted by its own listener) stays on loopback.
func (g *GatewayConfig) ListenHost() string {
	if g.Host != "" {
		return g.Host
	}
	if g.Bind == "lan" {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

// RoutingConfig controls session key resolution.
type RoutingConfig struct {
	DMScope       string      `json:"dm_scope,omitempty"` // "peer" (default) or "shared"
	IdentityLinks [][2]string `json:"identity_links,omitempty"`
}

// ChannelConfig is the per-channel policy and formatting block.
type ChannelConfig struct {
	Policy       string   `json:"policy,omitempty"`   // "pairing" (default), "allowlist", "open", "disabled"
	DMScope      string   `json:"dm_scope,omitempty"` // overrides routing.dm_scope
	Allow        []string `json:"allow,omitempty"`    // seed allowlist entries ("*" = everyone)
	DebounceMs   int      `json:"debounce_ms,omitempty"`
	TextLimit    int      `json:"text_limit,omitempty"`    // outbound hard chunk limit
	MarkdownMode string   `json:"markdown_mode,omitempty"` // "plain", "markdown", "html"
}

// AgentsConfig holds agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`

	// ModelNode pins the model backend to one node's device id. Empty
	// accepts whichever node connects first.
	ModelNode string `json:"model_node,omitempty"`
}

// AgentDefaults are settings inherited by every agent.
type AgentDefaults struct {
	SystemPrompt  string          `json:"system_prompt,omitempty"`
	ContextWindow int             `json:"context_window,omitempty"` // transcript head size in entries
	MaxIterations int             `json:"max_iterations,omitempty"` // tool round-trips per turn
	Tools         *ToolPolicySpec `json:"tools,omitempty"`
	Exec          *ExecOverride   `json:"exec,omitempty"`
}

// AgentSpec is the per-agent override. Zero values inherit from defaults.
type AgentSpec struct {
	DisplayName   string          `json:"displayName,omitempty"`
	SystemPrompt  string          `json:"system_prompt,omitempty"`
	ContextWindow int             `json:"context_window,omitempty"`
	MaxIterations int             `json:"max_iterations,omitempty"`
	Tools         *ToolPolicySpec `json:"tools,omitempty"`
	Exec          *ExecOverride   `json:"exec,omitempty"`
	Default       bool            `json:"default,omitempty"`
}

// ToolPolicySpec is an allow/deny filter over tool names, with wildcard
// support ("message.*"). Empty Allow means all tools.
type ToolPolicySpec struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// ExecConfig is the global exec-plane policy. Per-agent and per-call
// overrides take precedence, in that order (call > agent > global).
type ExecConfig struct {
	Host     string `json:"host,omitempty"`     // "sandbox" (default), "gateway", "node:<id>"
	Security string `json:"security,omitempty"` // "deny", "allowlist" (default), "full"
	Ask      string `json:"ask,omitempty"`      // "off", "on-miss" (default), "always"

	// Allowlist holds glob patterns matched against the resolved binary
	// path. Approved "allow-and-add" entries persist separately and
	// merge on top.
	Allowlist []string `json:"allowlist,omitempty"`

	// SandboxArgv is the runner command the sandbox host prepends, e.g.
	// ["docker", "exec", "fluxgate-sandbox", "sh", "-c"].
	SandboxArgv []string `json:"sandbox_argv,omitempty"`

	ApprovalTimeoutSec int `json:"approval_timeout_sec,omitempty"` // default 60
	OutputCapBytes     int `json:"output_cap_bytes,omitempty"`     // default 200_000
	OutputTailBytes    int `json:"output_tail_bytes,omitempty"`    // default 20_000
	TimeoutSec         int `json:"timeout_sec,omitempty"`          // per-command, default 60
}

// ExecOverride is the per-agent exec policy slice.
type ExecOverride struct {
	Host     string `json:"host,omitempty"`
	Security string `json:"security,omitempty"`
	Ask      string `json:"ask,omitempty"`
}

// PairingConfig bounds the pairing workflow.
type PairingConfig struct {
	TTLSec     int `json:"ttl_sec,omitempty"`     // pending request TTL, default 3600
	MaxPending int `json:"max_pending,omitempty"` // per channel, default 3
}

// SessionsConfig configures session state and scheduling.
type SessionsConfig struct {
	StateDir     string `json:"state_dir,omitempty"`      // default ~/.fluxgate
	IdleTTLMin   int    `json:"idle_ttl_min,omitempty"`   // idle eviction, default 120
	QueueBound   int    `json:"queue_bound,omitempty"`    // per-session turn backlog, default 8
	EventBufSize int    `json:"event_buf_size,omitempty"` // system-event ring, default 64
}

// CronConfig declares scheduled triggers that post system events and
// schedule turns on their target session.
type CronConfig struct {
	Jobs []CronJob `json:"jobs,omitempty"`
}

// CronJob is one gron-style scheduled trigger.
type CronJob struct {
	ID         string `json:"id"`
	Expr       string `json:"expr"` // gron expression, e.g. "*/5 * * * *"
	SessionKey string `json:"session_key"`
	Agent      string `json:"agent,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	Disabled   bool   `json:"disabled,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export for turn spans. When
// enabled, spans are exported to an OTLP-compatible backend.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional tsnet tunnel listener.
// Requires building with -tags tsnet. Auth key from env only.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // env FLUXGATE_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty"`
}

// ResolveAgent returns the effective settings for an agent id, layering the
// per-agent spec over defaults.
func (c *Config) ResolveAgent(id string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	eff := c.Agents.Defaults
	spec, ok := c.Agents.List[id]
	if !ok {
		return eff
	}
	if spec.SystemPrompt != "" {
		eff.SystemPrompt = spec.SystemPrompt
	}
	if spec.ContextWindow > 0 {
		eff.ContextWindow = spec.ContextWindow
	}
	if spec.MaxIterations > 0 {
		eff.MaxIterations = spec.MaxIterations
	}
	if spec.Tools != nil {
		eff.Tools = spec.Tools
	}
	if spec.Exec != nil {
		eff.Exec = spec.Exec
	}
	return eff
}

// DefaultAgentID returns the agent marked default, or "default".
func (c *Config) DefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return "default"
}

// Channel returns the effective config for a channel name, falling back to
// an all-defaults block for unknown channels.
func (c *Config) Channel(name string) ChannelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cc, ok := c.Channels[name]; ok {
		return cc
	}
	return ChannelConfig{}
}

// ChannelsSnapshot returns a copy of the channel config map.
func (c *Config) ChannelsSnapshot() map[string]ChannelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ChannelConfig, len(c.Channels))
	for name, cc := range c.Channels {
		out[name] = cc
	}
	return out
}

// RoutingConfigSnapshot returns a copy of the routing block plus per-channel
// dm scopes, suitable for constructing a resolver.
func (c *Config) RoutingConfigSnapshot() (RoutingConfig, map[string]string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byChannel := make(map[string]string, len(c.Channels))
	for name, cc := range c.Channels {
		if cc.DMScope != "" {
			byChannel[name] = cc.DMScope
		}
	}
	return c.Routing, byChannel
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Existing sessions keep their resolution results; only new sessions observe
// the new config.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Routing = src.Routing
	c.Channels = src.Channels
	c.Agents = src.Agents
	c.Exec = src.Exec
	c.Pairing = src.Pairing
	c.Sessions = src.Sessions
	c.Cron = src.Cron
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}
