package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Bind != "loopback" || cfg.Gateway.Port != 18789 {
		t.Errorf("unexpected gateway defaults: %+v", cfg.Gateway)
	}
	if cfg.Exec.Security != "allowlist" || cfg.Exec.Ask != "on-miss" {
		t.Errorf("unexpected exec defaults: %+v", cfg.Exec)
	}
	if cfg.Pairing.MaxPending != 3 {
		t.Errorf("pairing.max_pending = %d, want 3", cfg.Pairing.MaxPending)
	}
}

func TestLoad_JSON5AndOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		// comments are fine
		gateway: { bind: "lan", port: 9900 },
		channels: {
			telegram: { policy: "pairing", debounce_ms: 800, text_limit: 3800 },
		},
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLUXGATE_TOKEN", "tok-1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Bind != "lan" || cfg.Gateway.Port != 9900 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Gateway.Token != "tok-1" {
		t.Errorf("token overlay missing: %q", cfg.Gateway.Token)
	}
	tg := cfg.Channel("telegram")
	if tg.DebounceMs != 800 || tg.TextLimit != 3800 {
		t.Errorf("telegram channel = %+v", tg)
	}
}

func TestValidate_NonLoopbackRequiresAuth(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Bind = "lan"
	cfg.Gateway.Token = ""
	cfg.Gateway.Password = ""
	if err := cfg.Validate(); err == nil {
		t.Error("lan binding without auth should fail validation")
	}

	cfg.Gateway.TunnelIdentity = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("tunnel identity should satisfy auth requirement: %v", err)
	}

	cfg.Gateway.TunnelIdentity = false
	cfg.Gateway.Token = "t"
	if err := cfg.Validate(); err != nil {
		t.Errorf("token should satisfy auth requirement: %v", err)
	}
}

func TestValidate_RejectsUnknownModes(t *testing.T) {
	cfg := Default()
	cfg.Exec.Ask = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown ask mode accepted")
	}

	cfg = Default()
	cfg.Channels = map[string]ChannelConfig{"x": {Policy: "vibes"}}
	if err := cfg.Validate(); err == nil {
		t.Error("unknown channel policy accepted")
	}
}

func TestListenHost_FollowsBindMode(t *testing.T) {
	cases := []struct {
		name string
		bind string
		host string
		want string
	}{
		{"default loopback", "", "", "127.0.0.1"},
		{"explicit loopback", "loopback", "", "127.0.0.1"},
		{"lan exposes all interfaces", "lan", "", "0.0.0.0"},
		{"tunnel stays local", "tunnel", "", "127.0.0.1"},
		{"explicit host wins", "lan", "192.168.1.5", "192.168.1.5"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			g := GatewayConfig{Bind: c.bind, Host: c.host}
			if got := g.ListenHost(); got != c.want {
				t.Errorf("ListenHost() = %q, want %q", got, c.want)
			}
		})
	}
}

func TestResolveAgent_Layering(t *testing.T) {
	cfg := Default()
	cfg.Agents.Defaults.SystemPrompt = "base"
	cfg.Agents.Defaults.MaxIterations = 20
	cfg.Agents.List = map[string]AgentSpec{
		"ops": {SystemPrompt: "ops prompt", Default: true},
	}

	eff := cfg.ResolveAgent("ops")
	if eff.SystemPrompt != "ops prompt" {
		t.Errorf("system prompt not overridden: %q", eff.SystemPrompt)
	}
	if eff.MaxIterations != 20 {
		t.Errorf("max iterations should inherit: %d", eff.MaxIterations)
	}
	if cfg.DefaultAgentID() != "ops" {
		t.Errorf("default agent = %q, want ops", cfg.DefaultAgentID())
	}

	// Unknown agents inherit defaults wholesale.
	if eff := cfg.ResolveAgent("ghost"); eff.SystemPrompt != "base" {
		t.Errorf("unknown agent prompt = %q", eff.SystemPrompt)
	}
}

func TestReplaceFrom_SwapsAllSections(t *testing.T) {
	cfg := Default()
	next := Default()
	next.Gateway.Port = 1
	next.Routing.DMScope = "shared"
	cfg.ReplaceFrom(next)
	if cfg.Gateway.Port != 1 || cfg.Routing.DMScope != "shared" {
		t.Errorf("ReplaceFrom incomplete: %+v", cfg.Gateway)
	}
}
