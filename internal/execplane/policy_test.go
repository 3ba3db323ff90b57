package execplane

import (
	"testing"

	"github.com/fluxgate/fluxgate/internal/config"
)

func TestResolvePolicy_Precedence(t *testing.T) {
	cfg := config.Default()
	cfg.Exec.Host = "sandbox"
	cfg.Exec.Security = "allowlist"
	cfg.Exec.Ask = "on-miss"
	cfg.Agents.List = map[string]config.AgentSpec{
		"ops": {Exec: &config.ExecOverride{Host: "gateway", Security: "full"}},
	}

	cases := []struct {
		name    string
		agentID string
		call    *CallOverride
		want    Policy
	}{
		{"global only", "default", nil,
			Policy{Host: "sandbox", Security: "allowlist", Ask: "on-miss"}},
		{"agent override", "ops", nil,
			Policy{Host: "gateway", Security: "full", Ask: "on-miss"}},
		{"call beats agent", "ops", &CallOverride{Host: "node:mac"},
			Policy{Host: "node:mac", Security: "full", Ask: "on-miss"}},
		{"call beats global", "default", &CallOverride{Ask: "always"},
			Policy{Host: "sandbox", Security: "allowlist", Ask: "always"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ResolvePolicy(cfg, c.agentID, c.call)
			if got.Host != c.want.Host || got.Security != c.want.Security || got.Ask != c.want.Ask {
				t.Errorf("policy = %+v, want %+v", got, c.want)
			}
		})
	}
}

func TestAllowlistMatch(t *testing.T) {
	cases := []struct {
		patterns []string
		path     string
		want     bool
	}{
		{[]string{"ls"}, "/bin/ls", true},
		{[]string{"ls"}, "/bin/lsof", false},
		{[]string{"/usr/bin/*"}, "/usr/bin/git", true},
		{[]string{"/usr/bin/*"}, "/usr/local/bin/git", false},
		{[]string{"git", "rg"}, "/usr/bin/rg", true},
		{nil, "/bin/ls", false},
		{[]string{"*"}, "/bin/anything", true},
		{[]string{"ls"}, "", false},
	}
	for _, c := range cases {
		if got := AllowlistMatch(c.patterns, c.path); got != c.want {
			t.Errorf("AllowlistMatch(%v, %q) = %v, want %v", c.patterns, c.path, got, c.want)
		}
	}
}

func TestAuthorize(t *testing.T) {
	cases := []struct {
		name     string
		security string
		ask      string
		allow    []string
		path     string
		want     Verdict
	}{
		{"deny always denies", "deny", "off", []string{"*"}, "/bin/ls", VerdictDenied},
		{"full allows", "full", "on-miss", nil, "/bin/rm", VerdictAllowed},
		{"full with ask=always asks", "full", "always", nil, "/bin/ls", VerdictAsk},
		{"allowlist hit allows", "allowlist", "on-miss", []string{"ls"}, "/bin/ls", VerdictAllowed},
		{"allowlist hit with ask=always asks", "allowlist", "always", []string{"ls"}, "/bin/ls", VerdictAsk},
		{"allowlist miss with ask=off denies", "allowlist", "off", []string{"ls"}, "/bin/rm", VerdictDenied},
		{"allowlist miss with ask=on-miss asks", "allowlist", "on-miss", []string{"ls"}, "/bin/rm", VerdictAsk},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := Policy{Security: c.security, Ask: c.ask, Allowlist: c.allow}
			if got := p.Authorize(c.path); got != c.want {
				t.Errorf("Authorize = %v, want %v", got, c.want)
			}
		})
	}
}

func TestCappedBuffer(t *testing.T) {
	b := NewCappedBuffer(100, 20)
	b.Write(make([]byte, 50))
	if b.Truncated() {
		t.Error("truncated below cap")
	}
	if got := b.String(); len(got) != 50 {
		t.Errorf("len = %d", len(got))
	}

	b.Write(make([]byte, 200))
	if !b.Truncated() {
		t.Fatal("not truncated past cap")
	}
	out := b.String()
	if len(out) != len(truncationMarker)+20 {
		t.Errorf("capped output len = %d, want marker+20", len(out))
	}
	if out[:len(truncationMarker)] != truncationMarker {
		t.Errorf("marker missing: %q", out[:30])
	}
	if b.Total() != 250 {
		t.Errorf("total = %d, want 250", b.Total())
	}
}

func TestCappedBuffer_KeepsTail(t *testing.T) {
	b := NewCappedBuffer(10, 4)
	b.Write([]byte("abcdefghijklmnop")) // 16 bytes > cap
	out := b.String()
	if out != truncationMarker+"mnop" {
		t.Errorf("output = %q", out)
	}
}
