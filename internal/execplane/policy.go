// Package execplane authorizes and runs shell commands on behalf of
// agent turns: policy resolution, allowlist matching, the operator
// approval workflow, and dispatch to the selected host.
package execplane

import (
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fluxgate/fluxgate/internal/config"
)

// Policy is the effective exec policy for one invocation, after layering
// call overrides over the agent override over global config.
type Policy struct {
	Host      string // "sandbox", "gateway", "node:<id>"
	Security  string // "deny", "allowlist", "full"
	Ask       string // "off", "on-miss", "always"
	Allowlist []string
}

// CallOverride carries per-invocation policy fields from tool-call
// arguments. Empty fields inherit.
type CallOverride struct {
	Host     string
	Security string
	Ask      string
}

// ResolvePolicy layers the three policy sources, strictest-binding first:
// tool-call param, then per-agent override, then global config.
func ResolvePolicy(cfg *config.Config, agentID string, call *CallOverride) Policy {
	ec := cfg.Exec
	p := Policy{
		Host:      ec.Host,
		Security:  ec.Security,
		Ask:       ec.Ask,
		Allowlist: ec.Allowlist,
	}
	if p.Host == "" {
		p.Host = "sandbox"
	}
	if p.Security == "" {
		p.Security = "allowlist"
	}
	if p.Ask == "" {
		p.Ask = "on-miss"
	}

	if agentID != "" {
		spec := cfg.ResolveAgent(agentID)
		if o := spec.Exec; o != nil {
			if o.Host != "" {
				p.Host = o.Host
			}
			if o.Security != "" {
				p.Security = o.Security
			}
			if o.Ask != "" {
				p.Ask = o.Ask
			}
		}
	}

	if call != nil {
		if call.Host != "" {
			p.Host = call.Host
		}
		if call.Security != "" {
			p.Security = call.Security
		}
		if call.Ask != "" {
			p.Ask = call.Ask
		}
	}
	return p
}

// ResolveBinary expands the command's argv[0] to an absolute path where
// possible. Allowlist patterns match against this resolved path, so
// "rm" and "/bin/rm" authorize identically.
func ResolveBinary(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	bin := fields[0]
	if filepath.IsAbs(bin) {
		return filepath.Clean(bin)
	}
	if resolved, err := exec.LookPath(bin); err == nil {
		if abs, err := filepath.Abs(resolved); err == nil {
			return abs
		}
		return resolved
	}
	return bin
}

// AllowlistMatch reports whether the resolved binary path matches any
// glob pattern. Bare patterns without a separator match the basename, so
// "rm" covers /bin/rm and /usr/bin/rm alike.
func AllowlistMatch(patterns []string, resolvedPath string) bool {
	if resolvedPath == "" {
		return false
	}
	base := filepath.Base(resolvedPath)
	for _, pat := range patterns {
		if pat == "" {
			continue
		}
		candidate := resolvedPath
		if !strings.ContainsRune(pat, filepath.Separator) {
			candidate = base
		}
		if ok, err := filepath.Match(pat, candidate); err == nil && ok {
			return true
		}
	}
	return false
}

// Authorization outcomes for one invocation.
type Verdict int

const (
	// VerdictDenied fails the invocation immediately.
	VerdictDenied Verdict = iota
	// VerdictAllowed proceeds without asking.
	VerdictAllowed
	// VerdictAsk requires an operator approval before proceeding.
	VerdictAsk
)

// Authorize applies the security/ask matrix to a resolved binary path.
func (p Policy) Authorize(resolvedPath string) Verdict {
	switch p.Security {
	case "deny":
		return VerdictDenied
	case "full":
		if p.Ask == "always" {
			return VerdictAsk
		}
		return VerdictAllowed
	default: // allowlist
		if AllowlistMatch(p.Allowlist, resolvedPath) {
			if p.Ask == "always" {
				return VerdictAsk
			}
			return VerdictAllowed
		}
		if p.Ask == "off" {
			return VerdictDenied
		}
		return VerdictAsk
	}
}
