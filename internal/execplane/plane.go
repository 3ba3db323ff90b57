package execplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluxgate/fluxgate/internal/agent"
	"github.com/fluxgate/fluxgate/internal/audit"
	"github.com/fluxgate/fluxgate/internal/config"
	"github.com/fluxgate/fluxgate/internal/sessions"
	"github.com/fluxgate/fluxgate/pkg/protocol"
)

// ErrExecDenied maps to the EXEC_DENIED wire code.
var ErrExecDenied = errors.New("exec denied")

// Plane is the exec subsystem: one policy gate plus host dispatch shared
// by every agent.
type Plane struct {
	cfg       *config.Config
	approvals *Approvals
	manager   *sessions.Manager
	audit     *audit.Log
	invoker   NodeInvoker

	// notify, when set, broadcasts exec lifecycle as top-level events in
	// addition to the turn's own stream.
	notify func(event string, data map[string]any)
}

func NewPlane(cfg *config.Config, approvals *Approvals, manager *sessions.Manager, auditLog *audit.Log, invoker NodeInvoker) *Plane {
	return &Plane{
		cfg:       cfg,
		approvals: approvals,
		manager:   manager,
		audit:     auditLog,
		invoker:   invoker,
	}
}

// Approvals exposes the approval plane for the gateway's approval.*
// methods.
func (p *Plane) Approvals() *Approvals { return p.approvals }

// SetNotify wires the top-level broadcast hook for exec events.
func (p *Plane) SetNotify(fn func(event string, data map[string]any)) { p.notify = fn }

func (p *Plane) event(name string, data map[string]any) {
	if p.notify != nil {
		p.notify(name, data)
	}
}

// ExecRequest is one command execution on behalf of a turn.
type ExecRequest struct {
	SessionKey string
	AgentID    string
	RunID      string
	Command    string
	Cwd        string
	Env        []string
	TimeoutSec int
	Override   *CallOverride
}

// Execute authorizes and runs one command, publishing exec.started /
// exec.finished / exec.denied both into the turn's event stream and onto
// the session's system-event ring so later turns see the outcome.
func (p *Plane) Execute(ctx context.Context, req ExecRequest) (*Outcome, error) {
	emit := agent.EmitterFrom(ctx)

	policy := ResolvePolicy(p.cfg, req.AgentID, req.Override)
	policy.Allowlist = append(append([]string{}, policy.Allowlist...), p.approvals.Grants()...)

	resolved := ResolveBinary(req.Command)
	verdict := policy.Authorize(resolved)

	if verdict == VerdictAsk {
		decision, approvalID := p.ask(ctx, req, policy, emit)
		switch decision {
		case DecisionAllowOnce:
			verdict = VerdictAllowed
		case DecisionAllowAndAdd:
			// The grant is persisted by Resolve; this invocation proceeds.
			verdict = VerdictAllowed
		default: // deny, timeout
			p.denied(ctx, req, fmt.Sprintf("approval %s: %s", approvalID, decision), emit)
			return nil, fmt.Errorf("%w: approval %s", ErrExecDenied, decision)
		}
	}

	if verdict == VerdictDenied {
		reason := "security=deny"
		if policy.Security == "allowlist" {
			reason = fmt.Sprintf("%s not in allowlist", resolved)
		}
		p.denied(ctx, req, reason, emit)
		return nil, fmt.Errorf("%w: %s", ErrExecDenied, reason)
	}

	host, err := HostFor(policy.Host, p.cfg.Exec.SandboxArgv, p.invoker)
	if err != nil {
		p.denied(ctx, req, err.Error(), emit)
		return nil, fmt.Errorf("%w: %v", ErrExecDenied, err)
	}

	timeout := time.Duration(req.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(p.cfg.Exec.TimeoutSec) * time.Second
	}

	emit(sessions.Lifecycle(protocol.EventExecStarted, map[string]any{
		"command": req.Command, "host": policy.Host,
	}))
	p.event(protocol.EventExecStarted, map[string]any{
		"sessionKey": req.SessionKey, "runId": req.RunID,
		"command": req.Command, "host": policy.Host,
	})
	p.sysEvent(req.SessionKey, fmt.Sprintf("exec started on %s: %s", policy.Host, firstLine(req.Command)))

	outcome, err := host.Run(ctx, Invocation{
		Command:    req.Command,
		Cwd:        req.Cwd,
		Env:        req.Env,
		Timeout:    timeout,
		OutputCap:  p.cfg.Exec.OutputCapBytes,
		OutputTail: p.cfg.Exec.OutputTailBytes,
	})
	if err != nil {
		emit(sessions.Lifecycle(protocol.EventExecFinished, map[string]any{"error": err.Error()}))
		p.event(protocol.EventExecFinished, map[string]any{
			"sessionKey": req.SessionKey, "runId": req.RunID, "error": err.Error(),
		})
		p.sysEvent(req.SessionKey, fmt.Sprintf("exec failed: %v", err))
		return nil, err
	}

	emit(sessions.Lifecycle(protocol.EventExecFinished, map[string]any{"code": outcome.ExitCode}))
	p.event(protocol.EventExecFinished, map[string]any{
		"sessionKey": req.SessionKey, "runId": req.RunID, "code": outcome.ExitCode,
	})
	p.sysEvent(req.SessionKey, fmt.Sprintf("exec finished with code %d: %s", outcome.ExitCode, firstLine(req.Command)))

	p.audit.Append(ctx, audit.Entry{
		Kind:    "exec.finished",
		Channel: req.SessionKey,
		Detail: map[string]any{
			"command": req.Command, "host": policy.Host,
			"code": outcome.ExitCode, "truncated": outcome.Truncated,
		},
	})
	return outcome, nil
}

// ask posts the approval and surfaces it in the turn's event stream so
// subscribers render the pending state.
func (p *Plane) ask(ctx context.Context, req ExecRequest, policy Policy, emit func(sessions.TurnEvent)) (string, string) {
	reason := "ask=always"
	if policy.Ask != "always" {
		reason = "allowlist miss"
	}
	approval := p.approvals.Post(Request{
		SessionKey: req.SessionKey,
		RunID:      req.RunID,
		Command:    req.Command,
		Host:       policy.Host,
		Reason:     reason,
	})

	// Surface the pending approval in the turn's own stream before
	// blocking, so subscribers can render the awaiting state.
	emit(sessions.ApprovalRequested(approval.ID, map[string]any{
		"command": req.Command, "host": policy.Host, "reason": reason,
	}))

	decision := p.approvals.Wait(ctx, approval.ID)
	return decision, approval.ID
}

func (p *Plane) denied(ctx context.Context, req ExecRequest, reason string, emit func(sessions.TurnEvent)) {
	slog.Warn("exec denied",
		"session", req.SessionKey, "run", req.RunID,
		"command", firstLine(req.Command), "reason", reason)

	emit(sessions.Lifecycle(protocol.EventExecDenied, map[string]any{"reason": reason}))
	p.event(protocol.EventExecDenied, map[string]any{
		"sessionKey": req.SessionKey, "runId": req.RunID, "reason": reason,
	})
	p.sysEvent(req.SessionKey, "exec denied: "+reason)

	p.audit.Append(ctx, audit.Entry{
		Kind:    "exec.denied",
		Channel: req.SessionKey,
		Detail:  map[string]any{"command": req.Command, "reason": reason},
	})
}

func (p *Plane) sysEvent(sessionKey, note string) {
	if s := p.manager.Get(sessionKey); s != nil {
		s.Events.Push(note)
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i] + " …"
		}
		if i > 120 {
			return s[:i] + "…"
		}
	}
	return s
}
