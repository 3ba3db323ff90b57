package execplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate/fluxgate/pkg/protocol"
)

// Invocation is one authorized command ready to run.
type Invocation struct {
	Command string
	Cwd     string
	Env     []string
	Timeout time.Duration

	OutputCap  int
	OutputTail int
}

// Outcome is the capped result of a finished command.
type Outcome struct {
	ExitCode  int
	Output    string
	Truncated bool
}

// Host runs an invocation somewhere: the gateway process, a sandbox
// runner, or a remote node.
type Host interface {
	Run(ctx context.Context, inv Invocation) (*Outcome, error)
}

// --- gateway host ---

// GatewayHost executes on the gateway's own machine through the shell.
type GatewayHost struct{}

func (GatewayHost) Run(ctx context.Context, inv Invocation) (*Outcome, error) {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", inv.Command)
	cmd.Dir = inv.Cwd
	if len(inv.Env) > 0 {
		cmd.Env = inv.Env
	}

	out := NewCappedBuffer(inv.OutputCap, inv.OutputTail)
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("command timed out after %s", inv.Timeout)
		} else {
			return nil, fmt.Errorf("start command: %w", err)
		}
	}
	return &Outcome{ExitCode: exitCode, Output: out.String(), Truncated: out.Truncated()}, nil
}

// --- sandbox host ---

// SandboxHost wraps the command in a configured runner argv (e.g.
// "docker exec <container> sh -c"). The runner is external; the plane
// only hands it the command and caps its output.
type SandboxHost struct {
	// Prefix is the runner argv the command is appended to.
	Prefix []string
}

func (h SandboxHost) Run(ctx context.Context, inv Invocation) (*Outcome, error) {
	if len(h.Prefix) == 0 {
		return nil, fmt.Errorf("sandbox runner not configured")
	}
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	argv := append(append([]string{}, h.Prefix...), inv.Command)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	out := NewCappedBuffer(inv.OutputCap, inv.OutputTail)
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("sandbox run: %w", err)
		}
	}
	return &Outcome{ExitCode: exitCode, Output: out.String(), Truncated: out.Truncated()}, nil
}

// --- node host ---

// NodeInvoker forwards a method call to a connected node. The gateway's
// connection registry implements it.
type NodeInvoker interface {
	InvokeNode(ctx context.Context, nodeID, method string, params any) (json.RawMessage, error)
}

// NodeHost forwards the invocation to a remote node over its control
// connection as a system.run request.
type NodeHost struct {
	NodeID  string
	Invoker NodeInvoker
}

func (h NodeHost) Run(ctx context.Context, inv Invocation) (*Outcome, error) {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	env := make(map[string]string, len(inv.Env))
	for _, kv := range inv.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	raw, err := h.Invoker.InvokeNode(ctx, h.NodeID, protocol.MethodSystemRun, protocol.SystemRunParams{
		RequestID: uuid.NewString(),
		Command:   inv.Command,
		Cwd:       inv.Cwd,
		Env:       env,
		TimeoutMs: int(inv.Timeout / time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", h.NodeID, err)
	}

	var res protocol.SystemRunResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("node %s: malformed system.run result: %w", h.NodeID, err)
	}

	// The node streams untrimmed output; cap on arrival so a hostile or
	// broken node cannot flood the transcript.
	out := NewCappedBuffer(inv.OutputCap, inv.OutputTail)
	out.Write([]byte(res.Stdout))
	if res.Stderr != "" {
		out.Write([]byte(res.Stderr))
	}
	return &Outcome{ExitCode: res.ExitCode, Output: out.String(), Truncated: out.Truncated()}, nil
}

// HostFor builds the Host for a resolved policy host string.
func HostFor(host string, sandboxPrefix []string, invoker NodeInvoker) (Host, error) {
	switch {
	case host == "gateway":
		return GatewayHost{}, nil
	case host == "sandbox" || host == "":
		return SandboxHost{Prefix: sandboxPrefix}, nil
	case strings.HasPrefix(host, "node:"):
		nodeID := strings.TrimPrefix(host, "node:")
		if nodeID == "" {
			return nil, fmt.Errorf("exec host %q: missing node id", host)
		}
		if invoker == nil {
			return nil, fmt.Errorf("exec host %q: no node transport available", host)
		}
		return NodeHost{NodeID: nodeID, Invoker: invoker}, nil
	default:
		slog.Warn("exec: unknown host, refusing", "host", host)
		return nil, fmt.Errorf("unknown exec host %q", host)
	}
}
