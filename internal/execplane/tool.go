package execplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/fluxgate/fluxgate/internal/agent"
)

// ExecTool exposes the exec plane to agents. Policy overrides in the
// call arguments take highest precedence, per-agent config next, global
// config last.
type ExecTool struct {
	plane *Plane
}

func NewExecTool(plane *Plane) *ExecTool {
	return &ExecTool{plane: plane}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command. Output is capped; commands may require operator approval."
}

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":    map[string]any{"type": "string"},
			"cwd":        map[string]any{"type": "string"},
			"timeoutSec": map[string]any{"type": "integer"},
			"host":       map[string]any{"type": "string", "enum": []string{"sandbox", "gateway"}},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, call agent.ToolContext, args map[string]any) *agent.Result {
	command, _ := args["command"].(string)
	if command == "" {
		return agent.ErrorResult("exec requires a command")
	}
	cwd, _ := args["cwd"].(string)

	var override *CallOverride
	if host, _ := args["host"].(string); host != "" {
		override = &CallOverride{Host: host}
	}

	timeoutSec := 0
	if v, ok := args["timeoutSec"].(float64); ok {
		timeoutSec = int(v)
	}

	outcome, err := t.plane.Execute(ctx, ExecRequest{
		SessionKey: call.SessionKey,
		AgentID:    call.AgentID,
		RunID:      call.RunID,
		Command:    command,
		Cwd:        cwd,
		TimeoutSec: timeoutSec,
		Override:   override,
	})
	if err != nil {
		if errors.Is(err, ErrExecDenied) {
			return agent.ErrorResult(fmt.Sprintf("command denied: %v", err))
		}
		return agent.ErrorResult(fmt.Sprintf("command failed: %v", err))
	}

	if outcome.ExitCode != 0 {
		return agent.ErrorResult(fmt.Sprintf("exit code %d\n%s", outcome.ExitCode, outcome.Output))
	}
	return agent.NewResult(outcome.Output)
}
