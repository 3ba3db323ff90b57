package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxgate/fluxgate/internal/config"
	"github.com/fluxgate/fluxgate/internal/sessions"
	"github.com/fluxgate/fluxgate/internal/tracing"
)

const (
	defaultContextWindow = 200
	defaultMaxIterations = 20

	retryBase     = 250 * time.Millisecond
	retryCeiling  = 30 * time.Second
	retryAttempts = 5
)

// DeliverFunc pushes final assistant text toward the session's channel.
// Wired to the outbound router; nil means events-only delivery.
type DeliverFunc func(sessionKey, agentID, text string)

// Driver executes agent turns: it assembles the model transcript from the
// session log, streams the model, dispatches tool calls, and feeds results
// back until the model stops asking for tools. It implements
// sessions.TurnRunner.
type Driver struct {
	cfg      *config.Config
	model    Model
	manager  *sessions.Manager
	registry *Registry
	deliver  DeliverFunc
}

func NewDriver(cfg *config.Config, model Model, manager *sessions.Manager, registry *Registry, deliver DeliverFunc) *Driver {
	return &Driver{
		cfg:      cfg,
		model:    model,
		manager:  manager,
		registry: registry,
		deliver:  deliver,
	}
}

// turnError carries a failure kind into the terminal lifecycle event.
type turnError struct {
	kind string
	err  error
}

func (e *turnError) Error() string { return e.err.Error() }
func (e *turnError) Unwrap() error { return e.err }
func (e *turnError) Kind() string  { return e.kind }

// RunTurn drives one agent turn to completion. Streamed output and tool
// activity flow through emit; the transcript is flushed to the session log
// before returning so a concurrent history read never sees a half-written
// turn.
func (d *Driver) RunTurn(ctx context.Context, turn *sessions.Turn, emit func(sessions.TurnEvent)) error {
	ctx, span := tracing.Tracer("agent").Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("session.key", turn.SessionKey),
		attribute.String("agent.id", turn.AgentID),
		attribute.String("run.id", turn.RunID),
	))
	defer span.End()

	spec := d.cfg.ResolveAgent(turn.AgentID)
	contextWindow := spec.ContextWindow
	if contextWindow <= 0 {
		contextWindow = defaultContextWindow
	}
	maxIterations := spec.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	sess := d.manager.GetOrCreate(turn.SessionKey, turn.AgentID)

	messages := d.buildMessages(sess, spec, turn, contextWindow)

	// Record inputs on the session before the model sees them, so an
	// abort mid-turn still leaves the user side of the exchange on disk.
	for _, in := range turn.Inputs {
		d.manager.Append(turn.SessionKey, sessions.Entry{
			Role: "user",
			Text: attributed(in),
			TS:   in.TS,
		})
	}

	toolDefs := d.registry.Defs(spec.Tools)
	tctx := ToolContext{SessionKey: turn.SessionKey, AgentID: turn.AgentID, RunID: turn.RunID}
	ctx = WithEmitter(ctx, emit)

	var finalContent string
	for iteration := 1; iteration <= maxIterations; iteration++ {
		slog.Debug("agent iteration",
			"agent", turn.AgentID, "run", turn.RunID,
			"iteration", iteration, "messages", len(messages))

		resp, err := d.callModel(ctx, ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Thinking: turn.Thinking,
		}, emit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &turnError{kind: "model", err: fmt.Errorf("model call failed (iteration %d): %w", iteration, err)}
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			result := d.dispatchTool(ctx, tctx, spec.Tools, tc, emit)
			messages = append(messages, Message{
				Role:       "tool",
				Content:    result.ForModel,
				ToolCallID: tc.ID,
			})
			d.manager.Append(turn.SessionKey, sessions.Entry{
				Role: "tool",
				Text: tc.Name + ": " + truncate(result.ForModel, 2000),
			})
		}

		if iteration == maxIterations {
			return &turnError{kind: "budget", err: fmt.Errorf("turn exceeded %d tool iterations", maxIterations)}
		}
	}

	finalContent = SanitizeAssistantContent(finalContent)
	silent := IsSilentReply(finalContent)

	// The silence marker stays in the transcript for context; only
	// delivery is suppressed.
	d.manager.Append(turn.SessionKey, sessions.Entry{Role: "assistant", Text: finalContent})

	if !silent && finalContent != "" && d.deliver != nil {
		d.deliver(turn.SessionKey, turn.AgentID, finalContent)
	}
	if silent {
		slog.Info("agent turn: silent reply, suppressing delivery",
			"agent", turn.AgentID, "session", turn.SessionKey)
	}
	return nil
}

// callModel streams one model call, emitting assistant deltas as they
// arrive. Transient failures retry with capped exponential backoff. Deltas
// are advisory; subscribers reconcile against the final transcript entry,
// so a retried stream re-emitting text is tolerated.
func (d *Driver) callModel(ctx context.Context, req ChatRequest, emit func(sessions.TurnEvent)) (*ChatResponse, error) {
	var lastErr error
	delay := retryBase

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		resp, err := d.model.ChatStream(ctx, req, func(chunk StreamChunk) {
			if chunk.Content != "" {
				emit(sessions.AssistantDelta(chunk.Content))
			}
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var transient *RetryableError
		if !errors.As(err, &transient) || ctx.Err() != nil {
			return nil, err
		}

		slog.Warn("model call retry",
			"backend", d.model.Name(), "attempt", attempt,
			"delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryCeiling {
			delay = retryCeiling
		}
	}
	return nil, lastErr
}

// dispatchTool runs one tool call, enforcing the agent's policy at
// execution time as well as at definition time.
func (d *Driver) dispatchTool(ctx context.Context, tctx ToolContext, policy *config.ToolPolicySpec, tc ToolCall, emit func(sessions.TurnEvent)) *Result {
	emit(sessions.ToolCallStart(tc.Name, tc.ID, tc.Arguments))

	var result *Result
	switch {
	case !PolicyAllows(policy, tc.Name):
		result = ErrorResult(fmt.Sprintf("tool %q is not permitted for this agent", tc.Name))
	default:
		tool, ok := d.registry.Get(tc.Name)
		if !ok {
			result = ErrorResult(fmt.Sprintf("unknown tool %q", tc.Name))
		} else {
			result = tool.Execute(ctx, tctx, tc.Arguments)
		}
	}

	if result.IsError {
		argsJSON, _ := json.Marshal(tc.Arguments)
		slog.Warn("tool error",
			"tool", tc.Name, "run", tctx.RunID,
			"args_len", len(argsJSON), "error", truncate(result.ForModel, 200))
	}

	emit(sessions.ToolCallEnd(tc.ID, truncate(result.ForModel, 2000), result.IsError))
	return result
}

// buildMessages assembles the model transcript: system prompt, drained
// system events, the history head, then the coalesced inputs.
func (d *Driver) buildMessages(sess *sessions.Session, spec config.AgentDefaults, turn *sessions.Turn, contextWindow int) []Message {
	var messages []Message

	system := spec.SystemPrompt
	if system == "" {
		system = "You are a helpful assistant reachable over chat. Reply with NO_REPLY when no response is warranted."
	}
	messages = append(messages, Message{Role: "system", Content: system})

	// System events queued while the session was idle ride in ahead of
	// the user's message, exactly once.
	notes := sess.Events.Drain()
	notes = append(notes, turn.SystemNotes...)
	if len(notes) > 0 {
		messages = append(messages, Message{
			Role:    "system",
			Content: "Events since last turn:\n- " + strings.Join(notes, "\n- "),
		})
	}

	for _, e := range d.manager.History(turn.SessionKey, contextWindow) {
		role := e.Role
		if role == "tool" {
			role = "system"
		}
		messages = append(messages, Message{Role: role, Content: e.Text})
	}

	for _, in := range turn.Inputs {
		messages = append(messages, Message{Role: "user", Content: attributed(in)})
	}
	return messages
}

// attributed prefixes a message with its sender so group sessions keep
// speaker identity through coalescing.
func attributed(in sessions.Input) string {
	if in.Sender == "" {
		return in.Text
	}
	return in.Sender + ": " + in.Text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
