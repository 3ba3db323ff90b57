// Package tools holds agent-facing capabilities that read gateway state.
// Exec and outbound messaging live with their subsystems; what remains
// here are the session introspection tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fluxgate/fluxgate/internal/agent"
	"github.com/fluxgate/fluxgate/internal/sessions"
)

// SessionsListTool lists live sessions so an agent can discover peers it
// may message.
type SessionsListTool struct {
	manager *sessions.Manager
}

func NewSessionsListTool(manager *sessions.Manager) *SessionsListTool {
	return &SessionsListTool{manager: manager}
}

func (t *SessionsListTool) Name() string { return "sessions_list" }
func (t *SessionsListTool) Description() string {
	return "List live sessions with optional recency filter."
}

func (t *SessionsListTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"limit": map[string]any{
				"type":        "number",
				"description": "Max sessions to return (default 20)",
			},
			"active_minutes": map[string]any{
				"type":        "number",
				"description": "Only show sessions active in the last N minutes",
			},
		},
	}
}

func (t *SessionsListTool) Execute(ctx context.Context, call agent.ToolContext, args map[string]any) *agent.Result {
	limit := 20
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}
	var activeMinutes int
	if v, ok := args["active_minutes"].(float64); ok && int(v) > 0 {
		activeMinutes = int(v)
	}

	infos := t.manager.List()
	if activeMinutes > 0 {
		cutoff := time.Now().Add(-time.Duration(activeMinutes) * time.Minute)
		var filtered []sessions.Info
		for _, s := range infos {
			if s.Updated.After(cutoff) {
				filtered = append(filtered, s)
			}
		}
		infos = filtered
	}
	if len(infos) > limit {
		infos = infos[:limit]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d session(s)\n", len(infos))
	for _, s := range infos {
		fmt.Fprintf(&b, "- %s agent=%s entries=%d updated=%s\n",
			s.Key, s.AgentID, s.EntryCount, s.Updated.Format(time.RFC3339))
	}
	return agent.NewResult(b.String())
}

// SessionHistoryTool fetches a session transcript tail. Output is capped
// so one tool call cannot blow the model context.
type SessionHistoryTool struct {
	manager *sessions.Manager
}

const (
	historyMaxCharsPerEntry = 4000
	historyDefaultLimit     = 20
)

func NewSessionHistoryTool(manager *sessions.Manager) *SessionHistoryTool {
	return &SessionHistoryTool{manager: manager}
}

func (t *SessionHistoryTool) Name() string { return "sessions_history" }
func (t *SessionHistoryTool) Description() string {
	return "Fetch recent message history for a session."
}

func (t *SessionHistoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"session_key": map[string]any{
				"type":        "string",
				"description": "Session key to fetch history from",
			},
			"limit": map[string]any{
				"type":        "number",
				"description": "Max messages to return (default 20)",
			},
		},
		"required": []string{"session_key"},
	}
}

func (t *SessionHistoryTool) Execute(ctx context.Context, call agent.ToolContext, args map[string]any) *agent.Result {
	key, _ := args["session_key"].(string)
	if key == "" {
		return agent.ErrorResult("session_key is required")
	}
	limit := historyDefaultLimit
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}

	entries := t.manager.History(key, limit)
	if len(entries) == 0 {
		return agent.NewResult(fmt.Sprintf("no history for session %s", key))
	}

	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		text := e.Text
		if len(text) > historyMaxCharsPerEntry {
			text = text[:historyMaxCharsPerEntry] + "...[truncated]"
		}
		out = append(out, map[string]any{
			"role": e.Role,
			"text": text,
			"ts":   e.TS,
		})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return agent.ErrorResult("cannot encode history")
	}
	return agent.NewResult(string(data))
}
