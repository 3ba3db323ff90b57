package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fluxgate/fluxgate/internal/agent"
	"github.com/fluxgate/fluxgate/internal/sessions"
)

func newTestManager(t *testing.T) *sessions.Manager {
	t.Helper()
	return sessions.NewManager(t.TempDir(), 16, time.Hour)
}

func TestSessionsList(t *testing.T) {
	m := newTestManager(t)
	m.GetOrCreate("tg:main:dm:alice", "default")
	m.GetOrCreate("tg:main:dm:bob", "default")

	tool := NewSessionsListTool(m)
	res := tool.Execute(context.Background(), agent.ToolContext{}, map[string]any{})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForModel)
	}
	if !strings.Contains(res.ForModel, "2 session(s)") {
		t.Errorf("want 2 sessions in output, got %q", res.ForModel)
	}
	if !strings.Contains(res.ForModel, "tg:main:dm:alice") {
		t.Errorf("missing session key in output: %q", res.ForModel)
	}
}

func TestSessionsList_Limit(t *testing.T) {
	m := newTestManager(t)
	m.GetOrCreate("a", "default")
	m.GetOrCreate("b", "default")
	m.GetOrCreate("c", "default")

	tool := NewSessionsListTool(m)
	res := tool.Execute(context.Background(), agent.ToolContext{}, map[string]any{"limit": float64(1)})
	if got := strings.Count(res.ForModel, "\n- "); got > 1 {
		t.Errorf("limit 1 returned %d rows: %q", got, res.ForModel)
	}
}

func TestSessionHistory(t *testing.T) {
	m := newTestManager(t)
	m.GetOrCreate("tg:main:dm:alice", "default")
	m.Append("tg:main:dm:alice", sessions.Entry{Role: "user", Text: "hello"})
	m.Append("tg:main:dm:alice", sessions.Entry{Role: "assistant", Text: "hi there"})

	tool := NewSessionHistoryTool(m)
	res := tool.Execute(context.Background(), agent.ToolContext{}, map[string]any{
		"session_key": "tg:main:dm:alice",
	})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForModel)
	}

	var entries []map[string]any
	if err := json.Unmarshal([]byte(res.ForModel), &entries); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}
	if entries[1]["role"] != "assistant" || entries[1]["text"] != "hi there" {
		t.Errorf("unexpected last entry: %v", entries[1])
	}
}

func TestSessionHistory_Validation(t *testing.T) {
	tool := NewSessionHistoryTool(newTestManager(t))

	res := tool.Execute(context.Background(), agent.ToolContext{}, map[string]any{})
	if !res.IsError {
		t.Error("missing session_key should fail")
	}

	res = tool.Execute(context.Background(), agent.ToolContext{}, map[string]any{
		"session_key": "nope",
	})
	if res.IsError {
		t.Errorf("unknown session should not error: %s", res.ForModel)
	}
	if !strings.Contains(res.ForModel, "no history") {
		t.Errorf("want empty-history message, got %q", res.ForModel)
	}
}
