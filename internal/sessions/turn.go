// Package sessions owns all per-session state: the session registry and its
// transcript logs, the inbound debouncer, the per-session turn scheduler,
// and the system-event ring surfaced to the next turn's prompt. Each
// session's mutable state is only ever touched by its single worker
// goroutine; the registry maps are the one shared structure, guarded by a
// narrow lock.
package sessions

import (
	"time"
)

// TurnState tracks one agent invocation through its lifecycle.
type TurnState string

const (
	TurnQueued           TurnState = "queued"
	TurnRunning          TurnState = "running"
	TurnAwaitingApproval TurnState = "awaiting-approval"
	TurnCancelled        TurnState = "cancelled"
	TurnDone             TurnState = "done"
	TurnFailed           TurnState = "failed"
)

// Input is one inbound message folded into a turn. Arrival timestamps are
// preserved through debouncing and queue merging.
type Input struct {
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
	TS     int64  `json:"ts"` // unix ms
}

// Turn is one agent invocation owned by the scheduler.
type Turn struct {
	SessionKey  string
	RunID       string
	AgentID     string
	Inputs      []Input
	SystemNotes []string // drained system events, oldest first
	Thinking    string   // advisory metadata, carried into the session log
	StartedAt   time.Time
	State       TurnState
}

// TurnEvent is one entry in a turn's finite, strictly ordered event stream.
// Stream is one of the protocol agent streams (assistant/tool/lifecycle);
// Seq is assigned by the scheduler as 1, 2, … N with no gaps.
type TurnEvent struct {
	Seq    uint64         `json:"seq"`
	Stream string         `json:"stream"`
	Data   map[string]any `json:"data"`
}

// AssistantDelta is a streamed text fragment from the model.
func AssistantDelta(text string) TurnEvent {
	return TurnEvent{Stream: "assistant", Data: map[string]any{"delta": text}}
}

// ToolCallStart marks the dispatch of a tool invocation.
func ToolCallStart(name, id string, args map[string]any) TurnEvent {
	return TurnEvent{Stream: "tool", Data: map[string]any{
		"phase": "start", "name": name, "id": id, "args": args,
	}}
}

// ToolCallEnd carries a tool result back to subscribers.
func ToolCallEnd(id, result string, isError bool) TurnEvent {
	return TurnEvent{Stream: "tool", Data: map[string]any{
		"phase": "end", "id": id, "result": result, "isError": isError,
	}}
}

// Lifecycle marks a turn state transition. Terminal kinds (done, failed,
// cancelled) are emitted exactly once per turn, last.
func Lifecycle(kind string, extra map[string]any) TurnEvent {
	data := map[string]any{"kind": kind}
	for k, v := range extra {
		data[k] = v
	}
	return TurnEvent{Stream: "lifecycle", Data: data}
}

// ApprovalRequested surfaces a pending exec approval to subscribers.
func ApprovalRequested(approvalID string, details map[string]any) TurnEvent {
	data := map[string]any{"kind": "approval-requested", "approvalId": approvalID}
	for k, v := range details {
		data[k] = v
	}
	return TurnEvent{Stream: "lifecycle", Data: data}
}

// IsTerminal reports whether the event closes its turn's stream.
func (e TurnEvent) IsTerminal() bool {
	if e.Stream != "lifecycle" {
		return false
	}
	switch e.Data["kind"] {
	case "done", "failed", "cancelled":
		return true
	}
	return false
}
