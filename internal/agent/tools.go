package agent

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/fluxgate/fluxgate/internal/config"
)

// Tool is an agent-invocable capability. Implementations must be safe for
// concurrent Execute calls; per-call state travels in ctx and args.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, call ToolContext, args map[string]any) *Result
}

// ToolContext carries the originating turn's identity into a tool call.
type ToolContext struct {
	SessionKey string
	AgentID    string
	RunID      string
}

// Result is the unified return type from tool execution.
type Result struct {
	ForModel string `json:"for_model"` // content fed back to the model
	IsError  bool   `json:"is_error"`
	Err      error  `json:"-"` // internal error, not serialized
}

func NewResult(forModel string) *Result {
	return &Result{ForModel: forModel}
}

func ErrorResult(message string) *Result {
	return &Result{ForModel: message, IsError: true}
}

// Registry holds the tools exposed to agents. Registration happens at
// startup; lookups are lock-free after that apart from the read lock.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns registered tool names, sorted for deterministic prompts.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defs returns the model-facing definitions for tools passing the policy.
// A nil policy or empty Allow exposes every registered tool; Deny always
// wins over Allow.
func (r *Registry) Defs(policy *config.ToolPolicySpec) []ToolDefinition {
	var defs []ToolDefinition
	for _, name := range r.List() {
		if !PolicyAllows(policy, name) {
			continue
		}
		t, _ := r.Get(name)
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// PolicyAllows reports whether a tool name passes an allow/deny policy.
// Patterns support a trailing "*" wildcard ("message.*" matches
// "message.send").
func PolicyAllows(policy *config.ToolPolicySpec, name string) bool {
	if policy == nil {
		return true
	}
	for _, pat := range policy.Deny {
		if matchPattern(pat, name) {
			return false
		}
	}
	if len(policy.Allow) == 0 {
		return true
	}
	for _, pat := range policy.Allow {
		if matchPattern(pat, name) {
			return true
		}
	}
	return false
}

func matchPattern(pat, name string) bool {
	if pat == "*" {
		return true
	}
	if strings.HasSuffix(pat, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pat, "*"))
	}
	return pat == name
}
