package execplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate/fluxgate/internal/audit"
)

// Decisions an operator can return for a pending approval.
const (
	DecisionAllowOnce   = "allow-once"
	DecisionAllowAndAdd = "allow-and-add"
	DecisionDeny        = "deny"
	DecisionTimeout     = "timeout" // internal: treated as deny
)

var (
	ErrUnknownApproval = errors.New("unknown approval id")
	ErrAlreadyResolved = errors.New("approval already resolved")
	ErrInvalidDecision = errors.New("invalid approval decision")
)

// resolvedRetention bounds how long a settled id still answers replayed
// resolutions with ErrAlreadyResolved before it is forgotten.
const resolvedRetention = time.Hour

// Request is one pending exec approval, broadcast to operators holding
// the approvals scope.
type Request struct {
	ID         string    `json:"approvalId"`
	SessionKey string    `json:"sessionKey"`
	RunID      string    `json:"runId"`
	Command    string    `json:"command"`
	Host       string    `json:"host"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"createdAt"`
}

type pendingApproval struct {
	req      Request
	decision chan string
	resolved bool
	resolver string
}

// Approvals is the approval plane: it posts requests to operators,
// accepts the first valid resolution, and persists allow-and-add grants
// across restarts. An approval id never re-binds to another request.
type Approvals struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
	settled map[string]time.Time // retired ids, for replay rejection
	grants  []string             // persisted allow-and-add patterns

	dir     string
	timeout time.Duration
	audit   *audit.Log

	// onRequest broadcasts a new request; onResolve announces the outcome.
	onRequest func(Request)
	onResolve func(id, decision string)

	now func() time.Time
}

func NewApprovals(stateDir string, timeout time.Duration, auditLog *audit.Log) *Approvals {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	a := &Approvals{
		pending: make(map[string]*pendingApproval),
		settled: make(map[string]time.Time),
		dir:     stateDir,
		timeout: timeout,
		audit:   auditLog,
		now:     time.Now,
	}
	a.loadGrants()
	return a
}

// SetNotifiers wires the broadcast hooks. Must be called before Ask.
func (a *Approvals) SetNotifiers(onRequest func(Request), onResolve func(id, decision string)) {
	a.onRequest = onRequest
	a.onResolve = onResolve
}

// Timeout is the window a pending request stays resolvable.
func (a *Approvals) Timeout() time.Duration { return a.timeout }

// Grants returns the persisted allow-and-add patterns, merged into the
// effective allowlist by callers.
func (a *Approvals) Grants() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.grants))
	copy(out, a.grants)
	return out
}

// Post registers an approval request, broadcasts it, and returns it with
// its minted id. The caller blocks on Wait.
func (a *Approvals) Post(req Request) Request {
	req.ID = uuid.NewString()
	req.CreatedAt = a.now()

	p := &pendingApproval{req: req, decision: make(chan string, 1)}
	a.mu.Lock()
	a.pending[req.ID] = p
	a.mu.Unlock()

	a.audit.Append(context.Background(), audit.Entry{
		Kind:    "exec.approval_requested",
		Channel: req.SessionKey,
		Detail:  map[string]any{"approvalId": req.ID, "command": req.Command, "host": req.Host},
	})

	if a.onRequest != nil {
		a.onRequest(req)
	}
	return req
}

// Wait blocks until the request is resolved, the timeout forces a deny,
// or ctx is cancelled. The request is retired either way: an id never
// re-binds to another invocation.
func (a *Approvals) Wait(ctx context.Context, id string) string {
	a.mu.Lock()
	p, ok := a.pending[id]
	a.mu.Unlock()
	if !ok {
		return DecisionDeny
	}

	var decision string
	select {
	case decision = <-p.decision:
	case <-time.After(a.timeout):
		decision = a.forceResolve(id, DecisionTimeout)
	case <-ctx.Done():
		decision = a.forceResolve(id, DecisionDeny)
	}

	a.mu.Lock()
	delete(a.pending, id)
	a.settled[id] = a.now()
	a.pruneSettledLocked()
	a.mu.Unlock()

	a.audit.Append(context.Background(), audit.Entry{
		Kind:    "exec.approval_resolved",
		Channel: p.req.SessionKey,
		Detail:  map[string]any{"approvalId": id, "decision": decision},
	})
	return decision
}

// Resolve records an operator's decision. The first valid resolution
// wins atomically; later attempts get ErrAlreadyResolved. allow-and-add
// also persists the narrowest pattern covering the command's binary.
func (a *Approvals) Resolve(id, decision, resolver string) error {
	switch decision {
	case DecisionAllowOnce, DecisionAllowAndAdd, DecisionDeny:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	a.mu.Lock()
	p, ok := a.pending[id]
	if !ok {
		_, wasSettled := a.settled[id]
		a.mu.Unlock()
		if wasSettled {
			return ErrAlreadyResolved
		}
		return ErrUnknownApproval
	}
	if p.resolved {
		a.mu.Unlock()
		return ErrAlreadyResolved
	}
	p.resolved = true
	p.resolver = resolver

	if decision == DecisionAllowAndAdd {
		pattern := ResolveBinary(p.req.Command)
		if pattern != "" && !contains(a.grants, pattern) {
			a.grants = append(a.grants, pattern)
			a.saveGrantsLocked()
		}
	}
	a.mu.Unlock()

	p.decision <- decision
	if a.onResolve != nil {
		a.onResolve(id, decision)
	}
	return nil
}

// forceResolve settles a request internally (timeout, caller gone) if an
// operator has not already won the race.
func (a *Approvals) forceResolve(id, decision string) string {
	a.mu.Lock()
	p, ok := a.pending[id]
	if !ok {
		a.mu.Unlock()
		return decision
	}
	if p.resolved {
		a.mu.Unlock()
		// An operator's Resolve won the race; their decision is (or is
		// about to be) in the channel.
		return <-p.decision
	}
	p.resolved = true
	a.mu.Unlock()

	if a.onResolve != nil {
		a.onResolve(id, decision)
	}
	return decision
}

func (a *Approvals) pruneSettledLocked() {
	if len(a.settled) < 64 {
		return
	}
	cutoff := a.now().Add(-resolvedRetention)
	for id, at := range a.settled {
		if at.Before(cutoff) {
			delete(a.settled, id)
		}
	}
}

// Pending snapshots unresolved requests, oldest first.
func (a *Approvals) Pending() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Request
	for _, p := range a.pending {
		if !p.resolved {
			out = append(out, p.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// --- grant persistence ---

func (a *Approvals) grantsPath() string {
	return filepath.Join(a.dir, "exec-approvals.json")
}

func (a *Approvals) loadGrants() {
	if a.dir == "" {
		return
	}
	data, err := os.ReadFile(a.grantsPath())
	if err != nil {
		return
	}
	var grants []string
	if err := json.Unmarshal(data, &grants); err != nil {
		slog.Warn("exec approvals: corrupt grants file, ignoring", "path", a.grantsPath(), "error", err)
		return
	}
	a.grants = grants
}

func (a *Approvals) saveGrantsLocked() {
	if a.dir == "" {
		return
	}
	data, err := json.MarshalIndent(a.grants, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		slog.Warn("exec approvals: state dir", "error", err)
		return
	}
	tmp := a.grantsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		slog.Warn("exec approvals: write grants", "error", err)
		return
	}
	if err := os.Rename(tmp, a.grantsPath()); err != nil {
		slog.Warn("exec approvals: rename grants", "error", err)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
