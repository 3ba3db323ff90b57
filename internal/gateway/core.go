package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fluxgate/fluxgate/internal/config"
	"github.com/fluxgate/fluxgate/internal/pairing"
	"github.com/fluxgate/fluxgate/internal/routing"
	"github.com/fluxgate/fluxgate/internal/sessions"
	"github.com/fluxgate/fluxgate/pkg/protocol"
)

// Core is the gateway's domain glue: the inbound message pipeline and
// the chat operations, independent of any transport.
type Core struct {
	cfg       *config.Config
	manager   *sessions.Manager
	scheduler *sessions.Scheduler
	debouncer *sessions.Debouncer
	pairing   *pairing.Store
	voicewake *Voicewake

	resolverMu sync.RWMutex
	resolver   *routing.Resolver
}

// CoreDeps carries the subsystems the core composes.
type CoreDeps struct {
	Config    *config.Config
	Manager   *sessions.Manager
	Scheduler *sessions.Scheduler
	Pairing   *pairing.Store
	Voicewake *Voicewake
}

func NewCore(deps CoreDeps) *Core {
	c := &Core{
		cfg:       deps.Config,
		manager:   deps.Manager,
		scheduler: deps.Scheduler,
		pairing:   deps.Pairing,
		voicewake: deps.Voicewake,
	}
	c.RebuildResolver()

	c.debouncer = sessions.NewDebouncer(func(sessionKey string, inputs []sessions.Input) {
		agentID := c.agentForSession(sessionKey)
		runID := c.scheduler.Submit(sessionKey, agentID, inputs, "")
		slog.Debug("debounce flush", "session", sessionKey, "inputs", len(inputs), "run", runID)
	})

	// Evicted sessions drop their pending debounce batch and any queued
	// turns with them.
	c.manager.SetEvictHook(func(key string) {
		c.debouncer.Evict(key)
		c.scheduler.EvictSession(key)
	})
	return c
}

// Resolver returns the current session-key resolver. Rebuilt on config
// reload; existing sessions keep the keys they resolved under.
func (c *Core) Resolver() *routing.Resolver {
	c.resolverMu.RLock()
	defer c.resolverMu.RUnlock()
	return c.resolver
}

// RebuildResolver re-derives the resolver from live config.
func (c *Core) RebuildResolver() {
	rc, byChannel := c.cfg.RoutingConfigSnapshot()
	r := routing.NewResolver(routing.Config{
		DMScope:          rc.DMScope,
		DMScopeByChannel: byChannel,
		IdentityLinks:    rc.IdentityLinks,
	})
	c.resolverMu.Lock()
	c.resolver = r
	c.resolverMu.Unlock()
}

// InboundResult reports what happened to one inbound message.
type InboundResult struct {
	Status     string `json:"status"` // "queued", "dropped", "pairing"
	SessionKey string `json:"sessionKey,omitempty"`
	Code       string `json:"code,omitempty"` // pairing code when Status == "pairing"
}

// HandleInbound is the ingestion pipeline: pairing gate, key resolution,
// debounced turn scheduling. Sessions are minted lazily on the first
// admitted message.
func (c *Core) HandleInbound(params protocol.ChannelInboundParams) InboundResult {
	cc := c.cfg.Channel(params.Channel)

	verdict, req := c.pairing.Gate(params.Channel, pairing.Policy(cc.Policy), params.Sender)
	switch verdict {
	case pairing.PairingStarted:
		slog.Info("pairing started", "channel", params.Channel, "code", req.Code)
		return InboundResult{Status: "pairing", Code: req.Code}
	case pairing.Drop:
		slog.Debug("inbound dropped by policy", "channel", params.Channel, "policy", cc.Policy)
		return InboundResult{Status: "dropped"}
	}

	key := c.Resolver().Resolve(routing.Input{
		Channel:  params.Channel,
		Account:  params.Account,
		PeerKind: routing.PeerKind(params.Peer.Kind),
		PeerID:   params.Peer.ID,
		Thread:   params.Thread,
	})

	c.manager.GetOrCreate(key, c.agentForSession(key))
	c.manager.Touch(key)

	ts := params.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	window := time.Duration(cc.DebounceMs) * time.Millisecond
	c.debouncer.Push(key, window, sessions.Input{
		Text:   params.Text,
		Sender: params.Sender,
		TS:     ts,
	})
	return InboundResult{Status: "queued", SessionKey: key}
}

// SubmitChat handles operator chat.send: explicit sends bypass the
// debouncer and schedule immediately, deduplicated by idempotency key.
func (c *Core) SubmitChat(params protocol.ChatSendParams) (protocol.ChatSendResult, error) {
	key := params.SessionKey
	if key == "" {
		if params.Target == nil {
			return protocol.ChatSendResult{}, fmt.Errorf("either sessionKey or target is required")
		}
		key = c.Resolver().Resolve(routing.Input{
			Channel:  params.Target.Channel,
			Account:  params.Target.Account,
			PeerKind: routing.PeerKind(params.Target.Peer.Kind),
			PeerID:   params.Target.Peer.ID,
			Thread:   params.Target.Thread,
		})
	}
	if params.Message == "" {
		return protocol.ChatSendResult{}, fmt.Errorf("message is required")
	}

	agentID := c.agentForSession(key)
	c.manager.GetOrCreate(key, agentID)

	// A message already waiting in the debouncer belongs to this turn.
	c.debouncer.FlushNow(key)

	input := sessions.Input{Text: params.Message, TS: time.Now().UnixMilli()}
	if params.RepoContext != "" {
		input.Text = "[context: " + params.RepoContext + "]\n" + input.Text
	}

	runID := c.scheduler.SubmitIdempotent(key, agentID, []sessions.Input{input}, params.Thinking, params.IdempotencyKey)
	return protocol.ChatSendResult{RunID: runID, Status: "started"}, nil
}

// Abort cancels a run (queued or running).
func (c *Core) Abort(runID, reason string) bool {
	if reason == "" {
		reason = "operator abort"
	}
	return c.scheduler.Cancel(runID, reason)
}

// Inject appends an assistant-authored note to a session without running
// a turn, and queues it as a system event for the next turn's prompt.
func (c *Core) Inject(sessionKey, text string) error {
	s := c.manager.Get(sessionKey)
	if s == nil {
		return fmt.Errorf("unknown session %q", sessionKey)
	}
	c.manager.Append(sessionKey, sessions.Entry{Role: "assistant", Text: text})
	s.Events.Push("operator note: " + text)
	return nil
}

// History returns the transcript tail for chat.history.
func (c *Core) History(sessionKey string, limit int) []protocol.HistoryEntry {
	entries := c.manager.History(sessionKey, limit)
	out := make([]protocol.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.HistoryEntry{Role: e.Role, Text: e.Text, Timestamp: e.TS})
	}
	return out
}

// agentForSession picks the agent bound to a session: the session's
// existing binding when live, else the configured default.
func (c *Core) agentForSession(key string) string {
	if s := c.manager.Get(key); s != nil && s.AgentID != "" {
		return s.AgentID
	}
	return c.cfg.DefaultAgentID()
}

// Debouncer exposes the debouncer for tests and shutdown flushing.
func (c *Core) Debouncer() *sessions.Debouncer { return c.debouncer }
