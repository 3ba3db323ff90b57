package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/fluxgate/fluxgate/internal/cron"
	"github.com/fluxgate/fluxgate/internal/execplane"
	"github.com/fluxgate/fluxgate/pkg/protocol"
)

// CronRunner is the slice of the cron service the control plane needs.
type CronRunner interface {
	Jobs() []cron.JobInfo
	RunNow(name string) (string, error)
}

type handler func(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error)

// MethodRouter dispatches authenticated requests to their handlers and
// enforces per-method scopes. Handshake and rate limiting happen before
// a request reaches Dispatch.
type MethodRouter struct {
	core      *Core
	registry  *Registry
	approvals *execplane.Approvals
	cron      CronRunner
	reload    func() error

	startedAt time.Time
	version   string

	handlers map[string]handler
	scopes   map[string]string // method → required scope, "" = none
}

func NewMethodRouter(core *Core, registry *Registry, approvals *execplane.Approvals, version string) *MethodRouter {
	m := &MethodRouter{
		core:      core,
		registry:  registry,
		approvals: approvals,
		startedAt: time.Now(),
		version:   version,
	}
	m.handlers = map[string]handler{
		protocol.MethodHealth:          m.health,
		protocol.MethodStatus:          m.status,
		protocol.MethodChatSend:        m.chatSend,
		protocol.MethodChatAbort:       m.chatAbort,
		protocol.MethodChatInject:      m.chatInject,
		protocol.MethodChatHistory:     m.chatHistory,
		protocol.MethodSessionsList:    m.sessionsList,
		protocol.MethodSessionsReset:   m.sessionsReset,
		protocol.MethodNodeInvoke:      m.nodeInvoke,
		protocol.MethodNodeList:        m.nodeList,
		protocol.MethodApprovalList:    m.approvalList,
		protocol.MethodApprovalResolve: m.approvalResolve,
		protocol.MethodPairingList:     m.pairingList,
		protocol.MethodPairingApprove:  m.pairingApprove,
		protocol.MethodPairingDeny:     m.pairingDeny,
		protocol.MethodVoicewakeGet:    m.voicewakeGet,
		protocol.MethodVoicewakeSet:    m.voicewakeSet,
		protocol.MethodCronList:        m.cronList,
		protocol.MethodCronRun:         m.cronRun,
		protocol.MethodConfigReload:    m.configReload,
		protocol.MethodChannelRegister: m.channelRegister,
		protocol.MethodChannelInbound:  m.channelInbound,
	}
	m.scopes = map[string]string{
		protocol.MethodStatus:          protocol.ScopeRead,
		protocol.MethodChatSend:        protocol.ScopeWrite,
		protocol.MethodChatAbort:       protocol.ScopeWrite,
		protocol.MethodChatInject:      protocol.ScopeWrite,
		protocol.MethodChatHistory:     protocol.ScopeRead,
		protocol.MethodSessionsList:    protocol.ScopeRead,
		protocol.MethodSessionsReset:   protocol.ScopeWrite,
		protocol.MethodNodeInvoke:      protocol.ScopeWrite,
		protocol.MethodNodeList:        protocol.ScopeRead,
		protocol.MethodApprovalList:    protocol.ScopeApprovals,
		protocol.MethodApprovalResolve: protocol.ScopeApprovals,
		protocol.MethodPairingList:     protocol.ScopePairing,
		protocol.MethodPairingApprove:  protocol.ScopePairing,
		protocol.MethodPairingDeny:     protocol.ScopePairing,
		protocol.MethodVoicewakeGet:    protocol.ScopeRead,
		protocol.MethodVoicewakeSet:    protocol.ScopeWrite,
		protocol.MethodCronList:        protocol.ScopeRead,
		protocol.MethodCronRun:         protocol.ScopeWrite,
		protocol.MethodConfigReload:    protocol.ScopeAdmin,
		protocol.MethodChannelRegister: protocol.ScopeWrite,
		protocol.MethodChannelInbound:  protocol.ScopeWrite,
	}
	return m
}

// SetCron wires the cron scheduler after construction; cron.list and
// cron.run answer NOT_FOUND until then.
func (m *MethodRouter) SetCron(cron CronRunner) { m.cron = cron }

// SetReload wires the config.reload hook.
func (m *MethodRouter) SetReload(fn func() error) { m.reload = fn }

// Dispatch runs one request on an authenticated connection and replies
// on the same connection.
func (m *MethodRouter) Dispatch(ctx context.Context, c *Client, req *protocol.Request) {
	h, ok := m.handlers[req.Method]
	if !ok {
		c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnknownMethod, "unknown method "+req.Method))
		return
	}
	if scope := m.scopes[req.Method]; scope != "" && !c.HasScope(scope) {
		slog.Warn("security.scope_denied", "method", req.Method, "conn", c.ID(), "role", c.Role())
		c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "missing scope "+scope))
		return
	}
	payload, perr := h(ctx, c, req.Params)
	if perr != nil {
		c.sendResponse(&protocol.Response{Type: protocol.FrameRes, ID: req.ID, Error: perr})
		return
	}
	c.sendResponse(protocol.NewResponse(req.ID, payload))
}

func invalid(message string) *protocol.Error {
	return &protocol.Error{Code: protocol.ErrInvalidRequest, Message: message}
}

func decode[T any](raw json.RawMessage) (T, *protocol.Error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, invalid("malformed params: " + err.Error())
	}
	return v, nil
}

// --- system ---

func (m *MethodRouter) health(context.Context, *Client, json.RawMessage) (any, *protocol.Error) {
	return map[string]any{"ok": true}, nil
}

func (m *MethodRouter) status(context.Context, *Client, json.RawMessage) (any, *protocol.Error) {
	return map[string]any{
		"version":          m.version,
		"protocol":         protocol.ProtocolVersion,
		"uptimeSec":        int64(time.Since(m.startedAt).Seconds()),
		"connections":      m.registry.Count(),
		"sessions":         len(m.core.manager.List()),
		"nodes":            m.registry.Nodes(),
		"pendingApprovals": len(m.approvals.Pending()),
		"presence":         m.registry.Presence(),
	}, nil
}

// --- chat ---

func (m *MethodRouter) chatSend(_ context.Context, _ *Client, raw json.RawMessage) (any, *protocol.Error) {
	params, perr := decode[protocol.ChatSendParams](raw)
	if perr != nil {
		return nil, perr
	}
	res, err := m.core.SubmitChat(params)
	if err != nil {
		return nil, invalid(err.Error())
	}
	return res, nil
}

func (m *MethodRouter) chatAbort(_ context.Context, c *Client, raw json.RawMessage) (any, *protocol.Error) {
	params, perr := decode[protocol.ChatAbortParams](raw)
	if perr != nil {
		return nil, perr
	}
	if params.RunID == "" {
		return nil, invalid("runId is required")
	}
	if !m.core.Abort(params.RunID, "aborted by "+c.DeviceID()) {
		return nil, &protocol.Error{Code: protocol.ErrNotFound, Message: "no such run " + params.RunID}
	}
	return map[string]any{"aborted": true}, nil
}

func (m *MethodRouter) chatInject(_ context.Context, _ *Client, raw json.RawMessage) (any, *protocol.Error) {
	params, perr := decode[protocol.ChatInjectParams](raw)
	if perr != nil {
		return nil, perr
	}
	if params.SessionKey == "" || params.Text == "" {
		return nil, invalid("sessionKey and text are required")
	}
	if err := m.core.Inject(params.SessionKey, params.Text); err != nil {
		return nil, &protocol.Error{Code: protocol.ErrNotFound, Message: err.Error()}
	}
	return map[string]any{"injected": true}, nil
}

func (m *MethodRouter) chatHistory(_ context.Context, _ *Client, raw json.RawMessage) (any, *protocol.Error) {
	params, perr := decode[protocol.ChatHistoryParams](raw)
	if perr != nil {
		return nil, perr
	}
	if params.SessionKey == "" {
		return nil, invalid("sessionKey is required")
	}
	return map[string]any{"entries": m.core.History(params.SessionKey, params.Limit)}, nil
}

// --- sessions ---

func (m *MethodRouter) sessionsList(context.Context, *Client, json.RawMessage) (any, *protocol.Error) {
	return map[string]any{"sessions": m.core.manager.List()}, nil
}

func (m *MethodRouter) sessionsReset(_ context.Context, _ *Client, raw json.RawMessage) (any, *protocol.Error) {
	params, perr := decode[struct {
		SessionKey string `json:"sessionKey"`
	}](raw)
	if perr != nil {
		return nil, perr
	}
	if params.SessionKey == "" {
		return nil, invalid("sessionKey is required")
	}
	m.core.manager.Reset(params.SessionKey)
	return map[string]any{"reset": true}, nil
}

// --- nodes ---

func (m *MethodRouter) nodeInvoke(ctx context.Context, _ *Client, raw json.RawMessage) (any, *protocol.Error) {
	params, perr := decode[protocol.NodeInvokeParams](raw)
	if perr != nil {
		return nil, perr
	}
	if params.NodeID == "" || params.Command == "" {
		return nil, invalid("nodeId and command are required")
	}
	res, err := m.registry.InvokeNode(ctx, params.NodeID, params.Command, params.Args)
	if err != nil {
		return nil, &protocol.Error{Code: protocol.ErrNotFound, Message: err.Error()}
	}
	return res, nil
}

func (m *MethodRouter) nodeList(context.Context, *Client, json.RawMessage) (any, *protocol.Error) {
	return map[string]any{"nodes": m.registry.Nodes()}, nil
}

// --- approvals ---

func (m *MethodRouter) approvalList(context.Context, *Client, json.RawMessage) (any, *protocol.Error) {
	pending := m.approvals.Pending()
	entries := make([]protocol.ApprovalEntry, 0, len(pending))
	for _, req := range pending {
		entries = append(entries, protocol.ApprovalEntry{
			ApprovalID:  req.ID,
			SessionKey:  req.SessionKey,
			Command:     req.Command,
			Host:        req.Host,
			Reason:      req.Reason,
			RequestedAt: req.CreatedAt.UnixMilli(),
			ExpiresAt:   req.CreatedAt.Add(m.approvals.Timeout()).UnixMilli(),
		})
	}
	return map[string]any{"approvals": entries}, nil
}

func (m *MethodRouter) approvalResolve(_ context.Context, c *Client, raw json.RawMessage) (any, *protocol.Error) {
	params, perr := decode[protocol.ApprovalResolveParams](raw)
	if perr != nil {
		return nil, perr
	}
	err := m.approvals.Resolve(params.ApprovalID, params.Decision, c.DeviceID())
	switch {
	case err == nil:
		return map[string]any{"resolved": true}, nil
	case errors.Is(err, execplane.ErrAlreadyResolved):
		return nil, &protocol.Error{Code: protocol.ErrAlreadyResolved, Message: err.Error()}
	case errors.Is(err, execplane.ErrUnknownApproval):
		return nil, &protocol.Error{Code: protocol.ErrNotFound, Message: err.Error()}
	default:
		return nil, invalid(err.Error())
	}
}

// --- pairing ---

func (m *MethodRouter) pairingList(_ context.Context, _ *Client, raw json.RawMessage) (any, *protocol.Error) {
	params, perr := decode[protocol.PairingListParams](raw)
	if perr != nil {
		return nil, perr
	}
	entries := []protocol.PairingEntry{}
	for channel, reqs := range m.core.pairing.Pending(params.Channel) {
		for _, req := range reqs {
			entries = append(entries, protocol.PairingEntry{
				Channel:   channel,
				Sender:    req.Sender,
				Code:      req.Code,
				CreatedAt: req.CreatedAt.UnixMilli(),
				ExpiresAt: req.CreatedAt.Add(time.Duration(req.TTL) * time.Second).UnixMilli(),
			})
		}
	}
	return map[string]any{"pending": entries}, nil
}

func (m *MethodRouter) pairingApprove(_ context.Context, c *Client, raw json.RawMessage) (any, *protocol.Error) {
	params, perr := decode[protocol.PairingResolveParams](raw)
	if perr != nil {
		return nil, perr
	}
	promoted, err := m.core.pairing.Approve(params.Channel, params.Sender, c.DeviceID())
	if err != nil {
		return nil, &protocol.Error{Code: protocol.ErrNotFound, Message: err.Error()}
	}
	m.registry.BroadcastScoped(protocol.ScopePairing, protocol.NewEvent(protocol.EventPairingChanged, map[string]any{
		"channel": params.Channel, "sender": params.Sender, "action": "approved",
	}))
	return map[string]any{"approved": true, "promoted": promoted}, nil
}

func (m *MethodRouter) pairingDeny(_ context.Context, c *Client, raw json.RawMessage) (any, *protocol.Error) {
	params, perr := decode[protocol.PairingResolveParams](raw)
	if perr != nil {
		return nil, perr
	}
	if err := m.core.pairing.Deny(params.Channel, params.Sender, c.DeviceID()); err != nil {
		return nil, &protocol.Error{Code: protocol.ErrNotFound, Message: err.Error()}
	}
	m.registry.BroadcastScoped(protocol.ScopePairing, protocol.NewEvent(protocol.EventPairingChanged, map[string]any{
		"channel": params.Channel, "sender": params.Sender, "action": "denied",
	}))
	return map[string]any{"denied": true}, nil
}

// --- voicewake ---

func (m *MethodRouter) voicewakeGet(context.Context, *Client, json.RawMessage) (any, *protocol.Error) {
	return m.core.voicewake.Get(), nil
}

func (m *MethodRouter) voicewakeSet(_ context.Context, _ *Client, raw json.RawMessage) (any, *protocol.Error) {
	params, perr := decode[protocol.VoicewakeState](raw)
	if perr != nil {
		return nil, perr
	}
	state, err := m.core.voicewake.Set(params.Triggers)
	if err != nil {
		return nil, &protocol.Error{Code: protocol.ErrInternal, Message: err.Error()}
	}
	m.registry.BroadcastScoped(protocol.ScopeRead, protocol.NewEvent(protocol.EventVoicewakeChanged, state))
	return state, nil
}

// --- cron ---

func (m *MethodRouter) cronList(context.Context, *Client, json.RawMessage) (any, *protocol.Error) {
	if m.cron == nil {
		return map[string]any{"jobs": []cron.JobInfo{}}, nil
	}
	return map[string]any{"jobs": m.cron.Jobs()}, nil
}

func (m *MethodRouter) cronRun(_ context.Context, _ *Client, raw json.RawMessage) (any, *protocol.Error) {
	params, perr := decode[struct {
		Name string `json:"name"`
	}](raw)
	if perr != nil {
		return nil, perr
	}
	if m.cron == nil {
		return nil, &protocol.Error{Code: protocol.ErrNotFound, Message: "cron scheduler not running"}
	}
	runID, err := m.cron.RunNow(params.Name)
	if err != nil {
		return nil, &protocol.Error{Code: protocol.ErrNotFound, Message: err.Error()}
	}
	return map[string]any{"runId": runID}, nil
}

// --- config ---

func (m *MethodRouter) configReload(_ context.Context, c *Client, raw json.RawMessage) (any, *protocol.Error) {
	if m.reload == nil {
		return nil, &protocol.Error{Code: protocol.ErrInternal, Message: "reload not wired"}
	}
	if err := m.reload(); err != nil {
		return nil, invalid("reload failed: " + err.Error())
	}
	slog.Info("config reloaded", "actor", c.DeviceID())
	return map[string]any{"reloaded": true}, nil
}

// --- channel plugin plane ---

func (m *MethodRouter) channelRegister(_ context.Context, c *Client, raw json.RawMessage) (any, *protocol.Error) {
	if c.Role() != protocol.RoleChannelPlugin {
		return nil, &protocol.Error{Code: protocol.ErrUnauthorized, Message: "channel.register requires the channel-plugin role"}
	}
	params, perr := decode[protocol.ChannelRegisterParams](raw)
	if perr != nil {
		return nil, perr
	}
	if len(params.Channels) == 0 {
		return nil, invalid("at least one channel binding is required")
	}
	m.registry.BindChannels(c, params.Channels)
	return map[string]any{"registered": len(params.Channels)}, nil
}

func (m *MethodRouter) channelInbound(_ context.Context, c *Client, raw json.RawMessage) (any, *protocol.Error) {
	if c.Role() != protocol.RoleChannelPlugin {
		return nil, &protocol.Error{Code: protocol.ErrUnauthorized, Message: "channel.inbound requires the channel-plugin role"}
	}
	params, perr := decode[protocol.ChannelInboundParams](raw)
	if perr != nil {
		return nil, perr
	}
	if params.Channel == "" || params.Peer.ID == "" || params.Sender == "" {
		return nil, invalid("channel, peer.id and sender are required")
	}
	return m.core.HandleInbound(params), nil
}
