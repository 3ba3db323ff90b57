package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fluxgate/fluxgate/pkg/protocol"
)

// connKey identifies a logical connection. One device may hold several
// concurrent connections under different roles (operator + node); they
// are authorized independently and only grouped for presentation.
type connKey struct {
	deviceID string
	role     string
}

// Registry tracks live connections, channel-plugin bindings, and does the
// event fan-out. It implements the outbound Sender/BindingSource and the
// exec plane's NodeInvoker.
type Registry struct {
	mu       sync.RWMutex
	byConn   map[string]*Client // connection id → client
	byKey    map[connKey]*Client
	bindings map[string]*channelBinding // "channel:account" → binding
}

type channelBinding struct {
	spec   protocol.ChannelBinding
	client *Client
}

func NewRegistry() *Registry {
	return &Registry{
		byConn:   make(map[string]*Client),
		byKey:    make(map[connKey]*Client),
		bindings: make(map[string]*channelBinding),
	}
}

// Add registers an authenticated connection. A reconnect under the same
// (deviceId, role) displaces the previous connection.
func (r *Registry) Add(c *Client) {
	key := connKey{deviceID: c.DeviceID(), role: c.Role()}

	r.mu.Lock()
	prev := r.byKey[key]
	r.byKey[key] = c
	r.byConn[c.ID()] = c
	r.mu.Unlock()

	if prev != nil && prev.ID() != c.ID() {
		slog.Info("displacing stale connection", "device", key.deviceID, "role", key.role)
		prev.Close()
	}

	r.broadcastPresence()
}

// Remove drops a connection and any channel bindings it owned.
func (r *Registry) Remove(c *Client) {
	key := connKey{deviceID: c.DeviceID(), role: c.Role()}

	r.mu.Lock()
	delete(r.byConn, c.ID())
	if cur, ok := r.byKey[key]; ok && cur.ID() == c.ID() {
		delete(r.byKey, key)
	}
	for name, b := range r.bindings {
		if b.client.ID() == c.ID() {
			delete(r.bindings, name)
		}
	}
	r.mu.Unlock()

	r.broadcastPresence()
}

// --- channel plugins ---

func bindingKey(channel, account string) string {
	if account == "" {
		account = "default"
	}
	return channel + ":" + account
}

// BindChannels records which (channel, account) pairs a plugin connection
// serves. A later registration for the same pair wins.
func (r *Registry) BindChannels(c *Client, specs []protocol.ChannelBinding) {
	r.mu.Lock()
	for _, spec := range specs {
		r.bindings[bindingKey(spec.Channel, spec.Account)] = &channelBinding{spec: spec, client: c}
	}
	r.mu.Unlock()

	for _, spec := range specs {
		slog.Info("channel bound", "channel", spec.Channel, "account", spec.Account, "conn", c.ID())
	}
}

// Binding implements outbound.BindingSource.
func (r *Registry) Binding(channel, account string) (protocol.ChannelBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[bindingKey(channel, account)]
	if !ok {
		return protocol.ChannelBinding{}, false
	}
	return b.spec, true
}

// SendToChannel implements outbound.Sender: a channel.send request on the
// plugin connection bound to the payload's channel/account.
func (r *Registry) SendToChannel(ctx context.Context, params protocol.ChannelSendParams) error {
	r.mu.RLock()
	b, ok := r.bindings[bindingKey(params.Channel, params.Account)]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no plugin bound for %s", bindingKey(params.Channel, params.Account))
	}
	_, err := b.client.Call(ctx, protocol.MethodChannelSend, params)
	return err
}

// --- nodes ---

// InvokeNode implements execplane.NodeInvoker: forwards a request to the
// node connection registered under deviceId == nodeID.
func (r *Registry) InvokeNode(ctx context.Context, nodeID, method string, params any) (json.RawMessage, error) {
	r.mu.RLock()
	c, ok := r.byKey[connKey{deviceID: nodeID, role: protocol.RoleNode}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("node %q not connected", nodeID)
	}
	return c.Call(ctx, method, params)
}

// Nodes lists connected node device ids.
func (r *Registry) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for key := range r.byKey {
		if key.role == protocol.RoleNode {
			out = append(out, key.deviceID)
		}
	}
	sort.Strings(out)
	return out
}

// --- fan-out ---

// BroadcastScoped delivers an event to every connection holding the
// given scope. Empty scope means every authenticated connection.
func (r *Registry) BroadcastScoped(scope string, ev *protocol.Event) {
	for _, c := range r.snapshot() {
		if scope == "" || c.HasScope(scope) {
			c.SendEvent(ev)
		}
	}
}

// PublishAgentEvent fans a turn event out to read-scope subscribers,
// stamped with the run's seq so clients can detect gaps.
func (r *Registry) PublishAgentEvent(sessionKey, runID string, seq uint64, stream string, data map[string]any) {
	ev := protocol.NewSeqEvent(protocol.EventAgent, seq, map[string]any{
		"sessionKey": sessionKey,
		"runId":      runID,
		"stream":     stream,
		"data":       data,
	})
	r.BroadcastScoped(protocol.ScopeRead, ev)
}

// PresenceEntry is one device in the presence view. Connections group by
// device for display while staying separate entries per role underneath.
type PresenceEntry struct {
	DeviceID string   `json:"deviceId"`
	Roles    []string `json:"roles"`
	Client   string   `json:"client,omitempty"`
}

// Presence snapshots connected devices grouped by deviceId.
func (r *Registry) Presence() []PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byDevice := make(map[string]*PresenceEntry)
	for key, c := range r.byKey {
		e, ok := byDevice[key.deviceID]
		if !ok {
			e = &PresenceEntry{DeviceID: key.deviceID, Client: c.Info().ID}
			byDevice[key.deviceID] = e
		}
		e.Roles = append(e.Roles, key.role)
	}

	out := make([]PresenceEntry, 0, len(byDevice))
	for _, e := range byDevice {
		sort.Strings(e.Roles)
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (r *Registry) broadcastPresence() {
	ev := protocol.NewEvent(protocol.EventPresence, map[string]any{
		"devices": r.Presence(),
		"ts":      time.Now().UnixMilli(),
	})
	r.BroadcastScoped(protocol.ScopeRead, ev)
}

func (r *Registry) snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.byConn))
	for _, c := range r.byConn {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
