// Package outbound routes assistant output back to channels: it resolves
// the destination session, applies the channel's formatting rules, and
// delivers through the bound channel-plugin connection.
package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fluxgate/fluxgate/internal/routing"
	"github.com/fluxgate/fluxgate/internal/sessions"
	"github.com/fluxgate/fluxgate/pkg/protocol"
)

// Sender pushes a payload to the channel plugin bound to (channel,
// account). The gateway's connection registry implements it.
type Sender interface {
	SendToChannel(ctx context.Context, params protocol.ChannelSendParams) error
}

// BindingSource answers formatting capabilities for a bound channel.
type BindingSource interface {
	Binding(channel, account string) (protocol.ChannelBinding, bool)
}

// NotifyFunc broadcasts a lifecycle event on a session to subscribers.
// Wired to the gateway's event fan-out.
type NotifyFunc func(sessionKey string, ev sessions.TurnEvent)

// Router is the outbound delivery path. The target argument is always
// authoritative: the router never picks a channel on its own, so output
// can only cross channels when a caller explicitly asks it to.
type Router struct {
	resolver *routing.Resolver
	manager  *sessions.Manager
	sender   Sender
	bindings BindingSource
	notify   NotifyFunc

	sendTimeout time.Duration
}

func NewRouter(resolver *routing.Resolver, manager *sessions.Manager, sender Sender, bindings BindingSource, notify NotifyFunc) *Router {
	return &Router{
		resolver:    resolver,
		manager:     manager,
		sender:      sender,
		bindings:    bindings,
		notify:      notify,
		sendTimeout: 30 * time.Second,
	}
}

// Payload is one outbound delivery.
type Payload struct {
	Target  protocol.TargetRef
	Text    string
	Media   []string
	ReplyTo string
}

// DeliverToSession sends text back to the conversation behind an existing
// session key. Used for the normal reply path at end of turn.
func (r *Router) DeliverToSession(sessionKey, agentID, text string) {
	in, ok := routing.ParseKey(sessionKey)
	if !ok {
		slog.Warn("outbound: unparseable session key, dropping reply", "session", sessionKey)
		return
	}
	target := protocol.TargetRef{
		Channel: in.Channel,
		Account: in.Account,
		Peer:    protocol.PeerRef{Kind: string(in.PeerKind), ID: in.PeerID},
		Thread:  in.Thread,
	}
	if err := r.deliver(sessionKey, target, Payload{Target: target, Text: text}); err != nil {
		r.deliveryFailed(sessionKey, sessionKey, target, err)
	}
}

// Send routes a payload to an explicit target, creating the target
// session on first contact. The source session's transcript is left
// untouched; only the target side records the relay.
func (r *Router) Send(sourceKey, agentID string, p Payload) (string, error) {
	// Fold the target once, up front, so the binding lookup and the wire
	// params agree with the account baked into the resolved key.
	p.Target = canonicalTarget(p.Target)
	targetKey := r.resolver.Resolve(routing.Input{
		Channel:  p.Target.Channel,
		Account:  p.Target.Account,
		PeerKind: routing.PeerKind(p.Target.Peer.Kind),
		PeerID:   p.Target.Peer.ID,
		Thread:   p.Target.Thread,
	})

	// Mint the target session so future inbound on that key attaches to
	// the same conversation.
	r.manager.GetOrCreate(targetKey, agentID)

	if err := r.deliver(targetKey, p.Target, p); err != nil {
		r.deliveryFailed(sourceKey, targetKey, p.Target, err)
		return targetKey, err
	}

	// Record the relay on the target only, once it actually went out.
	r.manager.Append(targetKey, sessions.Entry{
		Role: "system",
		Text: fmt.Sprintf("[relayed from %s] %s", sourceKey, p.Text),
	})
	return targetKey, nil
}

// canonicalTarget lower-cases the coordinates and folds an empty account
// to "default", matching the session key form.
func canonicalTarget(t protocol.TargetRef) protocol.TargetRef {
	t.Channel = strings.ToLower(strings.TrimSpace(t.Channel))
	t.Account = strings.ToLower(strings.TrimSpace(t.Account))
	if t.Account == "" {
		t.Account = "default"
	}
	return t
}

func (r *Router) deliver(targetKey string, target protocol.TargetRef, p Payload) error {
	binding, ok := r.bindings.Binding(target.Channel, target.Account)
	if !ok {
		return fmt.Errorf("no channel plugin bound for %s:%s", target.Channel, target.Account)
	}

	text := RenderMarkdown(p.Text, binding.MarkdownMode)
	chunks := Chunk(text, binding.TextLimit)

	ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
	defer cancel()

	for i, chunk := range chunks {
		params := protocol.ChannelSendParams{
			Channel: target.Channel,
			Account: target.Account,
			Peer:    target.Peer,
			Thread:  target.Thread,
			Text:    chunk,
		}
		// Media and reply threading ride on the first chunk only.
		if i == 0 {
			params.Media = p.Media
			params.ReplyTo = p.ReplyTo
		}
		if err := r.sender.SendToChannel(ctx, params); err != nil {
			return fmt.Errorf("channel send (chunk %d/%d): %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// deliveryFailed surfaces a failed delivery on both ends: a lifecycle
// event for live subscribers and a system-event note so the next turn on
// each session sees the outcome.
func (r *Router) deliveryFailed(sourceKey, targetKey string, target protocol.TargetRef, err error) {
	slog.Warn("outbound delivery failed",
		"source", sourceKey, "target", targetKey,
		"channel", target.Channel, "error", err)

	note := fmt.Sprintf("delivery to %s failed: %v", targetKey, err)
	for _, key := range dedupe(sourceKey, targetKey) {
		if s := r.manager.Get(key); s != nil {
			s.Events.Push(note)
		}
		if r.notify != nil {
			r.notify(key, sessions.Lifecycle(protocol.LifecycleDeliveryFailed, map[string]any{
				"target": targetKey,
				"error":  err.Error(),
			}))
		}
	}
}

func dedupe(a, b string) []string {
	if a == b {
		return []string{a}
	}
	return []string{a, b}
}
