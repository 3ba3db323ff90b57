// Package routing implements deterministic session key resolution.
//
// Session keys follow the canonical format:
//
//	{channel}:{accountId}:{peerKind}:{peerId}
//	{channel}:{accountId}:{peerKind}:{peerId}:thread:{topicId}
//
// Where peerKind is "dm" or "group". Keys are lowercase and immutable once
// minted: the same (channel, account, peer, thread, config) always resolves
// to the same key, across processes and restarts. All per-session state in
// the gateway is addressed by these keys.
//
// Examples:
//
//	web:default:dm:u1
//	telegram:mybot:group:-100123456:thread:99
//	slack:acme:dm:u024be7
package routing

import (
	"strings"
)

// PeerKind tags the conversation shape in the session key.
type PeerKind string

const (
	PeerDM    PeerKind = "dm"
	PeerGroup PeerKind = "group"
)

// DM scope modes. "peer" (default) keys every DM peer separately; "shared"
// folds all DMs on an account into one session.
const (
	DMScopePeer   = "peer"
	DMScopeShared = "shared"
)

// sharedDMPeer is the placeholder peer id used when dmScope folds DMs.
const sharedDMPeer = "_"

// Input is everything that influences key resolution for one message.
type Input struct {
	Channel  string
	Account  string
	PeerKind PeerKind
	PeerID   string
	Thread   string // topic/thread id, "" for the main conversation
}

// Config is the routing slice of gateway configuration. All fields are
// read-only after construction; Resolver is side-effect free.
type Config struct {
	// DMScope is the global default: "peer" or "shared".
	DMScope string
	// DMScopeByChannel overrides DMScope per channel.
	DMScopeByChannel map[string]string
	// IdentityLinks is an ordered list of endpoint pairs
	// ["channel:peerId", "channel:peerId"]. Resolving a DM from the left
	// endpoint yields the right endpoint's key. Unrelated peers are never
	// folded.
	IdentityLinks [][2]string
}

// Resolver canonicalizes message coordinates into session keys.
type Resolver struct {
	cfg   Config
	links map[string]endpoint // left "channel:peer" → right endpoint
}

type endpoint struct {
	channel string
	peerID  string
}

// NewResolver builds a resolver from routing config. Later identity-link
// pairs never override earlier ones (ordered list, first wins).
func NewResolver(cfg Config) *Resolver {
	r := &Resolver{cfg: cfg, links: make(map[string]endpoint, len(cfg.IdentityLinks))}
	for _, pair := range cfg.IdentityLinks {
		left := strings.ToLower(pair[0])
		if _, exists := r.links[left]; exists {
			continue
		}
		ch, peer, ok := strings.Cut(strings.ToLower(pair[1]), ":")
		if !ok || ch == "" || peer == "" {
			continue
		}
		r.links[left] = endpoint{channel: ch, peerID: peer}
	}
	return r
}

// Resolve maps input coordinates to the canonical session key. It is pure:
// identical (input, config) always returns identical output.
func (r *Resolver) Resolve(in Input) string {
	channel := strings.ToLower(strings.TrimSpace(in.Channel))
	account := strings.ToLower(strings.TrimSpace(in.Account))
	if account == "" {
		account = "default"
	}
	kind := in.PeerKind
	if kind != PeerGroup {
		kind = PeerDM
	}
	peer := CanonicalPeerID(channel, kind, in.PeerID)

	if kind == PeerDM {
		// Identity links rewrite the endpoint before scoping is applied,
		// so a linked peer lands in the target peer's session.
		if linked, ok := r.links[channel+":"+peer]; ok {
			channel = linked.channel
			peer = linked.peerID
		}
		if r.dmScope(channel) == DMScopeShared {
			peer = sharedDMPeer
		}
	}

	key := channel + ":" + account + ":" + string(kind) + ":" + peer
	if in.Thread != "" && kind == PeerGroup {
		key += ":thread:" + strings.ToLower(in.Thread)
	}
	return key
}

func (r *Resolver) dmScope(channel string) string {
	if s, ok := r.cfg.DMScopeByChannel[channel]; ok && s != "" {
		return s
	}
	if r.cfg.DMScope != "" {
		return r.cfg.DMScope
	}
	return DMScopePeer
}

// ParseKey splits a session key back into its coordinates. Returns ok=false
// for keys not in the canonical shape.
func ParseKey(key string) (in Input, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 4 {
		return Input{}, false
	}
	in.Channel = parts[0]
	in.Account = parts[1]
	switch parts[2] {
	case string(PeerDM):
		in.PeerKind = PeerDM
	case string(PeerGroup):
		in.PeerKind = PeerGroup
	default:
		return Input{}, false
	}
	in.PeerID = parts[3]
	if len(parts) == 6 && parts[4] == "thread" {
		in.Thread = parts[5]
	} else if len(parts) != 4 {
		return Input{}, false
	}
	return in, true
}
