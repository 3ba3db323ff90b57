// Package pairing implements first-contact authorization for gated
// channels: pairing codes, per-channel allowlists, and the inbound gate
// that decides whether a sender's message reaches the agent at all.
package pairing

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fluxgate/fluxgate/internal/audit"
)

// Wildcard admits every sender on a channel when present in its allowlist.
const Wildcard = "*"

// Request is one pending pairing request.
type Request struct {
	Sender    string    `json:"sender"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
	TTL       int       `json:"ttl"` // seconds
}

func (r Request) expiresAt() time.Time { return r.CreatedAt.Add(time.Duration(r.TTL) * time.Second) }

// channelState is the persisted per-channel file: pairing/<channel>.json.
type channelState struct {
	Pending []Request `json:"pending"`
	Allow   []string  `json:"allow"`
}

// Store owns pairing requests and allowlists for all channels. Every
// mutation runs under one lock, so check-then-insert is atomic and the
// per-channel pending cap holds under concurrent inserts.
type Store struct {
	mu         sync.Mutex
	dir        string // state directory, "" = memory only
	channels   map[string]*channelState
	ttl        time.Duration
	maxPending int
	audit      *audit.Log
	now        func() time.Time // test hook
}

// NewStore loads pairing state from dir/pairing (created on demand).
func NewStore(dir string, ttlSec, maxPending int, auditLog *audit.Log) (*Store, error) {
	if ttlSec <= 0 {
		ttlSec = 3600
	}
	if maxPending <= 0 {
		maxPending = 3
	}
	s := &Store{
		dir:        dir,
		channels:   make(map[string]*channelState),
		ttl:        time.Duration(ttlSec) * time.Second,
		maxPending: maxPending,
		audit:      auditLog,
		now:        time.Now,
	}
	if dir != "" {
		if err := s.loadAll(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SeedAllow merges configured allowlist entries for a channel without
// removing entries promoted at runtime. A config reload that is a superset
// of prior allowlists therefore never revokes an in-flight admission.
func (s *Store) SeedAllow(channel string, senders []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(channel)
	for _, sender := range senders {
		st.Allow = appendUnique(st.Allow, normalizeSender(sender))
	}
	s.persist(channel, st)
}

// IsAllowed reports whether a sender is on the channel allowlist.
func (s *Store) IsAllowed(channel, sender string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(channel).allowed(normalizeSender(sender))
}

func (st *channelState) allowed(sender string) bool {
	for _, a := range st.Allow {
		if a == Wildcard || a == sender {
			return true
		}
	}
	return false
}

// Begin atomically records a pairing request for an unknown sender and
// returns its code. A refresh for an existing (channel, sender) updates
// CreatedAt and keeps the code rather than duplicating. When the channel is
// at its pending cap the oldest request is evicted first.
func (s *Store) Begin(channel, sender string) (Request, error) {
	sender = normalizeSender(sender)
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(channel)
	now := s.now()
	st.prune(now)

	for i := range st.Pending {
		if st.Pending[i].Sender == sender {
			st.Pending[i].CreatedAt = now
			req := st.Pending[i]
			s.persist(channel, st)
			return req, nil
		}
	}

	for len(st.Pending) >= s.maxPending {
		evicted := st.Pending[0]
		st.Pending = st.Pending[1:]
		s.auditAppend(audit.Entry{Kind: "pairing.evicted", Channel: channel, RawPeerID: evicted.Sender})
	}

	code, err := newCode()
	if err != nil {
		return Request{}, fmt.Errorf("pairing code: %w", err)
	}
	req := Request{Sender: sender, Code: code, CreatedAt: now, TTL: int(s.ttl.Seconds())}
	st.Pending = append(st.Pending, req)
	s.persist(channel, st)
	s.auditAppend(audit.Entry{Kind: "pairing.requested", Channel: channel, RawPeerID: sender})
	return req, nil
}

// Approve promotes a pending request to the allowlist. Approving a sender
// that is already allowed is a no-op; approving an unknown sender fails.
func (s *Store) Approve(channel, sender, actor string) (bool, error) {
	sender = normalizeSender(sender)
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(channel)
	st.prune(s.now())

	if st.allowed(sender) {
		// Already approved: drop any straggler pending entry, change nothing.
		st.removePending(sender)
		s.persist(channel, st)
		return false, nil
	}

	if !st.removePending(sender) {
		return false, fmt.Errorf("no pending pairing request for %s on %s", sender, channel)
	}
	st.Allow = appendUnique(st.Allow, sender)
	s.persist(channel, st)
	s.auditAppend(audit.Entry{Kind: "pairing.approved", Actor: actor, Channel: channel, RawPeerID: sender})
	return true, nil
}

// Deny removes a pending request without promoting it.
func (s *Store) Deny(channel, sender, actor string) error {
	sender = normalizeSender(sender)
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(channel)
	if !st.removePending(sender) {
		return fmt.Errorf("no pending pairing request for %s on %s", sender, channel)
	}
	s.persist(channel, st)
	s.auditAppend(audit.Entry{Kind: "pairing.denied", Actor: actor, Channel: channel, RawPeerID: sender})
	return nil
}

// Pending lists live pairing requests, all channels when channel is "".
func (s *Store) Pending(channel string) map[string][]Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]Request)
	for name, st := range s.channels {
		if channel != "" && channel != name {
			continue
		}
		st.prune(s.now())
		if len(st.Pending) == 0 {
			continue
		}
		reqs := make([]Request, len(st.Pending))
		copy(reqs, st.Pending)
		out[name] = reqs
	}
	return out
}

// AddAllow inserts an administrative allowlist entry (sender or "*").
func (s *Store) AddAllow(channel, sender, actor string) {
	sender = normalizeSender(sender)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(channel)
	st.Allow = appendUnique(st.Allow, sender)
	st.removePending(sender)
	s.persist(channel, st)
	s.auditAppend(audit.Entry{Kind: "allowlist.added", Actor: actor, Channel: channel, RawPeerID: sender})
}

// --- internals (callers hold s.mu) ---

func (s *Store) state(channel string) *channelState {
	st, ok := s.channels[channel]
	if !ok {
		st = &channelState{}
		s.channels[channel] = st
	}
	return st
}

func (st *channelState) prune(now time.Time) {
	kept := st.Pending[:0]
	for _, r := range st.Pending {
		if now.Before(r.expiresAt()) {
			kept = append(kept, r)
		}
	}
	st.Pending = kept
}

func (st *channelState) removePending(sender string) bool {
	for i, r := range st.Pending {
		if r.Sender == sender {
			st.Pending = append(st.Pending[:i], st.Pending[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store) persist(channel string, st *channelState) {
	if s.dir == "" {
		return
	}
	dir := filepath.Join(s.dir, "pairing")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(dir, sanitizeChannel(channel)+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return
	}
	os.Rename(tmp, path)
}

func (s *Store) loadAll() error {
	dir := filepath.Join(s.dir, "pairing")
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			continue
		}
		var st channelState
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("corrupt pairing state %s: %w", f.Name(), err)
		}
		name := strings.TrimSuffix(f.Name(), ".json")
		s.channels[name] = &st
	}
	return nil
}

func (s *Store) auditAppend(e audit.Entry) {
	if s.audit != nil {
		s.audit.Append(context.Background(), e)
	}
}

func normalizeSender(sender string) string {
	return strings.ToLower(strings.TrimSpace(sender))
}

func sanitizeChannel(channel string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, strings.ToLower(channel))
}

func appendUnique(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	list = append(list, v)
	sort.Strings(list)
	return list
}

// code alphabet avoids 0/O and 1/I confusion when read aloud.
const codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

func newCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
