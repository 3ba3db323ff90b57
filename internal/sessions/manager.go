package sessions

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fluxgate/fluxgate/internal/routing"
)

// Entry is one transcript line in a session's append-only event log.
type Entry struct {
	Role string `json:"role"` // "user", "assistant", "tool", "system"
	Text string `json:"text"`
	TS   int64  `json:"ts"` // unix ms
}

// Session is the in-memory state bound to one session key. Created lazily
// on first inbound message; never deleted, only idle-evicted with the
// transcript already flushed to its log file.
type Session struct {
	Key     string
	AgentID string
	Created time.Time
	Updated time.Time

	Events *SysEvents

	// entries caches the transcript tail; the full log lives on disk.
	entries []Entry
}

// Manager is the session registry. Lookup and creation go through one lock;
// per-session mutation happens on the owning worker goroutine only.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	stateDir string // "" = memory only
	eventCap int
	idleTTL  time.Duration
	onEvict  func(key string)
}

// NewManager creates a registry persisting transcripts under
// stateDir/sessions/<agent>/<key>.jsonl.
func NewManager(stateDir string, eventCap int, idleTTL time.Duration) *Manager {
	if idleTTL <= 0 {
		idleTTL = 2 * time.Hour
	}
	return &Manager{
		sessions: make(map[string]*Session),
		stateDir: stateDir,
		eventCap: eventCap,
		idleTTL:  idleTTL,
	}
}

// SetEvictHook registers a callback fired after a session is idle-evicted,
// so collaborators (debouncer, scheduler) can release their state too.
func (m *Manager) SetEvictHook(fn func(key string)) { m.onEvict = fn }

// GetOrCreate returns the session for a key, minting it on first use.
// Every inbound message either mints a session or attaches to exactly one.
func (m *Manager) GetOrCreate(key, agentID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		if s.AgentID == "" {
			s.AgentID = agentID
		}
		return s
	}

	s := &Session{
		Key:     key,
		AgentID: agentID,
		Created: time.Now(),
		Updated: time.Now(),
		Events:  NewSysEvents(m.eventCap),
		entries: m.loadTail(agentID, key, 200),
	}
	m.sessions[key] = s
	return s
}

// Get returns a live session or nil.
func (m *Manager) Get(key string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[key]
}

// Touch bumps the session's activity clock.
func (m *Manager) Touch(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.Updated = time.Now()
	}
}

// DrainEvents empties a session's system-event ring, returning the notes
// oldest first. Unknown sessions drain empty.
func (m *Manager) DrainEvents(key string) []string {
	if s := m.Get(key); s != nil {
		return s.Events.Drain()
	}
	return nil
}

// Append writes a transcript entry to memory and the session's log file.
func (m *Manager) Append(key string, e Entry) {
	if e.TS == 0 {
		e.TS = time.Now().UnixMilli()
	}

	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.entries = append(s.entries, e)
	s.Updated = time.Now()
	agent := s.AgentID
	m.mu.Unlock()

	m.appendFile(agent, key, e)
}

// History returns up to limit transcript entries, oldest first (0 = all
// cached).
func (m *Manager) History(key string, limit int) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	entries := s.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Reset clears a session's cached transcript and rotates its log file.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.entries = nil
	s.Updated = time.Now()
	agent := s.AgentID
	m.mu.Unlock()

	if m.stateDir != "" {
		path := m.logPath(agent, key)
		if err := os.Rename(path, path+".old"); err != nil && !os.IsNotExist(err) {
			slog.Warn("session reset: rotate failed", "session", key, "error", err)
		}
	}
}

// Info is a lightweight session descriptor for listing.
type Info struct {
	Key        string    `json:"key"`
	AgentID    string    `json:"agentId"`
	EntryCount int       `json:"entryCount"`
	Created    time.Time `json:"created"`
	Updated    time.Time `json:"updated"`
}

// List snapshots all live sessions.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.sessions))
	for key, s := range m.sessions {
		out = append(out, Info{
			Key:        key,
			AgentID:    s.AgentID,
			EntryCount: len(s.entries),
			Created:    s.Created,
			Updated:    s.Updated,
		})
	}
	return out
}

// SweepIdle evicts sessions idle past the TTL. Transcripts are already on
// disk; only the in-memory struct is released. Returns evicted keys.
func (m *Manager) SweepIdle() []string {
	cutoff := time.Now().Add(-m.idleTTL)

	m.mu.Lock()
	var evicted []string
	for key, s := range m.sessions {
		if s.Updated.Before(cutoff) {
			delete(m.sessions, key)
			evicted = append(evicted, key)
		}
	}
	hook := m.onEvict
	m.mu.Unlock()

	if hook != nil {
		for _, key := range evicted {
			hook(key)
		}
	}
	return evicted
}

// RunSweeper evicts idle sessions periodically until stop is closed.
func (m *Manager) RunSweeper(stop <-chan struct{}, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if evicted := m.SweepIdle(); len(evicted) > 0 {
				slog.Debug("evicted idle sessions", "count", len(evicted))
			}
		}
	}
}

// --- persistence ---

func (m *Manager) logPath(agent, key string) string {
	if agent == "" {
		agent = "default"
	}
	return filepath.Join(m.stateDir, "sessions", sanitizeAgent(agent), routing.FileSafeKey(strings.ToLower(key))+".jsonl")
}

func (m *Manager) appendFile(agent, key string, e Entry) {
	if m.stateDir == "" {
		return
	}
	path := m.logPath(agent, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		slog.Warn("session log mkdir failed", "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		slog.Warn("session log open failed", "session", key, "error", err)
		return
	}
	defer f.Close()
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		slog.Warn("session log write failed", "session", key, "error", err)
	}
}

func (m *Manager) loadTail(agent, key string, limit int) []Entry {
	if m.stateDir == "" {
		return nil
	}
	f, err := os.Open(m.logPath(agent, key))
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

func sanitizeAgent(agent string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, strings.ToLower(agent))
}
