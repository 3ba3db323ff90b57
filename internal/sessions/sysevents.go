package sessions

import (
	"fmt"
	"sync"
)

// SysEvents is a per-session bounded FIFO of notes surfaced at the top of
// the next turn's prompt: exec outcomes, approval resolutions, pairing
// notifications, cron triggers. Overflow drops the oldest entries; the
// drain call reports how many were lost.
type SysEvents struct {
	mu      sync.Mutex
	buf     []string
	cap     int
	dropped int
}

// NewSysEvents creates a ring holding at most capacity notes (default 64).
func NewSysEvents(capacity int) *SysEvents {
	if capacity <= 0 {
		capacity = 64
	}
	return &SysEvents{cap: capacity}
}

// Push appends a note, evicting the oldest entry when full.
func (s *SysEvents) Push(note string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) >= s.cap {
		drop := len(s.buf) - s.cap + 1
		s.buf = s.buf[drop:]
		s.dropped += drop
	}
	s.buf = append(s.buf, note)
}

// Pushf is Push with formatting.
func (s *SysEvents) Pushf(format string, args ...any) {
	s.Push(fmt.Sprintf(format, args...))
}

// Drain atomically removes and returns all pending notes, oldest first.
// When entries were dropped since the last drain, the first returned note
// is an explicit marker so the agent knows the record is incomplete.
func (s *SysEvents) Drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 && s.dropped == 0 {
		return nil
	}
	out := make([]string, 0, len(s.buf)+1)
	if s.dropped > 0 {
		out = append(out, fmt.Sprintf("(%d earlier events dropped)", s.dropped))
		s.dropped = 0
	}
	out = append(out, s.buf...)
	s.buf = s.buf[:0]
	return out
}

// Len returns the number of buffered notes.
func (s *SysEvents) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}
