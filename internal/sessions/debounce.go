package sessions

import (
	"sync"
	"time"
)

// Debouncer coalesces bursty inbound messages per session before a turn is
// scheduled. Push either starts a window timer or extends the running one;
// expiry (or a forced flush) delivers everything buffered as one composite
// input with original arrival timestamps preserved.
type Debouncer struct {
	mu      sync.Mutex
	pending map[string]*debounceEntry
	flush   func(sessionKey string, inputs []Input)
}

type debounceEntry struct {
	inputs []Input
	timer  *time.Timer
}

// NewDebouncer creates a debouncer delivering flushed batches to flush.
func NewDebouncer(flush func(sessionKey string, inputs []Input)) *Debouncer {
	return &Debouncer{
		pending: make(map[string]*debounceEntry),
		flush:   flush,
	}
}

// Push buffers an input for the session. A zero window bypasses buffering
// and flushes immediately (still as a one-element batch).
func (d *Debouncer) Push(sessionKey string, window time.Duration, in Input) {
	if in.TS == 0 {
		in.TS = time.Now().UnixMilli()
	}
	if window <= 0 {
		d.flush(sessionKey, []Input{in})
		return
	}

	d.mu.Lock()
	entry, ok := d.pending[sessionKey]
	if !ok {
		entry = &debounceEntry{}
		d.pending[sessionKey] = entry
	}
	entry.inputs = append(entry.inputs, in)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(window, func() { d.FlushNow(sessionKey) })
	d.mu.Unlock()
}

// FlushNow forces delivery of anything buffered for the session, e.g. when
// a control command must not wait out the window.
func (d *Debouncer) FlushNow(sessionKey string) {
	d.mu.Lock()
	entry, ok := d.pending[sessionKey]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, sessionKey)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	inputs := entry.inputs
	d.mu.Unlock()

	if len(inputs) > 0 {
		d.flush(sessionKey, inputs)
	}
}

// Evict drops buffered state for a session without flushing. Called on
// session idle eviction.
func (d *Debouncer) Evict(sessionKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.pending[sessionKey]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(d.pending, sessionKey)
	}
}

// PendingLen reports the buffered message count for a session (tests).
func (d *Debouncer) PendingLen(sessionKey string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.pending[sessionKey]; ok {
		return len(entry.inputs)
	}
	return 0
}
