package execplane

import "sync"

const (
	// DefaultOutputCap bounds combined stdout+stderr per invocation.
	DefaultOutputCap = 200_000
	// DefaultOutputTail is how much trailing output survives an overflow.
	DefaultOutputTail = 20_000

	truncationMarker = "…(truncated)…\n"
)

// CappedBuffer collects command output under a hard byte cap. Past the
// cap it keeps only the trailing tail, so the transcript sees how a noisy
// command ended rather than how it began.
type CappedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	cap     int
	tail    int
	total   int
	clipped bool
}

func NewCappedBuffer(capBytes, tailBytes int) *CappedBuffer {
	if capBytes <= 0 {
		capBytes = DefaultOutputCap
	}
	if tailBytes <= 0 || tailBytes > capBytes {
		tailBytes = DefaultOutputTail
	}
	return &CappedBuffer{cap: capBytes, tail: tailBytes}
}

// Write implements io.Writer; safe for concurrent stdout/stderr pipes.
func (b *CappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += len(p)
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.cap {
		b.clipped = true
		b.buf = b.buf[len(b.buf)-b.tail:]
	}
	return len(p), nil
}

// String renders the captured output, with the truncation marker
// prepended when the cap was exceeded.
func (b *CappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clipped {
		return truncationMarker + string(b.buf)
	}
	return string(b.buf)
}

// Truncated reports whether output was clipped; Total is the raw byte
// count before capping.
func (b *CappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clipped
}

func (b *CappedBuffer) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
