package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TurnRunner executes one agent turn, emitting unsequenced events through
// emit. The scheduler assigns sequence numbers and owns all terminal
// lifecycle events: runners report completion through their return value
// (nil = done, context.Canceled = cancelled, anything else = failed).
type TurnRunner interface {
	RunTurn(ctx context.Context, turn *Turn, emit func(TurnEvent)) error
}

// EventSink receives every sequenced event of every turn, in order.
type EventSink func(turn *Turn, ev TurnEvent)

// idempotencyWindow bounds how long a chat.send retry maps to its first run.
const idempotencyWindow = 2 * time.Minute

// Scheduler enforces at-most-one running turn per session with a bounded
// FIFO backlog. One worker goroutine per session owns the queue; events for
// turn k+1 never precede the terminal event of turn k.
type Scheduler struct {
	runner     TurnRunner
	sink       EventSink
	queueBound int

	// drainNotes, when set, empties the session's pending system events
	// into each turn just before it runs.
	drainNotes func(sessionKey string) []string

	mu      sync.Mutex
	workers map[string]*worker
	runs    map[string]*runHandle
	idem    map[string]idemEntry

	wg     sync.WaitGroup
	closed bool
}

type worker struct {
	sessionKey string
	queue      []*Turn
	wake       chan struct{}
	active     *runHandle
}

type runHandle struct {
	turn   *Turn
	cancel context.CancelFunc // nil while queued
	reason string
}

type idemEntry struct {
	runID string
	at    time.Time
}

// NewScheduler creates a scheduler running turns through runner and fanning
// sequenced events to sink.
func NewScheduler(runner TurnRunner, sink EventSink, queueBound int) *Scheduler {
	if queueBound <= 0 {
		queueBound = 8
	}
	return &Scheduler{
		runner:     runner,
		sink:       sink,
		queueBound: queueBound,
		workers:    make(map[string]*worker),
		runs:       make(map[string]*runHandle),
		idem:       make(map[string]idemEntry),
	}
}

// SetNoteDrain wires the system-event drain applied at turn start.
func (s *Scheduler) SetNoteDrain(fn func(sessionKey string) []string) { s.drainNotes = fn }

// Submit enqueues a turn and returns its run id without waiting. When the
// session backlog is full the inputs are merged into the last queued turn
// (whose run id is returned) instead of being dropped.
func (s *Scheduler) Submit(sessionKey, agentID string, inputs []Input, thinking string) string {
	return s.SubmitIdempotent(sessionKey, agentID, inputs, thinking, "")
}

// SubmitIdempotent is Submit with an idempotency key: a retry carrying the
// same key within the retry window returns the original run id and does not
// schedule a second turn.
func (s *Scheduler) SubmitIdempotent(sessionKey, agentID string, inputs []Input, thinking, idemKey string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ""
	}

	if idemKey != "" {
		if e, ok := s.idem[idemKey]; ok && time.Since(e.at) < idempotencyWindow {
			return e.runID
		}
	}

	w, ok := s.workers[sessionKey]
	if !ok {
		w = &worker{sessionKey: sessionKey, wake: make(chan struct{}, 1)}
		s.workers[sessionKey] = w
		s.wg.Add(1)
		go s.runWorker(w)
	}

	if len(w.queue) >= s.queueBound {
		last := w.queue[len(w.queue)-1]
		last.Inputs = append(last.Inputs, inputs...)
		slog.Debug("turn backlog full, merged input", "session", sessionKey, "run", last.RunID)
		if idemKey != "" {
			s.idem[idemKey] = idemEntry{runID: last.RunID, at: time.Now()}
		}
		return last.RunID
	}

	turn := &Turn{
		SessionKey: sessionKey,
		RunID:      uuid.NewString(),
		AgentID:    agentID,
		Inputs:     inputs,
		Thinking:   thinking,
		State:      TurnQueued,
	}
	w.queue = append(w.queue, turn)
	s.runs[turn.RunID] = &runHandle{turn: turn}
	if idemKey != "" {
		s.idem[idemKey] = idemEntry{runID: turn.RunID, at: time.Now()}
		s.pruneIdemLocked()
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return turn.RunID
}

// Cancel cooperatively aborts a run. A queued turn is removed and closed
// with a terminal cancelled event; a running turn has its context cancelled
// and the worker emits the terminal event when the runner returns.
func (s *Scheduler) Cancel(runID, reason string) bool {
	s.mu.Lock()
	h, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	h.reason = reason

	if h.cancel != nil {
		cancel := h.cancel
		s.mu.Unlock()
		cancel()
		return true
	}

	// Still queued: remove from its worker's backlog.
	w := s.workers[h.turn.SessionKey]
	if w != nil {
		for i, t := range w.queue {
			if t.RunID == runID {
				w.queue = append(w.queue[:i], w.queue[i+1:]...)
				break
			}
		}
	}
	delete(s.runs, runID)
	turn := h.turn
	s.mu.Unlock()

	turn.State = TurnCancelled
	ev := Lifecycle("cancelled", map[string]any{"reason": reason})
	ev.Seq = 1
	s.sink(turn, ev)
	return true
}

// EvictSession drops the idle worker for a session. Queued turns, if any,
// keep the worker alive.
func (s *Scheduler) EvictSession(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[sessionKey]
	if !ok {
		return
	}
	if len(w.queue) == 0 && w.active == nil {
		delete(s.workers, sessionKey)
		close(w.wake)
	}
}

// Close stops accepting work and waits for active turns to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for _, w := range s.workers {
		close(w.wake)
	}
	s.workers = make(map[string]*worker)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) runWorker(w *worker) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(w.queue) == 0 {
			s.mu.Unlock()
			if _, ok := <-w.wake; !ok {
				return
			}
			continue
		}
		turn := w.queue[0]
		w.queue = w.queue[1:]

		ctx, cancel := context.WithCancel(context.Background())
		h := s.runs[turn.RunID]
		if h == nil {
			// Cancelled while queued and already finalized.
			s.mu.Unlock()
			cancel()
			continue
		}
		h.cancel = cancel
		w.active = h
		s.mu.Unlock()

		s.runTurn(ctx, w, turn, h)
		cancel()

		s.mu.Lock()
		w.active = nil
		delete(s.runs, turn.RunID)
		s.mu.Unlock()
	}
}

func (s *Scheduler) runTurn(ctx context.Context, w *worker, turn *Turn, h *runHandle) {
	turn.State = TurnRunning
	turn.StartedAt = time.Now()
	if s.drainNotes != nil {
		turn.SystemNotes = append(turn.SystemNotes, s.drainNotes(turn.SessionKey)...)
	}

	var seq uint64
	emit := func(ev TurnEvent) {
		seq++
		ev.Seq = seq
		s.sink(turn, ev)
	}

	emit(Lifecycle("started", map[string]any{"runId": turn.RunID}))

	err := s.runner.RunTurn(ctx, turn, emit)

	switch {
	case err == nil:
		turn.State = TurnDone
		emit(Lifecycle("done", nil))
	case errors.Is(err, context.Canceled):
		turn.State = TurnCancelled
		reason := h.reason
		if reason == "" {
			reason = "cancelled"
		}
		emit(Lifecycle("cancelled", map[string]any{"reason": reason}))
	default:
		turn.State = TurnFailed
		slog.Warn("turn failed", "session", turn.SessionKey, "run", turn.RunID, "error", err)
		emit(Lifecycle("failed", map[string]any{"errorKind": failureKind(err), "message": err.Error()}))
	}
}

// FailureKind classifies a terminal error for the lifecycle failed event.
type kindedError interface{ Kind() string }

func failureKind(err error) string {
	var k kindedError
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

func (s *Scheduler) pruneIdemLocked() {
	if len(s.idem) < 256 {
		return
	}
	cutoff := time.Now().Add(-idempotencyWindow)
	for k, e := range s.idem {
		if e.at.Before(cutoff) {
			delete(s.idem, k)
		}
	}
}
