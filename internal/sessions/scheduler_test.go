package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingSink captures sequenced events per run id.
type recordingSink struct {
	mu     sync.Mutex
	events map[string][]TurnEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: make(map[string][]TurnEvent)}
}

func (r *recordingSink) sink(turn *Turn, ev TurnEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[turn.RunID] = append(r.events[turn.RunID], ev)
}

func (r *recordingSink) forRun(runID string) []TurnEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TurnEvent, len(r.events[runID]))
	copy(out, r.events[runID])
	return out
}

func (r *recordingSink) waitTerminal(t *testing.T, runID string) []TurnEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		evs := r.forRun(runID)
		if len(evs) > 0 && evs[len(evs)-1].IsTerminal() {
			return evs
		}
		select {
		case <-deadline:
			t.Fatalf("run %s never reached a terminal event: %v", runID, evs)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// runnerFunc adapts a func to TurnRunner.
type runnerFunc func(ctx context.Context, turn *Turn, emit func(TurnEvent)) error

func (f runnerFunc) RunTurn(ctx context.Context, turn *Turn, emit func(TurnEvent)) error {
	return f(ctx, turn, emit)
}

func TestScheduler_SeqGaplessAndTerminalLast(t *testing.T) {
	sink := newRecordingSink()
	s := NewScheduler(runnerFunc(func(ctx context.Context, turn *Turn, emit func(TurnEvent)) error {
		emit(AssistantDelta("hel"))
		emit(AssistantDelta("lo"))
		emit(ToolCallStart("exec", "t1", nil))
		emit(ToolCallEnd("t1", "ok", false))
		return nil
	}), sink.sink, 8)
	defer s.Close()

	runID := s.Submit("web:default:dm:u1", "default", []Input{{Text: "hi"}}, "")
	evs := sink.waitTerminal(t, runID)

	for i, ev := range evs {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("seq[%d] = %d, want %d (events: %v)", i, ev.Seq, i+1, evs)
		}
	}
	if evs[0].Stream != "lifecycle" || evs[0].Data["kind"] != "started" {
		t.Errorf("first event = %+v, want lifecycle started", evs[0])
	}
	last := evs[len(evs)-1]
	if last.Data["kind"] != "done" {
		t.Errorf("terminal = %+v, want done", last)
	}
}

func TestScheduler_DrainsNotesIntoTurn(t *testing.T) {
	sink := newRecordingSink()
	got := make(chan []string, 1)
	s := NewScheduler(runnerFunc(func(ctx context.Context, turn *Turn, emit func(TurnEvent)) error {
		got <- turn.SystemNotes
		return nil
	}), sink.sink, 8)
	defer s.Close()

	manager := NewManager("", 16, time.Hour)
	s.SetNoteDrain(manager.DrainEvents)

	sess := manager.GetOrCreate("web:default:dm:u1", "default")
	sess.Events.Push("cron trigger digest fired")

	runID := s.Submit("web:default:dm:u1", "default", []Input{{Text: "hi"}}, "")
	sink.waitTerminal(t, runID)

	notes := <-got
	if len(notes) != 1 || notes[0] != "cron trigger digest fired" {
		t.Errorf("turn notes = %v, want the pushed system event", notes)
	}
	if sess.Events.Len() != 0 {
		t.Error("ring not drained at turn start")
	}
}

func TestScheduler_SerialPerSession(t *testing.T) {
	var mu sync.Mutex
	active := 0
	maxActive := 0

	sink := newRecordingSink()
	s := NewScheduler(runnerFunc(func(ctx context.Context, turn *Turn, emit func(TurnEvent)) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}), sink.sink, 8)
	defer s.Close()

	var runs []string
	for i := 0; i < 4; i++ {
		runs = append(runs, s.Submit("k", "default", []Input{{Text: "m"}}, ""))
	}
	for _, r := range runs {
		sink.waitTerminal(t, r)
	}

	mu.Lock()
	defer mu.Unlock()
	if maxActive != 1 {
		t.Errorf("max concurrent turns on one session = %d, want 1", maxActive)
	}
}

func TestScheduler_OverflowMergesIntoLastQueued(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	sink := newRecordingSink()
	s := NewScheduler(runnerFunc(func(ctx context.Context, turn *Turn, emit func(TurnEvent)) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}), sink.sink, 2)
	defer s.Close()

	first := s.Submit("k", "a", []Input{{Text: "running"}}, "")
	<-started
	q1 := s.Submit("k", "a", []Input{{Text: "q1"}}, "")
	q2 := s.Submit("k", "a", []Input{{Text: "q2"}}, "")
	merged := s.Submit("k", "a", []Input{{Text: "overflow"}}, "")

	if merged != q2 {
		t.Errorf("overflow should merge into last queued run %s, got %s", q2, merged)
	}

	close(release)
	for _, r := range []string{first, q1, q2} {
		sink.waitTerminal(t, r)
	}
}

func TestScheduler_IdempotentSubmit(t *testing.T) {
	sink := newRecordingSink()
	var runsStarted int32
	var mu sync.Mutex
	s := NewScheduler(runnerFunc(func(ctx context.Context, turn *Turn, emit func(TurnEvent)) error {
		mu.Lock()
		runsStarted++
		mu.Unlock()
		return nil
	}), sink.sink, 8)
	defer s.Close()

	a := s.SubmitIdempotent("k", "agent", []Input{{Text: "x"}}, "", "idem-1")
	b := s.SubmitIdempotent("k", "agent", []Input{{Text: "x"}}, "", "idem-1")
	if a != b {
		t.Errorf("idempotent retry produced a second run: %s vs %s", a, b)
	}
	sink.waitTerminal(t, a)

	mu.Lock()
	defer mu.Unlock()
	if runsStarted != 1 {
		t.Errorf("runs started = %d, want 1", runsStarted)
	}
}

func TestScheduler_CancelRunningTurn(t *testing.T) {
	started := make(chan struct{})
	sink := newRecordingSink()
	s := NewScheduler(runnerFunc(func(ctx context.Context, turn *Turn, emit func(TurnEvent)) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}), sink.sink, 8)
	defer s.Close()

	runID := s.Submit("k", "a", []Input{{Text: "x"}}, "")
	<-started
	if !s.Cancel(runID, "/stop") {
		t.Fatal("Cancel returned false for a running turn")
	}

	evs := sink.waitTerminal(t, runID)
	last := evs[len(evs)-1]
	if last.Data["kind"] != "cancelled" || last.Data["reason"] != "/stop" {
		t.Errorf("terminal = %+v, want cancelled:/stop", last)
	}
}

func TestScheduler_CancelQueuedTurn(t *testing.T) {
	release := make(chan struct{})
	sink := newRecordingSink()
	s := NewScheduler(runnerFunc(func(ctx context.Context, turn *Turn, emit func(TurnEvent)) error {
		<-release
		return nil
	}), sink.sink, 8)
	defer s.Close()

	running := s.Submit("k", "a", []Input{{Text: "1"}}, "")
	queued := s.Submit("k", "a", []Input{{Text: "2"}}, "")

	if !s.Cancel(queued, "operator") {
		t.Fatal("Cancel returned false for a queued turn")
	}
	evs := sink.waitTerminal(t, queued)
	if len(evs) != 1 || evs[0].Data["kind"] != "cancelled" {
		t.Errorf("queued cancel events = %v", evs)
	}

	close(release)
	sink.waitTerminal(t, running)

	// The cancelled queued turn never ran.
	if got := sink.forRun(queued); len(got) != 1 {
		t.Errorf("cancelled turn emitted extra events: %v", got)
	}
}

func TestScheduler_FailureEmitsTypedTerminal(t *testing.T) {
	sink := newRecordingSink()
	s := NewScheduler(runnerFunc(func(ctx context.Context, turn *Turn, emit func(TurnEvent)) error {
		return errors.New("provider exploded")
	}), sink.sink, 8)
	defer s.Close()

	runID := s.Submit("k", "a", []Input{{Text: "x"}}, "")
	evs := sink.waitTerminal(t, runID)
	last := evs[len(evs)-1]
	if last.Data["kind"] != "failed" {
		t.Errorf("terminal = %+v, want failed", last)
	}
	if last.Data["message"] != "provider exploded" {
		t.Errorf("message = %v", last.Data["message"])
	}
}

func TestScheduler_OrderingAcrossTurns(t *testing.T) {
	sink := newRecordingSink()
	var order []string
	var mu sync.Mutex
	s := NewScheduler(runnerFunc(func(ctx context.Context, turn *Turn, emit func(TurnEvent)) error {
		mu.Lock()
		order = append(order, turn.Inputs[0].Text)
		mu.Unlock()
		return nil
	}), sink.sink, 8)
	defer s.Close()

	var runs []string
	for _, m := range []string{"t1", "t2", "t3"} {
		runs = append(runs, s.Submit("k", "a", []Input{{Text: m}}, ""))
	}
	for _, r := range runs {
		sink.waitTerminal(t, r)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"t1", "t2", "t3"} {
		if order[i] != want {
			t.Fatalf("turn order = %v", order)
		}
	}
}
