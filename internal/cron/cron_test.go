package cron

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fluxgate/fluxgate/internal/config"
	"github.com/fluxgate/fluxgate/internal/sessions"
)

type recordingRunner struct {
	mu    sync.Mutex
	turns []*sessions.Turn
	done  chan struct{}
}

func (r *recordingRunner) RunTurn(_ context.Context, turn *sessions.Turn, _ func(sessions.TurnEvent)) error {
	r.mu.Lock()
	r.turns = append(r.turns, turn)
	r.mu.Unlock()
	select {
	case r.done <- struct{}{}:
	default:
	}
	return nil
}

func (r *recordingRunner) wait(t *testing.T) *sessions.Turn {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never ran")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turns[len(r.turns)-1]
}

func newTestService(t *testing.T, jobs []config.CronJob) (*Service, *recordingRunner, *sessions.Manager) {
	t.Helper()
	cfg := config.Default()
	cfg.Cron.Jobs = jobs

	runner := &recordingRunner{done: make(chan struct{}, 16)}
	manager := sessions.NewManager(t.TempDir(), 0, 0)
	sched := sessions.NewScheduler(runner, func(*sessions.Turn, sessions.TurnEvent) {}, 0)
	sched.SetNoteDrain(manager.DrainEvents)
	t.Cleanup(sched.Close)

	svc, err := New(cfg, manager, sched)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, runner, manager
}

func TestNew_RejectsInvalidExpression(t *testing.T) {
	cfg := config.Default()
	cfg.Cron.Jobs = []config.CronJob{{ID: "bad", Expr: "not a cron", SessionKey: "cron:x"}}
	manager := sessions.NewManager(t.TempDir(), 0, 0)
	if _, err := New(cfg, manager, nil); err == nil {
		t.Fatal("New accepted an invalid expression")
	}

	cfg.Cron.Jobs = []config.CronJob{{ID: "nokey", Expr: "* * * * *"}}
	if _, err := New(cfg, manager, nil); err == nil {
		t.Fatal("New accepted a job without a session key")
	}
}

func TestRunNow_FiresTurnWithSystemEvent(t *testing.T) {
	svc, runner, manager := newTestService(t, []config.CronJob{
		{ID: "digest", Expr: "0 9 * * *", SessionKey: "cron:digest", Prompt: "Summarize the day."},
	})

	runID, err := svc.RunNow("digest")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if runID == "" {
		t.Fatal("RunNow returned empty run id")
	}

	turn := runner.wait(t)
	if turn.SessionKey != "cron:digest" {
		t.Errorf("session = %q, want cron:digest", turn.SessionKey)
	}
	if len(turn.Inputs) != 1 || turn.Inputs[0].Text != "Summarize the day." {
		t.Errorf("inputs = %+v, want the job prompt", turn.Inputs)
	}
	if !strings.HasPrefix(turn.Inputs[0].Sender, "cron:") {
		t.Errorf("sender = %q, want cron: prefix", turn.Inputs[0].Sender)
	}
	if len(turn.SystemNotes) != 1 || !strings.Contains(turn.SystemNotes[0], "digest") {
		t.Errorf("system notes = %v, want one note naming the job", turn.SystemNotes)
	}

	if manager.Get("cron:digest") == nil {
		t.Error("session was not created")
	}
}

func TestRunNow_UnknownJob(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	if _, err := svc.RunNow("ghost"); err == nil {
		t.Fatal("RunNow accepted an unknown job name")
	}
}

func TestRunDue_FiresOncePerMinute(t *testing.T) {
	svc, runner, _ := newTestService(t, []config.CronJob{
		{ID: "tick", Expr: "* * * * *", SessionKey: "cron:tick"},
	})

	at := time.Date(2026, 3, 1, 12, 30, 10, 0, time.UTC)
	svc.runDue(at)
	runner.wait(t)

	// Second check in the same minute must not re-fire.
	svc.runDue(at.Add(30 * time.Second))
	time.Sleep(100 * time.Millisecond)
	runner.mu.Lock()
	fired := len(runner.turns)
	runner.mu.Unlock()
	if fired != 1 {
		t.Fatalf("fired %d times within one minute, want 1", fired)
	}

	// Next minute fires again.
	svc.runDue(at.Add(time.Minute))
	runner.wait(t)
}

func TestRunDue_SkipsDisabledAndOffSchedule(t *testing.T) {
	svc, runner, _ := newTestService(t, []config.CronJob{
		{ID: "off", Expr: "* * * * *", SessionKey: "cron:off", Disabled: true},
		{ID: "nine", Expr: "0 9 * * *", SessionKey: "cron:nine"},
	})

	svc.runDue(time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC))
	time.Sleep(100 * time.Millisecond)
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.turns) != 0 {
		t.Fatalf("fired %d jobs, want 0", len(runner.turns))
	}
}

func TestJobs_ReportsSchedule(t *testing.T) {
	svc, _, _ := newTestService(t, []config.CronJob{
		{ID: "digest", Expr: "0 9 * * *", SessionKey: "cron:digest"},
		{ID: "tick", Expr: "* * * * *", SessionKey: "cron:tick"},
	})

	if _, err := svc.RunNow("digest"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	jobs := svc.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
	byName := map[string]JobInfo{}
	for _, j := range jobs {
		byName[j.Name] = j
	}
	if byName["digest"].LastRun == 0 {
		t.Error("digest LastRun not recorded after RunNow")
	}
	if byName["tick"].NextRun == 0 {
		t.Error("tick NextRun not computed")
	}
	if byName["digest"].Schedule != "0 9 * * *" {
		t.Errorf("schedule = %q", byName["digest"].Schedule)
	}
}
