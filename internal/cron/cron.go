// Package cron runs the configured scheduled triggers: each due job posts
// a system event on its target session and schedules an agent turn there,
// subject to the same per-session serialization as any other turn.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/fluxgate/fluxgate/internal/config"
	"github.com/fluxgate/fluxgate/internal/sessions"
)

// tickInterval is the due-check granularity. Expressions have minute
// resolution; runDue truncates the reference time to the minute, so two
// checks per minute hit every boundary without double-firing.
const tickInterval = 30 * time.Second

// JobInfo is one configured job as reported over the control plane.
type JobInfo struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Session  string `json:"session,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
	LastRun  int64  `json:"lastRun,omitempty"` // unix ms, 0 = never
	NextRun  int64  `json:"nextRun,omitempty"` // unix ms
}

// Service evaluates job schedules and fires turns. Invalid expressions are
// rejected at construction rather than silently skipped forever.
type Service struct {
	cfg     *config.Config
	manager *sessions.Manager
	sched   *sessions.Scheduler
	gron    *gronx.Gronx

	// notify, when set, announces each fired job to the control plane.
	notify func(jobID, runID string)

	mu      sync.Mutex
	lastRun map[string]time.Time // job id → last fire time

	now func() time.Time // test hook
}

func New(cfg *config.Config, manager *sessions.Manager, sched *sessions.Scheduler) (*Service, error) {
	s := &Service{
		cfg:     cfg,
		manager: manager,
		sched:   sched,
		gron:    gronx.New(),
		lastRun: make(map[string]time.Time),
		now:     time.Now,
	}
	for _, job := range cfg.Cron.Jobs {
		if !s.gron.IsValid(job.Expr) {
			return nil, fmt.Errorf("cron job %q: invalid expression %q", job.ID, job.Expr)
		}
		if job.SessionKey == "" {
			return nil, fmt.Errorf("cron job %q: session_key is required", job.ID)
		}
	}
	return s, nil
}

// SetNotify wires the fired-job broadcast hook.
func (s *Service) SetNotify(fn func(jobID, runID string)) { s.notify = fn }

// Run ticks until ctx is done.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(s.now())
		}
	}
}

// runDue fires every enabled job whose schedule matches now. A job fires at
// most once per minute regardless of tick cadence.
func (s *Service) runDue(now time.Time) {
	for _, job := range s.cfg.Cron.Jobs {
		if job.Disabled {
			continue
		}
		// IsDue matches the exact reference time; unaligned ticks must be
		// snapped back to the minute they fall in.
		due, err := s.gron.IsDue(job.Expr, now.Truncate(time.Minute))
		if err != nil || !due {
			continue
		}
		s.mu.Lock()
		last, fired := s.lastRun[job.ID]
		sameMinute := fired && last.Truncate(time.Minute).Equal(now.Truncate(time.Minute))
		if !sameMinute {
			s.lastRun[job.ID] = now
		}
		s.mu.Unlock()
		if sameMinute {
			continue
		}
		s.fire(job, now)
	}
}

// RunNow fires a job immediately, outside its schedule.
func (s *Service) RunNow(name string) (string, error) {
	for _, job := range s.cfg.Cron.Jobs {
		if job.ID != name {
			continue
		}
		now := s.now()
		s.mu.Lock()
		s.lastRun[job.ID] = now
		s.mu.Unlock()
		return s.fire(job, now), nil
	}
	return "", fmt.Errorf("unknown cron job %q", name)
}

func (s *Service) fire(job config.CronJob, now time.Time) string {
	agentID := job.Agent
	if agentID == "" {
		agentID = s.cfg.DefaultAgentID()
	}
	prompt := job.Prompt
	if prompt == "" {
		prompt = fmt.Sprintf("Scheduled trigger %q fired.", job.ID)
	}

	sess := s.manager.GetOrCreate(job.SessionKey, agentID)
	sess.Events.Pushf("cron trigger %s fired at %s", job.ID, now.UTC().Format(time.RFC3339))

	runID := s.sched.Submit(job.SessionKey, agentID, []sessions.Input{
		{Text: prompt, Sender: "cron:" + job.ID, TS: now.UnixMilli()},
	}, "")
	slog.Info("cron job fired", "job", job.ID, "session", job.SessionKey, "run", runID)
	if s.notify != nil {
		s.notify(job.ID, runID)
	}
	return runID
}

// Jobs snapshots every configured job with its next fire time.
func (s *Service) Jobs() []JobInfo {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.cfg.Cron.Jobs))
	for _, job := range s.cfg.Cron.Jobs {
		info := JobInfo{
			Name:     job.ID,
			Schedule: job.Expr,
			Session:  job.SessionKey,
			Disabled: job.Disabled,
		}
		if last, ok := s.lastRun[job.ID]; ok {
			info.LastRun = last.UnixMilli()
		}
		if next, err := gronx.NextTickAfter(job.Expr, now, false); err == nil {
			info.NextRun = next.UnixMilli()
		}
		out = append(out, info)
	}
	return out
}
