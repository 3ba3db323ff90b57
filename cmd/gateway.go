package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fluxgate/fluxgate/internal/agent"
	"github.com/fluxgate/fluxgate/internal/audit"
	"github.com/fluxgate/fluxgate/internal/config"
	"github.com/fluxgate/fluxgate/internal/cron"
	"github.com/fluxgate/fluxgate/internal/execplane"
	"github.com/fluxgate/fluxgate/internal/gateway"
	"github.com/fluxgate/fluxgate/internal/outbound"
	"github.com/fluxgate/fluxgate/internal/pairing"
	"github.com/fluxgate/fluxgate/internal/sessions"
	"github.com/fluxgate/fluxgate/internal/tools"
	"github.com/fluxgate/fluxgate/internal/tracing"
	"github.com/fluxgate/fluxgate/pkg/protocol"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		if cfg.Gateway.Hardening {
			slog.Error("config validation failed", "error", err)
			os.Exit(2)
		}
		slog.Warn("config validation failed, continuing with defaults", "error", err)
	}

	stateDir := cfg.StateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		slog.Error("cannot create state dir", "dir", stateDir, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	traceShutdown, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, tracing disabled", "error", err)
	} else {
		defer traceShutdown(context.Background())
	}

	// Audit is best-effort: a broken trail degrades observability, not service.
	auditLog, err := audit.Open(filepath.Join(stateDir, "audit.db"))
	if err != nil {
		slog.Warn("audit log unavailable", "error", err)
		auditLog = nil
	} else {
		defer auditLog.Close()
	}

	pairStore, err := pairing.NewStore(stateDir, cfg.Pairing.TTLSec, cfg.Pairing.MaxPending, auditLog)
	if err != nil {
		slog.Error("cannot open pairing store", "error", err)
		os.Exit(1)
	}
	seedAllowlists(cfg, pairStore)

	manager := sessions.NewManager(stateDir, cfg.Sessions.EventBufSize,
		time.Duration(cfg.Sessions.IdleTTLMin)*time.Minute)
	go manager.RunSweeper(ctx.Done(), time.Minute)

	registry := gateway.NewRegistry()
	approvals := execplane.NewApprovals(stateDir,
		time.Duration(cfg.Exec.ApprovalTimeoutSec)*time.Second, auditLog)
	approvals.SetNotifiers(
		func(req execplane.Request) {
			registry.BroadcastScoped(protocol.ScopeApprovals,
				protocol.NewEvent(protocol.EventApprovalReq, req))
		},
		func(id, decision string) {
			registry.BroadcastScoped(protocol.ScopeApprovals,
				protocol.NewEvent(protocol.EventApprovalRes, map[string]any{
					"approvalId": id,
					"decision":   decision,
				}))
		},
	)
	plane := execplane.NewPlane(cfg, approvals, manager, auditLog, registry)
	plane.SetNotify(func(event string, data map[string]any) {
		registry.BroadcastScoped(protocol.ScopeRead, protocol.NewEvent(event, data))
	})

	toolsReg := agent.NewRegistry()
	toolsReg.Register(execplane.NewExecTool(plane))
	toolsReg.Register(tools.NewSessionsListTool(manager))
	toolsReg.Register(tools.NewSessionHistoryTool(manager))

	// The outbound router closes the loop driver -> router -> plugin; it is
	// constructed after the core, so the driver reaches it through a late
	// binding.
	var router *outbound.Router
	deliver := func(sessionKey, agentID, text string) {
		router.DeliverToSession(sessionKey, agentID, text)
	}

	model := gateway.NewNodeModel(registry, cfg.Agents.ModelNode)
	driver := agent.NewDriver(cfg, model, manager, toolsReg, deliver)

	scheduler := sessions.NewScheduler(driver, func(turn *sessions.Turn, ev sessions.TurnEvent) {
		registry.PublishAgentEvent(turn.SessionKey, turn.RunID, ev.Seq, ev.Stream, ev.Data)
	}, cfg.Sessions.QueueBound)
	scheduler.SetNoteDrain(manager.DrainEvents)
	defer scheduler.Close()

	voicewake, err := gateway.NewVoicewake(stateDir)
	if err != nil {
		slog.Error("cannot load voicewake state", "error", err)
		os.Exit(1)
	}

	core := gateway.NewCore(gateway.CoreDeps{
		Config:    cfg,
		Manager:   manager,
		Scheduler: scheduler,
		Pairing:   pairStore,
		Voicewake: voicewake,
	})

	router = outbound.NewRouter(core.Resolver(), manager, registry, registry,
		func(sessionKey string, ev sessions.TurnEvent) {
			registry.PublishAgentEvent(sessionKey, "", ev.Seq, ev.Stream, ev.Data)
		})
	toolsReg.Register(outbound.NewMessageTool(router))

	cronSvc, err := cron.New(cfg, manager, scheduler)
	if err != nil {
		slog.Error("invalid cron config", "error", err)
		os.Exit(1)
	}
	cronSvc.SetNotify(func(jobID, runID string) {
		registry.BroadcastScoped(protocol.ScopeRead,
			protocol.NewEvent(protocol.EventCron, map[string]any{
				"jobId": jobID,
				"runId": runID,
			}))
	})
	go cronSvc.Run(ctx)

	methodRouter := gateway.NewMethodRouter(core, registry, approvals, Version)
	methodRouter.SetCron(cronSvc)

	onReload := func() {
		core.RebuildResolver()
		seedAllowlists(cfg, pairStore)
		slog.Info("config reloaded", "path", cfgPath)
	}
	methodRouter.SetReload(func() error {
		return config.Reload(cfgPath, cfg, onReload)
	})
	go func() {
		if err := config.Watch(ctx, cfgPath, cfg, onReload); err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	server := gateway.NewServer(cfg, Version, core, registry, methodRouter)

	slog.Info("fluxgate gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"bind", cfg.Gateway.Bind,
		"port", cfg.Gateway.Port,
		"tools", toolsReg.List(),
		"cron_jobs", len(cfg.Cron.Jobs),
	)

	// Tailscale serves the same mux on its own listener. Compiled via build
	// tags: `go build -tags tsnet` to enable.
	mux := server.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// seedAllowlists pushes config-declared allow entries into the pairing
// store. Runs at boot and again on every config reload.
func seedAllowlists(cfg *config.Config, store *pairing.Store) {
	for name, cc := range cfg.ChannelsSnapshot() {
		if len(cc.Allow) > 0 {
			store.SeedAllow(name, cc.Allow)
		}
	}
}
