// Command forge runs the autonomous task-execution platform: the
// embedded store, the premium-CLI health monitor, the approval
// subsystem, the pipeline engine, the scheduler's three periodic
// ticks, and the background routines engine, all in one process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/agentfiles"
	"github.com/lothar100/forge/internal/approval"
	"github.com/lothar100/forge/internal/config"
	"github.com/lothar100/forge/internal/email"
	"github.com/lothar100/forge/internal/executor"
	"github.com/lothar100/forge/internal/health"
	"github.com/lothar100/forge/internal/httpapi"
	"github.com/lothar100/forge/internal/model"
	"github.com/lothar100/forge/internal/pipeline"
	"github.com/lothar100/forge/internal/routines"
	"github.com/lothar100/forge/internal/scheduler"
	"github.com/lothar100/forge/internal/store"
	"github.com/lothar100/forge/resilience"
	"github.com/lothar100/forge/telemetry"
)

func main() {
	dbPath := flag.String("db", "", "path to the embedded database file (overrides DB_PATH)")
	dataDir := flag.String("data-dir", "data", "base directory for agent preamble files")
	cliBin := flag.String("claude-bin", "claude", "premium-model CLI binary to invoke")
	remoteURL := flag.String("remote-url", "", "base URL of the remote-LLM job gateway (overrides REMOTE_LLM_URL)")
	remoteKey := flag.String("remote-key", "", "API key for the remote-LLM job gateway (overrides REMOTE_LLM_API_KEY)")
	flag.Parse()

	opts := []config.Option{}
	if *dbPath != "" {
		opts = append(opts, config.WithDBPath(*dbPath))
	}
	cfg := config.New(opts...)

	logger := core.NewProductionLogger("forge", cfg.LogFormat, cfg.LogLevel)

	db, err := store.Open(cfg.DBPath, store.WithLogger(logger))
	if err != nil {
		logger.Error("failed to open store", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()

	if err := seed(context.Background(), db, *dataDir, logger); err != nil {
		logger.Error("failed to seed defaults", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	healthMonitor := health.New(db,
		health.WithLogger(logger),
		health.WithThresholds(cfg.ClaudeConsecutiveRateLimitsForDaily, cfg.ClaudeRateLimitWindow, cfg.ClaudeUnavailableCooldown),
	)

	approver := approval.New(db, approval.WithLogger(logger), approval.WithDefaultTTL(cfg.ApprovalTTL))

	mailer := email.New(email.Config{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
	}, email.WithLogger(logger))

	files := agentfiles.New(*dataDir, agentfiles.WithLogger(logger))

	var tel pipeline.Telemetry = &core.NoOpTelemetry{}
	httpTracingEnabled := false
	if cfg.TelemetryEnabled {
		telCfg := telemetry.UseProfile(telemetry.ProfileProduction).WithOverrides(telemetry.Config{
			ServiceName: "forge",
			Endpoint:    cfg.TelemetryEndpoint,
		})
		if err := telemetry.Initialize(telCfg); err != nil {
			logger.Warn("telemetry provider unavailable, continuing without spans/metrics", map[string]interface{}{"error": err.Error()})
		} else if provider := telemetry.GetTelemetryProvider(); provider == nil {
			logger.Warn("telemetry initialized but no provider registered, continuing without spans/metrics", nil)
		} else {
			tel = provider
			httpTracingEnabled = true
			logger.EnableMetrics()
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = telemetry.Shutdown(shutdownCtx)
			}()
		}
	}

	cliBreakerDeps := resilience.ResilienceDependencies{Logger: logger}
	resilience.WithTelemetry(tel)(&cliBreakerDeps)
	cliBreaker, err := resilience.CreateCircuitBreaker("premium-cli", cliBreakerDeps)
	if err != nil {
		logger.Error("failed to build premium-cli circuit breaker", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	registry := executor.NewRegistry()
	registry.Register("premium-cli", executor.NewCLIAdapter(*cliBin, healthMonitor,
		executor.WithCLILogger(logger), executor.WithCLITimeout(cfg.ClaudeCLITimeout),
		executor.WithCircuitBreaker(cliBreaker)))
	registry.Register("local-job", executor.NewLocalAdapter(db, executor.WithLocalLogger(logger)))
	if url := envOr(*remoteURL, "REMOTE_LLM_URL"); url != "" {
		registry.Register("remote-llm", executor.NewRemoteAdapter(url, envOr(*remoteKey, "REMOTE_LLM_API_KEY"),
			executor.WithRemoteLogger(logger)))
	}

	engine := pipeline.New(db, files, registry, pipeline.WithLogger(logger), pipeline.WithTelemetry(tel))

	sched := scheduler.New(db, engine, healthMonitor, approver, mailer, cfg.MaxConcurrentRunners,
		scheduler.WithLogger(logger),
		scheduler.WithTicks(cfg.SchedulerTick, cfg.OpenclawPoll),
		scheduler.WithApproval(cfg.ScheduleApprovalLead, cfg.ApprovalTTL, cfg.PublicBaseURL, cfg.ApproverEmail),
	)

	routinesEngine := routines.New(db, mailer,
		routines.WithLogger(logger),
		routines.WithStatusReportRecipient(firstNonEmpty(cfg.StatusReportEmailTo, cfg.ApproverEmail)),
		routines.WithOpenclawEnabled(cfg.OpenclawEnabled),
	)

	approvalAPI := httpapi.New(db, approver, httpapi.WithLogger(logger))
	rootMux := http.NewServeMux()
	rootMux.Handle("/", approvalAPI.Mux())
	if httpTracingEnabled {
		rootMux.HandleFunc("/telemetry/health", telemetry.HealthHandler)
	}
	var approvalHandler http.Handler = rootMux
	if httpTracingEnabled {
		approvalHandler = telemetry.TracingMiddleware("forge")(approvalHandler)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           approvalHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received, draining in-flight work", nil)
		cancel()
		<-sigCh
		logger.Warn("second shutdown signal received, forcing exit", nil)
		os.Exit(1)
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); sched.Run(ctx) }()
	go func() { defer wg.Done(); runRoutinesLoop(ctx, routinesEngine, cfg.RoutinesTick, logger) }()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	logger.Info("forge started", map[string]interface{}{
		"db_path":     cfg.DBPath,
		"data_dir":    *dataDir,
		"http_listen": cfg.HTTPListenAddr,
	})

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http server failed", map[string]interface{}{"error": err.Error()})
	}

	wg.Wait()
	logger.Info("forge stopped", nil)
}

// runRoutinesLoop ticks the routines engine on its own interval until
// ctx is cancelled, independently of the scheduler's own ticks.
func runRoutinesLoop(ctx context.Context, engine *routines.Engine, interval time.Duration, logger core.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.Tick(ctx)
		}
	}
}

func envOr(flagVal, envName string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv(envName)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// seed populates the four default agents and their pipelines on an
// empty database, so a fresh install has a working programming/
// architecture/reviewing/reporting rotation without any manual setup.
func seed(ctx context.Context, db *store.Store, dataDir string, logger core.Logger) error {
	n, err := db.CountAgents(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	logger.Info("seeding default agents and pipelines", nil)

	files := agentfiles.New(dataDir, agentfiles.WithLogger(logger))

	pipelineDefs := []struct {
		name, description, taskType string
		blocks                      []pipeline.Block
	}{
		{
			name:        "Programming Pipeline",
			description: "Implements a task, reviews the diff, and escalates to the premium CLI on repeated failure.",
			taskType:    "programming",
			blocks: []pipeline.Block{
				{Type: "executor", Config: map[string]interface{}{"executor": "remote-llm"}},
				{Type: "review", Config: map[string]interface{}{"executor": "remote-llm", "pass_action": "skip_to_done"}},
				{Type: "retry", Config: map[string]interface{}{"max_retries": 2, "target_index": 0}},
				{Type: "escalate", Config: map[string]interface{}{"executor": "premium-cli", "on_limit": "queue"}},
				{Type: "done", Config: map[string]interface{}{}},
			},
		},
		{
			name:        "Reviewing Pipeline",
			description: "Reviews another task's output and records a PASS/FAIL verdict.",
			taskType:    "review",
			blocks: []pipeline.Block{
				{Type: "executor", Config: map[string]interface{}{"executor": "remote-llm"}},
				{Type: "done", Config: map[string]interface{}{}},
			},
		},
		{
			name:        "Reporting Pipeline",
			description: "Summarizes recent completions into a status report.",
			taskType:    "reporting",
			blocks: []pipeline.Block{
				{Type: "executor", Config: map[string]interface{}{"executor": "remote-llm"}},
				{Type: "done", Config: map[string]interface{}{}},
			},
		},
		{
			name:        "Architecture Pipeline",
			description: "Plans or resolves a blocked task, escalating to the premium CLI when the remote model stalls.",
			taskType:    "architecture",
			blocks: []pipeline.Block{
				{Type: "executor", Config: map[string]interface{}{"executor": "remote-llm"}},
				{Type: "review", Config: map[string]interface{}{"executor": "remote-llm", "pass_action": "skip_to_done"}},
				{Type: "escalate", Config: map[string]interface{}{"executor": "premium-cli", "on_limit": "queue"}},
				{Type: "done", Config: map[string]interface{}{}},
			},
		},
	}

	pipelineIDs := make(map[string]int64, len(pipelineDefs))
	for _, pd := range pipelineDefs {
		raw, err := json.Marshal(pd.blocks)
		if err != nil {
			return err
		}
		id, err := db.CreatePipeline(ctx, &model.Pipeline{
			Name:        pd.name,
			Description: pd.description,
			TaskType:    pd.taskType,
			BlocksJSON:  string(raw),
			IsActive:    true,
		})
		if err != nil {
			return err
		}
		pipelineIDs[pd.taskType] = id
	}

	agentDefs := []struct {
		name string
		role model.AgentRole
	}{
		{"Programmer", model.RoleProgramming},
		{"Architect", model.RoleArchitecture},
		{"Reviewer", model.RoleReviewing},
		{"Reporter", model.RoleReporting},
	}

	roleTaskType := map[model.AgentRole]string{
		model.RoleProgramming:  "programming",
		model.RoleArchitecture: "architecture",
		model.RoleReviewing:    "review",
		model.RoleReporting:    "reporting",
	}

	for _, ad := range agentDefs {
		pid := pipelineIDs[roleTaskType[ad.role]]
		if _, err := db.CreateAgent(ctx, &model.Agent{
			Name:         ad.name,
			Role:         ad.role,
			DefaultModel: "default",
			PipelineID:   &pid,
			IsActive:     true,
		}); err != nil {
			return err
		}
		if _, err := files.EnsureAgentDir(ad.name, ad.role); err != nil {
			return err
		}
	}

	defaultRoutines := []struct {
		name            string
		kind            model.RoutineKind
		claimUnassigned bool
		description     string
	}{
		{"Idle Autostart", model.RoutineIdleAutostart, true, "Resets stale runs, advances completed work, and claims unassigned tasks for idle agents."},
		{"Review Autocreate", model.RoutineReviewAutocreate, false, "Creates a review task for every task that reaches dev_done."},
		{"Blocked Resolution", model.RoutineBlockedResolution, false, "Routes blocked tasks to the architect for a resolution plan."},
		{"Planning Next Phase", model.RoutinePlanningNextPhase, false, "Requests a new plan once all active work is done or blocked."},
		{"Status Report Email", model.RoutineStatusReportEmail, false, "Emails a periodic summary of completed work."},
	}
	for _, rd := range defaultRoutines {
		if _, err := db.CreateRoutine(ctx, &model.Routine{
			Name:            rd.name,
			Kind:            rd.kind,
			IsEnabled:       true,
			ClaimUnassigned: rd.claimUnassigned,
			Description:     rd.description,
		}); err != nil {
			return err
		}
	}

	return nil
}
