package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-cortex/internal/agent"
	"github.com/basket/go-cortex/internal/agent/anthropicagent"
	"github.com/basket/go-cortex/internal/agent/genkitagent"
	"github.com/basket/go-cortex/internal/agent/subprocess"
	"github.com/basket/go-cortex/internal/audit"
	"github.com/basket/go-cortex/internal/bus"
	"github.com/basket/go-cortex/internal/config"
	"github.com/basket/go-cortex/internal/engine"
	otelPkg "github.com/basket/go-cortex/internal/otel"
	"github.com/basket/go-cortex/internal/telemetry"
)

type runOptions struct {
	transcript   string
	parentPID    int
	budget       float64
	storeDriver  string
	dbPath       string
	dsn          string
	backend      string
	logLevel     string
	quiet        bool
	noWatch      bool
	enableRoles  []string
	disableRoles []string
	roleBudgets  []string
	project      string
	batchWindow  time.Duration
	batchMin     int
	batchMax     int
}

func newRunCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the coordinator for one session until it ends",
		Long: `Run the coordinator for one session. It polls the store for the
session's work items, drives the agent roles and records its lifecycle.
It exits on SIGINT/SIGTERM, a lifecycle "end" item, budget exhaustion,
parent exit, or when another process replaces its record.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCoordinator(cmd, g, o)
		},
	}
	bindRunFlags(cmd, o)
	return cmd
}

func bindRunFlags(cmd *cobra.Command, o *runOptions) {
	f := cmd.Flags()
	f.StringVar(&o.transcript, "transcript", "", "path of the session transcript (JSONL)")
	f.IntVar(&o.parentPID, "parent-pid", 0, "exit when this process is gone")
	f.Float64Var(&o.budget, "budget", 0, "session budget in USD (0 = unlimited)")
	f.StringVar(&o.storeDriver, "store", "", "store driver: sqlite or postgres")
	f.StringVar(&o.dbPath, "db", "", "sqlite database path")
	f.StringVar(&o.dsn, "dsn", "", "postgres connection string")
	f.StringVar(&o.backend, "backend", "", "agent backend: cli, genkit or anthropic")
	f.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.BoolVar(&o.quiet, "quiet", false, "log to the file only")
	f.BoolVar(&o.noWatch, "no-watch", false, "do not watch the transcript for growth")
	f.StringSliceVar(&o.enableRoles, "enable", nil, "roles to enable (repeatable)")
	f.StringSliceVar(&o.disableRoles, "disable", nil, "roles to disable (repeatable)")
	f.StringArrayVar(&o.roleBudgets, "role-budget", nil, "per-role cost ceiling as role=usd (repeatable)")
	f.StringVar(&o.project, "project", "", "project directory the workers run in")
	f.DurationVar(&o.batchWindow, "batch-window", 0, "learner batch window")
	f.IntVar(&o.batchMin, "batch-min", 0, "observations that flush a learner batch early")
	f.IntVar(&o.batchMax, "batch-max", 0, "most observations per learner batch")
}

// overlay applies explicitly set flags on top of file and env settings.
func (o *runOptions) overlay(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("transcript") {
		cfg.TranscriptPath = o.transcript
	}
	if f.Changed("parent-pid") {
		cfg.ParentPID = o.parentPID
	}
	if f.Changed("budget") {
		cfg.SessionBudgetUSD = o.budget
	}
	if f.Changed("store") {
		cfg.Store.Driver = o.storeDriver
	}
	if f.Changed("db") {
		cfg.Store.Path = o.dbPath
	}
	if f.Changed("dsn") {
		cfg.Store.DSN = o.dsn
	}
	if f.Changed("backend") {
		cfg.Backend.Kind = o.backend
	}
	if f.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	for _, r := range o.enableRoles {
		cfg.SetRoleEnabled(agent.Role(r), true)
	}
	for _, r := range o.disableRoles {
		cfg.SetRoleEnabled(agent.Role(r), false)
	}
	if f.Changed("project") {
		cfg.ProjectDir = o.project
	}
	if f.Changed("batch-window") {
		cfg.Policy.BatchWindow = o.batchWindow
	}
	if f.Changed("batch-min") {
		cfg.Policy.BatchMin = o.batchMin
	}
	if f.Changed("batch-max") {
		cfg.Policy.BatchMax = o.batchMax
	}
	for _, spec := range o.roleBudgets {
		role, usd, err := parseRoleBudget(spec)
		if err != nil {
			return err
		}
		cfg.SetRoleCost(role, usd)
	}
	return nil
}

// parseRoleBudget splits a --role-budget value of the form role=usd.
func parseRoleBudget(spec string) (agent.Role, float64, error) {
	name, value, ok := strings.Cut(spec, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", 0, fmt.Errorf("--role-budget %q: want role=usd", spec)
	}
	usd, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || usd < 0 {
		return "", 0, fmt.Errorf("--role-budget %q: usd must be a non-negative number", spec)
	}
	return agent.Role(name), usd, nil
}

func newBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (agent.Backend, error) {
	switch cfg.Backend.Kind {
	case config.BackendGenkit:
		b, err := genkitagent.New(ctx, genkitagent.Config{
			Provider: cfg.Backend.Provider,
			APIKey:   cfg.Backend.APIKey,
			BaseURL:  cfg.Backend.BaseURL,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendAnthropic:
		b, err := anthropicagent.New(anthropicagent.Config{
			APIKey:  cfg.Backend.APIKey,
			BaseURL: cfg.Backend.BaseURL,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendCLI, "":
		return &subprocess.Backend{Binary: cfg.Backend.Binary, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend.Kind)
	}
}

func runCoordinator(cmd *cobra.Command, g *globalOptions, o *runOptions) error {
	cfg, err := g.load()
	if err != nil {
		fatalStartup(nil, cfg, "E_CONFIG_LOAD", err)
	}
	if err := o.overlay(cmd, &cfg); err != nil {
		fatalStartup(nil, cfg, "E_CONFIG_INVALID", err)
	}
	if err := cfg.Validate(); err != nil {
		fatalStartup(nil, cfg, "E_CONFIG_INVALID", err)
	}

	// Audit first so a logger failure is still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, cfg, "E_AUDIT_INIT", err)
	}

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, o.quiet)
	if err != nil {
		fatalStartup(nil, cfg, "E_LOGGER_INIT", err)
	}
	logger = logger.With("session_id", cfg.SessionID)
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_fingerprint", cfg.Fingerprint(),
		"store", cfg.Store.Driver, "backend", cfg.Backend.Kind)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, cfg.OTel, otelPkg.Identity{SessionID: cfg.SessionID, Version: Version})
	if err != nil {
		fatalStartup(logger, cfg, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()
	store, err := openStore(ctx, cfg, eventBus)
	if err != nil {
		fatalStartup(logger, cfg, "E_STORE_OPEN", err)
	}
	logger.Info("startup phase", "phase", "schema_migrated")

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		fatalStartup(logger, cfg, "E_BACKEND_INIT", err)
	}
	reg, err := agent.NewRegistry(cfg.RoleConfigs())
	if err != nil {
		fatalStartup(logger, cfg, "E_REGISTRY_INIT", err)
	}

	auditCtx, stopAudit := context.WithCancel(context.Background())
	auditDone := audit.Follow(auditCtx, eventBus)

	// The coordinator calls Exit once shutdown finished or its grace ran
	// out; the process exits here, after telemetry and audit are flushed.
	exitCh := make(chan int, 1)
	coord, err := engine.New(engine.Config{
		SessionID:        cfg.SessionID,
		TranscriptPath:   cfg.TranscriptPath,
		ParentPID:        cfg.ParentPID,
		SessionBudgetUSD: cfg.SessionBudgetUSD,
		Policy:           cfg.Policy,
		Store:            store,
		Backend:          backend,
		Registry:         reg,
		Bus:              eventBus,
		Logger:           logger,
		Tracer:           otelProvider.Tracer,
		Meter:            otelProvider.Meter,
		WatchTranscript:  cfg.TranscriptPath != "" && !o.noWatch,
		Exit: func(code int) {
			select {
			case exitCh <- code:
			default:
			}
		},
	})
	if err != nil {
		fatalStartup(logger, cfg, "E_ENGINE_INIT", err)
	}
	if err := coord.Start(ctx); err != nil {
		_ = store.Close()
		fatalStartup(logger, cfg, "E_ENGINE_START", err)
	}
	logger.Info("startup phase", "phase", "running", "roles", reg.SummaryJSON())

	watchConfig(ctx, g.resolvedConfigPath(cfg), cmd.Flags().Changed("budget"), coord, level, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		go func() { _ = coord.Shutdown(context.Background(), engine.ReasonSignal) }()
	case <-coord.Done():
	case code := <-exitCh:
		exitCh <- code
	}
	code := <-exitCh

	flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := otelProvider.Shutdown(flushCtx); err != nil {
		logger.Warn("otel shutdown failed", "error", err)
	}
	stopAudit()
	<-auditDone
	_ = audit.Close()
	logger.Info("shutdown complete", "reason", coord.Reason(), "exit_code", code)
	_ = closer.Close()
	os.Exit(code)
	return nil
}

// watchConfig applies hot settings (log level, session budget) when the
// config file changes. A budget given on the command line wins over the
// file for the life of the process.
func watchConfig(ctx context.Context, path string, budgetPinned bool, coord *engine.Coordinator, level *slog.LevelVar, logger *slog.Logger) {
	w := config.NewWatcher(path, logger)
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "path", path, "error", err)
		return
	}
	go func() {
		for ev := range w.Events() {
			hot, err := config.ReloadHot(ev.Path)
			if err != nil {
				logger.Error("config reload rejected; retaining previous settings", "error", err)
				continue
			}
			level.Set(telemetry.ParseLevel(hot.LogLevel))
			if !budgetPinned {
				coord.SetSessionBudget(hot.SessionBudgetUSD)
			}
			logger.Info("config hot-reloaded", "log_level", hot.LogLevel, "session_budget_usd", hot.SessionBudgetUSD)
		}
	}()
}
