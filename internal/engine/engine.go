// Package engine is the coordination core: it polls the work queue for one
// session, routes items to worker roles, races the two retrievers, batches
// observations for the learner, governs the session budget, triggers
// compaction and curation, swaps session identity on reset and owns the
// shutdown state machine.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-cortex/internal/agent"
	"github.com/basket/go-cortex/internal/bus"
	"github.com/basket/go-cortex/internal/config"
	"github.com/basket/go-cortex/internal/cron"
	cortexotel "github.com/basket/go-cortex/internal/otel"
	"github.com/basket/go-cortex/internal/persistence"
	"github.com/basket/go-cortex/internal/procwatch"
	"github.com/basket/go-cortex/internal/shared"
	"github.com/basket/go-cortex/internal/transcript"
)

// Store is the queue store as the coordinator uses it. Both the SQLite and
// PostgreSQL stores satisfy it.
type Store interface {
	ClaimBatch(ctx context.Context, sessionID, owner string, limit int) ([]persistence.WorkItem, error)
	SetStatus(ctx context.Context, itemID int64, status persistence.ItemStatus) error
	Requeue(ctx context.Context, itemID int64) error
	FailOutstanding(ctx context.Context, sessionID string) (int64, error)
	RecoverStale(ctx context.Context, sessionID, owner string) (int64, error)

	WriteResult(ctx context.Context, r persistence.RetrievalResult) (int64, error)

	UpsertLifecycleRecord(ctx context.Context, rec persistence.OrchestratorRecord) error
	TouchLifecycleRecord(ctx context.Context, rec persistence.OrchestratorRecord) (bool, error)
	FinalizeLifecycleRecord(ctx context.Context, sessionID string, status persistence.LifecycleStatus) (bool, error)
	ReadLifecycleStatus(ctx context.Context, sessionID string) (persistence.LifecycleStatus, error)
	GetLifecycleRecord(ctx context.Context, sessionID string) (*persistence.OrchestratorRecord, error)

	AppendCompaction(ctx context.Context, rec persistence.CompactionRecord) error
	LatestCompaction(ctx context.Context, sessionID string) (*persistence.CompactionRecord, error)

	UpsertAgentUsage(ctx context.Context, u persistence.AgentUsage) error

	Close() error
}

type Config struct {
	SessionID        string
	TranscriptPath   string
	ParentPID        int
	SessionBudgetUSD float64
	Policy           config.Policy

	Store    Store
	Backend  agent.Backend
	Registry *agent.Registry
	Bus      *bus.Bus
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Meter    metric.Meter

	// Exit ends the process. Nil means shutdown returns without exiting,
	// which is what tests want.
	Exit func(code int)
	// Probe checks parent liveness; defaults to procwatch.Probe.
	Probe func(pid int) procwatch.Liveness
	// WatchTranscript enables fsnotify growth nudges.
	WatchTranscript bool
}

// Coordinator owns all mutable orchestration state for one process.
type Coordinator struct {
	cfg     Config
	policy  config.Policy
	store   Store
	backend agent.Backend
	reg     *agent.Registry
	bus     *bus.Bus
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *cortexotel.Metrics
	budget  *Budget
	owner   string
	pid     int
	probe   func(int) procwatch.Liveness

	mu             sync.Mutex
	sessionID      string
	retired        []string // earlier identities still polled for requeued items
	transcriptPath string
	turns          *boundedList
	surfaced       *boundedList
	buffer         []persistence.WorkItem
	batchTimer     *time.Timer
	compaction     compactionState

	startOnce sync.Once
	cancel    context.CancelFunc
	running   atomic.Bool
	stopping  atomic.Bool
	stopCh    chan struct{}
	done      chan struct{}
	loopDone  chan struct{}
	flushCh   chan struct{}
	workers   sync.WaitGroup
	exitOnce  sync.Once
	reason    atomic.Value // Reason

	curator *cron.Scheduler
	watcher *transcript.Watcher
}

// New validates cfg and builds a coordinator. Policy fields left at zero
// take the defaults.
func New(cfg Config) (*Coordinator, error) {
	if cfg.SessionID == "" {
		return nil, config.ErrMissingSession
	}
	if cfg.Store == nil || cfg.Backend == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("engine: store, backend and registry are required")
	}
	pol := cfg.Policy.WithDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(cortexotel.TracerName)
	}
	meter := cfg.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(cortexotel.MeterName)
	}
	metrics, err := cortexotel.NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("engine metrics: %w", err)
	}
	probe := cfg.Probe
	if probe == nil {
		probe = procwatch.Probe
	}
	eventBus := cfg.Bus
	if eventBus == nil {
		eventBus = bus.New()
	}

	c := &Coordinator{
		cfg:            cfg,
		policy:         pol,
		store:          cfg.Store,
		backend:        cfg.Backend,
		reg:            cfg.Registry,
		bus:            eventBus,
		log:            logger.With("component", "engine"),
		tracer:         tracer,
		metrics:        metrics,
		budget:         NewBudget(cfg.SessionBudgetUSD),
		owner:          uuid.NewString(),
		pid:            os.Getpid(),
		probe:          probe,
		sessionID:      cfg.SessionID,
		transcriptPath: cfg.TranscriptPath,
		turns:          newBoundedList(pol.TurnWindow),
		surfaced:       newBoundedList(pol.SurfacedLimit),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
		loopDone:       make(chan struct{}),
		flushCh:        make(chan struct{}, 1),
	}
	if _, err := meter.Float64ObservableGauge("cortex.session.cost",
		metric.WithDescription("Running session cost"),
		metric.WithUnit("USD"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(c.budget.Total())
			return nil
		}),
	); err != nil {
		return nil, fmt.Errorf("engine session cost gauge: %w", err)
	}
	return c, nil
}

// Start records the session as starting, recovers items stranded by a dead
// predecessor, seeds the compaction version, flips to running and launches
// the event loop.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.stopping.Load() {
		return ErrShuttingDown
	}
	var startErr error
	started := false
	c.startOnce.Do(func() {
		started = true
		startErr = c.start(ctx)
	})
	if !started {
		return fmt.Errorf("engine already started")
	}
	return startErr
}

func (c *Coordinator) start(ctx context.Context) error {
	sessionID := c.session()
	ctx = shared.WithSessionID(ctx, sessionID)
	ctx = shared.WithRunID(ctx, c.owner)

	if err := c.store.UpsertLifecycleRecord(ctx, c.record(sessionID, persistence.StatusStarting)); err != nil {
		return fmt.Errorf("record starting: %w", err)
	}
	if n, err := c.store.RecoverStale(ctx, sessionID, c.owner); err != nil {
		c.log.Warn("stale item recovery failed", "session_id", sessionID, "error", err)
	} else if n > 0 {
		c.log.Info("recovered stale items", "session_id", sessionID, "count", n)
	}
	c.seedCompaction(ctx, sessionID)
	if err := c.store.UpsertLifecycleRecord(ctx, c.record(sessionID, persistence.StatusRunning)); err != nil {
		return fmt.Errorf("record running: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.running.Store(true)

	if c.cfg.WatchTranscript {
		c.watcher = transcript.NewWatcher(c.transcript(), time.Second, c.log)
		if err := c.watcher.Start(loopCtx); err != nil {
			c.log.Warn("transcript watcher unavailable", "error", err)
			c.watcher = nil
		}
	}
	if c.reg.Enabled(agent.RoleCurator) {
		sched, err := cron.NewScheduler(cron.Config{
			Name:     "curator",
			Expr:     c.policy.CuratorSchedule,
			Interval: c.policy.CuratorCheckInterval,
			Logger:   c.log,
			Fire: func(ctx context.Context) {
				if !c.startCurator(ctx, nil, "schedule") {
					c.log.Info("scheduled curator pass skipped: worker busy")
				}
			},
		})
		if err != nil {
			c.log.Warn("curator schedule invalid; scheduled passes disabled", "error", err)
		} else if sched != nil {
			sched.Start(loopCtx)
			c.mu.Lock()
			c.curator = sched
			c.mu.Unlock()
		}
	}

	go c.loop(loopCtx)
	c.log.Info("coordinator running",
		"session_id", sessionID,
		"owner", c.owner,
		"roles", len(c.reg.Snapshot()),
		"budget_usd", c.budget.Ceiling(),
	)
	return nil
}

// loop is the single event loop. Worker invocations run in their own
// goroutines; everything here returns quickly except the reset sequence.
func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.loopDone)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event loop panic", "panic", r)
			c.requestShutdown(ReasonCrash)
		}
	}()

	poll := time.NewTicker(c.policy.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(c.policy.HeartbeatInterval)
	defer heartbeat.Stop()
	compaction := time.NewTicker(c.policy.CompactionCheckInterval)
	defer compaction.Stop()

	var nudges <-chan struct{}
	if c.watcher != nil {
		nudges = c.watcher.Nudges()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-poll.C:
			c.pollOnce(ctx)
		case <-heartbeat.C:
			c.heartbeat(ctx)
		case <-compaction.C:
			c.maybeCompact(ctx, nil)
		case <-nudges:
			c.maybeCompact(ctx, nil)
		case <-c.flushCh:
			c.flushLearner(ctx)
		}
	}
}

// goWorker runs fn in a tracked goroutine detached from loop cancellation:
// worker calls are never cancelled mid-flight.
func (c *Coordinator) goWorker(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("worker panic", "panic", r)
			}
		}()
		fn(ctx)
	}()
}

// Done is closed once shutdown has finished its best-effort steps.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// SessionID returns the active session identity.
func (c *Coordinator) SessionID() string {
	return c.session()
}

// Budget exposes the governor for status reporting.
func (c *Coordinator) Budget() *Budget {
	return c.budget
}

// SetSessionBudget applies a reloaded session ceiling. Lowering it below the
// current total triggers shutdown.
func (c *Coordinator) SetSessionBudget(usd float64) {
	if c.budget.SetCeiling(usd) {
		c.onExhausted()
	}
}

func (c *Coordinator) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// claimSessions lists the active session first, then every retired one.
func (c *Coordinator) claimSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.retired)+1)
	out = append(out, c.sessionID)
	return append(out, c.retired...)
}

func (c *Coordinator) transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcriptPath
}

func (c *Coordinator) record(sessionID string, status persistence.LifecycleStatus) persistence.OrchestratorRecord {
	now := time.Now().UTC()
	return persistence.OrchestratorRecord{
		SessionID:       sessionID,
		ProcessID:       c.pid,
		ParentProcessID: c.cfg.ParentPID,
		Status:          status,
		WorkerHandles:   c.reg.SummaryJSON(),
		BudgetsSpent:    c.budget.JSON(),
		HeartbeatAt:     &now,
	}
}
