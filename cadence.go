// Package cadence is the public API for embedding the cadence agent
// orchestration core.
//
// Consumers import this package to run autonomous agents without forking it:
//
//	app, err := cadence.New(
//	    cadence.WithVersion(version),
//	    cadence.WithLogger(logger),
//	    cadence.WithAgent("seo", seoExecutor, "content_published"),
//	    cadence.WithAgent("content", contentExecutor),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: cadence (root) imports
// internal/*, but internal/* never imports cadence (root). Public types
// (Cycle, Learning, Goal, etc.) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package cadence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/cadencehq/cadence/internal/bus"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/cycle"
	"github.com/cadencehq/cadence/internal/dedup"
	"github.com/cadencehq/cadence/internal/goal"
	"github.com/cadencehq/cadence/internal/learning"
	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/orchestrator"
	"github.com/cadencehq/cadence/internal/storage"
	"github.com/cadencehq/cadence/internal/telemetry"
	"github.com/cadencehq/cadence/migrations"
)

// Sentinel errors surfaced through the public API.
var (
	// ErrAgentBusy means the agent already has an open cycle; retry later or
	// wait on the open cycle.
	ErrAgentBusy = cycle.ErrAgentBusy

	// ErrInvalidGoalTransition means the requested goal transition is not
	// permitted from the goal's current status; the goal is unchanged.
	ErrInvalidGoalTransition = goal.ErrInvalidGoalTransition
)

// App is the cadence application lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	bus          *bus.Bus
	machine      *cycle.Machine
	goals        *goal.Tracker
	learnings    *learning.Store
	dedup        *dedup.Deduplicator
	orch         *orchestrator.Orchestrator
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the app. It connects to the database, runs migrations, and
// wires all subsystems. It does NOT start any goroutines — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.confidenceGain != 0 {
		cfg.ConfidenceGain = o.confidenceGain
	}
	if o.confidenceDecay != 0 {
		cfg.ConfidenceDecay = o.confidenceDecay
	}
	if o.cycleInterval != 0 {
		cfg.CycleInterval = o.cycleInterval
	}
	if o.stuckCycleTimeout != 0 {
		cfg.StuckCycleTimeout = o.stuckCycleTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("cadence starting", "version", version)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// Run embedded migrations, then any extras.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Wire subsystems.
	eventBus := bus.New(db, logger, cfg.PollFallback)
	machine := cycle.NewMachine(db, logger)
	goals := goal.NewTracker(db, logger)
	learnings := learning.NewStore(db, logger, learning.Policy{
		Gain:  cfg.ConfidenceGain,
		Decay: cfg.ConfidenceDecay,
	})
	deduplicator := dedup.New(db, logger)

	orch := orchestrator.New(db, machine, eventBus, goals, learnings, logger, orchestrator.Config{
		CycleInterval:     cfg.CycleInterval,
		StuckCycleTimeout: cfg.StuckCycleTimeout,
		PollBatchSize:     cfg.PollBatchSize,
		PollBlockTimeout:  cfg.PollBlockTimeout,
		PublishRetries:    cfg.PublishRetries,
		PublishBaseDelay:  cfg.PublishBaseDelay,
	})
	for _, spec := range o.agents {
		if err := orch.Register(orchestrator.Agent{
			ID:            spec.id,
			Executor:      &executorAdapter{e: spec.executor},
			Subscriptions: spec.subscriptions,
		}); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, err
		}
	}

	return &App{
		cfg:          cfg,
		db:           db,
		bus:          eventBus,
		machine:      machine,
		goals:        goals,
		learnings:    learnings,
		dedup:        deduplicator,
		orch:         orch,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the orchestrator (bus listener, watchdog, one worker per
// registered agent) and blocks until ctx is cancelled or a worker hits a
// fatal error, then shuts down.
func (a *App) Run(ctx context.Context) error {
	runErr := a.orch.Run(ctx)
	if shutdownErr := a.Shutdown(context.Background()); shutdownErr != nil {
		return errors.Join(runErr, shutdownErr)
	}
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}

// Shutdown releases the database pool and flushes telemetry. Safe to call
// after Run returns; Run calls it itself on the normal path.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("cadence shutting down")
	_ = a.otelShutdown(ctx)
	a.db.Close(ctx)
	a.logger.Info("cadence stopped")
	return nil
}

// Publish appends an event to the bus. A nil targetAgent broadcasts to all
// subscribers of the event type. Returns the durable event ID.
func (a *App) Publish(ctx context.Context, eventType, sourceAgent string, targetAgent *string, payload map[string]any) (uuid.UUID, error) {
	ev, err := a.bus.Publish(ctx, model.BusEvent{
		EventType:   eventType,
		SourceAgent: sourceAgent,
		TargetAgent: targetAgent,
		Payload:     payload,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return ev.ID, nil
}

// GetEvent retrieves a published event by ID.
func (a *App) GetEvent(ctx context.Context, id uuid.UUID) (Event, error) {
	ev, err := a.db.GetBusEvent(ctx, id)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:          ev.ID,
		EventType:   ev.EventType,
		SourceAgent: ev.SourceAgent,
		TargetAgent: ev.TargetAgent,
		Payload:     ev.Payload,
		PublishedAt: ev.PublishedAt,
	}, nil
}

// AgentStatus returns the read-only health surface for one agent.
func (a *App) AgentStatus(ctx context.Context, agentID string) (AgentStatus, error) {
	st, err := a.orch.AgentStatus(ctx, agentID)
	if err != nil {
		return AgentStatus{}, err
	}
	return toPublicAgentStatus(st), nil
}

// ListCycles returns an agent's cycles, newest first.
func (a *App) ListCycles(ctx context.Context, agentID string, limit int) ([]Cycle, error) {
	cycles, err := a.db.ListRecentCycles(ctx, agentID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Cycle, len(cycles))
	for i, c := range cycles {
		out[i] = toPublicCycle(c)
	}
	return out, nil
}

// GetLearning retrieves a learning by ID.
func (a *App) GetLearning(ctx context.Context, id uuid.UUID) (Learning, error) {
	l, err := a.learnings.Get(ctx, id)
	if err != nil {
		return Learning{}, err
	}
	return toPublicLearning(l), nil
}

// GetGoal retrieves a goal by ID.
func (a *App) GetGoal(ctx context.Context, id uuid.UUID) (Goal, error) {
	g, err := a.goals.Get(ctx, id)
	if err != nil {
		return Goal{}, err
	}
	return toPublicGoal(g), nil
}

// RecordLearning inserts a new learning and returns its ID.
func (a *App) RecordLearning(ctx context.Context, p LearningParams) (uuid.UUID, error) {
	l, err := a.learnings.Record(ctx, learning.RecordParams{
		AgentID:           p.AgentID,
		CycleID:           p.CycleID,
		Kind:              model.LearningKind(p.Kind),
		Context:           p.Context,
		ActionTaken:       p.ActionTaken,
		ExpectedOutcome:   p.ExpectedOutcome,
		ActualOutcome:     p.ActualOutcome,
		InitialConfidence: p.InitialConfidence,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return l.ID, nil
}

// RevalidateLearning records one more observation of a learning and returns
// the revised confidence. Consistent observations move confidence toward 1.0
// with diminishing returns; inconsistent ones decay it multiplicatively.
func (a *App) RevalidateLearning(ctx context.Context, id uuid.UUID, observedConsistent bool) (float64, error) {
	return a.learnings.Revalidate(ctx, id, observedConsistent)
}

// TopLearnings returns an agent's learnings at or above minConfidence,
// optionally filtered by kind, strongest first.
func (a *App) TopLearnings(ctx context.Context, agentID string, kind *string, minConfidence float64, limit int) ([]Learning, error) {
	var k *model.LearningKind
	if kind != nil {
		mk := model.LearningKind(*kind)
		k = &mk
	}
	ls, err := a.learnings.Top(ctx, agentID, k, minConfidence, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Learning, len(ls))
	for i, l := range ls {
		out[i] = toPublicLearning(l)
	}
	return out, nil
}

// CreateGoal registers a new active goal and returns its ID.
func (a *App) CreateGoal(ctx context.Context, p GoalParams) (uuid.UUID, error) {
	g, err := a.goals.Create(ctx, goal.CreateParams{
		AgentID:      p.AgentID,
		Kind:         model.GoalKind(p.Kind),
		Description:  p.Description,
		TargetMetric: p.TargetMetric,
		TargetValue:  p.TargetValue,
		Direction:    model.GoalDirection(p.Direction),
		Priority:     model.GoalPriority(p.Priority),
	})
	if err != nil {
		return uuid.Nil, err
	}
	return g.ID, nil
}

// UpdateGoalProgress records a new current value for a goal, auto-achieving
// it when the value meets the target in the goal's declared direction.
func (a *App) UpdateGoalProgress(ctx context.Context, goalID uuid.UUID, currentValue float64) (Goal, error) {
	g, err := a.goals.UpdateProgress(ctx, goalID, currentValue)
	if err != nil {
		return Goal{}, err
	}
	return toPublicGoal(g), nil
}

// TransitionGoal moves a goal to newStatus, returning
// ErrInvalidGoalTransition when the current status does not permit it.
func (a *App) TransitionGoal(ctx context.Context, goalID uuid.UUID, newStatus string) (Goal, error) {
	g, err := a.goals.Transition(ctx, goalID, model.GoalStatus(newStatus))
	if err != nil {
		return Goal{}, err
	}
	return toPublicGoal(g), nil
}

// Fingerprint returns the canonical content hash of a snapshot. Snapshots
// that differ only in map key order, numeric representation, or volatile
// timestamp fields hash identically.
func (a *App) Fingerprint(snapshot map[string]any) string {
	return a.dedup.Fingerprint(snapshot)
}

// GetOrCompute returns the stored artifact for (scope, hash) or computes,
// persists, and returns it. fresh reports whether compute ran. Concurrent
// calls for the same hash share one computation.
func (a *App) GetOrCompute(ctx context.Context, scope, hash string, metadata map[string]any, compute func(ctx context.Context) (json.RawMessage, error)) (artifact json.RawMessage, fresh bool, err error) {
	return a.dedup.GetOrCompute(ctx, scope, hash, metadata, dedup.ComputeFunc(compute))
}

// ── Public/internal boundary adapters ─────────────────────────────────────────

// executorAdapter bridges the public Executor interface to the internal
// phase executor contract.
type executorAdapter struct {
	e Executor
}

func (a *executorAdapter) Observe(ctx context.Context, c model.Cycle) (map[string]any, error) {
	return a.e.Observe(ctx, toPublicCycle(c))
}

func (a *executorAdapter) Orient(ctx context.Context, c model.Cycle) (map[string]any, error) {
	return a.e.Orient(ctx, toPublicCycle(c))
}

func (a *executorAdapter) Decide(ctx context.Context, c model.Cycle) (map[string]any, error) {
	return a.e.Decide(ctx, toPublicCycle(c))
}

func (a *executorAdapter) Act(ctx context.Context, c model.Cycle) (map[string]any, error) {
	return a.e.Act(ctx, toPublicCycle(c))
}

func (a *executorAdapter) Reflect(ctx context.Context, c model.Cycle) (map[string]any, error) {
	return a.e.Reflect(ctx, toPublicCycle(c))
}

func toPublicCycle(c model.Cycle) Cycle {
	phases := make(map[Phase]PhaseView, len(model.Phases))
	for _, p := range model.Phases {
		rec := c.PhaseRecord(p)
		phases[Phase(p)] = PhaseView{
			StartedAt:   rec.StartedAt,
			CompletedAt: rec.CompletedAt,
			Payload:     rec.Payload,
		}
	}
	return Cycle{
		ID:          c.ID,
		AgentID:     c.AgentID,
		CycleNumber: c.CycleNumber,
		Status:      string(c.Status),
		Phases:      phases,
		ErrorDetail: c.ErrorDetail,
		CreatedAt:   c.CreatedAt,
		CompletedAt: c.CompletedAt,
	}
}

func toPublicLearning(l model.Learning) Learning {
	return Learning{
		ID:              l.ID,
		AgentID:         l.AgentID,
		CycleID:         l.CycleID,
		Kind:            string(l.Kind),
		Context:         l.Context,
		ActionTaken:     l.ActionTaken,
		ExpectedOutcome: l.ExpectedOutcome,
		ActualOutcome:   l.ActualOutcome,
		Confidence:      l.Confidence,
		ValidationCount: l.ValidationCount,
		CreatedAt:       l.CreatedAt,
	}
}

func toPublicGoal(g model.Goal) Goal {
	return Goal{
		ID:           g.ID,
		AgentID:      g.AgentID,
		Kind:         string(g.Kind),
		Description:  g.Description,
		TargetMetric: g.TargetMetric,
		TargetValue:  g.TargetValue,
		CurrentValue: g.CurrentValue,
		Direction:    string(g.Direction),
		Priority:     string(g.Priority),
		Status:       string(g.Status),
		CreatedAt:    g.CreatedAt,
		AchievedAt:   g.AchievedAt,
	}
}

func toPublicAgentStatus(st model.AgentStatus) AgentStatus {
	out := AgentStatus{
		AgentID:         st.AgentID,
		TotalCycles:     st.Stats.TotalCycles,
		CompletedCycles: st.Stats.CompletedCycles,
		FailedCycles:    st.Stats.FailedCycles,
		SuccessRate:     st.Stats.SuccessRate,
	}
	if st.LastCycle != nil {
		c := toPublicCycle(*st.LastCycle)
		out.LastCycle = &c
	}
	if st.OpenCycle != nil {
		c := toPublicCycle(*st.OpenCycle)
		out.OpenCycle = &c
	}
	out.ActiveGoals = make([]Goal, len(st.ActiveGoals))
	for i, g := range st.ActiveGoals {
		out.ActiveGoals[i] = toPublicGoal(g)
	}
	out.RecentLearnings = make([]Learning, len(st.RecentLearnings))
	for i, l := range st.RecentLearnings {
		out.RecentLearnings[i] = toPublicLearning(l)
	}
	if len(st.LearningBreakdown) > 0 {
		out.LearningBreakdown = make(map[string]int, len(st.LearningBreakdown))
		for k, v := range st.LearningBreakdown {
			out.LearningBreakdown[string(k)] = v
		}
	}
	return out
}
