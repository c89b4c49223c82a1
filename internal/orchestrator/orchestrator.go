// Package orchestrator schedules cycles for a registry of named agents.
// Each agent gets one worker goroutine: cycles run on an interval and on
// matching bus events, strictly serialized per agent by the state machine.
// Completion and failure events are published with a bounded retry budget;
// exhausting the budget is fatal to the orchestrator, never a silent drop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cadencehq/cadence/internal/bus"
	"github.com/cadencehq/cadence/internal/cycle"
	"github.com/cadencehq/cadence/internal/goal"
	"github.com/cadencehq/cadence/internal/learning"
	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/storage"
)

// Agent binds an identifier to its phase behavior and the event types that
// should trigger a cycle for it (beyond the regular interval).
type Agent struct {
	ID            string
	Executor      cycle.PhaseExecutor
	Subscriptions []string
}

// EventBus is the bus surface the orchestrator depends on. *bus.Bus
// satisfies it.
type EventBus interface {
	Start(ctx context.Context)
	Subscribe(ctx context.Context, consumerID, agentID string, eventTypes []string) (*bus.Consumer, error)
	Publish(ctx context.Context, event model.BusEvent) (model.BusEvent, error)
}

// Config holds orchestrator scheduling and retry policy.
type Config struct {
	CycleInterval     time.Duration
	StuckCycleTimeout time.Duration
	PollBatchSize     int
	PollBlockTimeout  time.Duration
	PublishRetries    int
	PublishBaseDelay  time.Duration
}

// Orchestrator coordinates the state machine, the bus, and the stores.
type Orchestrator struct {
	db        *storage.DB
	machine   *cycle.Machine
	bus       EventBus
	goals     *goal.Tracker
	learnings *learning.Store
	logger    *slog.Logger
	cfg       Config

	agents  []Agent
	started atomic.Bool
}

// New creates an Orchestrator. Register agents before calling Run.
func New(db *storage.DB, machine *cycle.Machine, b EventBus, goals *goal.Tracker, learnings *learning.Store, logger *slog.Logger, cfg Config) *Orchestrator {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 15 * time.Minute
	}
	if cfg.StuckCycleTimeout <= 0 {
		cfg.StuckCycleTimeout = 30 * time.Minute
	}
	if cfg.PollBatchSize <= 0 {
		cfg.PollBatchSize = 50
	}
	if cfg.PollBlockTimeout <= 0 {
		cfg.PollBlockTimeout = 5 * time.Second
	}
	if cfg.PublishBaseDelay <= 0 {
		cfg.PublishBaseDelay = 100 * time.Millisecond
	}
	return &Orchestrator{
		db:        db,
		machine:   machine,
		bus:       b,
		goals:     goals,
		learnings: learnings,
		logger:    logger,
		cfg:       cfg,
	}
}

// Register adds an agent to the registry. Must be called before Run.
func (o *Orchestrator) Register(a Agent) error {
	if o.started.Load() {
		return fmt.Errorf("orchestrator: register after start")
	}
	if a.ID == "" {
		return fmt.Errorf("orchestrator: agent id required")
	}
	if a.Executor == nil {
		return fmt.Errorf("orchestrator: agent %s has no executor", a.ID)
	}
	for _, existing := range o.agents {
		if existing.ID == a.ID {
			return fmt.Errorf("orchestrator: agent %s already registered", a.ID)
		}
	}
	o.agents = append(o.agents, a)
	return nil
}

// Agents returns the registered agent IDs.
func (o *Orchestrator) Agents() []string {
	ids := make([]string, len(o.agents))
	for i, a := range o.agents {
		ids[i] = a.ID
	}
	return ids
}

// Run starts the bus listener, the stuck-cycle watchdog, and one worker per
// registered agent, then blocks until ctx is cancelled or a worker hits a
// fatal error.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return fmt.Errorf("orchestrator: already running")
	}
	if len(o.agents) == 0 {
		return fmt.Errorf("orchestrator: no agents registered")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		o.bus.Start(ctx)
		return nil
	})
	g.Go(func() error {
		return o.watchdog(ctx)
	})

	for _, a := range o.agents {
		g.Go(func() error {
			return o.agentLoop(ctx, a)
		})
	}

	o.logger.Info("orchestrator running",
		"agents", o.Agents(),
		"cycle_interval", o.cfg.CycleInterval,
	)
	return g.Wait()
}

func (o *Orchestrator) agentLoop(ctx context.Context, a Agent) error {
	var consumer *bus.Consumer
	if len(a.Subscriptions) > 0 {
		var err error
		consumer, err = o.bus.Subscribe(ctx, "agent:"+a.ID, a.ID, a.Subscriptions)
		if err != nil {
			return fmt.Errorf("orchestrator: subscribe %s: %w", a.ID, err)
		}
	}

	// First cycle on startup; the ticker covers steady state.
	if err := o.runCycle(ctx, a, "startup"); err != nil {
		return err
	}

	ticker := time.NewTicker(o.cfg.CycleInterval)
	defer ticker.Stop()

	pollFailures := 0
	for {
		if consumer != nil {
			events, err := consumer.Poll(ctx, o.cfg.PollBatchSize, o.cfg.PollBlockTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				pollFailures++
				o.logger.Warn("orchestrator: poll failed",
					"agent_id", a.ID,
					"consecutive", pollFailures,
					"error", err,
				)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(pollErrorDelay(pollFailures)):
				}
			} else {
				pollFailures = 0
			}
			for _, ev := range events {
				if err := o.handleEvent(ctx, a, consumer, ev); err != nil {
					return err
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.runCycle(ctx, a, "interval"); err != nil {
				return err
			}
		default:
		}

		if consumer == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := o.runCycle(ctx, a, "interval"); err != nil {
					return err
				}
			}
		}
	}
}

// pollErrorDelay grows with consecutive poll failures so a storage outage
// does not turn the agent loop into a hot retry loop.
func pollErrorDelay(consecutive int) time.Duration {
	const (
		base = 250 * time.Millisecond
		max  = 5 * time.Second
	)
	delay := base
	for i := 1; i < consecutive; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

// handleEvent triggers a cycle for a delivered event, then acks it. The
// cycle outcome is durably recorded before the ack, so redelivery after a
// crash re-runs an idempotent trigger rather than losing work.
func (o *Orchestrator) handleEvent(ctx context.Context, a Agent, consumer *bus.Consumer, ev model.BusEvent) error {
	if err := o.runCycle(ctx, a, ev.EventType); err != nil {
		return err
	}
	if err := consumer.Ack(ctx, ev.ID); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		// Unacked events redeliver; the next cycle absorbs the duplicate.
		o.logger.Warn("orchestrator: ack failed", "agent_id", a.ID, "event_id", ev.ID, "error", err)
	}
	return nil
}

// runCycle executes one full cycle for the agent and publishes the outcome
// event. Cycle-level failures are normal operation; the returned error is
// non-nil only for fatal conditions (an exhausted publish retry budget).
func (o *Orchestrator) runCycle(ctx context.Context, a Agent, trigger string) error {
	c, err := o.machine.Run(ctx, a.ID, a.Executor)
	if err != nil {
		if errors.Is(err, cycle.ErrAgentBusy) {
			o.logger.Debug("orchestrator: cycle already open", "agent_id", a.ID, "trigger", trigger)
			return nil
		}
		if c.Status != model.CycleStatusFailed {
			// Infrastructure error before the cycle could be failed; the
			// watchdog reaps any open cycle left behind.
			if ctx.Err() != nil {
				return nil
			}
			o.logger.Error("orchestrator: cycle run failed", "agent_id", a.ID, "trigger", trigger, "error", err)
			return nil
		}

		detail := ""
		if c.ErrorDetail != nil {
			detail = *c.ErrorDetail
		}
		return o.publishWithRetry(ctx, model.BusEvent{
			EventType:   model.EventCycleFailed,
			SourceAgent: a.ID,
			Payload: map[string]any{
				"cycle_id":     c.ID.String(),
				"cycle_number": c.CycleNumber,
				"error_detail": detail,
			},
		})
	}

	summary := ""
	if s, ok := c.Reflect.Payload["summary"].(string); ok {
		summary = s
	}
	return o.publishWithRetry(ctx, model.BusEvent{
		EventType:   model.EventCycleCompleted,
		SourceAgent: a.ID,
		Payload: map[string]any{
			"cycle_id":     c.ID.String(),
			"cycle_number": c.CycleNumber,
			"summary":      summary,
		},
	})
}

// publishWithRetry publishes with exponential backoff. Exhausting the retry
// budget returns an error that takes the orchestrator down.
func (o *Orchestrator) publishWithRetry(ctx context.Context, ev model.BusEvent) error {
	delay := o.cfg.PublishBaseDelay
	var lastErr error

	for attempt := 0; attempt <= o.cfg.PublishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if _, err := o.bus.Publish(ctx, ev); err != nil {
			lastErr = err
			o.logger.Warn("orchestrator: publish failed",
				"event_type", ev.EventType,
				"source_agent", ev.SourceAgent,
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}
		return nil
	}

	return fmt.Errorf("orchestrator: publish %s from %s: retry budget exhausted: %w",
		ev.EventType, ev.SourceAgent, lastErr)
}

// watchdog fails open cycles that show no phase progress within the policy
// window. Fail is the only cancellation primitive; it is always safe here
// because a cycle that completed in the meantime just rejects the write.
func (o *Orchestrator) watchdog(ctx context.Context) error {
	interval := o.cfg.StuckCycleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.reapStuckCycles(ctx); err != nil {
				return err
			}
		}
	}
}

func (o *Orchestrator) reapStuckCycles(ctx context.Context) error {
	stale, err := o.db.ListStaleOpenCycles(ctx, o.cfg.StuckCycleTimeout, 100)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		o.logger.Warn("orchestrator: list stale cycles", "error", err)
		return nil
	}

	for _, c := range stale {
		detail := fmt.Sprintf("no phase progress within %s", o.cfg.StuckCycleTimeout)
		failed, err := o.machine.Fail(ctx, c.ID, detail)
		if err != nil {
			if errors.Is(err, cycle.ErrInvalidTransition) || errors.Is(err, cycle.ErrCycleNotFound) {
				continue // Finished on its own.
			}
			o.logger.Warn("orchestrator: fail stuck cycle", "cycle_id", c.ID, "error", err)
			continue
		}

		o.logger.Warn("orchestrator: reaped stuck cycle",
			"agent_id", failed.AgentID,
			"cycle_id", failed.ID,
			"cycle_number", failed.CycleNumber,
		)

		err = o.publishWithRetry(ctx, model.BusEvent{
			EventType:   model.EventCycleFailed,
			SourceAgent: failed.AgentID,
			Payload: map[string]any{
				"cycle_id":     failed.ID.String(),
				"cycle_number": failed.CycleNumber,
				"error_detail": detail,
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// AgentStatus assembles the read-only health surface for one agent.
func (o *Orchestrator) AgentStatus(ctx context.Context, agentID string) (model.AgentStatus, error) {
	status := model.AgentStatus{AgentID: agentID}

	last, err := o.db.GetLastCycle(ctx, agentID)
	if err != nil {
		return model.AgentStatus{}, err
	}
	status.LastCycle = last

	open, err := o.db.GetOpenCycle(ctx, agentID)
	if err != nil {
		return model.AgentStatus{}, err
	}
	status.OpenCycle = open

	status.ActiveGoals, err = o.goals.Active(ctx, agentID)
	if err != nil {
		return model.AgentStatus{}, err
	}

	status.RecentLearnings, err = o.learnings.Top(ctx, agentID, nil, 0, 10)
	if err != nil {
		return model.AgentStatus{}, err
	}

	status.Stats, err = o.db.GetCycleStats(ctx, agentID)
	if err != nil {
		return model.AgentStatus{}, err
	}

	status.LearningBreakdown, err = o.learnings.Breakdown(ctx, agentID)
	if err != nil {
		return model.AgentStatus{}, err
	}

	return status, nil
}
