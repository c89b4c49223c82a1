// Package cycle implements the observe-orient-decide-act-reflect state
// machine. All transitions are persisted through guarded single-row updates,
// so concurrent writers cannot corrupt a cycle: the losing writer sees zero
// affected rows and gets a classified domain error instead.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/storage"
	"github.com/cadencehq/cadence/internal/telemetry"
)

// ErrAgentBusy is returned by Start when the agent already has an open cycle.
var ErrAgentBusy = storage.ErrAgentBusy

var (
	// ErrCycleNotFound is returned when the cycle ID does not exist.
	ErrCycleNotFound = errors.New("cycle: not found")

	// ErrInvalidTransition is returned when a transition is requested from a
	// state that does not permit it, including any write to a terminal cycle.
	ErrInvalidTransition = errors.New("cycle: invalid transition")

	// ErrPhaseAlreadyCompleted is returned when a phase completion is recorded
	// twice. The first write wins; the duplicate changes nothing.
	ErrPhaseAlreadyCompleted = errors.New("cycle: phase already completed")
)

// PhaseExecutor supplies the behavior for each phase of a cycle. Each method
// receives the cycle as of that phase's start, including all earlier phase
// payloads, and returns the payload to record for its phase.
type PhaseExecutor interface {
	Observe(ctx context.Context, c model.Cycle) (map[string]any, error)
	Orient(ctx context.Context, c model.Cycle) (map[string]any, error)
	Decide(ctx context.Context, c model.Cycle) (map[string]any, error)
	Act(ctx context.Context, c model.Cycle) (map[string]any, error)
	Reflect(ctx context.Context, c model.Cycle) (map[string]any, error)
}

// Machine drives cycle state transitions against storage.
type Machine struct {
	db     *storage.DB
	logger *slog.Logger

	started   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
}

// NewMachine creates a Machine backed by db.
func NewMachine(db *storage.DB, logger *slog.Logger) *Machine {
	m := &Machine{db: db, logger: logger}

	meter := telemetry.Meter("cadence/cycle")
	m.started, _ = meter.Int64Counter("cadence.cycles.started",
		metric.WithDescription("Total cycles started"))
	m.completed, _ = meter.Int64Counter("cadence.cycles.completed",
		metric.WithDescription("Total cycles completed"))
	m.failed, _ = meter.Int64Counter("cadence.cycles.failed",
		metric.WithDescription("Total cycles failed"))
	_, err := meter.Int64ObservableGauge("cadence.cycles.open",
		metric.WithDescription("Cycles currently in a non-terminal state"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := db.CountOpenCycles(ctx)
			if err != nil {
				return nil // Skip the observation rather than fail the collection.
			}
			o.Observe(n)
			return nil
		}),
	)
	if err != nil {
		logger.Warn("cycle: register open gauge", "error", err)
	}

	return m
}

// Start opens a new cycle for the agent in status observing. Returns
// ErrAgentBusy if the agent already has an open cycle; each agent runs at
// most one cycle at a time.
func (m *Machine) Start(ctx context.Context, agentID string) (model.Cycle, error) {
	c, err := m.db.CreateCycle(ctx, agentID)
	if err != nil {
		return model.Cycle{}, err
	}

	m.started.Add(ctx, 1)
	m.logger.Info("cycle started",
		"agent_id", c.AgentID,
		"cycle_id", c.ID,
		"cycle_number", c.CycleNumber,
	)
	return c, nil
}

// Advance records the completion of the given phase with its payload and
// moves the cycle to the next phase. Advancing reflect completes the cycle.
// The phase completion timestamp and the next phase's start timestamp are
// written in the same update, so phase N+1 start equals phase N completion.
func (m *Machine) Advance(ctx context.Context, id uuid.UUID, phase model.Phase, payload map[string]any) (model.Cycle, error) {
	ctx, span := telemetry.Tracer("cadence/cycle").Start(ctx, "cycle.advance",
		trace.WithAttributes(
			attribute.String("cadence.cycle_id", id.String()),
			attribute.String("cadence.phase", string(phase)),
		),
	)
	defer span.End()

	rows, err := m.db.AdvanceCyclePhase(ctx, id, phase, payload)
	if err != nil {
		return model.Cycle{}, err
	}
	if rows == 0 {
		return model.Cycle{}, m.classify(ctx, id, phase)
	}

	c, err := m.db.GetCycle(ctx, id)
	if err != nil {
		return model.Cycle{}, err
	}
	if c.Status == model.CycleStatusCompleted {
		m.completed.Add(ctx, 1)
		m.logger.Info("cycle completed",
			"agent_id", c.AgentID,
			"cycle_id", c.ID,
			"cycle_number", c.CycleNumber,
		)
	}
	return c, nil
}

// Complete closes a cycle that is in the reflecting state without recording
// an additional reflect payload. Use Advance with PhaseReflect when the
// reflect phase produced one.
func (m *Machine) Complete(ctx context.Context, id uuid.UUID) (model.Cycle, error) {
	rows, err := m.db.CompleteCycle(ctx, id)
	if err != nil {
		return model.Cycle{}, err
	}
	if rows == 0 {
		return model.Cycle{}, m.classify(ctx, id, model.PhaseReflect)
	}

	c, err := m.db.GetCycle(ctx, id)
	if err != nil {
		return model.Cycle{}, err
	}
	m.completed.Add(ctx, 1)
	m.logger.Info("cycle completed",
		"agent_id", c.AgentID,
		"cycle_id", c.ID,
		"cycle_number", c.CycleNumber,
	)
	return c, nil
}

// Fail moves a cycle from any non-terminal state to failed, recording the
// reason. Idempotent on an already-failed cycle; failing a completed cycle
// returns ErrInvalidTransition.
func (m *Machine) Fail(ctx context.Context, id uuid.UUID, reason string) (model.Cycle, error) {
	rows, err := m.db.FailCycle(ctx, id, reason)
	if err != nil {
		return model.Cycle{}, err
	}
	if rows == 0 {
		c, err := m.db.GetCycle(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return model.Cycle{}, ErrCycleNotFound
			}
			return model.Cycle{}, err
		}
		if c.Status == model.CycleStatusFailed {
			return c, nil
		}
		return model.Cycle{}, fmt.Errorf("%w: cycle is %s", ErrInvalidTransition, c.Status)
	}

	c, err := m.db.GetCycle(ctx, id)
	if err != nil {
		return model.Cycle{}, err
	}
	m.failed.Add(ctx, 1)
	m.logger.Warn("cycle failed",
		"agent_id", c.AgentID,
		"cycle_id", c.ID,
		"cycle_number", c.CycleNumber,
		"reason", reason,
	)
	return c, nil
}

// Get returns a cycle by ID.
func (m *Machine) Get(ctx context.Context, id uuid.UUID) (model.Cycle, error) {
	c, err := m.db.GetCycle(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Cycle{}, ErrCycleNotFound
	}
	return c, err
}

// Open returns the agent's open cycle, or nil if none exists.
func (m *Machine) Open(ctx context.Context, agentID string) (*model.Cycle, error) {
	return m.db.GetOpenCycle(ctx, agentID)
}

// Run executes a full cycle for the agent: it starts a cycle and drives exec
// through all five phases in order, recording each returned payload. A phase
// error fails the cycle with that error's message and returns the failed
// cycle along with the phase error.
func (m *Machine) Run(ctx context.Context, agentID string, exec PhaseExecutor) (model.Cycle, error) {
	ctx, span := telemetry.Tracer("cadence/cycle").Start(ctx, "cycle.run",
		trace.WithAttributes(attribute.String("cadence.agent_id", agentID)),
	)
	defer span.End()

	c, err := m.Start(ctx, agentID)
	if err != nil {
		span.RecordError(err)
		return model.Cycle{}, err
	}
	span.SetAttributes(
		attribute.String("cadence.cycle_id", c.ID.String()),
		attribute.Int64("cadence.cycle_number", c.CycleNumber),
	)

	for _, phase := range model.Phases {
		payload, execErr := executePhase(ctx, exec, phase, c)
		if execErr != nil {
			span.RecordError(execErr)
			failed, failErr := m.Fail(ctx, c.ID, execErr.Error())
			if failErr != nil {
				return model.Cycle{}, errors.Join(
					fmt.Errorf("cycle: phase %s: %w", phase, execErr),
					failErr,
				)
			}
			return failed, fmt.Errorf("cycle: phase %s: %w", phase, execErr)
		}

		c, err = m.Advance(ctx, c.ID, phase, payload)
		if err != nil {
			return model.Cycle{}, fmt.Errorf("cycle: advance %s: %w", phase, err)
		}
	}

	return c, nil
}

func executePhase(ctx context.Context, exec PhaseExecutor, phase model.Phase, c model.Cycle) (map[string]any, error) {
	switch phase {
	case model.PhaseObserve:
		return exec.Observe(ctx, c)
	case model.PhaseOrient:
		return exec.Orient(ctx, c)
	case model.PhaseDecide:
		return exec.Decide(ctx, c)
	case model.PhaseAct:
		return exec.Act(ctx, c)
	case model.PhaseReflect:
		return exec.Reflect(ctx, c)
	}
	return nil, fmt.Errorf("cycle: unknown phase %q", phase)
}

// classify explains a zero-row guarded update by re-reading the cycle. The
// guard requires the cycle to be in the phase's active status with its
// completion unset, so a miss is either a missing cycle, a replayed phase
// completion, or a transition the current state forbids.
func (m *Machine) classify(ctx context.Context, id uuid.UUID, phase model.Phase) error {
	c, err := m.db.GetCycle(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrCycleNotFound
		}
		return err
	}
	if rec := c.PhaseRecord(phase); rec.CompletedAt != nil {
		return fmt.Errorf("%w: %s", ErrPhaseAlreadyCompleted, phase)
	}
	return fmt.Errorf("%w: cannot complete %s while cycle is %s", ErrInvalidTransition, phase, c.Status)
}
