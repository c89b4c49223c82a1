// Package goal tracks target metrics per agent. Progress updates can
// auto-achieve a goal; explicit transitions follow a small state machine
// with achieved and abandoned as terminal states.
package goal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/storage"
)

// ErrInvalidGoalTransition is returned when a transition is not permitted
// from the goal's current status. The goal is left unchanged.
var ErrInvalidGoalTransition = errors.New("goal: invalid transition")

// ErrGoalNotFound is returned when the goal ID does not exist.
var ErrGoalNotFound = errors.New("goal: not found")

// allowedFrom maps each requestable status to the statuses it may be entered
// from. Terminal statuses never appear as sources.
var allowedFrom = map[model.GoalStatus][]model.GoalStatus{
	model.GoalStatusAchieved:  {model.GoalStatusActive},
	model.GoalStatusPaused:    {model.GoalStatusActive},
	model.GoalStatusActive:    {model.GoalStatusPaused},
	model.GoalStatusAbandoned: {model.GoalStatusActive, model.GoalStatusPaused},
}

// Tracker persists goals and enforces their lifecycle.
type Tracker struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewTracker creates a Tracker backed by db.
func NewTracker(db *storage.DB, logger *slog.Logger) *Tracker {
	return &Tracker{db: db, logger: logger}
}

// CreateParams carries the fields for a new goal.
type CreateParams struct {
	AgentID      string
	Kind         model.GoalKind
	Description  string
	TargetMetric *string
	TargetValue  *float64
	Direction    model.GoalDirection
	Priority     model.GoalPriority
}

// Create registers a new active goal and returns it. Direction defaults to
// higher-is-better when unset.
func (t *Tracker) Create(ctx context.Context, p CreateParams) (model.Goal, error) {
	if p.AgentID == "" {
		return model.Goal{}, fmt.Errorf("goal: agent id required")
	}
	if p.Description == "" {
		return model.Goal{}, fmt.Errorf("goal: description required")
	}
	if p.Kind == "" {
		p.Kind = model.GoalMetricTarget
	}
	if p.Direction == "" {
		p.Direction = model.HigherIsBetter
	}
	if p.Priority == "" {
		p.Priority = model.PriorityMedium
	}

	g := model.Goal{
		ID:           uuid.New(),
		AgentID:      p.AgentID,
		Kind:         p.Kind,
		Description:  p.Description,
		TargetMetric: p.TargetMetric,
		TargetValue:  p.TargetValue,
		Direction:    p.Direction,
		Priority:     p.Priority,
		Status:       model.GoalStatusActive,
		CreatedAt:    time.Now().UTC(),
	}
	if err := t.db.InsertGoal(ctx, g); err != nil {
		return model.Goal{}, err
	}

	t.logger.Info("goal created",
		"agent_id", g.AgentID,
		"goal_id", g.ID,
		"kind", g.Kind,
		"priority", g.Priority,
	)
	return g, nil
}

// UpdateProgress records a new current value. When the value meets the
// target in the goal's declared direction, the goal auto-transitions to
// achieved and achieved_at is stamped exactly once. Updates against terminal
// goals leave the stored value untouched.
func (t *Tracker) UpdateProgress(ctx context.Context, id uuid.UUID, currentValue float64) (model.Goal, error) {
	g, err := t.db.UpdateGoalProgress(ctx, id, currentValue)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Goal{}, ErrGoalNotFound
		}
		return model.Goal{}, err
	}

	if g.Status == model.GoalStatusAchieved && g.AchievedAt != nil {
		t.logger.Info("goal achieved",
			"agent_id", g.AgentID,
			"goal_id", g.ID,
			"current_value", currentValue,
		)
	}
	return g, nil
}

// Transition moves a goal to newStatus, returning ErrInvalidGoalTransition
// when the current status does not permit it.
func (t *Tracker) Transition(ctx context.Context, id uuid.UUID, newStatus model.GoalStatus) (model.Goal, error) {
	from, ok := allowedFrom[newStatus]
	if !ok {
		return model.Goal{}, fmt.Errorf("%w: unknown target status %q", ErrInvalidGoalTransition, newStatus)
	}

	rows, err := t.db.TransitionGoal(ctx, id, newStatus, from)
	if err != nil {
		return model.Goal{}, err
	}
	if rows == 0 {
		g, err := t.db.GetGoal(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return model.Goal{}, ErrGoalNotFound
			}
			return model.Goal{}, err
		}
		return model.Goal{}, fmt.Errorf("%w: %s -> %s", ErrInvalidGoalTransition, g.Status, newStatus)
	}

	g, err := t.db.GetGoal(ctx, id)
	if err != nil {
		return model.Goal{}, err
	}

	t.logger.Info("goal transitioned",
		"agent_id", g.AgentID,
		"goal_id", g.ID,
		"status", g.Status,
	)
	return g, nil
}

// Get returns a goal by ID.
func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (model.Goal, error) {
	g, err := t.db.GetGoal(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Goal{}, ErrGoalNotFound
	}
	return g, err
}

// Active returns an agent's active goals, highest priority first.
func (t *Tracker) Active(ctx context.Context, agentID string) ([]model.Goal, error) {
	return t.db.ListGoalsByStatus(ctx, agentID, model.GoalStatusActive)
}
