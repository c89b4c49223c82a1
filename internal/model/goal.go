package model

import (
	"time"

	"github.com/google/uuid"
)

// GoalKind classifies what a goal is pursuing.
type GoalKind string

const (
	GoalMetricTarget GoalKind = "metric_target"
	GoalOptimization GoalKind = "optimization"
	GoalExploration  GoalKind = "exploration"
)

// GoalPriority orders goals for scheduling decisions.
type GoalPriority string

const (
	PriorityCritical GoalPriority = "critical"
	PriorityHigh     GoalPriority = "high"
	PriorityMedium   GoalPriority = "medium"
	PriorityLow      GoalPriority = "low"
)

// GoalStatus is the lifecycle state of a goal.
// Transitions: active -> {achieved, abandoned, paused}; paused -> {active,
// abandoned}. achieved and abandoned are terminal.
type GoalStatus string

const (
	GoalStatusActive    GoalStatus = "active"
	GoalStatusAchieved  GoalStatus = "achieved"
	GoalStatusAbandoned GoalStatus = "abandoned"
	GoalStatusPaused    GoalStatus = "paused"
)

// Terminal reports whether the status admits no further transitions.
func (s GoalStatus) Terminal() bool {
	return s == GoalStatusAchieved || s == GoalStatusAbandoned
}

// GoalDirection declares which way progress moves toward the target.
// The achieved check cannot be inferred from the metric; creation declares it.
type GoalDirection string

const (
	HigherIsBetter GoalDirection = "higher_is_better"
	LowerIsBetter  GoalDirection = "lower_is_better"
)

// Goal is a target an agent is pursuing. Independent top-level entity,
// referenced by agent identifier only.
type Goal struct {
	ID           uuid.UUID     `json:"id"`
	AgentID      string        `json:"agent_id"`
	Kind         GoalKind      `json:"kind"`
	Description  string        `json:"description"`
	TargetMetric *string       `json:"target_metric,omitempty"`
	TargetValue  *float64      `json:"target_value,omitempty"`
	CurrentValue *float64      `json:"current_value,omitempty"`
	Direction    GoalDirection `json:"direction"`
	Priority     GoalPriority  `json:"priority"`
	Status       GoalStatus    `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	AchievedAt   *time.Time    `json:"achieved_at,omitempty"`
}
