package cadence

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Phase is one step of the observe-orient-decide-act-reflect sequence.
type Phase string

const (
	PhaseObserve Phase = "observe"
	PhaseOrient  Phase = "orient"
	PhaseDecide  Phase = "decide"
	PhaseAct     Phase = "act"
	PhaseReflect Phase = "reflect"
)

// PhaseView is the recorded slice of one phase.
type PhaseView struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	Payload     map[string]any
}

// Cycle is the public view of one execution cycle.
// It is a curated view of the internal cycle row for use in the Executor
// interface. No internal package imports — safe to use from outside the module.
type Cycle struct {
	ID          uuid.UUID
	AgentID     string
	CycleNumber int64
	Status      string
	Phases      map[Phase]PhaseView
	ErrorDetail *string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Executor supplies an agent's behavior for each phase. Each method receives
// the cycle as of that phase's start, including all earlier phase payloads,
// and returns the payload to record. Returning an error fails the cycle with
// that error's message; the phase history up to that point is retained.
type Executor interface {
	Observe(ctx context.Context, c Cycle) (map[string]any, error)
	Orient(ctx context.Context, c Cycle) (map[string]any, error)
	Decide(ctx context.Context, c Cycle) (map[string]any, error)
	Act(ctx context.Context, c Cycle) (map[string]any, error)
	Reflect(ctx context.Context, c Cycle) (map[string]any, error)
}

// LearningParams carries the fields for RecordLearning.
type LearningParams struct {
	AgentID           string
	CycleID           *uuid.UUID
	Kind              string // success | failure | insight | pattern | anomaly
	Context           map[string]any
	ActionTaken       *string
	ExpectedOutcome   *string
	ActualOutcome     *string
	InitialConfidence float64
}

// Learning is the public view of a recorded observation.
type Learning struct {
	ID              uuid.UUID
	AgentID         string
	CycleID         *uuid.UUID
	Kind            string
	Context         map[string]any
	ActionTaken     *string
	ExpectedOutcome *string
	ActualOutcome   *string
	Confidence      float64
	ValidationCount int
	CreatedAt       time.Time
}

// GoalParams carries the fields for CreateGoal.
type GoalParams struct {
	AgentID      string
	Kind         string // metric_target | optimization | exploration
	Description  string
	TargetMetric *string
	TargetValue  *float64
	// Direction declares which way progress moves toward the target:
	// "higher_is_better" (default) or "lower_is_better".
	Direction string
	Priority  string // critical | high | medium | low
}

// Goal is the public view of a tracked goal.
type Goal struct {
	ID           uuid.UUID
	AgentID      string
	Kind         string
	Description  string
	TargetMetric *string
	TargetValue  *float64
	CurrentValue *float64
	Direction    string
	Priority     string
	Status       string
	CreatedAt    time.Time
	AchievedAt   *time.Time
}

// Event is the public view of a bus event envelope.
type Event struct {
	ID          uuid.UUID
	EventType   string
	SourceAgent string
	TargetAgent *string
	Payload     map[string]any
	PublishedAt time.Time
}

// AgentStatus is the read-only health surface for one agent.
type AgentStatus struct {
	AgentID           string
	LastCycle         *Cycle
	OpenCycle         *Cycle
	ActiveGoals       []Goal
	RecentLearnings   []Learning
	TotalCycles       int
	CompletedCycles   int
	FailedCycles      int
	SuccessRate       float64
	LearningBreakdown map[string]int
}
