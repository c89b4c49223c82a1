// Package model defines the core domain types for cadence.
//
// All types correspond directly to database tables and event payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible.
package model

import (
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

// Phases is the fixed execution ordering. No phase may be skipped or reordered.
var Phases = [5]Phase{PhaseObserve, PhaseOrient, PhaseDecide, PhaseAct, PhaseReflect}

// Index returns the position of p in the fixed ordering, or -1 if p is not a
// known phase.
func (p Phase) Index() int {
	for i, q := range Phases {
		if p == q {
			return i
		}
	}
	return -1
}

// CycleStatus is the lifecycle state of a cycle. Non-terminal statuses name
// the phase currently executing.
type CycleStatus string

const (
	CycleStatusObserving  CycleStatus = "observing"
	CycleStatusOrienting  CycleStatus = "orienting"
	CycleStatusDeciding   CycleStatus = "deciding"
	CycleStatusActing     CycleStatus = "acting"
	CycleStatusReflecting CycleStatus = "reflecting"
	CycleStatusCompleted  CycleStatus = "completed"
	CycleStatusFailed     CycleStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s CycleStatus) Terminal() bool {
	return s == CycleStatusCompleted || s == CycleStatusFailed
}

// StatusForPhase returns the active status while the given phase executes.
func StatusForPhase(p Phase) CycleStatus {
	switch p {
	case PhaseObserve:
		return CycleStatusObserving
	case PhaseOrient:
		return CycleStatusOrienting
	case PhaseDecide:
		return CycleStatusDeciding
	case PhaseAct:
		return CycleStatusActing
	case PhaseReflect:
		return CycleStatusReflecting
	}
	return ""
}

// PhaseRecord is the per-phase slice of a cycle row.
type PhaseRecord struct {
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Cycle is one OODA execution instance for one agent. Mutated only by the
// cycle state machine; immutable once status is terminal.
type Cycle struct {
	ID          uuid.UUID   `json:"id"`
	AgentID     string      `json:"agent_id"`
	CycleNumber int64       `json:"cycle_number"`
	Status      CycleStatus `json:"status"`

	Observe PhaseRecord `json:"observe"`
	Orient  PhaseRecord `json:"orient"`
	Decide  PhaseRecord `json:"decide"`
	Act     PhaseRecord `json:"act"`
	Reflect PhaseRecord `json:"reflect"`

	ErrorDetail *string    `json:"error_detail,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PhaseRecord returns the slice for the given phase.
func (c *Cycle) PhaseRecord(p Phase) PhaseRecord {
	switch p {
	case PhaseObserve:
		return c.Observe
	case PhaseOrient:
		return c.Orient
	case PhaseDecide:
		return c.Decide
	case PhaseAct:
		return c.Act
	case PhaseReflect:
		return c.Reflect
	}
	return PhaseRecord{}
}

// CycleStats aggregates an agent's cycle history.
type CycleStats struct {
	AgentID         string  `json:"agent_id"`
	TotalCycles     int     `json:"total_cycles"`
	CompletedCycles int     `json:"completed_cycles"`
	FailedCycles    int     `json:"failed_cycles"`
	SuccessRate     float64 `json:"success_rate"`
}

// AgentStatus is the read-only health surface for one agent.
type AgentStatus struct {
	AgentID           string               `json:"agent_id"`
	LastCycle         *Cycle               `json:"last_cycle,omitempty"`
	OpenCycle         *Cycle               `json:"open_cycle,omitempty"`
	ActiveGoals       []Goal               `json:"active_goals"`
	RecentLearnings   []Learning           `json:"recent_learnings"`
	Stats             CycleStats           `json:"stats"`
	LearningBreakdown map[LearningKind]int `json:"learning_breakdown"`
}
