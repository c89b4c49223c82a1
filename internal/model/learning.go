package model

import (
	"time"

	"github.com/google/uuid"
)

// LearningKind classifies an action/outcome observation.
type LearningKind string

const (
	LearningSuccess LearningKind = "success"
	LearningFailure LearningKind = "failure"
	LearningInsight LearningKind = "insight"
	LearningPattern LearningKind = "pattern"
	LearningAnomaly LearningKind = "anomaly"
)

// Learning is a recorded action-to-outcome observation. Created once per
// distinct observation; updated only through validation, which also revises
// the confidence score. Deleted only by cascade when the owning cycle is
// deleted.
type Learning struct {
	ID              uuid.UUID      `json:"id"`
	AgentID         string         `json:"agent_id"`
	CycleID         *uuid.UUID     `json:"cycle_id,omitempty"`
	Kind            LearningKind   `json:"kind"`
	Context         map[string]any `json:"context"`
	ActionTaken     *string        `json:"action_taken,omitempty"`
	ExpectedOutcome *string        `json:"expected_outcome,omitempty"`
	ActualOutcome   *string        `json:"actual_outcome,omitempty"`
	Confidence      float64        `json:"confidence"`
	ValidationCount int            `json:"validation_count"`
	CreatedAt       time.Time      `json:"created_at"`
}
