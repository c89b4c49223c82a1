// Package learning persists confidence-weighted action/outcome observations.
// Confidence is revised asymmetrically: contradicting evidence erodes it
// faster than confirming evidence builds it, which suits noisy signals where
// acting on a false positive is costly.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/storage"
)

// Policy holds the confidence revision parameters.
type Policy struct {
	// Gain moves confidence toward 1.0 on confirming evidence:
	// c' = c + (1-c)*Gain. Diminishing returns, capped at 1.0.
	Gain float64

	// Decay multiplies confidence on contradicting evidence: c' = c*Decay.
	Decay float64
}

// DefaultPolicy is the standard revision policy.
var DefaultPolicy = Policy{Gain: 0.1, Decay: 0.7}

// Revise returns the confidence after one observation. Pure; the persisted
// revalidation applies the same formula inside a single SQL update.
func (p Policy) Revise(confidence float64, consistent bool) float64 {
	if consistent {
		c := confidence + (1.0-confidence)*p.Gain
		if c > 1.0 {
			return 1.0
		}
		return c
	}
	return confidence * p.Decay
}

// Store records and revalidates learnings for agents.
type Store struct {
	db     *storage.DB
	logger *slog.Logger
	policy Policy
}

// NewStore creates a Store with the given revision policy.
func NewStore(db *storage.DB, logger *slog.Logger, policy Policy) *Store {
	if policy.Gain <= 0 || policy.Decay <= 0 {
		policy = DefaultPolicy
	}
	return &Store{db: db, logger: logger, policy: policy}
}

// RecordParams carries the fields for a new learning.
type RecordParams struct {
	AgentID           string
	CycleID           *uuid.UUID
	Kind              model.LearningKind
	Context           map[string]any
	ActionTaken       *string
	ExpectedOutcome   *string
	ActualOutcome     *string
	InitialConfidence float64
}

// Record inserts a new learning and returns it. Rows are never merged with
// existing observations; Revalidate is the explicit dedup path.
func (s *Store) Record(ctx context.Context, p RecordParams) (model.Learning, error) {
	if p.AgentID == "" {
		return model.Learning{}, fmt.Errorf("learning: agent id required")
	}
	if p.InitialConfidence < 0 || p.InitialConfidence > 1 {
		return model.Learning{}, fmt.Errorf("learning: initial confidence %v out of [0,1]", p.InitialConfidence)
	}
	if p.Kind == "" {
		p.Kind = model.LearningInsight
	}

	l := model.Learning{
		ID:              uuid.New(),
		AgentID:         p.AgentID,
		CycleID:         p.CycleID,
		Kind:            p.Kind,
		Context:         p.Context,
		ActionTaken:     p.ActionTaken,
		ExpectedOutcome: p.ExpectedOutcome,
		ActualOutcome:   p.ActualOutcome,
		Confidence:      p.InitialConfidence,
		ValidationCount: 0,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.db.InsertLearning(ctx, l); err != nil {
		return model.Learning{}, err
	}

	s.logger.Debug("learning recorded",
		"agent_id", l.AgentID,
		"learning_id", l.ID,
		"kind", l.Kind,
		"confidence", l.Confidence,
	)
	return l, nil
}

// Revalidate increments the validation count and revises confidence per the
// policy, returning the new confidence. The count only ever increases.
func (s *Store) Revalidate(ctx context.Context, id uuid.UUID, observedConsistent bool) (float64, error) {
	confidence, err := s.db.RevalidateLearning(ctx, id, observedConsistent, s.policy.Gain, s.policy.Decay)
	if err != nil {
		return 0, err
	}

	s.logger.Debug("learning revalidated",
		"learning_id", id,
		"consistent", observedConsistent,
		"confidence", confidence,
	)
	return confidence, nil
}

// Get returns a learning by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (model.Learning, error) {
	return s.db.GetLearning(ctx, id)
}

// Top returns the agent's learnings at or above minConfidence, optionally
// filtered by kind, ordered by confidence, then validation count, then
// recency, all descending.
func (s *Store) Top(ctx context.Context, agentID string, kind *model.LearningKind, minConfidence float64, limit int) ([]model.Learning, error) {
	return s.db.TopLearnings(ctx, agentID, kind, minConfidence, limit)
}

// Breakdown returns per-kind learning counts for an agent.
func (s *Store) Breakdown(ctx context.Context, agentID string) (map[model.LearningKind]int, error) {
	return s.db.LearningBreakdown(ctx, agentID)
}
