package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cadencehq/cadence/internal/model"
)

const learningColumns = `id, agent_id, cycle_id, kind, context, action_taken,
	expected_outcome, actual_outcome, confidence, validation_count, created_at`

// InsertLearning inserts a new learning row. Rows are never merged
// automatically; revalidation is the only update path.
func (db *DB) InsertLearning(ctx context.Context, l model.Learning) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_learnings
		 (id, agent_id, cycle_id, kind, context, action_taken, expected_outcome, actual_outcome, confidence, validation_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.ID, l.AgentID, l.CycleID, string(l.Kind), l.Context,
		l.ActionTaken, l.ExpectedOutcome, l.ActualOutcome,
		l.Confidence, l.ValidationCount, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert learning: %w", err)
	}
	return nil
}

// RevalidateLearning increments the validation count and revises confidence in
// one guarded update. Confirming evidence moves confidence toward 1.0 by the
// gain factor; contradicting evidence multiplies it by the decay factor.
// Returns the new confidence.
func (db *DB) RevalidateLearning(ctx context.Context, id uuid.UUID, consistent bool, gain, decay float64) (float64, error) {
	var confidence float64
	err := db.pool.QueryRow(ctx,
		`UPDATE agent_learnings
		 SET validation_count = validation_count + 1,
		     confidence = CASE WHEN $2
		         THEN LEAST(1.0, confidence + (1.0 - confidence) * $3)
		         ELSE confidence * $4
		     END
		 WHERE id = $1
		 RETURNING confidence`,
		id, consistent, gain, decay,
	).Scan(&confidence)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("storage: revalidate learning: %w", err)
	}
	return confidence, nil
}

// GetLearning retrieves a learning by ID.
func (db *DB) GetLearning(ctx context.Context, id uuid.UUID) (model.Learning, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+learningColumns+` FROM agent_learnings WHERE id = $1`, id)
	l, err := scanLearning(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Learning{}, ErrNotFound
		}
		return model.Learning{}, fmt.Errorf("storage: get learning: %w", err)
	}
	return l, nil
}

// TopLearnings returns learnings at or above minConfidence, optionally
// filtered by kind, sorted by confidence then validation count then recency,
// all descending.
func (db *DB) TopLearnings(ctx context.Context, agentID string, kind *model.LearningKind, minConfidence float64, limit int) ([]model.Learning, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+learningColumns+` FROM agent_learnings
		 WHERE agent_id = $1
		   AND confidence >= $2
		   AND ($3::text IS NULL OR kind = $3)
		 ORDER BY confidence DESC, validation_count DESC, created_at DESC
		 LIMIT $4`,
		agentID, minConfidence, (*string)(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: top learnings: %w", err)
	}
	defer rows.Close()

	var learnings []model.Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan learning: %w", err)
		}
		learnings = append(learnings, l)
	}
	return learnings, rows.Err()
}

// LearningBreakdown returns per-kind learning counts for an agent.
func (db *DB) LearningBreakdown(ctx context.Context, agentID string) (map[model.LearningKind]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT kind, COUNT(*) FROM agent_learnings WHERE agent_id = $1 GROUP BY kind`, agentID)
	if err != nil {
		return nil, fmt.Errorf("storage: learning breakdown: %w", err)
	}
	defer rows.Close()

	breakdown := make(map[model.LearningKind]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("storage: scan learning breakdown: %w", err)
		}
		breakdown[model.LearningKind(kind)] = count
	}
	return breakdown, rows.Err()
}

func scanLearning(row pgx.Row) (model.Learning, error) {
	var l model.Learning
	err := row.Scan(
		&l.ID, &l.AgentID, &l.CycleID, &l.Kind, &l.Context, &l.ActionTaken,
		&l.ExpectedOutcome, &l.ActualOutcome, &l.Confidence, &l.ValidationCount, &l.CreatedAt,
	)
	return l, err
}
