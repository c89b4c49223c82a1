package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cadencehq/cadence/internal/model"
)

const goalColumns = `id, agent_id, kind, description, target_metric, target_value,
	current_value, direction, priority, status, created_at, achieved_at`

// InsertGoal inserts a new goal row.
func (db *DB) InsertGoal(ctx context.Context, g model.Goal) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_goals
		 (id, agent_id, kind, description, target_metric, target_value, current_value, direction, priority, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		g.ID, g.AgentID, string(g.Kind), g.Description, g.TargetMetric, g.TargetValue,
		g.CurrentValue, string(g.Direction), string(g.Priority), string(g.Status), g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert goal: %w", err)
	}
	return nil
}

// UpdateGoalProgress records a new current value and auto-achieves the goal
// when the value meets the target in the goal's declared direction. Terminal
// goals keep their stored value; achieved_at is stamped at most once. Returns
// the updated row.
func (db *DB) UpdateGoalProgress(ctx context.Context, id uuid.UUID, currentValue float64) (model.Goal, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE agent_goals
		 SET current_value = CASE WHEN status IN ('achieved', 'abandoned') THEN current_value ELSE $2 END,
		     achieved_at = CASE
		         WHEN status = 'active' AND target_value IS NOT NULL AND achieved_at IS NULL AND
		              ((direction = 'higher_is_better' AND $2 >= target_value) OR
		               (direction = 'lower_is_better' AND $2 <= target_value))
		         THEN now()
		         ELSE achieved_at
		     END,
		     status = CASE
		         WHEN status = 'active' AND target_value IS NOT NULL AND
		              ((direction = 'higher_is_better' AND $2 >= target_value) OR
		               (direction = 'lower_is_better' AND $2 <= target_value))
		         THEN 'achieved'
		         ELSE status
		     END
		 WHERE id = $1
		 RETURNING `+goalColumns,
		id, currentValue,
	)
	g, err := scanGoal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Goal{}, ErrNotFound
		}
		return model.Goal{}, fmt.Errorf("storage: update goal progress: %w", err)
	}
	return g, nil
}

// TransitionGoal moves a goal to newStatus, allowed only from the listed
// current statuses. Returns rows updated (zero when the goal exists but the
// transition is invalid).
func (db *DB) TransitionGoal(ctx context.Context, id uuid.UUID, newStatus model.GoalStatus, allowedFrom []model.GoalStatus) (int64, error) {
	from := make([]string, len(allowedFrom))
	for i, s := range allowedFrom {
		from[i] = string(s)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_goals
		 SET status = $2,
		     achieved_at = CASE WHEN $2 = 'achieved' AND achieved_at IS NULL THEN now() ELSE achieved_at END
		 WHERE id = $1 AND status = ANY($3)`,
		id, string(newStatus), from,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: transition goal: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetGoal retrieves a goal by ID.
func (db *DB) GetGoal(ctx context.Context, id uuid.UUID) (model.Goal, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+goalColumns+` FROM agent_goals WHERE id = $1`, id)
	g, err := scanGoal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Goal{}, ErrNotFound
		}
		return model.Goal{}, fmt.Errorf("storage: get goal: %w", err)
	}
	return g, nil
}

// ListGoalsByStatus returns an agent's goals in the given status, critical
// priority first, then by age.
func (db *DB) ListGoalsByStatus(ctx context.Context, agentID string, status model.GoalStatus) ([]model.Goal, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+goalColumns+` FROM agent_goals
		 WHERE agent_id = $1 AND status = $2
		 ORDER BY array_position(ARRAY['critical','high','medium','low'], priority), created_at`,
		agentID, string(status))
	if err != nil {
		return nil, fmt.Errorf("storage: list goals: %w", err)
	}
	defer rows.Close()

	var goals []model.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan goal: %w", err)
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

func scanGoal(row pgx.Row) (model.Goal, error) {
	var g model.Goal
	err := row.Scan(
		&g.ID, &g.AgentID, &g.Kind, &g.Description, &g.TargetMetric, &g.TargetValue,
		&g.CurrentValue, &g.Direction, &g.Priority, &g.Status, &g.CreatedAt, &g.AchievedAt,
	)
	return g, err
}
