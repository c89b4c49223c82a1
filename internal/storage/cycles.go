package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cadencehq/cadence/internal/model"
)

// Constraint names from migrations/001_initial.sql. Violations are mapped to
// domain conditions rather than surfaced as raw Postgres errors.
const (
	constraintOneOpenCycle = "agent_cycles_one_open_idx"
	constraintCycleNumber  = "agent_cycles_number_unique"
)

// ErrAgentBusy is returned when a cycle is started for an agent that already
// has a non-terminal cycle open.
var ErrAgentBusy = errors.New("storage: agent already has an open cycle")

// cycleColumns is the full select list; keep in sync with scanCycle.
const cycleColumns = `id, agent_id, cycle_number, status,
	observe_started_at, observe_completed_at, observations,
	orient_started_at, orient_completed_at, analysis,
	decide_started_at, decide_completed_at, decisions,
	act_started_at, act_completed_at, actions_taken,
	reflect_started_at, reflect_completed_at, reflection,
	error_detail, created_at, completed_at`

// phaseSQL maps each phase to its column names in agent_cycles.
var phaseSQL = map[model.Phase]struct {
	payload   string
	started   string
	completed string
}{
	model.PhaseObserve: {"observations", "observe_started_at", "observe_completed_at"},
	model.PhaseOrient:  {"analysis", "orient_started_at", "orient_completed_at"},
	model.PhaseDecide:  {"decisions", "decide_started_at", "decide_completed_at"},
	model.PhaseAct:     {"actions_taken", "act_started_at", "act_completed_at"},
	model.PhaseReflect: {"reflection", "reflect_started_at", "reflect_completed_at"},
}

// CreateCycle allocates the next cycle_number for agentID and inserts a new
// cycle in the observing state. The one-open-cycle rule is enforced by a
// partial unique index, so the busy check is race-free; number allocation
// races with a concurrent start are resolved by the busy index first, and the
// MAX+1 retry below only covers the window where the loser's row was already
// terminal.
func (db *DB) CreateCycle(ctx context.Context, agentID string) (model.Cycle, error) {
	const maxAttempts = 5

	now := time.Now().UTC()
	cycle := model.Cycle{
		ID:        uuid.New(),
		AgentID:   agentID,
		Status:    model.CycleStatusObserving,
		Observe:   model.PhaseRecord{StartedAt: &now},
		CreatedAt: now,
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := db.pool.QueryRow(ctx,
			`INSERT INTO agent_cycles (id, agent_id, cycle_number, status, observe_started_at, created_at)
			 SELECT $1, $2, COALESCE(MAX(cycle_number), 0) + 1, 'observing', $3, $3
			 FROM agent_cycles WHERE agent_id = $2
			 RETURNING cycle_number`,
			cycle.ID, agentID, now,
		).Scan(&cycle.CycleNumber)
		if err == nil {
			return cycle, nil
		}
		if isUniqueViolation(err, constraintOneOpenCycle) {
			return model.Cycle{}, ErrAgentBusy
		}
		if isUniqueViolation(err, constraintCycleNumber) {
			lastErr = err
			continue // another start won the number; re-read MAX
		}
		return model.Cycle{}, fmt.Errorf("storage: create cycle: %w", err)
	}
	return model.Cycle{}, fmt.Errorf("storage: create cycle: exhausted retries: %w", lastErr)
}

// AdvanceCyclePhase records the payload and completion timestamp for the given
// phase and moves the cycle to the next status in the fixed ordering. The
// reflect phase terminates the cycle with status completed. Returns the number
// of rows updated: zero means the cycle was not in the expected state, and the
// caller should inspect the row to classify the failure.
func (db *DB) AdvanceCyclePhase(ctx context.Context, id uuid.UUID, phase model.Phase, payload map[string]any) (int64, error) {
	cols, ok := phaseSQL[phase]
	if !ok {
		return 0, fmt.Errorf("storage: advance cycle: unknown phase %q", phase)
	}
	if payload == nil {
		payload = map[string]any{}
	}

	now := time.Now().UTC()
	current := model.StatusForPhase(phase)

	var query string
	if phase == model.PhaseReflect {
		query = fmt.Sprintf(
			`UPDATE agent_cycles
			 SET %s = $2, %s = $3, status = 'completed', completed_at = $3
			 WHERE id = $1 AND status = $4 AND %s IS NULL`,
			cols.payload, cols.completed, cols.completed)
	} else {
		nextIdx := phase.Index() + 1
		next := model.Phases[nextIdx]
		query = fmt.Sprintf(
			`UPDATE agent_cycles
			 SET %s = $2, %s = $3, status = '%s', %s = $3
			 WHERE id = $1 AND status = $4 AND %s IS NULL`,
			cols.payload, cols.completed, model.StatusForPhase(next), phaseSQL[next].started, cols.completed)
	}

	var tag pgconn.CommandTag
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var execErr error
		tag, execErr = db.pool.Exec(ctx, query, id, payload, now, string(current))
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("storage: advance cycle phase %s: %w", phase, err)
	}
	return tag.RowsAffected(), nil
}

// CompleteCycle closes a cycle from the reflecting state without a reflection
// payload. Returns rows updated (zero when the cycle is not reflecting).
func (db *DB) CompleteCycle(ctx context.Context, id uuid.UUID) (int64, error) {
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_cycles
		 SET status = 'completed',
		     reflect_completed_at = COALESCE(reflect_completed_at, $2),
		     completed_at = $2
		 WHERE id = $1 AND status = 'reflecting'`,
		id, now,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: complete cycle: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailCycle transitions a cycle to failed from any non-terminal state.
// Returns rows updated (zero when the cycle was already terminal).
func (db *DB) FailCycle(ctx context.Context, id uuid.UUID, errorDetail string) (int64, error) {
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_cycles
		 SET status = 'failed', error_detail = $2, completed_at = $3
		 WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, errorDetail, now,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: fail cycle: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetCycle retrieves a cycle by ID.
func (db *DB) GetCycle(ctx context.Context, id uuid.UUID) (model.Cycle, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+cycleColumns+` FROM agent_cycles WHERE id = $1`, id)
	c, err := scanCycle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Cycle{}, ErrNotFound
		}
		return model.Cycle{}, fmt.Errorf("storage: get cycle: %w", err)
	}
	return c, nil
}

// GetOpenCycle returns the agent's non-terminal cycle, or nil if none is open.
func (db *DB) GetOpenCycle(ctx context.Context, agentID string) (*model.Cycle, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+cycleColumns+` FROM agent_cycles
		 WHERE agent_id = $1 AND status NOT IN ('completed', 'failed')`, agentID)
	c, err := scanCycle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get open cycle: %w", err)
	}
	return &c, nil
}

// GetLastCycle returns the agent's most recently created cycle, or nil when
// the agent has never run.
func (db *DB) GetLastCycle(ctx context.Context, agentID string) (*model.Cycle, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+cycleColumns+` FROM agent_cycles
		 WHERE agent_id = $1
		 ORDER BY cycle_number DESC LIMIT 1`, agentID)
	c, err := scanCycle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get last cycle: %w", err)
	}
	return &c, nil
}

// ListRecentCycles returns the agent's cycles ordered newest first.
func (db *DB) ListRecentCycles(ctx context.Context, agentID string, limit int) ([]model.Cycle, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+cycleColumns+` FROM agent_cycles
		 WHERE agent_id = $1
		 ORDER BY cycle_number DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent cycles: %w", err)
	}
	defer rows.Close()

	var cycles []model.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan cycle: %w", err)
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// ListStaleOpenCycles returns open cycles whose most recent phase progress is
// older than the given age. Used by the stuck-cycle watchdog.
func (db *DB) ListStaleOpenCycles(ctx context.Context, olderThan time.Duration, limit int) ([]model.Cycle, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+cycleColumns+` FROM agent_cycles
		 WHERE status NOT IN ('completed', 'failed')
		   AND GREATEST(
		       created_at,
		       COALESCE(observe_started_at, 'epoch'), COALESCE(observe_completed_at, 'epoch'),
		       COALESCE(orient_started_at, 'epoch'), COALESCE(orient_completed_at, 'epoch'),
		       COALESCE(decide_started_at, 'epoch'), COALESCE(decide_completed_at, 'epoch'),
		       COALESCE(act_started_at, 'epoch'), COALESCE(act_completed_at, 'epoch'),
		       COALESCE(reflect_started_at, 'epoch'), COALESCE(reflect_completed_at, 'epoch')
		   ) < now() - ($1 * interval '1 microsecond')
		 LIMIT $2`,
		olderThan.Microseconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list stale open cycles: %w", err)
	}
	defer rows.Close()

	var cycles []model.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan stale cycle: %w", err)
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// CountOpenCycles returns the number of cycles in a non-terminal state across
// all agents.
func (db *DB) CountOpenCycles(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_cycles WHERE status NOT IN ('completed', 'failed')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count open cycles: %w", err)
	}
	return n, nil
}

// GetCycleStats aggregates an agent's cycle history.
func (db *DB) GetCycleStats(ctx context.Context, agentID string) (model.CycleStats, error) {
	stats := model.CycleStats{AgentID: agentID}
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'completed'),
		        COUNT(*) FILTER (WHERE status = 'failed')
		 FROM agent_cycles WHERE agent_id = $1`, agentID,
	).Scan(&stats.TotalCycles, &stats.CompletedCycles, &stats.FailedCycles)
	if err != nil {
		return model.CycleStats{}, fmt.Errorf("storage: cycle stats: %w", err)
	}
	if stats.TotalCycles > 0 {
		stats.SuccessRate = float64(stats.CompletedCycles) / float64(stats.TotalCycles)
	}
	return stats, nil
}

func scanCycle(row pgx.Row) (model.Cycle, error) {
	var c model.Cycle
	err := row.Scan(
		&c.ID, &c.AgentID, &c.CycleNumber, &c.Status,
		&c.Observe.StartedAt, &c.Observe.CompletedAt, &c.Observe.Payload,
		&c.Orient.StartedAt, &c.Orient.CompletedAt, &c.Orient.Payload,
		&c.Decide.StartedAt, &c.Decide.CompletedAt, &c.Decide.Payload,
		&c.Act.StartedAt, &c.Act.CompletedAt, &c.Act.Payload,
		&c.Reflect.StartedAt, &c.Reflect.CompletedAt, &c.Reflect.Payload,
		&c.ErrorDetail, &c.CreatedAt, &c.CompletedAt,
	)
	return c, err
}
