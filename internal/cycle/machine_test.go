package cycle_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/cadencehq/cadence/internal/cycle"
	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/storage"
	"github.com/cadencehq/cadence/internal/testutil"
)

var (
	testDB  *storage.DB
	machine *cycle.Machine
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	logger := testutil.TestLogger()
	var err error
	testDB, err = tc.NewTestDB(context.Background(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}
	machine = cycle.NewMachine(testDB, logger)

	code := m.Run()

	testDB.Close(context.Background())
	os.Exit(code)
}

// phaseFuncs builds an executor from a payload function shared by all phases.
type phaseFuncs struct {
	fn func(phase model.Phase, c model.Cycle) (map[string]any, error)
}

func (p phaseFuncs) Observe(_ context.Context, c model.Cycle) (map[string]any, error) {
	return p.fn(model.PhaseObserve, c)
}
func (p phaseFuncs) Orient(_ context.Context, c model.Cycle) (map[string]any, error) {
	return p.fn(model.PhaseOrient, c)
}
func (p phaseFuncs) Decide(_ context.Context, c model.Cycle) (map[string]any, error) {
	return p.fn(model.PhaseDecide, c)
}
func (p phaseFuncs) Act(_ context.Context, c model.Cycle) (map[string]any, error) {
	return p.fn(model.PhaseAct, c)
}
func (p phaseFuncs) Reflect(_ context.Context, c model.Cycle) (map[string]any, error) {
	return p.fn(model.PhaseReflect, c)
}

func emptyExecutor() cycle.PhaseExecutor {
	return phaseFuncs{fn: func(model.Phase, model.Cycle) (map[string]any, error) {
		return map[string]any{}, nil
	}}
}

func TestFullCycleAdvancesThroughAllPhases(t *testing.T) {
	ctx := context.Background()

	c, err := machine.Start(ctx, "seo-full")
	require.NoError(t, err)
	assert.Equal(t, model.CycleStatusObserving, c.Status)
	assert.Equal(t, int64(1), c.CycleNumber)
	require.NotNil(t, c.Observe.StartedAt)

	payloads := map[model.Phase]map[string]any{
		model.PhaseObserve: {"rankings": []any{"shoes"}},
		model.PhaseOrient:  {"trend": "declining"},
		model.PhaseDecide:  {"action": "refresh content"},
		model.PhaseAct:     {"pages_updated": float64(3)},
		model.PhaseReflect: {"summary": "refreshed 3 pages"},
	}

	for _, phase := range model.Phases {
		c, err = machine.Advance(ctx, c.ID, phase, payloads[phase])
		require.NoError(t, err, "advance %s", phase)
	}

	assert.Equal(t, model.CycleStatusCompleted, c.Status)
	require.NotNil(t, c.CompletedAt)

	for _, phase := range model.Phases {
		rec := c.PhaseRecord(phase)
		require.NotNil(t, rec.StartedAt, "%s started_at", phase)
		require.NotNil(t, rec.CompletedAt, "%s completed_at", phase)
		assert.False(t, rec.CompletedAt.Before(*rec.StartedAt), "%s timestamps monotonic", phase)
		assert.Equal(t, payloads[phase], rec.Payload, "%s payload", phase)
	}

	// Phase N's start never precedes phase N-1's completion.
	for i := 1; i < len(model.Phases); i++ {
		prev := c.PhaseRecord(model.Phases[i-1])
		cur := c.PhaseRecord(model.Phases[i])
		assert.False(t, cur.StartedAt.Before(*prev.CompletedAt),
			"%s starts at or after %s completes", model.Phases[i], model.Phases[i-1])
	}
}

func TestStartWhileOpenReturnsAgentBusy(t *testing.T) {
	ctx := context.Background()

	c, err := machine.Start(ctx, "seo-busy")
	require.NoError(t, err)

	_, err = machine.Start(ctx, "seo-busy")
	assert.ErrorIs(t, err, cycle.ErrAgentBusy)

	// A terminal cycle releases the slot.
	_, err = machine.Fail(ctx, c.ID, "test teardown")
	require.NoError(t, err)

	c2, err := machine.Start(ctx, "seo-busy")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c2.CycleNumber)
}

func TestAdvanceSamePhaseTwice(t *testing.T) {
	ctx := context.Background()

	c, err := machine.Start(ctx, "seo-double")
	require.NoError(t, err)

	_, err = machine.Advance(ctx, c.ID, model.PhaseObserve, map[string]any{"v": float64(1)})
	require.NoError(t, err)

	_, err = machine.Advance(ctx, c.ID, model.PhaseObserve, map[string]any{"v": float64(2)})
	assert.ErrorIs(t, err, cycle.ErrPhaseAlreadyCompleted)

	// The first write won; the payload is immutable.
	got, err := machine.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": float64(1)}, got.Observe.Payload)
}

func TestAdvanceOutOfOrder(t *testing.T) {
	ctx := context.Background()

	c, err := machine.Start(ctx, "seo-skip")
	require.NoError(t, err)

	// Decide while still observing: no phase may be skipped.
	_, err = machine.Advance(ctx, c.ID, model.PhaseDecide, nil)
	assert.ErrorIs(t, err, cycle.ErrInvalidTransition)
}

func TestCompleteFromReflecting(t *testing.T) {
	ctx := context.Background()

	c, err := machine.Start(ctx, "seo-complete")
	require.NoError(t, err)

	for _, phase := range model.Phases[:4] {
		c, err = machine.Advance(ctx, c.ID, phase, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, model.CycleStatusReflecting, c.Status)

	done, err := machine.Complete(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CycleStatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	// Completing before reflecting is rejected.
	c2, err := machine.Start(ctx, "seo-complete-early")
	require.NoError(t, err)
	_, err = machine.Complete(ctx, c2.ID)
	assert.ErrorIs(t, err, cycle.ErrInvalidTransition)
}

func TestFailFromAnyPhaseAndIdempotent(t *testing.T) {
	ctx := context.Background()

	c, err := machine.Start(ctx, "seo-fail")
	require.NoError(t, err)

	_, err = machine.Advance(ctx, c.ID, model.PhaseObserve, map[string]any{"seen": true})
	require.NoError(t, err)

	failed, err := machine.Fail(ctx, c.ID, "api quota exceeded")
	require.NoError(t, err)
	assert.Equal(t, model.CycleStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorDetail)
	assert.Equal(t, "api quota exceeded", *failed.ErrorDetail)

	// Phase history survives the failure.
	assert.Equal(t, map[string]any{"seen": true}, failed.Observe.Payload)

	// Idempotent on an already-failed cycle; the first detail wins.
	again, err := machine.Fail(ctx, c.ID, "different detail")
	require.NoError(t, err)
	assert.Equal(t, "api quota exceeded", *again.ErrorDetail)
}

func TestTerminalCycleIsImmutable(t *testing.T) {
	ctx := context.Background()

	c, err := machine.Start(ctx, "seo-immutable")
	require.NoError(t, err)
	for _, phase := range model.Phases {
		c, err = machine.Advance(ctx, c.ID, phase, nil)
		require.NoError(t, err)
	}
	require.Equal(t, model.CycleStatusCompleted, c.Status)

	_, err = machine.Fail(ctx, c.ID, "too late")
	assert.ErrorIs(t, err, cycle.ErrInvalidTransition)

	_, err = machine.Advance(ctx, c.ID, model.PhaseReflect, map[string]any{"x": 1})
	assert.ErrorIs(t, err, cycle.ErrPhaseAlreadyCompleted)

	got, err := machine.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CycleStatusCompleted, got.Status)
	assert.Nil(t, got.ErrorDetail)
}

func TestRunExecutesAllPhases(t *testing.T) {
	ctx := context.Background()

	c, err := machine.Run(ctx, "seo-run", phaseFuncs{
		fn: func(phase model.Phase, cur model.Cycle) (map[string]any, error) {
			// Later phases see earlier payloads.
			if phase == model.PhaseOrient {
				if cur.Observe.Payload["step"] != "observe" {
					return nil, fmt.Errorf("missing observe payload")
				}
			}
			return map[string]any{"step": string(phase)}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.CycleStatusCompleted, c.Status)
	assert.Equal(t, "reflect", c.Reflect.Payload["step"])
}

func TestRunFailsCycleOnPhaseError(t *testing.T) {
	ctx := context.Background()

	c, err := machine.Run(ctx, "seo-run-fail", phaseFuncs{
		fn: func(phase model.Phase, _ model.Cycle) (map[string]any, error) {
			if phase == model.PhaseDecide {
				return nil, fmt.Errorf("no viable action")
			}
			return map[string]any{"phase": string(phase)}, nil
		},
	})
	require.Error(t, err)
	assert.Equal(t, model.CycleStatusFailed, c.Status)
	require.NotNil(t, c.ErrorDetail)
	assert.Equal(t, "no viable action", *c.ErrorDetail)

	// Completed phase payloads are retained on the failed row.
	assert.Equal(t, map[string]any{"phase": "observe"}, c.Observe.Payload)
	assert.Equal(t, map[string]any{"phase": "orient"}, c.Orient.Payload)
	assert.Nil(t, c.Decide.Payload)
}

func TestCycleNumbersStrictlyIncreasingNoGaps(t *testing.T) {
	ctx := context.Background()
	const agent = "seo-numbers"

	for i := 1; i <= 5; i++ {
		c, err := machine.Run(ctx, agent, emptyExecutor())
		require.NoError(t, err)
		assert.Equal(t, int64(i), c.CycleNumber)
	}
}

func TestConcurrentStartsOneWinner(t *testing.T) {
	ctx := context.Background()
	const agent = "seo-concurrent"
	const goroutines = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	var won []model.Cycle
	busy := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := machine.Start(ctx, agent)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, cycle.ErrAgentBusy)
				busy++
				return
			}
			won = append(won, c)
		}()
	}
	wg.Wait()

	require.Len(t, won, 1, "exactly one concurrent start may win")
	assert.Equal(t, goroutines-1, busy)
	assert.Equal(t, int64(1), won[0].CycleNumber)
}

func TestRunRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(sdktrace.NewTracerProvider())

	_, err := machine.Run(context.Background(), "traced-agent", emptyExecutor())
	require.NoError(t, err)

	names := map[string]int{}
	for _, span := range recorder.Ended() {
		names[span.Name()]++
	}
	assert.Equal(t, 1, names["cycle.run"])
	assert.Equal(t, len(model.Phases), names["cycle.advance"])
}
