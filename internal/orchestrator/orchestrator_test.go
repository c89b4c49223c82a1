package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/internal/bus"
	"github.com/cadencehq/cadence/internal/cycle"
	"github.com/cadencehq/cadence/internal/goal"
	"github.com/cadencehq/cadence/internal/learning"
	"github.com/cadencehq/cadence/internal/model"
	"github.com/cadencehq/cadence/internal/orchestrator"
	"github.com/cadencehq/cadence/internal/storage"
	"github.com/cadencehq/cadence/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(context.Background())
	os.Exit(code)
}

func newOrchestrator(t *testing.T, cfg orchestrator.Config) (*orchestrator.Orchestrator, *bus.Bus) {
	t.Helper()
	logger := testutil.TestLogger()
	b := bus.New(testDB, logger, 100*time.Millisecond)
	machine := cycle.NewMachine(testDB, logger)
	goals := goal.NewTracker(testDB, logger)
	learnings := learning.NewStore(testDB, logger, learning.DefaultPolicy)
	return orchestrator.New(testDB, machine, b, goals, learnings, logger, cfg), b
}

type countingExecutor struct {
	runs  atomic.Int64
	fail  atomic.Bool
	phase func(phase string, c model.Cycle) (map[string]any, error)
}

func (e *countingExecutor) run(phase string, c model.Cycle) (map[string]any, error) {
	if phase == "reflect" {
		e.runs.Add(1)
		if e.fail.Load() {
			return nil, errors.New("reflect blew up")
		}
		return map[string]any{"summary": "done"}, nil
	}
	if e.phase != nil {
		return e.phase(phase, c)
	}
	return map[string]any{}, nil
}

func (e *countingExecutor) Observe(ctx context.Context, c model.Cycle) (map[string]any, error) {
	return e.run("observe", c)
}
func (e *countingExecutor) Orient(ctx context.Context, c model.Cycle) (map[string]any, error) {
	return e.run("orient", c)
}
func (e *countingExecutor) Decide(ctx context.Context, c model.Cycle) (map[string]any, error) {
	return e.run("decide", c)
}
func (e *countingExecutor) Act(ctx context.Context, c model.Cycle) (map[string]any, error) {
	return e.run("act", c)
}
func (e *countingExecutor) Reflect(ctx context.Context, c model.Cycle) (map[string]any, error) {
	return e.run("reflect", c)
}

func TestRegisterValidation(t *testing.T) {
	orch, _ := newOrchestrator(t, orchestrator.Config{})

	require.Error(t, orch.Register(orchestrator.Agent{ID: "", Executor: &countingExecutor{}}))
	require.Error(t, orch.Register(orchestrator.Agent{ID: "no-exec"}))

	require.NoError(t, orch.Register(orchestrator.Agent{ID: "dup", Executor: &countingExecutor{}}))
	require.Error(t, orch.Register(orchestrator.Agent{ID: "dup", Executor: &countingExecutor{}}))

	assert.Equal(t, []string{"dup"}, orch.Agents())
}

func TestRunRequiresAgents(t *testing.T) {
	orch, _ := newOrchestrator(t, orchestrator.Config{})
	err := orch.Run(context.Background())
	require.Error(t, err)
}

func TestStartupCyclePublishesCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch, b := newOrchestrator(t, orchestrator.Config{
		CycleInterval: time.Hour, // only the startup cycle should run
	})
	exec := &countingExecutor{}
	require.NoError(t, orch.Register(orchestrator.Agent{ID: "startup-agent", Executor: exec}))

	// Watch the agent's completion events from the outside.
	watcher, err := b.Subscribe(ctx, "test:startup-watcher", "watcher", []string{model.EventCycleCompleted})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	deadline := time.Now().Add(15 * time.Second)
	var got *model.BusEvent
	for got == nil && time.Now().Before(deadline) {
		events, err := watcher.Poll(ctx, 10, time.Second)
		require.NoError(t, err)
		for i, ev := range events {
			if ev.SourceAgent == "startup-agent" {
				got = &events[i]
				break
			}
		}
	}
	require.NotNil(t, got, "expected a cycle_completed event from the startup cycle")
	assert.Equal(t, model.EventCycleCompleted, got.EventType)
	assert.Equal(t, "done", got.Payload["summary"])
	assert.EqualValues(t, 1, got.Payload["cycle_number"])

	cancel()
	require.NoError(t, <-done)

	assert.EqualValues(t, 1, exec.runs.Load())

	status, err := orch.AgentStatus(context.Background(), "startup-agent")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Stats.CompletedCycles)
	assert.Nil(t, status.OpenCycle)
	require.NotNil(t, status.LastCycle)
	assert.Equal(t, model.CycleStatusCompleted, status.LastCycle.Status)
}

func TestFailedCyclePublishesFailureEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch, b := newOrchestrator(t, orchestrator.Config{CycleInterval: time.Hour})
	exec := &countingExecutor{}
	exec.fail.Store(true)
	require.NoError(t, orch.Register(orchestrator.Agent{ID: "failing-agent", Executor: exec}))

	watcher, err := b.Subscribe(ctx, "test:failure-watcher", "watcher", []string{model.EventCycleFailed})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	deadline := time.Now().Add(15 * time.Second)
	var got *model.BusEvent
	for got == nil && time.Now().Before(deadline) {
		events, err := watcher.Poll(ctx, 10, time.Second)
		require.NoError(t, err)
		for i, ev := range events {
			if ev.SourceAgent == "failing-agent" {
				got = &events[i]
				break
			}
		}
	}
	require.NotNil(t, got, "expected a cycle_failed event")
	assert.Contains(t, got.Payload["error_detail"], "reflect blew up")

	cancel()
	require.NoError(t, <-done)

	status, err := orch.AgentStatus(context.Background(), "failing-agent")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Stats.FailedCycles)
	assert.Nil(t, status.OpenCycle)
}

func TestEventTriggeredCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch, b := newOrchestrator(t, orchestrator.Config{
		CycleInterval:    time.Hour,
		PollBlockTimeout: 500 * time.Millisecond,
	})
	exec := &countingExecutor{}
	require.NoError(t, orch.Register(orchestrator.Agent{
		ID:            "triggered-agent",
		Executor:      exec,
		Subscriptions: []string{"campaign_updated"},
	}))

	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	// Wait for the startup cycle to finish.
	require.Eventually(t, func() bool { return exec.runs.Load() >= 1 }, 15*time.Second, 50*time.Millisecond)

	_, err := b.Publish(ctx, model.BusEvent{
		EventType:   "campaign_updated",
		SourceAgent: "test-publisher",
		Payload:     map[string]any{"campaign": "spring"},
	})
	require.NoError(t, err)

	// The event should trigger a second cycle without waiting for the interval.
	require.Eventually(t, func() bool { return exec.runs.Load() >= 2 }, 15*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWatchdogReapsStuckCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A cycle left open by a dead worker, backdated beyond the stuck window.
	stuck, err := testDB.CreateCycle(ctx, "stuck-agent")
	require.NoError(t, err)
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE agent_cycles
		 SET created_at = now() - interval '1 hour',
		     observe_started_at = now() - interval '1 hour'
		 WHERE id = $1`, stuck.ID)
	require.NoError(t, err)

	orch, b := newOrchestrator(t, orchestrator.Config{
		CycleInterval:     time.Hour,
		StuckCycleTimeout: 4 * time.Second, // watchdog ticks every second
	})
	require.NoError(t, orch.Register(orchestrator.Agent{ID: "watchdog-bystander", Executor: &countingExecutor{}}))

	watcher, err := b.Subscribe(ctx, "test:watchdog-watcher", "watcher", []string{model.EventCycleFailed})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	deadline := time.Now().Add(20 * time.Second)
	var got *model.BusEvent
	for got == nil && time.Now().Before(deadline) {
		events, err := watcher.Poll(ctx, 10, time.Second)
		require.NoError(t, err)
		for i, ev := range events {
			if ev.SourceAgent == "stuck-agent" {
				got = &events[i]
				break
			}
		}
	}
	require.NotNil(t, got, "expected the watchdog to fail the stuck cycle")
	assert.Contains(t, got.Payload["error_detail"], "no phase progress")

	reaped, err := testDB.GetCycle(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CycleStatusFailed, reaped.Status)

	cancel()
	require.NoError(t, <-done)
}

// failingPublishBus delegates everything to a real bus but rejects every
// publish, as a bus over an unreachable database would.
type failingPublishBus struct {
	orchestrator.EventBus
}

func (f *failingPublishBus) Publish(ctx context.Context, ev model.BusEvent) (model.BusEvent, error) {
	return model.BusEvent{}, errors.New("broker unavailable")
}

func TestPublishRetryExhaustionIsFatal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := testutil.TestLogger()
	b := bus.New(testDB, logger, 100*time.Millisecond)
	machine := cycle.NewMachine(testDB, logger)
	goals := goal.NewTracker(testDB, logger)
	learnings := learning.NewStore(testDB, logger, learning.DefaultPolicy)

	orch := orchestrator.New(testDB, machine, &failingPublishBus{EventBus: b}, goals, learnings, logger, orchestrator.Config{
		CycleInterval:    time.Hour,
		PublishRetries:   2,
		PublishBaseDelay: 10 * time.Millisecond,
	})
	require.NoError(t, orch.Register(orchestrator.Agent{ID: "fatal-publish-agent", Executor: &countingExecutor{}}))

	// The startup cycle completes, but its completion event can never be
	// published; exhausting the retries must take the orchestrator down
	// rather than drop the event.
	err := orch.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry budget exhausted")
	assert.Contains(t, err.Error(), "broker unavailable")
	require.NoError(t, ctx.Err(), "orchestrator should fail fast, not time out")
}
