package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/internal/model"
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

func newLearning(agentID string, kind model.LearningKind, confidence float64) model.Learning {
	return model.Learning{
		ID:         uuid.New(),
		AgentID:    agentID,
		Kind:       kind,
		Context:    map[string]any{"channel": "organic"},
		Confidence: confidence,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestRevalidateLearningFormulaInSQL(t *testing.T) {
	ctx := context.Background()

	l := newLearning("sql-formula", model.LearningPattern, 0.5)
	require.NoError(t, testDB.InsertLearning(ctx, l))

	conf, err := testDB.RevalidateLearning(ctx, l.ID, true, 0.1, 0.7)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, conf, 1e-9)

	conf, err = testDB.RevalidateLearning(ctx, l.ID, false, 0.1, 0.7)
	require.NoError(t, err)
	assert.InDelta(t, 0.385, conf, 1e-9)

	got, err := testDB.GetLearning(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ValidationCount)
	assert.InDelta(t, 0.385, got.Confidence, 1e-9)
}

func TestRevalidateUnknownLearning(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.RevalidateLearning(ctx, uuid.New(), true, 0.1, 0.7)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTopLearningsOrdering(t *testing.T) {
	ctx := context.Background()
	const agent = "top-order"

	low := newLearning(agent, model.LearningInsight, 0.3)
	mid := newLearning(agent, model.LearningPattern, 0.6)
	high := newLearning(agent, model.LearningSuccess, 0.9)
	for _, l := range []model.Learning{low, mid, high} {
		require.NoError(t, testDB.InsertLearning(ctx, l))
	}

	// Confidence descending, minConfidence filter applied.
	got, err := testDB.TopLearnings(ctx, agent, nil, 0.5, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, high.ID, got[0].ID)
	assert.Equal(t, mid.ID, got[1].ID)

	// Kind filter.
	kind := model.LearningPattern
	got, err = testDB.TopLearnings(ctx, agent, &kind, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mid.ID, got[0].ID)
}

func TestTopLearningsTieBreakByValidationCount(t *testing.T) {
	ctx := context.Background()
	const agent = "top-ties"

	a := newLearning(agent, model.LearningPattern, 0.8)
	a.ValidationCount = 5
	b := newLearning(agent, model.LearningPattern, 0.8)
	b.ValidationCount = 2
	require.NoError(t, testDB.InsertLearning(ctx, a))
	require.NoError(t, testDB.InsertLearning(ctx, b))

	got, err := testDB.TopLearnings(ctx, agent, nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, b.ID, got[1].ID)
}

func TestLearningBreakdown(t *testing.T) {
	ctx := context.Background()
	const agent = "breakdown"

	require.NoError(t, testDB.InsertLearning(ctx, newLearning(agent, model.LearningSuccess, 0.5)))
	require.NoError(t, testDB.InsertLearning(ctx, newLearning(agent, model.LearningSuccess, 0.6)))
	require.NoError(t, testDB.InsertLearning(ctx, newLearning(agent, model.LearningAnomaly, 0.2)))

	breakdown, err := testDB.LearningBreakdown(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, map[model.LearningKind]int{
		model.LearningSuccess: 2,
		model.LearningAnomaly: 1,
	}, breakdown)
}

func TestLearningsCascadeWithCycle(t *testing.T) {
	ctx := context.Background()

	c, err := testDB.CreateCycle(ctx, "cascade-agent")
	require.NoError(t, err)

	l := newLearning("cascade-agent", model.LearningInsight, 0.4)
	l.CycleID = &c.ID
	require.NoError(t, testDB.InsertLearning(ctx, l))

	_, err = testDB.Pool().Exec(ctx, `DELETE FROM agent_cycles WHERE id = $1`, c.ID)
	require.NoError(t, err)

	_, err = testDB.GetLearning(ctx, l.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCycleStats(t *testing.T) {
	ctx := context.Background()
	const agent = "stats-agent"

	// Two completed, one failed.
	for i := 0; i < 2; i++ {
		c, err := testDB.CreateCycle(ctx, agent)
		require.NoError(t, err)
		for _, phase := range model.Phases {
			n, err := testDB.AdvanceCyclePhase(ctx, c.ID, phase, nil)
			require.NoError(t, err)
			require.Equal(t, int64(1), n)
		}
	}
	c, err := testDB.CreateCycle(ctx, agent)
	require.NoError(t, err)
	n, err := testDB.FailCycle(ctx, c.ID, "boom")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	stats, err := testDB.GetCycleStats(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalCycles)
	assert.Equal(t, 2, stats.CompletedCycles)
	assert.Equal(t, 1, stats.FailedCycles)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
}

func TestListStaleOpenCycles(t *testing.T) {
	ctx := context.Background()

	fresh, err := testDB.CreateCycle(ctx, "stale-fresh")
	require.NoError(t, err)
	stuck, err := testDB.CreateCycle(ctx, "stale-stuck")
	require.NoError(t, err)

	// Age the stuck cycle's timestamps past the window.
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE agent_cycles
		 SET created_at = now() - interval '2 hours',
		     observe_started_at = now() - interval '2 hours'
		 WHERE id = $1`, stuck.ID)
	require.NoError(t, err)

	stale, err := testDB.ListStaleOpenCycles(ctx, time.Hour, 10)
	require.NoError(t, err)

	ids := make([]uuid.UUID, len(stale))
	for i, s := range stale {
		ids[i] = s.ID
	}
	assert.Contains(t, ids, stuck.ID)
	assert.NotContains(t, ids, fresh.ID)
}

func TestFingerprintInsertRace(t *testing.T) {
	ctx := context.Background()

	rec := model.FingerprintRecord{
		ID: uuid.New(), Scope: "seo", Hash: "v1:race-hash",
		Artifact: []byte(`{"strategy":"a"}`), IsCurrent: true,
	}
	inserted, err := testDB.InsertFingerprintRecord(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	loser := rec
	loser.ID = uuid.New()
	loser.Artifact = []byte(`{"strategy":"b"}`)
	inserted, err = testDB.InsertFingerprintRecord(ctx, loser)
	require.NoError(t, err)
	assert.False(t, inserted, "second current insert for the same (scope, hash) must lose")

	got, err := testDB.GetCurrentFingerprint(ctx, "seo", "v1:race-hash")
	require.NoError(t, err)
	assert.JSONEq(t, `{"strategy":"a"}`, string(got.Artifact))
}

func TestFingerprintSupersedeRetainsHistory(t *testing.T) {
	ctx := context.Background()

	first := model.FingerprintRecord{
		ID: uuid.New(), Scope: "history", Hash: "v1:h1",
		Artifact: []byte(`{"rev":1}`), IsCurrent: true,
	}
	inserted, err := testDB.InsertFingerprintRecord(ctx, first)
	require.NoError(t, err)
	require.True(t, inserted)

	n, err := testDB.SupersedeFingerprint(ctx, "history", "v1:h1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = testDB.GetCurrentFingerprint(ctx, "history", "v1:h1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	second := model.FingerprintRecord{
		ID: uuid.New(), Scope: "history", Hash: "v1:h1",
		Artifact: []byte(`{"rev":2}`), IsCurrent: true,
	}
	inserted, err = testDB.InsertFingerprintRecord(ctx, second)
	require.NoError(t, err)
	assert.True(t, inserted)

	history, err := testDB.ListFingerprintHistory(ctx, "history", 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestNotifyRoundTrip(t *testing.T) {
	ctx := context.Background()

	require.True(t, testDB.HasNotifyConn())
	require.NoError(t, testDB.Listen(ctx, storage.ChannelEvents))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelEvents, "ping"))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	channel, payload, err := testDB.WaitForNotification(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelEvents, channel)
	assert.Equal(t, "ping", payload)
}

func TestAppendBusEventSerializesWithInFlightAppends(t *testing.T) {
	ctx := context.Background()

	// Simulate an append transaction that allocated a seq but has not
	// committed yet: it holds the append lock with its sequence row pending.
	tx, err := testDB.Pool().Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	_, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('bus_events'))`)
	require.NoError(t, err)

	appended := make(chan model.BusEvent, 1)
	appendErr := make(chan error, 1)
	go func() {
		ev, err := testDB.AppendBusEvent(ctx, model.BusEvent{
			EventType:   "ordered.append",
			SourceAgent: "writer-b",
		})
		if err != nil {
			appendErr <- err
			return
		}
		appended <- ev
	}()

	// The concurrent append must not become visible while the earlier one is
	// still open; otherwise a consumer could ack past a seq that has not
	// committed yet and lose it forever.
	select {
	case <-appended:
		t.Fatal("append completed while an earlier append transaction was still open")
	case err := <-appendErr:
		t.Fatalf("append failed: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, tx.Rollback(ctx))

	select {
	case ev := <-appended:
		assert.NotZero(t, ev.Seq)
	case err := <-appendErr:
		t.Fatalf("append failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("append did not complete after the earlier transaction closed")
	}
}
