package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/config"
	"fleetwatch/internal/dbtest"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/engine"
	"fleetwatch/internal/events"
	"fleetwatch/internal/projection"
	"fleetwatch/internal/repo"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu      sync.Mutex
	notices []domain.Notice
	err     error
}

func (s *recordingSink) Notify(_ context.Context, n domain.Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, n)
	return s.err
}

type testEnv struct {
	Engine engine.Engine
	Clock  *clock
	Sink   *recordingSink
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	cfg := config.Default()
	c := &clock{t: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)}
	eng, err := engine.New(dbtest.Open(t), cfg)
	require.NoError(t, err)
	eng = eng.WithNow(c.Now)
	sink := &recordingSink{}
	eng.Sink = sink
	return testEnv{Engine: eng, Clock: c, Sink: sink, Ctx: context.Background()}
}

func envelope(agent, typ string, data map[string]any) domain.Envelope {
	return domain.Envelope{
		Protocol: engine.Protocol,
		Version:  "1.0",
		Source:   domain.Source{ServerID: "srv", AgentID: agent, Framework: "crewai", Language: "python"},
		Event:    domain.EnvelopeEvent{Type: typ, Data: data},
	}
}

func (env testEnv) ingest(t *testing.T, agent, typ string, data map[string]any) engine.IngestResult {
	t.Helper()
	res, err := env.Engine.Ingest(env.Ctx, envelope(agent, typ, data))
	require.NoError(t, err)
	return res
}

func TestSnapshotThenCatchUp(t *testing.T) {
	env := newTestEnv(t)

	env.ingest(t, "a1", "agent_online", nil)
	env.ingest(t, "a1", "agent_error", map[string]any{"error": "boom"})
	info, err := env.Engine.GenerateSnapshot(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Seq)
	env.ingest(t, "a1", "agent_offline", nil)

	snap, err := env.Engine.LatestSnapshot(env.Ctx)
	require.NoError(t, err)
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, "error", snap.Agents[0].Status)
	assert.Equal(t, "Error: boom", snap.Agents[0].CurrentActivity)

	page, err := env.Engine.EventsSince(env.Ctx, snap.Seq, 0)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, int64(3), page.Events[0].Seq)
	assert.Equal(t, "agent_offline", page.Events[0].Type)

	agent, err := env.Engine.GetAgent(env.Ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "offline", agent.Status)
}

func TestBootstrapPlusCatchUpEqualsLiveState(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.ingest(t, fmt.Sprintf("a%d", i), "agent_online", map[string]any{"role": "worker"})
	}
	_, err := env.Engine.GenerateSnapshot(env.Ctx)
	require.NoError(t, err)
	env.ingest(t, "a1", "tool_usage_started", map[string]any{"tool_name": "search"})
	env.ingest(t, "a2", "agent_execution_started", map[string]any{"task": "x", "task_id": "t2"})
	env.ingest(t, "a3", "agent_offline", nil)
	env.ingest(t, "a9", "agent_working", map[string]any{"task": "late joiner"})

	snap, err := env.Engine.LatestSnapshot(env.Ctx)
	require.NoError(t, err)
	states := map[string]domain.AgentState{}
	for _, a := range snap.Agents {
		states[a.AgentID] = a
	}
	since := snap.Seq
	for {
		page, err := env.Engine.EventsSince(env.Ctx, since, 2)
		require.NoError(t, err)
		if len(page.Events) == 0 {
			break
		}
		require.NoError(t, projection.NewRegistry().Fold(states, page.Events))
		since = page.Events[len(page.Events)-1].Seq
	}

	live, err := env.Engine.ListAgents(env.Ctx, repo.AgentFilters{})
	require.NoError(t, err)
	require.Len(t, states, len(live))
	for _, a := range live {
		assert.Equal(t, a, states[a.AgentID])
	}
}

func TestIngestRejectsInvalidEnvelope(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Ingest(env.Ctx, envelope("", "agent_online", nil))
	require.ErrorIs(t, err, engine.ErrInvalidEnvelope)

	_, err = env.Engine.Ingest(env.Ctx, envelope("a1", "", nil))
	require.ErrorIs(t, err, engine.ErrInvalidEnvelope)

	bad := envelope("a1", "agent_online", nil)
	bad.Protocol = "other"
	_, err = env.Engine.Ingest(env.Ctx, bad)
	require.ErrorIs(t, err, engine.ErrInvalidEnvelope)

	head, err := env.Engine.Head(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, head.MaxSeq)
}

func TestIngestBatchContinuesPastFailures(t *testing.T) {
	env := newTestEnv(t)
	res := env.Engine.IngestBatch(env.Ctx, []domain.Envelope{
		envelope("a1", "agent_online", nil),
		envelope("", "agent_online", nil),
		envelope("a2", "agent_online", nil),
	})
	assert.Equal(t, 3, res.Received)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Index)
	assert.Equal(t, int64(2), res.LastSeq)
}

func TestUnknownEventTypeIsLoggedButNotProjected(t *testing.T) {
	env := newTestEnv(t)
	res := env.ingest(t, "a1", "custom_metric", map[string]any{"v": 1})
	assert.Equal(t, int64(1), res.Event.Seq)
	assert.False(t, res.Changed)

	_, err := env.Engine.GetAgent(env.Ctx, "a1")
	require.ErrorIs(t, err, repo.ErrNotFound)

	page, err := env.Engine.EventsSince(env.Ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "custom_metric", page.Events[0].Type)
}

func TestSinkIsNotifiedAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "a1", "agent_online", nil)
	env.ingest(t, "ghost", "agent_offline", nil)

	require.Len(t, env.Sink.notices, 2)
	first := env.Sink.notices[0]
	assert.Equal(t, int64(1), first.Seq)
	require.NotNil(t, first.State)
	assert.Equal(t, "online", first.State.Status)
	assert.Nil(t, env.Sink.notices[1].State)

	env.Sink.err = errors.New("redis down")
	res := env.ingest(t, "a1", "agent_working", nil)
	assert.Equal(t, int64(3), res.Event.Seq)
}

func TestSweepRetainsEventsAboveOldestSnapshot(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 10; i++ {
		env.ingest(t, "a1", "agent_working", map[string]any{"task": i})
	}
	_, err := env.Engine.GenerateSnapshot(env.Ctx)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		env.ingest(t, "a1", "agent_working", map[string]any{"task": i})
	}

	// Everything is past the 24h event TTL but the snapshot (24h TTL, built
	// at the same instant) has not expired yet at +23h59m.
	env.Clock.Advance(24*time.Hour - time.Minute)
	cfg := *env.Engine.Config
	cfg.Retention.EventTTL = config.Duration(time.Hour)
	env.Engine.Config = &cfg

	res, err := env.Engine.Sweep(env.Ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, int64(10), res.Watermark)
	assert.Equal(t, int64(10), res.EventsPurged)
	assert.Equal(t, int64(10), res.PurgedThrough)

	_, err = env.Engine.EventsSince(env.Ctx, 5, 100)
	require.ErrorIs(t, err, events.ErrRangeExpired)

	snap, err := env.Engine.LatestSnapshot(env.Ctx)
	require.NoError(t, err)
	page, err := env.Engine.EventsSince(env.Ctx, snap.Seq, 100)
	require.NoError(t, err)
	assert.Len(t, page.Events, 5)
}

func TestSweepSkipsEventPurgeWithoutSnapshot(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.ingest(t, "a1", "agent_online", nil)
	}
	env.Clock.Advance(72 * time.Hour)

	res, err := env.Engine.Sweep(env.Ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.EventsPurged)

	page, err := env.Engine.EventsSince(env.Ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, page.Events, 3)
}

func TestSweepExpiresSnapshotsFirst(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "a1", "agent_online", nil)
	_, err := env.Engine.GenerateSnapshot(env.Ctx)
	require.NoError(t, err)
	env.Clock.Advance(25 * time.Hour)

	res, err := env.Engine.Sweep(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.SnapshotsExpired)
	assert.True(t, res.Skipped)

	_, err = env.Engine.LatestSnapshot(env.Ctx)
	require.Error(t, err)
}

func TestEventsSinceAheadOfLog(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "a1", "agent_online", nil)
	_, err := env.Engine.EventsSince(env.Ctx, 99, 10)
	require.ErrorIs(t, err, events.ErrAheadOfLog)
}

func TestReconcileRaisesCounterToStoredLog(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "a1", "agent_online", nil)
	_, err := env.Engine.DB.ExecContext(env.Ctx, `INSERT INTO events(seq,type,subject_id,payload,created_at) VALUES (40,'agent_online','a2','{}',0)`)
	require.NoError(t, err)

	head, err := env.Engine.Reconcile(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(40), head)

	res := env.ingest(t, "a3", "agent_online", nil)
	assert.Equal(t, int64(41), res.Event.Seq)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "a1", "agent_online", nil)
	env.ingest(t, "a2", "agent_online", nil)
	env.ingest(t, "a3", "agent_online", nil)
	env.ingest(t, "a3", "agent_offline", nil)
	env.ingest(t, "a2", "agent_error", map[string]any{"error": "x"})

	stats, err := env.Engine.Stats(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Online)
	assert.Equal(t, int64(5), stats.MaxSeq)
	assert.Equal(t, []domain.StatusCount{
		{Status: "error", Count: 1},
		{Status: "offline", Count: 1},
		{Status: "online", Count: 1},
	}, stats.ByStatus)

	online, err := env.Engine.ListAgents(env.Ctx, repo.AgentFilters{Status: "online"})
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "a1", online[0].AgentID)
}

func TestConcurrentIngestKeepsSeqDense(t *testing.T) {
	env := newTestEnv(t)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 15; i++ {
				_, err := env.Engine.Ingest(env.Ctx, envelope(fmt.Sprintf("a%d", w), "agent_working", map[string]any{"task": i}))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	page, err := env.Engine.EventsSince(env.Ctx, 0, 1000)
	require.NoError(t, err)
	require.Len(t, page.Events, 60)
	for i, evt := range page.Events {
		assert.Equal(t, int64(i+1), evt.Seq)
	}
	for w := 0; w < 4; w++ {
		a, err := env.Engine.GetAgent(env.Ctx, fmt.Sprintf("a%d", w))
		require.NoError(t, err)
		assert.Equal(t, "14", a.CurrentActivity)
	}
}
