package snapshot_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/db"
	"fleetwatch/internal/dbtest"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/events"
	"fleetwatch/internal/projection"
	"fleetwatch/internal/repo"
	"fleetwatch/internal/snapshot"
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

type env struct {
	conn    *db.DB
	log     events.Log
	proj    projection.Projector
	builder snapshot.Builder
	clock   *clock
}

func newEnv(t *testing.T, enc snapshot.Encoding) env {
	t.Helper()
	conn := dbtest.Open(t)
	c := &clock{t: time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)}
	log := events.New(conn)
	log.Now = c.Now
	r := repo.Repo{DB: conn}
	return env{
		conn:  conn,
		log:   log,
		proj:  projection.Projector{Registry: projection.NewRegistry(), Repo: r},
		clock: c,
		builder: snapshot.Builder{
			DB: conn, Log: log, Repo: r, TTL: time.Hour, Encoding: enc, Now: c.Now,
		},
	}
}

func (e env) ingest(t *testing.T, typ, agent string, data map[string]any) domain.Event {
	t.Helper()
	var evt domain.Event
	err := e.conn.InTx(context.Background(), nil, func(tx *sql.Tx) error {
		var err error
		evt, err = e.log.AppendTx(context.Background(), tx, typ, agent, domain.Payload{Data: data})
		if err != nil {
			return err
		}
		_, err = e.proj.ApplyTx(context.Background(), tx, evt)
		return err
	})
	require.NoError(t, err)
	return evt
}

func TestBuildCapturesWatermarkAndRows(t *testing.T) {
	for _, enc := range []snapshot.Encoding{snapshot.EncodingZstd, snapshot.EncodingNone} {
		t.Run(string(enc), func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t, enc)

			e.ingest(t, "agent_online", "a1", nil)
			e.ingest(t, "agent_error", "a1", map[string]any{"error": "boom"})
			info, err := e.builder.Build(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(2), info.Seq)
			assert.Equal(t, 1, info.AgentCount)
			assert.Equal(t, string(enc), info.Encoding)
			assert.Equal(t, info.CreatedAt.Add(time.Hour), info.ExpiresAt)

			e.ingest(t, "agent_offline", "a1", nil)

			snap, err := e.builder.Latest(ctx)
			require.NoError(t, err)
			assert.Equal(t, info.SnapshotID, snap.SnapshotID)
			assert.Equal(t, int64(2), snap.Seq)
			require.Len(t, snap.Agents, 1)
			assert.Equal(t, "error", snap.Agents[0].Status)

			page, err := e.log.RangeAfter(ctx, snap.Seq, 100)
			require.NoError(t, err)
			require.Len(t, page.Events, 1)
			assert.Equal(t, int64(3), page.Events[0].Seq)

			states := map[string]domain.AgentState{}
			for _, a := range snap.Agents {
				states[a.AgentID] = a
			}
			require.NoError(t, projection.NewRegistry().Fold(states, page.Events))
			assert.Equal(t, "offline", states["a1"].Status)

			current, err := e.proj.Repo.GetAgent(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, current, states["a1"])
		})
	}
}

func TestEmptyStateSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, snapshot.EncodingZstd)

	_, err := e.builder.Latest(ctx)
	require.ErrorIs(t, err, snapshot.ErrUnavailable)

	info, err := e.builder.Build(ctx)
	require.NoError(t, err)
	assert.Zero(t, info.Seq)

	snap, err := e.builder.Get(ctx, info.SnapshotID)
	require.NoError(t, err)
	assert.NotNil(t, snap.Agents)
	assert.Empty(t, snap.Agents)
}

func TestLatestPicksHighestWatermark(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, snapshot.EncodingZstd)

	e.ingest(t, "agent_online", "a1", nil)
	first, err := e.builder.Build(ctx)
	require.NoError(t, err)
	e.ingest(t, "agent_online", "a2", nil)
	e.clock.Advance(time.Second)
	second, err := e.builder.Build(ctx)
	require.NoError(t, err)

	snap, err := e.builder.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.SnapshotID, snap.SnapshotID)
	assert.Len(t, snap.Agents, 2)

	list, err := e.builder.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.SnapshotID, list[0].SnapshotID)
	assert.Equal(t, first.SnapshotID, list[1].SnapshotID)

	oldest, ok, err := e.builder.OldestWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, first.Seq, oldest)
}

func TestExpiredSnapshotsAreInvisibleThenDeleted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, snapshot.EncodingZstd)

	e.ingest(t, "agent_online", "a1", nil)
	info, err := e.builder.Build(ctx)
	require.NoError(t, err)

	e.clock.Advance(time.Hour)
	_, err = e.builder.Latest(ctx)
	require.ErrorIs(t, err, snapshot.ErrUnavailable)
	_, err = e.builder.Get(ctx, info.SnapshotID)
	require.ErrorIs(t, err, snapshot.ErrNotFound)
	_, ok, err := e.builder.OldestWatermark(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := e.builder.Expire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCorruptBlobIsRejected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, snapshot.EncodingNone)
	e.ingest(t, "agent_online", "a1", nil)
	info, err := e.builder.Build(ctx)
	require.NoError(t, err)

	_, err = e.conn.ExecContext(ctx, `UPDATE snapshots SET data=? WHERE snapshot_id=?`, []byte(`[]`), info.SnapshotID)
	require.NoError(t, err)

	_, err = e.builder.Get(ctx, info.SnapshotID)
	require.ErrorIs(t, err, snapshot.ErrCorrupt)
}

func TestParseEncoding(t *testing.T) {
	enc, err := snapshot.ParseEncoding("")
	require.NoError(t, err)
	assert.Equal(t, snapshot.EncodingZstd, enc)
	_, err = snapshot.ParseEncoding("lz4")
	require.Error(t, err)
}
