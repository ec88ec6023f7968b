package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/dbtest"
	"fleetwatch/internal/events"
	"fleetwatch/internal/repo"
)

// A build whose watermark was purged between capture and store must not be
// stored.
func TestStoreRefusesWatermarkBelowFloor(t *testing.T) {
	ctx := context.Background()
	conn := dbtest.Open(t)
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	log := events.New(conn)
	log.Now = clock
	b := Builder{DB: conn, Log: log, Repo: repo.Repo{DB: conn}, TTL: time.Hour, Now: clock}

	appendEvents := func(n int) {
		for i := 0; i < n; i++ {
			_, err := log.Append(ctx, "agent_online", "a1", map[string]any{"i": i})
			require.NoError(t, err)
		}
	}
	appendEvents(3)
	stale, staleBlob, err := b.capture(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), stale.Seq)

	appendEvents(2)
	now = now.Add(2 * time.Hour)
	_, err = log.ExpireOlderThan(ctx, time.Hour, 4)
	require.NoError(t, err)

	err = b.store(ctx, stale, staleBlob)
	require.ErrorIs(t, err, ErrStale)
	_, err = b.Get(ctx, stale.SnapshotID)
	require.ErrorIs(t, err, ErrNotFound)

	fresh, err := b.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), fresh.Seq)
	got, err := b.Get(ctx, fresh.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Seq)
}
