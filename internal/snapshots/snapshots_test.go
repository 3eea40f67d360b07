package snapshots

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debitum-app/debitum/internal/eventlog"
	"github.com/debitum-app/debitum/internal/storage/memory"
	"github.com/debitum-app/debitum/pkg/event"
	"github.com/debitum-app/debitum/pkg/projection"
)

const wallet = "6f2f1b9a-0000-4000-8000-000000000002"

func fillLog(t *testing.T, log eventlog.Log, n int) int64 {
	t.Helper()
	var last int64
	for i := 0; i < n; i++ {
		data, err := json.Marshal(map[string]string{"name": fmt.Sprintf("c%d", i), "comment": "add"})
		require.NoError(t, err)
		rec, err := log.Append(context.Background(), wallet, eventlog.Append{
			EventID:         uuid.NewString(),
			Stream:          event.StreamKey{AggregateType: event.AggregateContact, AggregateID: uuid.NewString()},
			Type:            event.TypeCreated,
			Data:            data,
			ExpectedVersion: -1,
		})
		require.NoError(t, err)
		last = rec.ServerSeq
	}
	return last
}

func TestMaybeSnapshotHonorsCadence(t *testing.T) {
	log := eventlog.NewMemoryLog()
	store := memory.New()
	m := NewManager(store, log, nil, 10, 5)
	ctx := context.Background()

	last := fillLog(t, log, 9)
	require.NoError(t, m.MaybeSnapshot(ctx, wallet, projection.NewState(), last, false))
	count, err := store.CountSnapshots(ctx, wallet)
	require.NoError(t, err)
	assert.Zero(t, count, "9 events is off the cadence boundary")

	last = fillLog(t, log, 1)
	require.NoError(t, m.MaybeSnapshot(ctx, wallet, projection.NewState(), last, false))
	count, err = store.CountSnapshots(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	snap, found, err := store.LatestSnapshot(ctx, wallet)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, last, snap.ServerSeqAtSnapshot)
	assert.Equal(t, int64(10), snap.EventCount)
}

func TestMaybeSnapshotAlwaysSavesAfterUndo(t *testing.T) {
	log := eventlog.NewMemoryLog()
	store := memory.New()
	m := NewManager(store, log, nil, 10, 5)
	ctx := context.Background()

	last := fillLog(t, log, 3)
	require.NoError(t, m.MaybeSnapshot(ctx, wallet, projection.NewState(), last, true))

	count, err := store.CountSnapshots(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "UNDO forces a snapshot off-cadence")
}

func TestSavePrunesBeyondRetention(t *testing.T) {
	log := eventlog.NewMemoryLog()
	store := memory.New()
	m := NewManager(store, log, nil, 10, 3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, m.Save(ctx, wallet, projection.NewState(), int64(i), int64(i)))
	}

	count, err := store.CountSnapshots(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// The survivors are the newest three.
	snap, found, err := store.SnapshotBefore(ctx, wallet, 100)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(5), snap.ServerSeqAtSnapshot)

	_, found, err = store.SnapshotBefore(ctx, wallet, 3)
	require.NoError(t, err)
	assert.False(t, found, "pruned snapshots are gone")
}

func TestZeroConfigPicksDefaults(t *testing.T) {
	m := NewManager(memory.New(), eventlog.NewMemoryLog(), nil, 0, 0)
	assert.Equal(t, DefaultRetain, m.Retain())
	assert.Equal(t, int64(DefaultInterval), m.interval)
}
