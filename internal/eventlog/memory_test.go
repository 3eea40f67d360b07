package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debitum-app/debitum/pkg/event"
)

func testAppend(stream event.StreamKey, eventType event.Type, expected int64) Append {
	return Append{
		EventID:         uuid.NewString(),
		Stream:          stream,
		Type:            eventType,
		Data:            json.RawMessage(`{"name":"A","comment":"x"}`),
		ExpectedVersion: expected,
	}
}

func contactStream() event.StreamKey {
	return event.StreamKey{AggregateType: event.AggregateContact, AggregateID: uuid.NewString()}
}

func TestAppendAssignsDenseVersions(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	stream := contactStream()

	first, err := log.Append(ctx, "w1", testAppend(stream, event.TypeCreated, -1))
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.EventVersion)

	second, err := log.Append(ctx, "w1", testAppend(stream, event.TypeUpdated, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.EventVersion)
	assert.Greater(t, second.ServerSeq, first.ServerSeq)

	version, err := log.StreamVersion(ctx, "w1", stream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestAppendIsIdempotentByEventID(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	stream := contactStream()

	ap := testAppend(stream, event.TypeCreated, -1)
	first, err := log.Append(ctx, "w1", ap)
	require.NoError(t, err)

	// Same event id again, even with a stale expected version: idempotent
	// success returning the stored record.
	replay, err := log.Append(ctx, "w1", ap)
	require.NoError(t, err)
	assert.Equal(t, first.ServerSeq, replay.ServerSeq)
	assert.Equal(t, first.EventVersion, replay.EventVersion)

	count, err := log.Count(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAppendExpectedVersionConflict(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	stream := contactStream()

	_, err := log.Append(ctx, "w1", testAppend(stream, event.TypeCreated, -1))
	require.NoError(t, err)

	_, err = log.Append(ctx, "w1", testAppend(stream, event.TypeUpdated, 0))
	require.NoError(t, err)

	_, err = log.Append(ctx, "w1", testAppend(stream, event.TypeUpdated, 0))
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	version, err := log.StreamVersion(ctx, "w1", stream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestConcurrentAppendsOneWins(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	stream := contactStream()
	_, err := log.Append(ctx, "w1", testAppend(stream, event.TypeCreated, -1))
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = log.Append(ctx, "w1", testAppend(stream, event.TypeUpdated, 0))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrConcurrencyConflict)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestFirstEventMustBeCreated(t *testing.T) {
	log := NewMemoryLog()
	_, err := log.Append(context.Background(), "w1", testAppend(contactStream(), event.TypeUpdated, -1))
	assert.ErrorIs(t, err, ErrFirstEventNotCreated)
}

func TestCreatedAfterDeleteRejected(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	stream := contactStream()

	_, err := log.Append(ctx, "w1", testAppend(stream, event.TypeCreated, -1))
	require.NoError(t, err)
	_, err = log.Append(ctx, "w1", testAppend(stream, event.TypeDeleted, 0))
	require.NoError(t, err)

	_, err = log.Append(ctx, "w1", testAppend(stream, event.TypeCreated, 1))
	assert.ErrorIs(t, err, ErrStreamExists)
}

func TestTimestampsMonotonicPerWallet(t *testing.T) {
	log := NewMemoryLog()
	fixed := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	log.SetClock(func() time.Time { return fixed })
	ctx := context.Background()

	var last time.Time
	for i := 0; i < 5; i++ {
		rec, err := log.Append(ctx, "w1", testAppend(contactStream(), event.TypeCreated, -1))
		require.NoError(t, err)
		assert.True(t, rec.CreatedAt.After(last), "timestamps must strictly increase")
		last = rec.CreatedAt
	}
}

func TestReadWalletSince(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	var records []Record
	for i := 0; i < 4; i++ {
		rec, err := log.Append(ctx, "w1", testAppend(contactStream(), event.TypeCreated, -1))
		require.NoError(t, err)
		records = append(records, rec)
	}
	// Another wallet's events never leak in.
	_, err := log.Append(ctx, "w2", testAppend(contactStream(), event.TypeCreated, -1))
	require.NoError(t, err)

	bySeq, err := log.ReadWalletSince(ctx, "w1", SinceQuery{AfterSeq: records[1].ServerSeq})
	require.NoError(t, err)
	require.Len(t, bySeq, 2)
	assert.Equal(t, records[2].EventID, bySeq[0].EventID)

	byTime, err := log.ReadWalletSince(ctx, "w1", SinceQuery{SinceTime: records[1].CreatedAt})
	require.NoError(t, err)
	require.Len(t, byTime, 2)

	all, err := log.ReadWalletSince(ctx, "w1", SinceQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestFirstUndoSeq(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	stream := contactStream()

	created, err := log.Append(ctx, "w1", testAppend(stream, event.TypeCreated, -1))
	require.NoError(t, err)

	_, ok, err := log.FirstUndoSeq(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	undoData, _ := json.Marshal(map[string]string{"undone_event_id": created.EventID, "comment": "x"})
	undo, err := log.Append(ctx, "w1", Append{
		EventID:         uuid.NewString(),
		Stream:          stream,
		Type:            event.TypeUndo,
		Data:            undoData,
		ExpectedVersion: 0,
	})
	require.NoError(t, err)

	seq, ok, err := log.FirstUndoSeq(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, undo.ServerSeq, seq)
}

func TestUpdateEventData(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	rec, err := log.Append(ctx, "w1", testAppend(contactStream(), event.TypeCreated, -1))
	require.NoError(t, err)

	patched := json.RawMessage(`{"name":"A","comment":"x","total_debt":42}`)
	require.NoError(t, log.UpdateEventData(ctx, "w1", rec.EventID, patched))

	got, ok, err := log.Get(ctx, "w1", rec.EventID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, string(patched), string(got.Data))
}
