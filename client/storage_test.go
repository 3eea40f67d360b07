package client

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debitum-app/debitum/pkg/event"
	"github.com/debitum-app/debitum/pkg/ledger"
	"github.com/debitum-app/debitum/pkg/projection"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	st, err := OpenStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func storedEvent(walletID string, synced bool) projection.Record {
	data, _ := json.Marshal(map[string]string{"name": "Alice", "comment": "add"})
	return projection.Record{
		Event: event.Event{
			ID:            uuid.NewString(),
			AggregateType: event.AggregateContact,
			AggregateID:   uuid.NewString(),
			Type:          event.TypeCreated,
			Data:          data,
			Timestamp:     time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
			Version:       1,
		},
		WalletID: walletID,
		Synced:   synced,
	}
}

func TestStorageNotInitialized(t *testing.T) {
	st := newTestStorage(t)
	require.NoError(t, st.Close())

	_, _, err := st.ConfigGet("token")
	assert.ErrorIs(t, err, ErrStorageNotInitialized)
	err = st.EventsInsert(storedEvent("w1", false))
	assert.ErrorIs(t, err, ErrStorageNotInitialized)
	_, err = st.EventsCount("w1")
	assert.ErrorIs(t, err, ErrStorageNotInitialized)
}

func TestConfigRoundTrip(t *testing.T) {
	st := newTestStorage(t)

	_, ok, err := st.ConfigGet("token")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.ConfigSet("token", "abc"))
	require.NoError(t, st.ConfigSet("token", "def"))
	value, ok, err := st.ConfigGet("token")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "def", value)

	require.NoError(t, st.ConfigRemove("token"))
	_, ok, err = st.ConfigGet("token")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEventsInsertIsIdempotent(t *testing.T) {
	st := newTestStorage(t)
	rec := storedEvent("w1", false)

	require.NoError(t, st.EventsInsert(rec))
	require.NoError(t, st.EventsInsert(rec))

	count, err := st.EventsCount("w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestEventsRoundTripPreservesFields(t *testing.T) {
	st := newTestStorage(t)
	rec := storedEvent("w1", true)
	require.NoError(t, st.EventsInsert(rec))

	got, err := st.EventsGetAll("w1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.ID, got[0].ID)
	assert.Equal(t, rec.AggregateType, got[0].AggregateType)
	assert.Equal(t, rec.AggregateID, got[0].AggregateID)
	assert.Equal(t, rec.Type, got[0].Type)
	assert.JSONEq(t, string(rec.Data), string(got[0].Data))
	assert.True(t, rec.Timestamp.Equal(got[0].Timestamp))
	assert.Equal(t, rec.Version, got[0].Version)
	assert.True(t, got[0].Synced)
}

func TestEventsSyncedFlagLifecycle(t *testing.T) {
	st := newTestStorage(t)
	pending := storedEvent("w1", false)
	synced := storedEvent("w1", true)
	require.NoError(t, st.EventsInsert(pending))
	require.NoError(t, st.EventsInsert(synced))

	unsynced, err := st.EventsGetUnsynced("w1")
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, pending.ID, unsynced[0].ID)

	require.NoError(t, st.EventsMarkSynced([]string{pending.ID}))
	unsynced, err = st.EventsGetUnsynced("w1")
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestEventsDeleteUnsynced(t *testing.T) {
	st := newTestStorage(t)
	require.NoError(t, st.EventsInsert(storedEvent("w1", false)))
	require.NoError(t, st.EventsInsert(storedEvent("w1", false)))
	require.NoError(t, st.EventsInsert(storedEvent("w1", true)))
	require.NoError(t, st.EventsInsert(storedEvent("w2", false)))

	dropped, err := st.EventsDeleteUnsynced("w1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), dropped)

	count, err := st.EventsCount("w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "synced events survive")
	other, err := st.EventsCount("w2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other, "other wallets untouched")
}

func TestClearWalletRemovesEventsStateAndWatermark(t *testing.T) {
	st := newTestStorage(t)
	require.NoError(t, st.EventsInsert(storedEvent("w1", true)))
	require.NoError(t, st.ConfigSet(lastSyncKey("w1"), "2024-06-01T10:00:00Z"))
	require.NoError(t, st.ConfigSet("token", "keep-me"))

	state := projection.NewState()
	state.Contacts["c1"] = &ledger.Contact{ID: "c1", Name: "Alice"}
	require.NoError(t, st.StateSave("w1", state))

	require.NoError(t, st.ClearWallet("w1"))

	count, err := st.EventsCount("w1")
	require.NoError(t, err)
	assert.Zero(t, count)
	_, ok, err := st.StateLoad("w1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = st.ConfigGet(lastSyncKey("w1"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = st.ConfigGet("token")
	require.NoError(t, err)
	assert.True(t, ok, "session config survives a wallet wipe")
}

func TestStateSaveLoadRoundTrip(t *testing.T) {
	st := newTestStorage(t)

	state := projection.NewState()
	state.Contacts["c1"] = &ledger.Contact{ID: "c1", Name: "Alice", Balance: 500, CreatedAt: time.Now().UTC()}
	state.Transactions["t1"] = &ledger.Transaction{
		ID: "t1", ContactID: "c1", Type: ledger.TypeMoney, Direction: ledger.DirectionLent,
		Amount: 500, Currency: "IQD", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.StateSave("w1", state))

	loaded, ok, err := st.StateLoad("w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, loaded.Contacts, "c1")
	assert.Equal(t, int64(500), loaded.Contacts["c1"].Balance)
	require.Contains(t, loaded.Transactions, "t1")
	assert.Equal(t, ledger.DirectionLent, loaded.Transactions["t1"].Direction)
}
