package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debitum-app/debitum/pkg/event"
	"github.com/debitum-app/debitum/pkg/ledger"
)

const testWallet = "6f2f1b9a-0000-4000-8000-000000000003"

func newTestCore(t *testing.T) *Core {
	t.Helper()
	c, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.storage.ConfigSet(configUserID, uuid.NewString()))
	require.NoError(t, c.SetCurrentWallet(testWallet))
	c.api.token = "test-token"
	return c
}

// fakeServer records sync requests and serves canned responses.
type fakeServer struct {
	mu         sync.Mutex
	pushStatus int
	pushBody   interface{}
	pullEvents []event.Event

	pushes []([]event.Event)
	pulls  []string // the since query value per pull, "" for full pulls
}

func (f *fakeServer) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.URL.Path == "/api/sync/events" && r.Method == http.MethodPost:
			var batch []event.Event
			_ = json.NewDecoder(r.Body).Decode(&batch)
			f.pushes = append(f.pushes, batch)
			if f.pushStatus != 0 && f.pushStatus != http.StatusOK {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(f.pushStatus)
				_ = json.NewEncoder(w).Encode(f.pushBody)
				return
			}
			accepted := make([]string, 0, len(batch))
			for _, ev := range batch {
				accepted = append(accepted, ev.ID)
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"accepted": accepted, "conflicts": []string{},
			})
		case r.URL.Path == "/api/sync/events" && r.Method == http.MethodGet:
			f.pulls = append(f.pulls, r.URL.Query().Get("since"))
			_ = json.NewEncoder(w).Encode(f.pullEvents)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func serverContactCreated(name string, ts time.Time) event.Event {
	data, _ := json.Marshal(map[string]interface{}{"name": name, "comment": "add"})
	return event.Event{
		ID:            uuid.NewString(),
		AggregateType: event.AggregateContact,
		AggregateID:   uuid.NewString(),
		Type:          event.TypeCreated,
		Data:          data,
		Timestamp:     ts,
		Version:       1,
	}
}

func TestCreateContactIsLocalFirst(t *testing.T) {
	c := newTestCore(t)

	id, err := c.CreateContact("Alice", ContactFields{}, "met at work")
	require.NoError(t, err)

	contacts, err := c.Contacts()
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, id, contacts[0].ID)
	assert.Equal(t, "Alice", contacts[0].Name)

	pending, err := c.storage.EventsGetUnsynced(testWallet)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "offline mutation stays pending for sync")
}

func TestPushMarksAcceptedSynced(t *testing.T) {
	c := newTestCore(t)
	_, err := c.CreateContact("Alice", ContactFields{}, "add")
	require.NoError(t, err)

	fake := &fakeServer{}
	srv := fake.start(t)
	c.api.baseURL = srv.URL

	require.NoError(t, c.PushUnsynced())

	pending, err := c.storage.EventsGetUnsynced(testWallet)
	require.NoError(t, err)
	assert.Empty(t, pending)
	require.Len(t, fake.pushes, 1)
	assert.Len(t, fake.pushes[0], 1)

	// Nothing pending, nothing pushed.
	require.NoError(t, c.PushUnsynced())
	assert.Len(t, fake.pushes, 1)
}

func TestPushPermissionDeniedDropsPendingAndRebuilds(t *testing.T) {
	c := newTestCore(t)
	_, err := c.CreateContact("Alice", ContactFields{}, "add")
	require.NoError(t, err)

	fake := &fakeServer{
		pushStatus: http.StatusForbidden,
		pushBody:   map[string]string{"code": "DEBITUM_INSUFFICIENT_WALLET_PERMISSION", "message": "denied"},
	}
	srv := fake.start(t)
	c.api.baseURL = srv.URL

	err = c.PushUnsynced()
	require.ErrorIs(t, err, ErrInsufficientPermission)

	pending, err := c.storage.EventsGetUnsynced(testWallet)
	require.NoError(t, err)
	assert.Empty(t, pending, "events the server will never accept are dropped")

	contacts, err := c.Contacts()
	require.NoError(t, err)
	assert.Empty(t, contacts, "projection is rebuilt without the dropped events")
}

func TestPushAuthDeclinedKeepsPending(t *testing.T) {
	c := newTestCore(t)
	_, err := c.CreateContact("Alice", ContactFields{}, "add")
	require.NoError(t, err)

	fake := &fakeServer{
		pushStatus: http.StatusUnauthorized,
		pushBody:   map[string]string{"code": "DEBITUM_AUTH_DECLINED"},
	}
	srv := fake.start(t)
	c.api.baseURL = srv.URL

	err = c.PushUnsynced()
	require.ErrorIs(t, err, ErrAuthDeclined)

	pending, err := c.storage.EventsGetUnsynced(testWallet)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "auth trouble never drops local state")
}

func TestPushOfflineIsSilentAndKeepsPending(t *testing.T) {
	c := newTestCore(t)
	_, err := c.CreateContact("Alice", ContactFields{}, "add")
	require.NoError(t, err)

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c.api.baseURL = srv.URL

	require.NoError(t, c.PushUnsynced(), "offline pushes succeed silently")

	pending, err := c.storage.EventsGetUnsynced(testWallet)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestPullFullWhenLocalLogEmpty(t *testing.T) {
	c := newTestCore(t)
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	fake := &fakeServer{pullEvents: []event.Event{
		serverContactCreated("Alice", base),
		serverContactCreated("Bob", base.Add(time.Second)),
	}}
	srv := fake.start(t)
	c.api.baseURL = srv.URL

	require.NoError(t, c.PullAndMerge())

	require.Len(t, fake.pulls, 1)
	assert.Empty(t, fake.pulls[0], "empty local log pulls everything")

	count, err := c.storage.EventsCount(testWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	pending, err := c.storage.EventsGetUnsynced(testWallet)
	require.NoError(t, err)
	assert.Empty(t, pending, "server events are stored synced")

	contacts, err := c.Contacts()
	require.NoError(t, err)
	assert.Len(t, contacts, 2)

	watermark, ok, err := c.storage.ConfigGet(lastSyncKey(testWallet))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Second).Format(time.RFC3339Nano), watermark)
}

func TestPullUsesWatermarkWhenLocalLogNonEmpty(t *testing.T) {
	c := newTestCore(t)
	_, err := c.CreateContact("Alice", ContactFields{}, "add")
	require.NoError(t, err)
	mark := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)
	require.NoError(t, c.storage.ConfigSet(lastSyncKey(testWallet), mark))

	fake := &fakeServer{}
	srv := fake.start(t)
	c.api.baseURL = srv.URL

	require.NoError(t, c.PullAndMerge())
	require.Len(t, fake.pulls, 1)
	assert.Equal(t, mark, fake.pulls[0])
}

func TestPullMergeIsIdempotent(t *testing.T) {
	c := newTestCore(t)
	ev := serverContactCreated("Alice", time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	fake := &fakeServer{pullEvents: []event.Event{ev}}
	srv := fake.start(t)
	c.api.baseURL = srv.URL

	require.NoError(t, c.PullAndMerge())
	// The same events arrive again (watermark ties, overlapping windows).
	fake.mu.Lock()
	fake.pullEvents = []event.Event{ev}
	fake.mu.Unlock()
	require.NoError(t, c.PullAndMerge())

	count, err := c.storage.EventsCount(testWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestFullSyncPushesThenPulls(t *testing.T) {
	c := newTestCore(t)
	_, err := c.CreateContact("Alice", ContactFields{}, "add")
	require.NoError(t, err)

	fake := &fakeServer{}
	srv := fake.start(t)
	c.api.baseURL = srv.URL

	require.NoError(t, c.FullSync())
	assert.Len(t, fake.pushes, 1)
	assert.Len(t, fake.pulls, 1)

	pending, err := c.storage.EventsGetUnsynced(testWallet)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRefreshFromServerReplacesLocalState(t *testing.T) {
	c := newTestCore(t)
	for _, name := range []string{"Alice", "Bob", "Carol"} {
		_, err := c.CreateContact(name, ContactFields{}, "add")
		require.NoError(t, err)
	}
	require.NoError(t, c.storage.ConfigSet(lastSyncKey(testWallet), time.Now().UTC().Format(time.RFC3339Nano)))

	// The server now admits only Alice.
	alice := serverContactCreated("Alice", time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	fake := &fakeServer{pullEvents: []event.Event{alice}}
	srv := fake.start(t)
	c.api.baseURL = srv.URL

	require.NoError(t, c.RefreshFromServer())

	require.Len(t, fake.pulls, 1)
	assert.Empty(t, fake.pulls[0], "refresh re-pulls with no watermark")

	contacts, err := c.Contacts()
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "Alice", contacts[0].Name)

	count, err := c.storage.EventsCount(testWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestUndoTransactionRestoresBalance(t *testing.T) {
	c := newTestCore(t)
	contactID, err := c.CreateContact("Alice", ContactFields{}, "add")
	require.NoError(t, err)
	txID, err := c.CreateTransaction(TransactionParams{
		ContactID:       contactID,
		Direction:       ledger.DirectionLent,
		Amount:          100000,
		TransactionDate: "2024-06-01",
		Comment:         "loan",
	})
	require.NoError(t, err)

	contacts, err := c.Contacts()
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, int64(100000), contacts[0].Balance)

	require.NoError(t, c.UndoTransaction(txID, "mistake"))

	contacts, err = c.Contacts()
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Zero(t, contacts[0].Balance)

	transactions, err := c.Transactions()
	require.NoError(t, err)
	assert.Empty(t, transactions)
}
