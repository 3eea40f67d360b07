package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debitum-app/debitum/internal/eventlog"
	"github.com/debitum-app/debitum/internal/permissions"
	"github.com/debitum-app/debitum/internal/rebuild"
	"github.com/debitum-app/debitum/internal/snapshots"
	"github.com/debitum-app/debitum/internal/storage"
	"github.com/debitum-app/debitum/internal/storage/memory"
	"github.com/debitum-app/debitum/pkg/event"
)

type testEnv struct {
	t       *testing.T
	handler http.Handler
	store   *memory.Store
	log     *eventlog.MemoryLog
	auth    *AuthManager

	walletID   string
	ownerID    string
	ownerToken string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	log := eventlog.NewMemoryLog()
	rebuilder := rebuild.New(log, store, store, nil)
	snaps := snapshots.NewManager(store, log, nil, 10, 5)
	auth := NewAuthManager("test-secret", time.Hour)

	handler, _ := NewHandler(Options{
		Log:       log,
		Store:     store,
		Rebuilder: rebuilder,
		Snapshots: snaps,
		Auth:      auth,
	})

	env := &testEnv{t: t, handler: handler, store: store, log: log, auth: auth, ownerID: uuid.NewString()}
	ctx := context.Background()
	require.NoError(t, store.EnsureUser(ctx, storage.User{ID: env.ownerID, Username: "owner"}))
	wallet, err := store.CreateWallet(ctx, storage.Wallet{Name: "Family", CreatedBy: env.ownerID})
	require.NoError(t, err)
	env.walletID = wallet.ID
	env.ownerToken = env.token(env.ownerID, "owner")
	return env
}

func (e *testEnv) token(userID, username string) string {
	token, _, err := e.auth.Issue(storage.User{ID: userID, Username: username})
	require.NoError(e.t, err)
	return token
}

// addMember registers a plain member on the wallet.
func (e *testEnv) addMember(username string) (string, string) {
	userID := uuid.NewString()
	ctx := context.Background()
	require.NoError(e.t, e.store.EnsureUser(ctx, storage.User{ID: userID, Username: username}))
	require.NoError(e.t, e.store.UpsertMembership(ctx, e.walletID, userID, permissions.RoleMember))
	return userID, e.token(userID, username)
}

func (e *testEnv) request(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) push(token string, events []event.Event) (pushResponse, *httptest.ResponseRecorder) {
	e.t.Helper()
	rec := e.request(http.MethodPost, "/api/sync/events?wallet_id="+e.walletID, token, events)
	var resp pushResponse
	if rec.Code == http.StatusOK {
		require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return resp, rec
}

func (e *testEnv) pull(token, query string) ([]event.Event, *httptest.ResponseRecorder) {
	e.t.Helper()
	rec := e.request(http.MethodGet, "/api/sync/events?wallet_id="+e.walletID+query, token, nil)
	var events []event.Event
	if rec.Code == http.StatusOK {
		require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &events))
	}
	return events, rec
}

func contactCreated(id, name string) event.Event {
	data, _ := json.Marshal(map[string]interface{}{"name": name, "comment": "add"})
	return event.Event{
		ID:            uuid.NewString(),
		AggregateType: event.AggregateContact,
		AggregateID:   id,
		Type:          event.TypeCreated,
		Data:          data,
		Timestamp:     time.Now().UTC(),
		Version:       1,
	}
}

func transactionCreated(id, contactID string, amount int64) event.Event {
	data, _ := json.Marshal(map[string]interface{}{
		"contact_id":       contactID,
		"type":             "money",
		"direction":        "lent",
		"amount":           amount,
		"currency":         "IQD",
		"transaction_date": "2024-06-01",
		"comment":          "loan",
	})
	return event.Event{
		ID:            uuid.NewString(),
		AggregateType: event.AggregateTransaction,
		AggregateID:   id,
		Type:          event.TypeCreated,
		Data:          data,
		Timestamp:     time.Now().UTC(),
		Version:       1,
	}
}

func contactUpdated(id, name string, version int) event.Event {
	data, _ := json.Marshal(map[string]interface{}{"name": name, "comment": "rename"})
	return event.Event{
		ID:            uuid.NewString(),
		AggregateType: event.AggregateContact,
		AggregateID:   id,
		Type:          event.TypeUpdated,
		Data:          data,
		Timestamp:     time.Now().UTC(),
		Version:       version,
	}
}

func undoOf(target event.Event, version int) event.Event {
	data, _ := json.Marshal(map[string]interface{}{"undone_event_id": target.ID, "comment": "revert"})
	return event.Event{
		ID:            uuid.NewString(),
		AggregateType: target.AggregateType,
		AggregateID:   target.AggregateID,
		Type:          event.TypeUndo,
		Data:          data,
		Timestamp:     time.Now().UTC(),
		Version:       version,
	}
}

func TestPushAndProjectBalance(t *testing.T) {
	env := newTestEnv(t)
	contactID := uuid.NewString()

	resp, rec := env.push(env.ownerToken, []event.Event{
		contactCreated(contactID, "Alice"),
		transactionCreated(uuid.NewString(), contactID, 100000),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, resp.Accepted, 2)
	assert.Empty(t, resp.Conflicts)

	state, err := env.store.LoadProjection(context.Background(), env.walletID)
	require.NoError(t, err)
	require.Contains(t, state.Contacts, contactID)
	assert.Equal(t, "Alice", state.Contacts[contactID].Name)
	assert.Equal(t, int64(100000), state.Contacts[contactID].Balance)
	assert.Len(t, state.Transactions, 1)
}

func TestPushRecordsTotalDebt(t *testing.T) {
	env := newTestEnv(t)
	contactID := uuid.NewString()

	tx := transactionCreated(uuid.NewString(), contactID, 2500)
	_, rec := env.push(env.ownerToken, []event.Event{contactCreated(contactID, "Alice"), tx})
	require.Equal(t, http.StatusOK, rec.Code)

	stored, found, err := env.log.Get(context.Background(), env.walletID, tx.ID)
	require.NoError(t, err)
	require.True(t, found)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(stored.Data, &payload))
	assert.EqualValues(t, 2500, payload["total_debt"])
}

func TestPushIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	ev := contactCreated(uuid.NewString(), "Alice")

	first, rec := env.push(env.ownerToken, []event.Event{ev})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, first.Accepted, ev.ID)

	replay, rec := env.push(env.ownerToken, []event.Event{ev})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, replay.Accepted, ev.ID)
	assert.Empty(t, replay.Conflicts)

	count, err := env.log.Count(context.Background(), env.walletID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestPushSameIDDifferentPayloadConflicts(t *testing.T) {
	env := newTestEnv(t)
	ev := contactCreated(uuid.NewString(), "Alice")
	_, rec := env.push(env.ownerToken, []event.Event{ev})
	require.Equal(t, http.StatusOK, rec.Code)

	altered := ev
	altered.Data, _ = json.Marshal(map[string]interface{}{"name": "Mallory", "comment": "add"})
	resp, rec := env.push(env.ownerToken, []event.Event{altered})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, resp.Conflicts, ev.ID)
	assert.Empty(t, resp.Accepted)
}

func TestPushOptimisticConcurrencyConflict(t *testing.T) {
	env := newTestEnv(t)
	contactID := uuid.NewString()
	_, rec := env.push(env.ownerToken, []event.Event{contactCreated(contactID, "Alice")})
	require.Equal(t, http.StatusOK, rec.Code)

	// Two updates race on the same observed stream version.
	a := contactUpdated(contactID, "A", 2)
	b := contactUpdated(contactID, "B", 2)
	resp, rec := env.push(env.ownerToken, []event.Event{a, b})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{a.ID}, resp.Accepted)
	assert.Equal(t, []string{b.ID}, resp.Conflicts)

	version, err := env.log.StreamVersion(context.Background(), env.walletID,
		event.StreamKey{AggregateType: event.AggregateContact, AggregateID: contactID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestPushInvalidEventBecomesConflict(t *testing.T) {
	env := newTestEnv(t)
	bad := contactCreated(uuid.NewString(), "Alice")
	bad.Data, _ = json.Marshal(map[string]interface{}{"name": "Alice"}) // no comment

	resp, rec := env.push(env.ownerToken, []event.Event{bad, contactCreated(uuid.NewString(), "Bob")})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, resp.Conflicts, bad.ID)
	assert.Len(t, resp.Accepted, 1, "one failing event never aborts the batch")
}

func TestUndoCollapsesUpdateThroughSync(t *testing.T) {
	env := newTestEnv(t)
	contactID := uuid.NewString()
	created := contactCreated(contactID, "Original")
	updated := contactUpdated(contactID, "Updated", 2)

	_, rec := env.push(env.ownerToken, []event.Event{created, updated, undoOf(updated, 3)})
	require.Equal(t, http.StatusOK, rec.Code)

	state, err := env.store.LoadProjection(context.Background(), env.walletID)
	require.NoError(t, err)
	require.Contains(t, state.Contacts, contactID)
	assert.Equal(t, "Original", state.Contacts[contactID].Name)
}

func TestPushWithoutPermissionFailsWholeRequest(t *testing.T) {
	env := newTestEnv(t)
	_, memberToken := env.addMember("carol")

	// Strip the default allow-all matrix down to reads only.
	groups, err := env.store.ListUserGroups(context.Background(), env.walletID)
	require.NoError(t, err)
	contactGroups, err := env.store.ListContactGroups(context.Background(), env.walletID)
	require.NoError(t, err)
	require.NoError(t, env.store.ReplaceMatrix(context.Background(), env.walletID, []permissions.MatrixRow{
		{UserGroupID: groups[0].ID, ContactGroupID: contactGroups[0].ID, Action: event.ActionContactRead, Effect: permissions.EffectAllow},
	}))

	_, rec := env.push(memberToken, []event.Event{contactCreated(uuid.NewString(), "Eve")})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "DEBITUM_INSUFFICIENT_WALLET_PERMISSION", respCode(t, rec))

	count, err := env.log.Count(context.Background(), env.walletID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func respCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func TestPullPermissionFilter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	aliceID, bobID := uuid.NewString(), uuid.NewString()
	aliceTx := transactionCreated(uuid.NewString(), aliceID, 100)
	bobTx := transactionCreated(uuid.NewString(), bobID, 200)
	_, rec := env.push(env.ownerToken, []event.Event{
		contactCreated(aliceID, "Alice"),
		contactCreated(bobID, "Bob"),
		aliceTx,
		bobTx,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Member may read only the contact group holding Alice.
	_, memberToken := env.addMember("carol")
	userGroups, err := env.store.ListUserGroups(ctx, env.walletID)
	require.NoError(t, err)
	g, err := env.store.CreateContactGroup(ctx, storage.Group{WalletID: env.walletID, Name: "visible"})
	require.NoError(t, err)
	require.NoError(t, env.store.AddContactGroupMember(ctx, env.walletID, g.ID, aliceID))
	require.NoError(t, env.store.ReplaceMatrix(ctx, env.walletID, []permissions.MatrixRow{
		{UserGroupID: userGroups[0].ID, ContactGroupID: g.ID, Action: event.ActionContactRead, Effect: permissions.EffectAllow},
		{UserGroupID: userGroups[0].ID, ContactGroupID: g.ID, Action: event.ActionTransactionRead, Effect: permissions.EffectAllow},
	}))

	events, rec := env.pull(memberToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, events, 2, "only Alice's contact event and transaction are visible")
	for _, ev := range events {
		switch ev.AggregateType {
		case event.AggregateContact:
			assert.Equal(t, aliceID, ev.AggregateID)
		case event.AggregateTransaction:
			assert.Equal(t, aliceTx.ID, ev.ID)
		}
	}

	// The owner still sees everything.
	all, rec := env.pull(env.ownerToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, all, 4)
}

func TestPullSinceAndAfterSeq(t *testing.T) {
	env := newTestEnv(t)
	first := contactCreated(uuid.NewString(), "Alice")
	second := contactCreated(uuid.NewString(), "Bob")
	_, rec := env.push(env.ownerToken, []event.Event{first})
	require.Equal(t, http.StatusOK, rec.Code)
	_, rec = env.push(env.ownerToken, []event.Event{second})
	require.Equal(t, http.StatusOK, rec.Code)

	all, rec := env.pull(env.ownerToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, all, 2)

	since := all[0].Timestamp.UTC().Format(time.RFC3339Nano)
	tail, rec := env.pull(env.ownerToken, "&since="+since)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, tail, 1)
	assert.Equal(t, second.ID, tail[0].ID)

	stored, found, err := env.log.Get(context.Background(), env.walletID, first.ID)
	require.NoError(t, err)
	require.True(t, found)
	bySeq, rec := env.pull(env.ownerToken, fmt.Sprintf("&after_seq=%d", stored.ServerSeq))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, bySeq, 1)
	assert.Equal(t, second.ID, bySeq[0].ID)
}

func TestSyncHashEmptyWallet(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request(http.MethodGet, "/api/sync/hash?wallet_id="+env.walletID, env.ownerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Hash       string `json:"hash"`
		EventCount int    `json:"event_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", resp.Hash)
	assert.Zero(t, resp.EventCount)
}

func TestSyncHashTracksEvents(t *testing.T) {
	env := newTestEnv(t)
	hashOf := func() string {
		rec := env.request(http.MethodGet, "/api/sync/hash?wallet_id="+env.walletID, env.ownerToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Hash string `json:"hash"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp.Hash
	}

	empty := hashOf()
	_, rec := env.push(env.ownerToken, []event.Event{contactCreated(uuid.NewString(), "Alice")})
	require.Equal(t, http.StatusOK, rec.Code)
	after := hashOf()
	assert.NotEqual(t, empty, after)
	assert.Equal(t, after, hashOf(), "hash is deterministic")
}

func TestSyncRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request(http.MethodGet, "/api/sync/events?wallet_id="+env.walletID, "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "DEBITUM_AUTH_DECLINED", respCode(t, rec))
}

func TestSyncRejectsNonMember(t *testing.T) {
	env := newTestEnv(t)
	stranger := env.token(uuid.NewString(), "stranger")
	_, rec := env.pull(stranger, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "DEBITUM_INSUFFICIENT_WALLET_PERMISSION", respCode(t, rec))
}

func TestSnapshotTakenOnCadence(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 10; i++ {
		_, rec := env.push(env.ownerToken, []event.Event{contactCreated(uuid.NewString(), fmt.Sprintf("c%d", i))})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	count, err := env.store.CountSnapshots(context.Background(), env.walletID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
