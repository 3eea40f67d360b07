package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debitum-app/debitum/pkg/event"
)

const (
	pgWallet  = "6f2f1b9a-0000-4000-8000-00000000000a"
	pgEventID = "6f2f1b9a-0000-4000-8000-00000000000b"
	pgContact = "6f2f1b9a-0000-4000-8000-00000000000c"
)

func newMockLog(t *testing.T) (*PostgresLog, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresLog(db), mock
}

func recordRows(created time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"server_seq", "event_id", "wallet_id", "user_id", "aggregate_type",
		"aggregate_id", "event_type", "event_version", "event_data", "created_at",
	}).AddRow(int64(7), pgEventID, pgWallet, "", "contact", pgContact, "CREATED", int64(0), []byte(`{"name":"Alice","comment":"add"}`), created)
}

func pgAppend() Append {
	return Append{
		EventID:         pgEventID,
		Stream:          event.StreamKey{AggregateType: event.AggregateContact, AggregateID: pgContact},
		Type:            event.TypeCreated,
		Data:            json.RawMessage(`{"name":"Alice","comment":"add"}`),
		ExpectedVersion: -1,
	}
}

func TestPostgresAppendInsertsNewEvent(t *testing.T) {
	log, mock := newMockLog(t)
	created := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock`)).
		WithArgs(pgWallet + "/contact-" + pgContact).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM events WHERE wallet_id = \$1 AND event_id = \$2`).
		WithArgs(pgWallet, pgEventID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(event_version), -1) FROM events`)).
		WithArgs(pgWallet, "contact", pgContact).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(-1)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT GREATEST(`)).
		WithArgs(pgWallet).
		WillReturnRows(sqlmock.NewRows([]string{"greatest"}).AddRow(created))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO events`)).
		WillReturnRows(recordRows(created))
	mock.ExpectCommit()

	rec, err := log.Append(context.Background(), pgWallet, pgAppend())
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.ServerSeq)
	assert.Equal(t, int64(0), rec.EventVersion)
	assert.Equal(t, pgEventID, rec.EventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendReplaysExistingEvent(t *testing.T) {
	log, mock := newMockLog(t)
	created := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM events WHERE wallet_id = \$1 AND event_id = \$2`).
		WithArgs(pgWallet, pgEventID).
		WillReturnRows(recordRows(created))
	mock.ExpectCommit()

	rec, err := log.Append(context.Background(), pgWallet, pgAppend())
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.ServerSeq, "replay returns the stored record, no insert")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendConcurrencyConflict(t *testing.T) {
	log, mock := newMockLog(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM events WHERE wallet_id = \$1 AND event_id = \$2`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(event_version), -1) FROM events`)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(1)))
	mock.ExpectRollback()

	ap := pgAppend()
	ap.Type = event.TypeUpdated
	ap.ExpectedVersion = 0
	_, err := log.Append(context.Background(), pgWallet, ap)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	log, mock := newMockLog(t)
	mock.ExpectQuery(`SELECT .+ FROM events WHERE wallet_id = \$1 AND event_id = \$2`).
		WithArgs(pgWallet, pgEventID).
		WillReturnError(sql.ErrNoRows)

	_, found, err := log.Get(context.Background(), pgWallet, pgEventID)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCount(t *testing.T) {
	log, mock := newMockLog(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM events WHERE wallet_id = $1`)).
		WithArgs(pgWallet).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	count, err := log.Count(context.Background(), pgWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFirstUndoSeqAbsent(t *testing.T) {
	log, mock := newMockLog(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT MIN(server_seq) FROM events`)).
		WithArgs(pgWallet).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))

	_, ok, err := log.FirstUndoSeq(context.Background(), pgWallet)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadWalletSinceUsesSeqCursor(t *testing.T) {
	log, mock := newMockLog(t)
	created := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .+ FROM events WHERE wallet_id = \$1 AND server_seq > \$2 ORDER BY server_seq`).
		WithArgs(pgWallet, int64(5)).
		WillReturnRows(recordRows(created))

	records, err := log.ReadWalletSince(context.Background(), pgWallet, SinceQuery{AfterSeq: 5})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(7), records[0].ServerSeq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateEventData(t *testing.T) {
	log, mock := newMockLog(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE events SET event_data = $3`)).
		WithArgs(pgWallet, pgEventID, []byte(`{"total_debt":42}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := log.UpdateEventData(context.Background(), pgWallet, pgEventID, json.RawMessage(`{"total_debt":42}`))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
