package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/debitum-app/debitum/pkg/event"
)

// PostgresLog stores events in the events table. Stream appends serialize on
// a per-stream advisory lock so expected-version checks are linearizable.
type PostgresLog struct {
	db *sql.DB
}

var _ Log = (*PostgresLog)(nil)

// NewPostgresLog returns a Log backed by the given database handle.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

const recordColumns = `server_seq, event_id, wallet_id, COALESCE(user_id::text, ''), aggregate_type, aggregate_id, event_type, event_version, event_data, created_at`

func scanRecord(scanner interface{ Scan(...interface{}) error }) (Record, error) {
	var r Record
	var data []byte
	if err := scanner.Scan(&r.ServerSeq, &r.EventID, &r.WalletID, &r.UserID, &r.AggregateType, &r.AggregateID, &r.Type, &r.EventVersion, &data, &r.CreatedAt); err != nil {
		return Record{}, err
	}
	r.Data = json.RawMessage(data)
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func (l *PostgresLog) Append(ctx context.Context, walletID string, ap Append) (Record, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	// Serialize appends to this stream. hashtextextended gives a stable
	// 64-bit key for the advisory lock.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		walletID+"/"+ap.Stream.String(),
	); err != nil {
		return Record{}, fmt.Errorf("lock stream: %w", err)
	}

	// Idempotent replay: same event id returns the stored record.
	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM events WHERE wallet_id = $1 AND event_id = $2`,
		walletID, ap.EventID,
	)
	existing, err := scanRecord(row)
	if err == nil {
		return existing, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("check event id: %w", err)
	}

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_version), -1) FROM events
		 WHERE wallet_id = $1 AND aggregate_type = $2 AND aggregate_id = $3`,
		walletID, ap.Stream.AggregateType, ap.Stream.AggregateID,
	).Scan(&current); err != nil {
		return Record{}, fmt.Errorf("read stream version: %w", err)
	}

	if err := checkAppend(ap, current); err != nil {
		return Record{}, err
	}

	// Wallet timestamps stay strictly monotonic even when the clock stalls.
	var createdAt time.Time
	if err := tx.QueryRowContext(ctx,
		`SELECT GREATEST(
			clock_timestamp(),
			COALESCE((SELECT MAX(created_at) + interval '1 microsecond' FROM events WHERE wallet_id = $1), clock_timestamp())
		)`,
		walletID,
	).Scan(&createdAt); err != nil {
		return Record{}, fmt.Errorf("assign timestamp: %w", err)
	}

	var userID interface{}
	if ap.UserID != "" {
		userID = ap.UserID
	}

	row = tx.QueryRowContext(ctx,
		`INSERT INTO events (event_id, wallet_id, user_id, aggregate_type, aggregate_id, event_type, event_version, event_data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+recordColumns,
		ap.EventID, walletID, userID, ap.Stream.AggregateType, ap.Stream.AggregateID, ap.Type, current+1, []byte(ap.Data), createdAt,
	)
	rec, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit append: %w", err)
	}
	return rec, nil
}

func (l *PostgresLog) StreamVersion(ctx context.Context, walletID string, stream event.StreamKey) (int64, error) {
	var version int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_version), -1) FROM events
		 WHERE wallet_id = $1 AND aggregate_type = $2 AND aggregate_id = $3`,
		walletID, stream.AggregateType, stream.AggregateID,
	).Scan(&version)
	return version, err
}

func (l *PostgresLog) ReadStream(ctx context.Context, walletID string, stream event.StreamKey, fromVersion int64, max int) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM events
		 WHERE wallet_id = $1 AND aggregate_type = $2 AND aggregate_id = $3 AND event_version >= $4
		 ORDER BY event_version`
	args := []interface{}{walletID, stream.AggregateType, stream.AggregateID, fromVersion}
	if max > 0 {
		query += ` LIMIT $5`
		args = append(args, max)
	}
	return l.queryRecords(ctx, query, args...)
}

func (l *PostgresLog) ReadWalletSince(ctx context.Context, walletID string, q SinceQuery) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM events WHERE wallet_id = $1`
	args := []interface{}{walletID}
	switch {
	case q.AfterSeq > 0:
		query += ` AND server_seq > $2`
		args = append(args, q.AfterSeq)
	case !q.SinceTime.IsZero():
		query += ` AND created_at > $2`
		args = append(args, q.SinceTime)
	}
	query += ` ORDER BY server_seq`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, q.Limit)
	}
	return l.queryRecords(ctx, query, args...)
}

func (l *PostgresLog) ReadWallet(ctx context.Context, walletID string) ([]Record, error) {
	return l.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM events WHERE wallet_id = $1 ORDER BY server_seq`,
		walletID,
	)
}

func (l *PostgresLog) queryRecords(ctx context.Context, query string, args ...interface{}) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *PostgresLog) Get(ctx context.Context, walletID, eventID string) (Record, bool, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM events WHERE wallet_id = $1 AND event_id = $2`,
		walletID, eventID,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (l *PostgresLog) Exists(ctx context.Context, walletID, eventID string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM events WHERE wallet_id = $1 AND event_id = $2)`,
		walletID, eventID,
	).Scan(&exists)
	return exists, err
}

func (l *PostgresLog) Count(ctx context.Context, walletID string) (int64, error) {
	var count int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE wallet_id = $1`,
		walletID,
	).Scan(&count)
	return count, err
}

func (l *PostgresLog) FirstUndoSeq(ctx context.Context, walletID string) (int64, bool, error) {
	var seq sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT MIN(server_seq) FROM events WHERE wallet_id = $1 AND event_type = 'UNDO'`,
		walletID,
	).Scan(&seq)
	if err != nil {
		return 0, false, err
	}
	return seq.Int64, seq.Valid, nil
}

func (l *PostgresLog) UpdateEventData(ctx context.Context, walletID, eventID string, data json.RawMessage) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE events SET event_data = $3 WHERE wallet_id = $1 AND event_id = $2`,
		walletID, eventID, []byte(data),
	)
	return err
}
