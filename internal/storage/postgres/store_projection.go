package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/debitum-app/debitum/internal/storage"
	"github.com/debitum-app/debitum/pkg/event"
	"github.com/debitum-app/debitum/pkg/ledger"
	"github.com/debitum-app/debitum/pkg/projection"
)

// --- ProjectionStore --------------------------------------------------------

// ReplaceProjection swaps the wallet's projection tables for the given state
// in one transaction, so readers never observe a half-applied rebuild.
func (s *Store) ReplaceProjection(ctx context.Context, walletID string, state *projection.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM transactions_projection WHERE wallet_id = $1`, walletID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM contacts_projection WHERE wallet_id = $1`, walletID); err != nil {
		return err
	}

	for _, c := range state.ContactsList() {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contacts_projection
			(id, wallet_id, name, username, phone, email, notes, balance, is_deleted, last_event_seq, created_at, updated_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, $11, $12)
		`, c.ID, walletID, c.Name, c.Username, c.Phone, c.Email, c.Notes, c.Balance, c.IsDeleted, c.LastEventSeq, c.CreatedAt, c.UpdatedAt); err != nil {
			return err
		}
	}

	for _, t := range state.TransactionsList() {
		txDate, err := parseDate(t.TransactionDate, t.CreatedAt)
		if err != nil {
			return err
		}
		var dueDate interface{}
		if t.DueDate != "" {
			d, err := parseDate(t.DueDate, time.Time{})
			if err != nil {
				return err
			}
			dueDate = d
		}
		version := t.Version
		if version < 1 {
			version = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transactions_projection
			(id, wallet_id, contact_id, type, direction, amount, currency, description, transaction_date, due_date, is_deleted, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12, $13, $14)
		`, t.ID, walletID, t.ContactID, string(t.Type), string(t.Direction), t.Amount, t.Currency, t.Description, txDate, dueDate, t.IsDeleted, version, t.CreatedAt, t.UpdatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func parseDate(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	return time.Parse(event.DateLayout, s)
}

func (s *Store) LoadProjection(ctx context.Context, walletID string) (*projection.State, error) {
	state := projection.NewState()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(username, ''), COALESCE(phone, ''), COALESCE(email, ''), COALESCE(notes, ''),
		       balance, is_deleted, last_event_seq, created_at, updated_at
		FROM contacts_projection WHERE wallet_id = $1
	`, walletID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		c := &ledger.Contact{WalletID: walletID, IsSynced: true}
		if err := rows.Scan(&c.ID, &c.Name, &c.Username, &c.Phone, &c.Email, &c.Notes,
			&c.Balance, &c.IsDeleted, &c.LastEventSeq, &c.CreatedAt, &c.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		state.Contacts[c.ID] = c
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, contact_id, type, direction, amount, currency, COALESCE(description, ''),
		       transaction_date, due_date, is_deleted, version, created_at, updated_at
		FROM transactions_projection WHERE wallet_id = $1
	`, walletID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		t := &ledger.Transaction{WalletID: walletID, IsSynced: true}
		var txType, direction string
		var txDate time.Time
		var dueDate sql.NullTime
		if err := rows.Scan(&t.ID, &t.ContactID, &txType, &direction, &t.Amount, &t.Currency, &t.Description,
			&txDate, &dueDate, &t.IsDeleted, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		t.Type = ledger.TransactionType(txType)
		t.Direction = ledger.Direction(direction)
		t.TransactionDate = txDate.Format(event.DateLayout)
		if dueDate.Valid {
			t.DueDate = dueDate.Time.Format(event.DateLayout)
		}
		state.Transactions[t.ID] = t
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return state, nil
}

// --- SnapshotStore ----------------------------------------------------------

func (s *Store) SaveSnapshot(ctx context.Context, snap storage.Snapshot) (storage.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Snapshot{}, err
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(snapshot_index), -1) + 1 FROM projection_snapshots WHERE wallet_id = $1
	`, snap.WalletID).Scan(&snap.SnapshotIndex); err != nil {
		return storage.Snapshot{}, err
	}

	snap.CreatedAt = time.Now().UTC()
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO projection_snapshots
		(wallet_id, snapshot_index, server_seq_at_snapshot, event_count, contacts_json, transactions_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, snap.WalletID, snap.SnapshotIndex, snap.ServerSeqAtSnapshot, snap.EventCount,
		snap.ContactsJSON, snap.TransactionsJSON, snap.CreatedAt).Scan(&snap.ID); err != nil {
		return storage.Snapshot{}, err
	}

	if err := tx.Commit(); err != nil {
		return storage.Snapshot{}, err
	}
	return snap, nil
}

const snapshotColumns = `id, wallet_id, snapshot_index, server_seq_at_snapshot, event_count, contacts_json, transactions_json, created_at`

func scanSnapshot(row *sql.Row) (storage.Snapshot, bool, error) {
	var snap storage.Snapshot
	err := row.Scan(&snap.ID, &snap.WalletID, &snap.SnapshotIndex, &snap.ServerSeqAtSnapshot,
		&snap.EventCount, &snap.ContactsJSON, &snap.TransactionsJSON, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Snapshot{}, false, nil
	}
	if err != nil {
		return storage.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *Store) SnapshotBefore(ctx context.Context, walletID string, seq int64) (storage.Snapshot, bool, error) {
	return scanSnapshot(s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM projection_snapshots
		WHERE wallet_id = $1 AND server_seq_at_snapshot < $2
		ORDER BY snapshot_index DESC LIMIT 1
	`, walletID, seq))
}

func (s *Store) LatestSnapshot(ctx context.Context, walletID string) (storage.Snapshot, bool, error) {
	return scanSnapshot(s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM projection_snapshots
		WHERE wallet_id = $1
		ORDER BY snapshot_index DESC LIMIT 1
	`, walletID))
}

func (s *Store) CountSnapshots(ctx context.Context, walletID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM projection_snapshots WHERE wallet_id = $1
	`, walletID).Scan(&count)
	return count, err
}

func (s *Store) PruneSnapshots(ctx context.Context, walletID string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM projection_snapshots
		WHERE wallet_id = $1 AND snapshot_index NOT IN (
			SELECT snapshot_index FROM projection_snapshots
			WHERE wallet_id = $1
			ORDER BY snapshot_index DESC
			LIMIT $2
		)
	`, walletID, keep)
	return err
}
