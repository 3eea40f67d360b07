// Package client is the embeddable Debitum client core: a local-first event
// store over SQLite, the projection fold, and the sync engine that replicates
// against the server. All operations are synchronous from the caller's view.
package client

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/debitum-app/debitum/pkg/event"
	"github.com/debitum-app/debitum/pkg/ledger"
	"github.com/debitum-app/debitum/pkg/projection"
)

// ErrStorageNotInitialized is returned by every storage operation before
// Open succeeds. Initialization must precede any other call.
var ErrStorageNotInitialized = errors.New("Storage not initialized")

// Storage is the client's local SQLite database: config keys, the replicated
// event log with a synced flag, and the projection cache. The handle is
// guarded; callers never touch the connection directly.
type Storage struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenStorage creates (or opens) debitum.db under dir and ensures the schema.
func OpenStorage(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	dbPath := filepath.Join(dir, "debitum.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The client core is single-writer; one connection keeps SQLite happy.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) createTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS config (key TEXT PRIMARY KEY, value TEXT);
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			wallet_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			synced INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_events_wallet ON events(wallet_id);
		CREATE INDEX IF NOT EXISTS idx_events_synced ON events(synced);
		CREATE TABLE IF NOT EXISTS state (
			wallet_id TEXT PRIMARY KEY,
			contacts_json TEXT NOT NULL,
			transactions_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

// Close releases the handle. Further calls fail with ErrStorageNotInitialized.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Storage) handle() (*sql.DB, error) {
	if s == nil {
		return nil, ErrStorageNotInitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrStorageNotInitialized
	}
	return s.db, nil
}

// --- config -----------------------------------------------------------------

func (s *Storage) ConfigGet(key string) (string, bool, error) {
	db, err := s.handle()
	if err != nil {
		return "", false, err
	}
	var value string
	err = db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Storage) ConfigSet(key, value string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (s *Storage) ConfigRemove(key string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.Exec(`DELETE FROM config WHERE key = ?`, key)
	return err
}

// --- events -----------------------------------------------------------------

// EventsInsert stores one event, ignoring duplicates by id.
func (s *Storage) EventsInsert(rec projection.Record) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	synced := 0
	if rec.Synced {
		synced = 1
	}
	_, err = db.Exec(`
		INSERT OR IGNORE INTO events (id, wallet_id, aggregate_type, aggregate_id, event_type, event_data, timestamp, version, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.WalletID, string(rec.AggregateType), rec.AggregateID, string(rec.Type),
		string(rec.Data), rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Version, synced)
	return err
}

func (s *Storage) scanEvents(rows *sql.Rows) ([]projection.Record, error) {
	defer rows.Close()
	var out []projection.Record
	for rows.Next() {
		var rec projection.Record
		var aggregateType, eventType, data, ts string
		var synced int
		if err := rows.Scan(&rec.ID, &rec.WalletID, &aggregateType, &rec.AggregateID, &eventType, &data, &ts, &rec.Version, &synced); err != nil {
			return nil, err
		}
		rec.AggregateType = event.AggregateType(aggregateType)
		rec.Type = event.Type(eventType)
		rec.Data = json.RawMessage(data)
		rec.Synced = synced != 0
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, ts)
			if err != nil {
				return nil, fmt.Errorf("parse event timestamp %q: %w", ts, err)
			}
		}
		rec.Timestamp = parsed.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

const eventColumns = `id, wallet_id, aggregate_type, aggregate_id, event_type, event_data, timestamp, version, synced`

func (s *Storage) EventsGetAll(walletID string) ([]projection.Record, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT `+eventColumns+` FROM events WHERE wallet_id = ? ORDER BY timestamp
	`, walletID)
	if err != nil {
		return nil, err
	}
	return s.scanEvents(rows)
}

func (s *Storage) EventsGetUnsynced(walletID string) ([]projection.Record, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT `+eventColumns+` FROM events WHERE wallet_id = ? AND synced = 0 ORDER BY timestamp
	`, walletID)
	if err != nil {
		return nil, err
	}
	return s.scanEvents(rows)
}

func (s *Storage) EventsGetForAggregate(walletID string, stream event.StreamKey) ([]projection.Record, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT `+eventColumns+` FROM events
		WHERE wallet_id = ? AND aggregate_type = ? AND aggregate_id = ?
		ORDER BY timestamp
	`, walletID, string(stream.AggregateType), stream.AggregateID)
	if err != nil {
		return nil, err
	}
	return s.scanEvents(rows)
}

func (s *Storage) EventsMarkSynced(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := db.Exec(`UPDATE events SET synced = 1 WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}

// EventsDeleteUnsynced drops the wallet's pending events; used when the
// server declared them permanently unacceptable.
func (s *Storage) EventsDeleteUnsynced(walletID string) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	result, err := db.Exec(`DELETE FROM events WHERE wallet_id = ? AND synced = 0`, walletID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Storage) EventsCount(walletID string) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var count int64
	err = db.QueryRow(`SELECT COUNT(*) FROM events WHERE wallet_id = ?`, walletID).Scan(&count)
	return count, err
}

// --- wallet-level wipes -----------------------------------------------------

// ClearWallet removes the wallet's events, state, and watermark, so the next
// pull is a full replacement from the server.
func (s *Storage) ClearWallet(walletID string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if _, err := db.Exec(`DELETE FROM events WHERE wallet_id = ?`, walletID); err != nil {
		return err
	}
	if _, err := db.Exec(`DELETE FROM state WHERE wallet_id = ?`, walletID); err != nil {
		return err
	}
	_, err = db.Exec(`DELETE FROM config WHERE key = ?`, lastSyncKey(walletID))
	return err
}

// ClearAll wipes everything; used on logout.
func (s *Storage) ClearAll() error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	for _, stmt := range []string{`DELETE FROM events`, `DELETE FROM state`, `DELETE FROM config`} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// --- projection cache -------------------------------------------------------

func (s *Storage) StateSave(walletID string, state *projection.State) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	contactsJSON, transactionsJSON, err := state.Marshal()
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO state (wallet_id, contacts_json, transactions_json, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(wallet_id) DO UPDATE SET
			contacts_json = excluded.contacts_json,
			transactions_json = excluded.transactions_json,
			updated_at = excluded.updated_at
	`, walletID, string(contactsJSON), string(transactionsJSON), time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *Storage) StateLoad(walletID string) (*projection.State, bool, error) {
	db, err := s.handle()
	if err != nil {
		return nil, false, err
	}
	var contactsJSON, transactionsJSON string
	err = db.QueryRow(`
		SELECT contacts_json, transactions_json FROM state WHERE wallet_id = ?
	`, walletID).Scan(&contactsJSON, &transactionsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	state, err := projection.Unmarshal([]byte(contactsJSON), []byte(transactionsJSON))
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// StateContacts loads the cached contacts for a wallet.
func (s *Storage) StateContacts(walletID string) ([]ledger.Contact, error) {
	state, ok, err := s.StateLoad(walletID)
	if err != nil || !ok {
		return []ledger.Contact{}, err
	}
	return state.ContactsList(), nil
}

// StateTransactions loads the cached transactions for a wallet.
func (s *Storage) StateTransactions(walletID string) ([]ledger.Transaction, error) {
	state, ok, err := s.StateLoad(walletID)
	if err != nil || !ok {
		return []ledger.Transaction{}, err
	}
	return state.TransactionsList(), nil
}

func lastSyncKey(walletID string) string {
	return "last_sync_timestamp_" + walletID
}
