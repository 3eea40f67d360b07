// Package snapshots decides when projection snapshots are taken and how many
// are kept. Snapshots are a cache: losing them only costs rebuild time.
package snapshots

import (
	"context"

	"github.com/debitum-app/debitum/internal/eventlog"
	"github.com/debitum-app/debitum/internal/platform/logging"
	"github.com/debitum-app/debitum/internal/storage"
	"github.com/debitum-app/debitum/pkg/projection"
)

// Defaults for the snapshot cadence and retention.
const (
	DefaultInterval = 10
	DefaultRetain   = 5
)

// Manager applies the snapshot policy over a snapshot store and event log.
type Manager struct {
	store    storage.SnapshotStore
	log      eventlog.Log
	logger   *logging.Logger
	interval int64
	retain   int
}

// NewManager wires a policy with the given cadence (every interval events)
// and retention (newest retain snapshots per wallet). Zero values pick the
// defaults.
func NewManager(store storage.SnapshotStore, log eventlog.Log, logger *logging.Logger, interval int64, retain int) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Manager{store: store, log: log, logger: logger, interval: interval, retain: retain}
}

// MaybeSnapshot saves a snapshot when the wallet's event count hits the
// cadence boundary, or unconditionally after an UNDO so the next rebuild can
// take the fast path. Prunes beyond retention after every save.
func (m *Manager) MaybeSnapshot(ctx context.Context, walletID string, state *projection.State, lastSeq int64, afterUndo bool) error {
	count, err := m.log.Count(ctx, walletID)
	if err != nil {
		return err
	}
	if !afterUndo && count%m.interval != 0 {
		return nil
	}
	return m.Save(ctx, walletID, state, lastSeq, count)
}

// Save persists one snapshot and prunes old ones.
func (m *Manager) Save(ctx context.Context, walletID string, state *projection.State, lastSeq, eventCount int64) error {
	contactsJSON, transactionsJSON, err := state.Marshal()
	if err != nil {
		return err
	}
	snap, err := m.store.SaveSnapshot(ctx, storage.Snapshot{
		WalletID:            walletID,
		ServerSeqAtSnapshot: lastSeq,
		EventCount:          eventCount,
		ContactsJSON:        contactsJSON,
		TransactionsJSON:    transactionsJSON,
	})
	if err != nil {
		return err
	}
	if m.logger != nil {
		m.logger.WithFields(map[string]interface{}{
			"wallet_id":      walletID,
			"snapshot_index": snap.SnapshotIndex,
			"server_seq":     lastSeq,
			"event_count":    eventCount,
		}).Info("Saved projection snapshot")
	}
	return m.store.PruneSnapshots(ctx, walletID, m.retain)
}

// Retain exposes the retention bound for status reporting.
func (m *Manager) Retain() int { return m.retain }
