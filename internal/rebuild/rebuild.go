// Package rebuild derives a wallet's projection from its event log, taking a
// snapshot fast path when it is provably safe.
package rebuild

import (
	"context"

	"github.com/debitum-app/debitum/internal/eventlog"
	"github.com/debitum-app/debitum/internal/metrics"
	"github.com/debitum-app/debitum/internal/platform/logging"
	"github.com/debitum-app/debitum/internal/storage"
	"github.com/debitum-app/debitum/pkg/event"
	"github.com/debitum-app/debitum/pkg/projection"
)

// Rebuilder computes projections from the log and persists them atomically.
type Rebuilder struct {
	log         eventlog.Log
	snapshots   storage.SnapshotStore
	projections storage.ProjectionStore
	logger      *logging.Logger
}

// New wires a rebuilder over the log and stores.
func New(log eventlog.Log, snaps storage.SnapshotStore, projections storage.ProjectionStore, logger *logging.Logger) *Rebuilder {
	return &Rebuilder{log: log, snapshots: snaps, projections: projections, logger: logger}
}

// Rebuild computes the wallet's projection. The snapshot fast path applies
// when a snapshot exists that predates every event targeted by an UNDO: the
// undone events then all sit after the snapshot boundary, so the UNDO-aware
// filter over the tail reproduces the full fold. Otherwise the fold restarts
// from the empty state.
func (r *Rebuilder) Rebuild(ctx context.Context, walletID string) (*projection.State, error) {
	records, err := r.log.ReadWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}

	minTarget, hasTarget := minUndoTargetSeq(records)

	var snap storage.Snapshot
	var found bool
	if hasTarget {
		snap, found, err = r.snapshots.SnapshotBefore(ctx, walletID, minTarget)
	} else {
		snap, found, err = r.snapshots.LatestSnapshot(ctx, walletID)
	}
	if err != nil {
		return nil, err
	}

	var state *projection.State
	if found {
		base, err := snap.State()
		if err != nil {
			// A corrupt snapshot only costs the fast path.
			if r.logger != nil {
				r.logger.WithError(err).WithFields(map[string]interface{}{
					"wallet_id":      walletID,
					"snapshot_index": snap.SnapshotIndex,
				}).Warn("Snapshot unreadable, rebuilding from scratch")
			}
			found = false
		} else {
			tail := make([]projection.Record, 0, len(records))
			for _, rec := range records {
				if rec.ServerSeq > snap.ServerSeqAtSnapshot {
					tail = append(tail, toRecord(rec))
				}
			}
			state = projection.Apply(base, tail)
			metrics.RebuildsTotal.WithLabelValues("fast_path").Inc()
		}
	}
	if !found {
		all := make([]projection.Record, 0, len(records))
		for _, rec := range records {
			all = append(all, toRecord(rec))
		}
		state = projection.Build(all)
		metrics.RebuildsTotal.WithLabelValues("full").Inc()
	}

	if err := r.projections.ReplaceProjection(ctx, walletID, state); err != nil {
		return nil, err
	}
	return state, nil
}

// minUndoTargetSeq returns the smallest server_seq among events targeted by
// an UNDO. UNDOs of unknown ids impose no constraint.
func minUndoTargetSeq(records []eventlog.Record) (int64, bool) {
	seqByID := make(map[string]int64, len(records))
	for _, rec := range records {
		seqByID[rec.EventID] = rec.ServerSeq
	}
	var minSeq int64
	found := false
	for _, rec := range records {
		if rec.Type != event.TypeUndo {
			continue
		}
		target := event.Event{Data: rec.Data}.UndoneEventID()
		seq, ok := seqByID[target]
		if !ok {
			continue
		}
		if !found || seq < minSeq {
			minSeq = seq
			found = true
		}
	}
	return minSeq, found
}

func toRecord(rec eventlog.Record) projection.Record {
	return projection.Record{
		Event:     rec.Wire(),
		WalletID:  rec.WalletID,
		ServerSeq: rec.ServerSeq,
		Synced:    true,
	}
}
