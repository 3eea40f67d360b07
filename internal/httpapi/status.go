package httpapi

import (
	"net/http"

	"github.com/debitum-app/debitum/internal/eventlog"
	apperrors "github.com/debitum-app/debitum/internal/platform/errors"
	"github.com/debitum-app/debitum/internal/platform/httputil"
	"github.com/debitum-app/debitum/internal/permissions"
)

// projectionStatus reports how far the wallet's projection machinery is:
// event count, last sequence, and snapshot inventory.
func (s *Service) projectionStatus(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, permissions.RoleAdmin) {
		return
	}
	walletID := walletIDFromCtx(r.Context())

	count, err := s.log.Count(r.Context(), walletID)
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("count events", err))
		return
	}
	snapCount, err := s.store.CountSnapshots(r.Context(), walletID)
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("count snapshots", err))
		return
	}

	status := map[string]interface{}{
		"wallet_id":      walletID,
		"event_count":    count,
		"snapshot_count": snapCount,
	}
	if latest, ok, err := s.store.LatestSnapshot(r.Context(), walletID); err == nil && ok {
		status["last_snapshot_seq"] = latest.ServerSeqAtSnapshot
		status["last_snapshot_index"] = latest.SnapshotIndex
	}
	if records, err := s.log.ReadWalletSince(r.Context(), walletID, eventlog.SinceQuery{}); err == nil && len(records) > 0 {
		status["last_event_seq"] = records[len(records)-1].ServerSeq
		status["last_event_timestamp"] = records[len(records)-1].CreatedAt
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

// rebuildProjection forces a rebuild from the log, ignoring nothing: the
// strategy still picks the snapshot fast path when it is safe.
func (s *Service) rebuildProjection(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, permissions.RoleAdmin) {
		return
	}
	walletID := walletIDFromCtx(r.Context())
	state, err := s.rebuilder.Rebuild(r.Context(), walletID)
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("rebuild projection", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"wallet_id":    walletID,
		"contacts":     len(state.Contacts),
		"transactions": len(state.Transactions),
	})
}
