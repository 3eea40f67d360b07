package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"time"

	"github.com/debitum-app/debitum/internal/eventlog"
	"github.com/debitum-app/debitum/internal/metrics"
	apperrors "github.com/debitum-app/debitum/internal/platform/errors"
	"github.com/debitum-app/debitum/internal/platform/httputil"
	"github.com/debitum-app/debitum/internal/permissions"
	"github.com/debitum-app/debitum/pkg/event"
	"github.com/debitum-app/debitum/pkg/ledger"
)

// pushResponse classifies a pushed batch. The sets are disjoint and their
// union is the batch.
type pushResponse struct {
	Accepted  []string `json:"accepted"`
	Conflicts []string `json:"conflicts"`
}

// pushEvents accepts a client batch. Events are processed in batch order;
// one failing event never aborts the rest. A permission denial, by contrast,
// fails the whole request with the stable 403 code so the client knows to
// drop its pending events for the wallet.
func (s *Service) pushEvents(w http.ResponseWriter, r *http.Request) {
	walletID := walletIDFromCtx(r.Context())
	userID := userIDFromCtx(r.Context())

	var batch []event.Event
	if err := httputil.DecodeJSON(r.Body, &batch); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}

	acl, err := s.store.LoadACL(r.Context(), walletID)
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("load acl", err))
		return
	}

	resp := pushResponse{Accepted: []string{}, Conflicts: []string{}}
	for _, wire := range batch {
		if err := event.Validate(wire); err != nil {
			if s.logger != nil {
				s.logger.WithError(err).WithFields(map[string]interface{}{
					"event_id": wire.ID, "wallet_id": walletID,
				}).Warn("Rejected invalid pushed event")
			}
			resp.Conflicts = append(resp.Conflicts, wire.ID)
			metrics.SyncPushEventsTotal.WithLabelValues("invalid").Inc()
			continue
		}

		if !s.authorizePush(acl, userID, wire) {
			httputil.WriteError(w, apperrors.InsufficientWalletPermission())
			return
		}

		existing, found, err := s.log.Get(r.Context(), walletID, wire.ID)
		if err != nil {
			httputil.WriteError(w, apperrors.DatabaseError("check event", err))
			return
		}
		if found {
			if payloadEquivalent(existing.Data, wire.Data) {
				resp.Accepted = append(resp.Accepted, wire.ID)
				metrics.SyncPushEventsTotal.WithLabelValues("replayed").Inc()
			} else {
				resp.Conflicts = append(resp.Conflicts, wire.ID)
				metrics.SyncPushEventsTotal.WithLabelValues("conflict").Inc()
			}
			continue
		}

		if _, err := s.applyEvent(r.Context(), walletID, userID, wire); err != nil {
			if isAppendConflict(err) {
				resp.Conflicts = append(resp.Conflicts, wire.ID)
				metrics.SyncPushEventsTotal.WithLabelValues("conflict").Inc()
				continue
			}
			httputil.WriteError(w, apperrors.DatabaseError("append event", err))
			return
		}
		resp.Accepted = append(resp.Accepted, wire.ID)
		metrics.SyncPushEventsTotal.WithLabelValues("accepted").Inc()

		// ACL contact/transaction maps grow as events land; refresh so later
		// batch entries see aggregates created earlier in the batch.
		if wire.AggregateType == event.AggregateTransaction && wire.Type == event.TypeCreated {
			acl.TransactionContacts[wire.AggregateID] = wire.ContactID()
		}
		if wire.AggregateType == event.AggregateContact && wire.Type == event.TypeCreated {
			acl.ContactIDs = append(acl.ContactIDs, wire.AggregateID)
		}
	}

	if len(resp.Accepted) > 0 {
		s.hub.Broadcast(walletID, "events_pushed", map[string]interface{}{
			"count": len(resp.Accepted),
		})
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func isAppendConflict(err error) bool {
	return errors.Is(err, eventlog.ErrConcurrencyConflict) ||
		errors.Is(err, eventlog.ErrStreamExists) ||
		errors.Is(err, eventlog.ErrFirstEventNotCreated)
}

// authorizePush maps the event to its permission action and resolves it.
func (s *Service) authorizePush(acl *permissions.ACL, userID string, wire event.Event) bool {
	action, err := event.ActionFor(wire.Type, wire.AggregateType)
	if err != nil {
		return false
	}
	switch wire.AggregateType {
	case event.AggregateContact:
		return acl.Can(userID, action, permissions.ScopeContact, wire.AggregateID)
	case event.AggregateTransaction:
		contactID := acl.TransactionContacts[wire.AggregateID]
		if contactID == "" {
			contactID = wire.ContactID()
		}
		return acl.CanOnContact(userID, action, contactID)
	}
	return false
}

// payloadEquivalent compares payloads structurally, ignoring the total_debt
// field the server records after the original write. A replayed event is
// therefore still recognized as identical.
func payloadEquivalent(stored, pushed json.RawMessage) bool {
	var a, b interface{}
	if err := json.Unmarshal(stored, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(pushed, &b); err != nil {
		return false
	}
	if m, ok := a.(map[string]interface{}); ok {
		delete(m, "total_debt")
	}
	if m, ok := b.(map[string]interface{}); ok {
		delete(m, "total_debt")
	}
	return reflect.DeepEqual(a, b)
}

// applyEvent appends one event, rebuilds the projection, records total_debt
// into the stored payload, and takes a snapshot when the policy asks for one.
func (s *Service) applyEvent(ctx context.Context, walletID, userID string, wire event.Event) (eventlog.Record, error) {
	rec, err := s.log.Append(ctx, walletID, eventlog.Append{
		EventID:         wire.ID,
		Stream:          wire.Stream(),
		Type:            wire.Type,
		Data:            wire.Data,
		UserID:          userID,
		ExpectedVersion: int64(wire.Version) - 2,
	})
	if err != nil {
		return eventlog.Record{}, err
	}
	metrics.EventsAppendedTotal.WithLabelValues(string(rec.AggregateType), string(rec.Type)).Inc()

	state, err := s.rebuilder.Rebuild(ctx, walletID)
	if err != nil {
		return eventlog.Record{}, err
	}

	// total_debt is recorded after the write so audits see the value the
	// action produced.
	var payload map[string]interface{}
	if err := json.Unmarshal(rec.Data, &payload); err == nil && payload != nil {
		payload["total_debt"] = ledger.TotalDebt(state.Contacts, state.Transactions)
		if updated, err := json.Marshal(payload); err == nil {
			if err := s.log.UpdateEventData(ctx, walletID, rec.EventID, updated); err == nil {
				rec.Data = updated
			}
		}
	}

	if err := s.snaps.MaybeSnapshot(ctx, walletID, state, rec.ServerSeq, wire.Type == event.TypeUndo); err != nil && s.logger != nil {
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"wallet_id": walletID,
		}).Warn("Snapshot save failed")
	}
	return rec, nil
}

// pullEvents serves permission-filtered wallet events after the watermark.
// `after_seq` is the precise cursor; `since` (RFC3339, compared as time) is
// kept for clients tracking timestamps.
func (s *Service) pullEvents(w http.ResponseWriter, r *http.Request) {
	walletID := walletIDFromCtx(r.Context())
	userID := userIDFromCtx(r.Context())

	var q eventlog.SinceQuery
	if raw := r.URL.Query().Get("after_seq"); raw != "" {
		seq, err := parseInt64(raw)
		if err != nil {
			httputil.WriteError(w, apperrors.InvalidInput("after_seq", "must be an integer"))
			return
		}
		q.AfterSeq = seq
	} else if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.WriteError(w, apperrors.InvalidInput("since", "must be RFC3339"))
			return
		}
		q.SinceTime = since
	}

	acl, err := s.store.LoadACL(r.Context(), walletID)
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("load acl", err))
		return
	}
	rc := acl.ReadContext(userID)

	records, err := s.log.ReadWalletSince(r.Context(), walletID, q)
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("read events", err))
		return
	}

	out := make([]event.Event, 0, len(records))
	for _, rec := range records {
		if !admits(rc, acl, rec) {
			continue
		}
		out = append(out, rec.Wire())
	}
	metrics.SyncPullEventsTotal.Add(float64(len(out)))
	httputil.WriteJSON(w, http.StatusOK, out)
}

// admits applies the read context to one event. Transactions follow their
// contact's visibility; the contact id comes from the projection when the
// transaction is known, falling back to the event payload.
func admits(rc permissions.SyncReadContext, acl *permissions.ACL, rec eventlog.Record) bool {
	switch rec.AggregateType {
	case event.AggregateContact:
		return rc.AdmitsContact(rec.AggregateID)
	case event.AggregateTransaction:
		contactID := acl.TransactionContacts[rec.AggregateID]
		if contactID == "" {
			contactID = event.Event{Data: rec.Data}.ContactID()
		}
		return rc.AdmitsTransaction(contactID)
	}
	return false
}

// syncHash returns a digest of the wallet's event history for cheap
// divergence checks: sha256 of each event id and created-at string in
// created_at order. An empty wallet hashes the empty byte string.
func (s *Service) syncHash(w http.ResponseWriter, r *http.Request) {
	walletID := walletIDFromCtx(r.Context())

	records, err := s.log.ReadWallet(r.Context(), walletID)
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("read events", err))
		return
	}

	hasher := sha256.New()
	var last string
	for _, rec := range records {
		ts := rec.CreatedAt.UTC().Format(time.RFC3339Nano)
		hasher.Write([]byte(rec.EventID))
		hasher.Write([]byte(ts))
		last = ts
	}

	resp := map[string]interface{}{
		"hash":        hex.EncodeToString(hasher.Sum(nil)),
		"event_count": len(records),
	}
	if last != "" {
		resp["last_event_timestamp"] = last
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
