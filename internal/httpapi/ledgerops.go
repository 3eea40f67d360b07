package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/debitum-app/debitum/internal/eventlog"
	apperrors "github.com/debitum-app/debitum/internal/platform/errors"
	"github.com/debitum-app/debitum/internal/platform/httputil"
	"github.com/debitum-app/debitum/internal/permissions"
	"github.com/debitum-app/debitum/pkg/event"
	"github.com/debitum-app/debitum/pkg/ledger"
)

// The direct CRUD endpoints are sugar over the same event pipeline the sync
// push uses: each request becomes exactly one event appended at the stream
// tail, and the projection is re-derived from the log. There is no second
// write path.

// nextWireVersion computes the wire version for an append at the stream tail.
func (s *Service) nextWireVersion(ctx context.Context, walletID string, stream event.StreamKey) (int, error) {
	current, err := s.log.StreamVersion(ctx, walletID, stream)
	if err != nil {
		return 0, err
	}
	return int(current) + 2, nil
}

// appendTail validates and appends one event at the tail of its stream.
func (s *Service) appendTail(w http.ResponseWriter, r *http.Request, aggregate event.AggregateType, aggregateID string, eventType event.Type, payload map[string]interface{}) (eventlog.Record, bool) {
	walletID := walletIDFromCtx(r.Context())
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(payload)
	if err != nil {
		httputil.WriteError(w, apperrors.Internal("encode payload", err))
		return eventlog.Record{}, false
	}
	stream := event.StreamKey{AggregateType: aggregate, AggregateID: aggregateID}
	version, err := s.nextWireVersion(r.Context(), walletID, stream)
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("stream version", err))
		return eventlog.Record{}, false
	}
	wire := event.Event{
		ID:            uuid.NewString(),
		AggregateType: aggregate,
		AggregateID:   aggregateID,
		Type:          eventType,
		Data:          data,
		Timestamp:     time.Now().UTC(),
		Version:       version,
	}
	if err := event.Validate(wire); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("event", err.Error()))
		return eventlog.Record{}, false
	}

	rec, err := s.applyEvent(r.Context(), walletID, userIDFromCtx(r.Context()), wire)
	if err != nil {
		if isAppendConflict(err) {
			httputil.WriteError(w, apperrors.Conflict("the record was modified by another request; refresh and try again"))
			return eventlog.Record{}, false
		}
		httputil.WriteError(w, apperrors.DatabaseError("append event", err))
		return eventlog.Record{}, false
	}
	return rec, true
}

func (s *Service) loadACLAndState(w http.ResponseWriter, r *http.Request) (*permissions.ACL, bool) {
	acl, err := s.store.LoadACL(r.Context(), walletIDFromCtx(r.Context()))
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("load acl", err))
		return nil, false
	}
	return acl, true
}

func requireComment(w http.ResponseWriter, comment string) bool {
	if strings.TrimSpace(comment) == "" {
		httputil.WriteMessage(w, http.StatusBadRequest, "Comment is required. Please explain why you are making this change.")
		return false
	}
	return true
}

// --- contacts ---------------------------------------------------------------

func (s *Service) listContacts(w http.ResponseWriter, r *http.Request) {
	acl, ok := s.loadACLAndState(w, r)
	if !ok {
		return
	}
	rc := acl.ReadContext(userIDFromCtx(r.Context()))

	state, err := s.store.LoadProjection(r.Context(), walletIDFromCtx(r.Context()))
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("load projection", err))
		return
	}
	out := make([]ledger.Contact, 0, len(state.Contacts))
	for _, c := range state.ContactsList() {
		if c.IsDeleted || !rc.AdmitsContact(c.ID) {
			continue
		}
		out = append(out, c)
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

type contactPayload struct {
	Name     *string `json:"name"`
	Username *string `json:"username"`
	Phone    *string `json:"phone"`
	Email    *string `json:"email"`
	Notes    *string `json:"notes"`
	Comment  string  `json:"comment"`
}

func (p contactPayload) fields(data map[string]interface{}) {
	if p.Name != nil {
		data["name"] = strings.TrimSpace(*p.Name)
	}
	if p.Username != nil {
		data["username"] = *p.Username
	}
	if p.Phone != nil {
		data["phone"] = *p.Phone
	}
	if p.Email != nil {
		data["email"] = *p.Email
	}
	if p.Notes != nil {
		data["notes"] = *p.Notes
	}
}

func (s *Service) createContact(w http.ResponseWriter, r *http.Request) {
	var payload contactPayload
	if err := httputil.DecodeJSON(r.Body, &payload); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}
	if payload.Name == nil || strings.TrimSpace(*payload.Name) == "" {
		httputil.WriteError(w, apperrors.MissingParameter("name"))
		return
	}
	if !requireComment(w, payload.Comment) {
		return
	}
	acl, ok := s.loadACLAndState(w, r)
	if !ok {
		return
	}
	contactID := uuid.NewString()
	if !acl.Can(userIDFromCtx(r.Context()), event.ActionContactCreate, permissions.ScopeContact, contactID) {
		httputil.WriteError(w, apperrors.InsufficientWalletPermission())
		return
	}

	data := map[string]interface{}{
		"comment":   payload.Comment,
		"wallet_id": walletIDFromCtx(r.Context()),
	}
	payload.fields(data)

	rec, ok := s.appendTail(w, r, event.AggregateContact, contactID, event.TypeCreated, data)
	if !ok {
		return
	}
	s.hub.Broadcast(walletIDFromCtx(r.Context()), "contact_created", map[string]string{"id": contactID})
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       contactID,
		"event_id": rec.EventID,
	})
}

func (s *Service) updateContact(w http.ResponseWriter, r *http.Request) {
	contactID := mux.Vars(r)["id"]
	var payload contactPayload
	if err := httputil.DecodeJSON(r.Body, &payload); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}
	if !requireComment(w, payload.Comment) {
		return
	}
	acl, ok := s.loadACLAndState(w, r)
	if !ok {
		return
	}
	if !acl.Can(userIDFromCtx(r.Context()), event.ActionContactUpdate, permissions.ScopeContact, contactID) {
		httputil.WriteError(w, apperrors.InsufficientWalletPermission())
		return
	}

	state, err := s.store.LoadProjection(r.Context(), walletIDFromCtx(r.Context()))
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("load projection", err))
		return
	}
	existing, found := state.Contacts[contactID]
	if !found || existing.IsDeleted {
		httputil.WriteError(w, apperrors.NotFound("contact", contactID))
		return
	}

	data := map[string]interface{}{
		"comment": payload.Comment,
		"previous_values": map[string]interface{}{
			"name":     existing.Name,
			"username": existing.Username,
			"phone":    existing.Phone,
			"email":    existing.Email,
			"notes":    existing.Notes,
		},
	}
	payload.fields(data)

	if _, ok := s.appendTail(w, r, event.AggregateContact, contactID, event.TypeUpdated, data); !ok {
		return
	}
	s.hub.Broadcast(walletIDFromCtx(r.Context()), "contact_updated", map[string]string{"id": contactID})
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"id": contactID, "message": "Contact updated successfully"})
}

func (s *Service) deleteContact(w http.ResponseWriter, r *http.Request) {
	contactID := mux.Vars(r)["id"]
	var payload struct {
		Comment string `json:"comment"`
	}
	if err := httputil.DecodeJSON(r.Body, &payload); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}
	if !requireComment(w, payload.Comment) {
		return
	}
	acl, ok := s.loadACLAndState(w, r)
	if !ok {
		return
	}
	if !acl.Can(userIDFromCtx(r.Context()), event.ActionContactDelete, permissions.ScopeContact, contactID) {
		httputil.WriteError(w, apperrors.InsufficientWalletPermission())
		return
	}

	state, err := s.store.LoadProjection(r.Context(), walletIDFromCtx(r.Context()))
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("load projection", err))
		return
	}
	existing, found := state.Contacts[contactID]
	if !found || existing.IsDeleted {
		httputil.WriteError(w, apperrors.NotFound("contact", contactID))
		return
	}

	data := map[string]interface{}{
		"comment": payload.Comment,
		"deleted_contact": map[string]interface{}{
			"name":     existing.Name,
			"username": existing.Username,
			"phone":    existing.Phone,
			"email":    existing.Email,
			"notes":    existing.Notes,
		},
	}
	if _, ok := s.appendTail(w, r, event.AggregateContact, contactID, event.TypeDeleted, data); !ok {
		return
	}
	s.hub.Broadcast(walletIDFromCtx(r.Context()), "contact_deleted", map[string]string{"id": contactID})
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"id": contactID, "message": "Contact deleted successfully"})
}

// --- transactions -----------------------------------------------------------

func (s *Service) listTransactions(w http.ResponseWriter, r *http.Request) {
	acl, ok := s.loadACLAndState(w, r)
	if !ok {
		return
	}
	rc := acl.ReadContext(userIDFromCtx(r.Context()))

	state, err := s.store.LoadProjection(r.Context(), walletIDFromCtx(r.Context()))
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("load projection", err))
		return
	}
	out := make([]ledger.Transaction, 0, len(state.Transactions))
	for _, t := range state.TransactionsList() {
		if t.IsDeleted || !rc.AdmitsTransaction(t.ContactID) {
			continue
		}
		out = append(out, t)
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

type transactionPayload struct {
	ContactID       *string `json:"contact_id"`
	Type            *string `json:"type"`
	Direction       *string `json:"direction"`
	Amount          *int64  `json:"amount"`
	Currency        *string `json:"currency"`
	Description     *string `json:"description"`
	TransactionDate *string `json:"transaction_date"`
	DueDate         *string `json:"due_date"`
	Comment         string  `json:"comment"`
}

func (p transactionPayload) fields(data map[string]interface{}) {
	if p.ContactID != nil {
		data["contact_id"] = *p.ContactID
	}
	if p.Type != nil {
		data["type"] = *p.Type
	}
	if p.Direction != nil {
		data["direction"] = *p.Direction
	}
	if p.Amount != nil {
		data["amount"] = *p.Amount
	}
	if p.Currency != nil {
		data["currency"] = *p.Currency
	}
	if p.Description != nil {
		data["description"] = *p.Description
	}
	if p.TransactionDate != nil {
		data["transaction_date"] = *p.TransactionDate
	}
	if p.DueDate != nil {
		data["due_date"] = *p.DueDate
	}
}

func (s *Service) createTransaction(w http.ResponseWriter, r *http.Request) {
	var payload transactionPayload
	if err := httputil.DecodeJSON(r.Body, &payload); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}
	if payload.ContactID == nil {
		httputil.WriteError(w, apperrors.MissingParameter("contact_id"))
		return
	}
	if payload.Amount != nil && *payload.Amount < 0 {
		httputil.WriteError(w, apperrors.InvalidInput("amount", "must be non-negative"))
		return
	}
	if !requireComment(w, payload.Comment) {
		return
	}

	state, err := s.store.LoadProjection(r.Context(), walletIDFromCtx(r.Context()))
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("load projection", err))
		return
	}
	contact, found := state.Contacts[*payload.ContactID]
	if !found || contact.IsDeleted {
		httputil.WriteError(w, apperrors.NotFound("contact", *payload.ContactID))
		return
	}

	acl, ok := s.loadACLAndState(w, r)
	if !ok {
		return
	}
	if !acl.CanOnContact(userIDFromCtx(r.Context()), event.ActionTransactionCreate, *payload.ContactID) {
		httputil.WriteError(w, apperrors.InsufficientWalletPermission())
		return
	}

	data := map[string]interface{}{
		"comment":   payload.Comment,
		"wallet_id": walletIDFromCtx(r.Context()),
		"currency":  ledger.DefaultCurrency,
	}
	payload.fields(data)
	if payload.TransactionDate == nil {
		data["transaction_date"] = time.Now().UTC().Format(event.DateLayout)
	}

	transactionID := uuid.NewString()
	rec, ok := s.appendTail(w, r, event.AggregateTransaction, transactionID, event.TypeCreated, data)
	if !ok {
		return
	}
	s.hub.Broadcast(walletIDFromCtx(r.Context()), "transaction_created", map[string]string{"id": transactionID})
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         transactionID,
		"contact_id": *payload.ContactID,
		"event_id":   rec.EventID,
	})
}

func (s *Service) updateTransaction(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["id"]
	var payload transactionPayload
	if err := httputil.DecodeJSON(r.Body, &payload); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}
	if payload.Amount != nil && *payload.Amount < 0 {
		httputil.WriteError(w, apperrors.InvalidInput("amount", "must be non-negative"))
		return
	}
	if !requireComment(w, payload.Comment) {
		return
	}

	state, err := s.store.LoadProjection(r.Context(), walletIDFromCtx(r.Context()))
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("load projection", err))
		return
	}
	existing, found := state.Transactions[transactionID]
	if !found || existing.IsDeleted {
		httputil.WriteError(w, apperrors.NotFound("transaction", transactionID))
		return
	}
	if payload.ContactID != nil && *payload.ContactID != existing.ContactID {
		target, ok := state.Contacts[*payload.ContactID]
		if !ok || target.IsDeleted {
			httputil.WriteError(w, apperrors.NotFound("contact", *payload.ContactID))
			return
		}
	}

	acl, ok := s.loadACLAndState(w, r)
	if !ok {
		return
	}
	if !acl.CanOnContact(userIDFromCtx(r.Context()), event.ActionTransactionUpdate, existing.ContactID) {
		httputil.WriteError(w, apperrors.InsufficientWalletPermission())
		return
	}

	data := map[string]interface{}{
		"comment": payload.Comment,
		"previous_values": map[string]interface{}{
			"contact_id":       existing.ContactID,
			"type":             string(existing.Type),
			"direction":        string(existing.Direction),
			"amount":           existing.Amount,
			"currency":         existing.Currency,
			"description":      existing.Description,
			"transaction_date": existing.TransactionDate,
			"due_date":         existing.DueDate,
		},
	}
	payload.fields(data)

	if _, ok := s.appendTail(w, r, event.AggregateTransaction, transactionID, event.TypeUpdated, data); !ok {
		return
	}
	s.hub.Broadcast(walletIDFromCtx(r.Context()), "transaction_updated", map[string]string{"id": transactionID})
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"id": transactionID, "message": "Transaction updated successfully"})
}

func (s *Service) deleteTransaction(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["id"]
	var payload struct {
		Comment string `json:"comment"`
	}
	if err := httputil.DecodeJSON(r.Body, &payload); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}
	if !requireComment(w, payload.Comment) {
		return
	}

	state, err := s.store.LoadProjection(r.Context(), walletIDFromCtx(r.Context()))
	if err != nil {
		httputil.WriteError(w, apperrors.DatabaseError("load projection", err))
		return
	}
	existing, found := state.Transactions[transactionID]
	if !found || existing.IsDeleted {
		httputil.WriteError(w, apperrors.NotFound("transaction", transactionID))
		return
	}

	acl, ok := s.loadACLAndState(w, r)
	if !ok {
		return
	}
	if !acl.CanOnContact(userIDFromCtx(r.Context()), event.ActionTransactionDelete, existing.ContactID) {
		httputil.WriteError(w, apperrors.InsufficientWalletPermission())
		return
	}

	data := map[string]interface{}{
		"comment": payload.Comment,
		"deleted_transaction": map[string]interface{}{
			"contact_id":       existing.ContactID,
			"type":             string(existing.Type),
			"direction":        string(existing.Direction),
			"amount":           existing.Amount,
			"currency":         existing.Currency,
			"description":      existing.Description,
			"transaction_date": existing.TransactionDate,
			"due_date":         existing.DueDate,
		},
	}
	if _, ok := s.appendTail(w, r, event.AggregateTransaction, transactionID, event.TypeDeleted, data); !ok {
		return
	}
	s.hub.Broadcast(walletIDFromCtx(r.Context()), "transaction_deleted", map[string]string{"id": transactionID})
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"id": transactionID, "message": "Transaction deleted successfully"})
}

// --- undo -------------------------------------------------------------------

// undo appends an UNDO event. Without an explicit undone_event_id it targets
// the latest event of the aggregate that is neither an UNDO nor already
// undone.
func (s *Service) undo(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AggregateType string `json:"aggregate_type"`
		AggregateID   string `json:"aggregate_id"`
		UndoneEventID string `json:"undone_event_id"`
		Comment       string `json:"comment"`
	}
	if err := httputil.DecodeJSON(r.Body, &payload); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}
	aggregate := event.AggregateType(payload.AggregateType)
	if !aggregate.Valid() {
		httputil.WriteError(w, apperrors.InvalidInput("aggregate_type", payload.AggregateType))
		return
	}
	if _, err := uuid.Parse(payload.AggregateID); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("aggregate_id", "must be a UUID"))
		return
	}
	if !requireComment(w, payload.Comment) {
		return
	}

	walletID := walletIDFromCtx(r.Context())
	stream := event.StreamKey{AggregateType: aggregate, AggregateID: payload.AggregateID}

	undoneID := payload.UndoneEventID
	if undoneID == "" {
		records, err := s.log.ReadStream(r.Context(), walletID, stream, 0, 0)
		if err != nil {
			httputil.WriteError(w, apperrors.DatabaseError("read stream", err))
			return
		}
		undone := map[string]struct{}{}
		for _, rec := range records {
			if rec.Type == event.TypeUndo {
				undone[event.Event{Data: rec.Data}.UndoneEventID()] = struct{}{}
			}
		}
		for i := len(records) - 1; i >= 0; i-- {
			rec := records[i]
			if rec.Type == event.TypeUndo {
				continue
			}
			if _, skip := undone[rec.EventID]; skip {
				continue
			}
			undoneID = rec.EventID
			break
		}
		if undoneID == "" {
			httputil.WriteError(w, apperrors.NotFound("undoable event", payload.AggregateID))
			return
		}
	}

	acl, ok := s.loadACLAndState(w, r)
	if !ok {
		return
	}
	action, _ := event.ActionFor(event.TypeUndo, aggregate)
	userID := userIDFromCtx(r.Context())
	allowed := false
	switch aggregate {
	case event.AggregateContact:
		allowed = acl.Can(userID, action, permissions.ScopeContact, payload.AggregateID)
	case event.AggregateTransaction:
		allowed = acl.Can(userID, action, permissions.ScopeTransaction, payload.AggregateID)
	}
	if !allowed {
		httputil.WriteError(w, apperrors.InsufficientWalletPermission())
		return
	}

	data := map[string]interface{}{
		"undone_event_id": undoneID,
		"comment":         payload.Comment,
	}
	rec, ok := s.appendTail(w, r, aggregate, payload.AggregateID, event.TypeUndo, data)
	if !ok {
		return
	}
	s.hub.Broadcast(walletID, "event_undone", map[string]string{
		"aggregate_id":    payload.AggregateID,
		"undone_event_id": undoneID,
	})
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"event_id":        rec.EventID,
		"undone_event_id": undoneID,
	})
}
