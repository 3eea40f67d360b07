package client

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/debitum-app/debitum/pkg/event"
	"github.com/debitum-app/debitum/pkg/ledger"
)

func marshalPayload(data map[string]interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// ContactFields carries the optional contact attributes; nil fields are left
// untouched on update.
type ContactFields struct {
	Username *string
	Phone    *string
	Email    *string
	Notes    *string
}

func (f ContactFields) apply(data map[string]interface{}) {
	if f.Username != nil {
		data["username"] = *f.Username
	}
	if f.Phone != nil {
		data["phone"] = *f.Phone
	}
	if f.Email != nil {
		data["email"] = *f.Email
	}
	if f.Notes != nil {
		data["notes"] = *f.Notes
	}
}

// CreateContact appends a contact CREATED event locally and returns the new
// contact id. The comment is the required audit explanation.
func (c *Core) CreateContact(name string, fields ContactFields, comment string) (string, error) {
	walletID, err := requireWallet(c)
	if err != nil {
		return "", err
	}
	if err := requireNonEmpty(name, "name"); err != nil {
		return "", err
	}
	if err := requireNonEmpty(comment, "comment"); err != nil {
		return "", err
	}

	contactID := uuid.NewString()
	data := map[string]interface{}{
		"name":      name,
		"comment":   comment,
		"wallet_id": walletID,
	}
	fields.apply(data)
	return contactID, c.appendLocal(walletID, event.AggregateContact, contactID, event.TypeCreated, data)
}

// UpdateContact appends an UPDATED event with the changed fields.
func (c *Core) UpdateContact(contactID string, name *string, fields ContactFields, comment string) error {
	walletID, err := requireWallet(c)
	if err != nil {
		return err
	}
	if err := requireNonEmpty(comment, "comment"); err != nil {
		return err
	}
	if err := c.requireContact(walletID, contactID); err != nil {
		return err
	}

	data := map[string]interface{}{"comment": comment}
	if name != nil {
		data["name"] = *name
	}
	fields.apply(data)
	return c.appendLocal(walletID, event.AggregateContact, contactID, event.TypeUpdated, data)
}

// DeleteContact appends a DELETED event. The projector cascades: the
// contact's transactions disappear from the view with it.
func (c *Core) DeleteContact(contactID, comment string) error {
	walletID, err := requireWallet(c)
	if err != nil {
		return err
	}
	if err := requireNonEmpty(comment, "comment"); err != nil {
		return err
	}
	if err := c.requireContact(walletID, contactID); err != nil {
		return err
	}

	data := map[string]interface{}{"comment": comment}
	return c.appendLocal(walletID, event.AggregateContact, contactID, event.TypeDeleted, data)
}

func (c *Core) requireContact(walletID, contactID string) error {
	state, ok, err := c.storage.StateLoad(walletID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("contact %s not found", contactID)
	}
	contact, found := state.Contacts[contactID]
	if !found || contact.IsDeleted {
		return fmt.Errorf("contact %s not found", contactID)
	}
	return nil
}

// TransactionParams describes a new transaction.
type TransactionParams struct {
	ContactID       string
	Type            ledger.TransactionType
	Direction       ledger.Direction
	Amount          int64
	Currency        string
	Description     string
	TransactionDate string
	DueDate         string
	Comment         string
}

// CreateTransaction appends a transaction CREATED event and returns its id.
func (c *Core) CreateTransaction(params TransactionParams) (string, error) {
	walletID, err := requireWallet(c)
	if err != nil {
		return "", err
	}
	if err := requireNonEmpty(params.Comment, "comment"); err != nil {
		return "", err
	}
	if params.Amount < 0 {
		return "", fmt.Errorf("amount must be non-negative")
	}
	if err := c.requireContact(walletID, params.ContactID); err != nil {
		return "", err
	}

	if params.Type == "" {
		params.Type = ledger.TypeMoney
	}
	if params.Direction == "" {
		params.Direction = ledger.DirectionOwed
	}
	if params.Currency == "" {
		params.Currency = ledger.DefaultCurrency
	}

	data := map[string]interface{}{
		"contact_id": params.ContactID,
		"type":       string(params.Type),
		"direction":  string(params.Direction),
		"amount":     params.Amount,
		"currency":   params.Currency,
		"comment":    params.Comment,
		"wallet_id":  walletID,
	}
	if params.Description != "" {
		data["description"] = params.Description
	}
	if params.TransactionDate != "" {
		data["transaction_date"] = params.TransactionDate
	}
	if params.DueDate != "" {
		data["due_date"] = params.DueDate
	}

	transactionID := uuid.NewString()
	return transactionID, c.appendLocal(walletID, event.AggregateTransaction, transactionID, event.TypeCreated, data)
}

// TransactionUpdates carries the optional fields for an update.
type TransactionUpdates struct {
	ContactID       *string
	Type            *ledger.TransactionType
	Direction       *ledger.Direction
	Amount          *int64
	Currency        *string
	Description     *string
	TransactionDate *string
	DueDate         *string
}

// UpdateTransaction appends an UPDATED event with the changed fields.
func (c *Core) UpdateTransaction(transactionID string, updates TransactionUpdates, comment string) error {
	walletID, err := requireWallet(c)
	if err != nil {
		return err
	}
	if err := requireNonEmpty(comment, "comment"); err != nil {
		return err
	}
	if updates.Amount != nil && *updates.Amount < 0 {
		return fmt.Errorf("amount must be non-negative")
	}

	data := map[string]interface{}{"comment": comment}
	if updates.ContactID != nil {
		data["contact_id"] = *updates.ContactID
	}
	if updates.Type != nil {
		data["type"] = string(*updates.Type)
	}
	if updates.Direction != nil {
		data["direction"] = string(*updates.Direction)
	}
	if updates.Amount != nil {
		data["amount"] = *updates.Amount
	}
	if updates.Currency != nil {
		data["currency"] = *updates.Currency
	}
	if updates.Description != nil {
		data["description"] = *updates.Description
	}
	if updates.TransactionDate != nil {
		data["transaction_date"] = *updates.TransactionDate
	}
	if updates.DueDate != nil {
		data["due_date"] = *updates.DueDate
	}
	return c.appendLocal(walletID, event.AggregateTransaction, transactionID, event.TypeUpdated, data)
}

// DeleteTransaction appends a DELETED event.
func (c *Core) DeleteTransaction(transactionID, comment string) error {
	walletID, err := requireWallet(c)
	if err != nil {
		return err
	}
	if err := requireNonEmpty(comment, "comment"); err != nil {
		return err
	}
	data := map[string]interface{}{"comment": comment}
	return c.appendLocal(walletID, event.AggregateTransaction, transactionID, event.TypeDeleted, data)
}

// UndoContact nullifies the contact's latest effective event.
func (c *Core) UndoContact(contactID, comment string) error {
	return c.undo(event.AggregateContact, contactID, comment)
}

// UndoTransaction nullifies the transaction's latest effective event.
func (c *Core) UndoTransaction(transactionID, comment string) error {
	return c.undo(event.AggregateTransaction, transactionID, comment)
}

// undo appends an UNDO event targeting the latest event of the aggregate
// that is neither an UNDO nor already undone. Replay then skips the target.
func (c *Core) undo(aggregate event.AggregateType, aggregateID, comment string) error {
	walletID, err := requireWallet(c)
	if err != nil {
		return err
	}
	if err := requireNonEmpty(comment, "comment"); err != nil {
		return err
	}

	records, err := c.storage.EventsGetForAggregate(walletID, event.StreamKey{AggregateType: aggregate, AggregateID: aggregateID})
	if err != nil {
		return err
	}
	undone := map[string]struct{}{}
	for _, rec := range records {
		if rec.Type == event.TypeUndo {
			undone[rec.UndoneEventID()] = struct{}{}
		}
	}

	target := ""
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Type == event.TypeUndo {
			continue
		}
		if _, skip := undone[rec.ID]; skip {
			continue
		}
		target = rec.ID
		break
	}
	if target == "" {
		return fmt.Errorf("nothing to undo for %s %s", aggregate, aggregateID)
	}

	data := map[string]interface{}{
		"undone_event_id": target,
		"comment":         comment,
	}
	return c.appendLocal(walletID, aggregate, aggregateID, event.TypeUndo, data)
}
