// Package projection folds event sequences into the ledger view. The fold is
// deterministic and UNDO-aware: it first collects the set of undone event ids,
// then applies the remaining events in order and recomputes balances from
// scratch. The same fold runs on the server and in the client core.
package projection

import (
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/debitum-app/debitum/pkg/event"
	"github.com/debitum-app/debitum/pkg/ledger"
)

// Record is one stored event as seen by the fold. ServerSeq is zero for
// client-local events that the server has not ordered yet.
type Record struct {
	event.Event
	WalletID  string
	ServerSeq int64
	Synced    bool
}

// State is the projected wallet view.
type State struct {
	Contacts     map[string]*ledger.Contact
	Transactions map[string]*ledger.Transaction
}

// NewState returns an empty projection.
func NewState() *State {
	return &State{
		Contacts:     make(map[string]*ledger.Contact),
		Transactions: make(map[string]*ledger.Transaction),
	}
}

// Clone deep-copies the state so incremental apply never mutates a snapshot.
func (s *State) Clone() *State {
	out := NewState()
	for id, c := range s.Contacts {
		cc := *c
		out.Contacts[id] = &cc
	}
	for id, t := range s.Transactions {
		tt := *t
		out.Transactions[id] = &tt
	}
	return out
}

// Build folds the full event set into a fresh state.
func Build(records []Record) *State {
	return Apply(NewState(), records)
}

// Apply overlays new events onto a clone of the current state. The undone set
// is computed over the new events; callers must guarantee that no UNDO in the
// batch targets an event already folded into current (the rebuild strategy
// falls back to a full Build when that cannot be guaranteed).
func Apply(current *State, records []Record) *State {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sortRecords(sorted)

	undone := make(map[string]struct{})
	for _, r := range sorted {
		if r.Type == event.TypeUndo {
			if id := r.UndoneEventID(); id != "" {
				undone[id] = struct{}{}
			}
		}
	}

	state := current.Clone()
	for _, r := range sorted {
		if r.Type == event.TypeUndo {
			continue
		}
		if _, skip := undone[r.ID]; skip {
			continue
		}
		switch r.AggregateType {
		case event.AggregateContact:
			applyContact(state, r)
		case event.AggregateTransaction:
			applyTransaction(state, r)
		}
	}

	ledger.ComputeBalances(state.Contacts, state.Transactions)
	return state
}

// sortRecords orders by timestamp, breaking ties by server sequence and then
// event id. Server timestamps are monotonic per wallet, so this matches
// server order; the id tiebreaker keeps the client fold stable under shuffle.
func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.ServerSeq != b.ServerSeq {
			return a.ServerSeq < b.ServerSeq
		}
		return a.ID < b.ID
	})
}

func applyContact(state *State, r Record) {
	data := gjson.ParseBytes(r.Data)
	switch r.Type {
	case event.TypeCreated:
		ts := payloadTime(data, r.Timestamp)
		state.Contacts[r.AggregateID] = &ledger.Contact{
			ID:           r.AggregateID,
			WalletID:     stringOr(data.Get("wallet_id"), r.WalletID),
			Name:         data.Get("name").String(),
			Username:     data.Get("username").String(),
			Phone:        data.Get("phone").String(),
			Email:        data.Get("email").String(),
			Notes:        data.Get("notes").String(),
			IsSynced:     r.Synced,
			LastEventSeq: r.ServerSeq,
			CreatedAt:    ts,
			UpdatedAt:    ts,
		}
	case event.TypeUpdated:
		c, ok := state.Contacts[r.AggregateID]
		if !ok {
			return
		}
		overlayString(data.Get("name"), &c.Name)
		overlayString(data.Get("username"), &c.Username)
		overlayString(data.Get("phone"), &c.Phone)
		overlayString(data.Get("email"), &c.Email)
		overlayString(data.Get("notes"), &c.Notes)
		c.UpdatedAt = payloadTime(data, r.Timestamp)
		c.IsSynced = c.IsSynced && r.Synced
		c.LastEventSeq = r.ServerSeq
	case event.TypeDeleted:
		delete(state.Contacts, r.AggregateID)
		for id, t := range state.Transactions {
			if t.ContactID == r.AggregateID {
				delete(state.Transactions, id)
			}
		}
	}
}

func applyTransaction(state *State, r Record) {
	data := gjson.ParseBytes(r.Data)
	switch r.Type {
	case event.TypeCreated:
		contactID := data.Get("contact_id").String()
		if contactID == "" {
			return
		}
		if _, ok := state.Contacts[contactID]; !ok {
			// Dangling event: its contact is gone or not visible.
			return
		}
		ts := payloadTime(data, r.Timestamp)
		state.Transactions[r.AggregateID] = &ledger.Transaction{
			ID:              r.AggregateID,
			WalletID:        stringOr(data.Get("wallet_id"), r.WalletID),
			ContactID:       contactID,
			Type:            ledger.TransactionType(stringOr(data.Get("type"), string(ledger.TypeMoney))),
			Direction:       ledger.Direction(stringOr(data.Get("direction"), string(ledger.DirectionOwed))),
			Amount:          data.Get("amount").Int(),
			Currency:        stringOr(data.Get("currency"), ledger.DefaultCurrency),
			Description:     data.Get("description").String(),
			TransactionDate: data.Get("transaction_date").String(),
			DueDate:         data.Get("due_date").String(),
			IsSynced:        r.Synced,
			Version:         r.Version,
			CreatedAt:       ts,
			UpdatedAt:       ts,
		}
	case event.TypeUpdated:
		t, ok := state.Transactions[r.AggregateID]
		if !ok {
			return
		}
		overlayString(data.Get("contact_id"), &t.ContactID)
		if v := data.Get("type"); v.Exists() && v.Type != gjson.Null {
			t.Type = ledger.TransactionType(v.String())
		}
		if v := data.Get("direction"); v.Exists() && v.Type != gjson.Null {
			t.Direction = ledger.Direction(v.String())
		}
		if v := data.Get("amount"); v.Exists() && v.Type != gjson.Null {
			t.Amount = v.Int()
		}
		overlayString(data.Get("currency"), &t.Currency)
		overlayString(data.Get("description"), &t.Description)
		overlayString(data.Get("transaction_date"), &t.TransactionDate)
		overlayString(data.Get("due_date"), &t.DueDate)
		t.UpdatedAt = payloadTime(data, r.Timestamp)
		t.IsSynced = r.Synced
		if r.Version > t.Version {
			t.Version = r.Version
		}
	case event.TypeDeleted:
		delete(state.Transactions, r.AggregateID)
	}
}

func overlayString(v gjson.Result, dst *string) {
	if v.Exists() && v.Type != gjson.Null {
		*dst = v.String()
	}
}

func stringOr(v gjson.Result, fallback string) string {
	if v.Exists() && v.Type != gjson.Null && v.String() != "" {
		return v.String()
	}
	return fallback
}

func payloadTime(data gjson.Result, fallback time.Time) time.Time {
	raw := data.Get("timestamp").String()
	if raw == "" {
		return fallback
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fallback
	}
	return ts.UTC()
}
