package projection

import (
	"encoding/json"
	"sort"

	"github.com/debitum-app/debitum/pkg/ledger"
)

// ContactsList returns the contacts as a slice ordered by creation time then
// id, so serialized snapshots are deterministic.
func (s *State) ContactsList() []ledger.Contact {
	out := make([]ledger.Contact, 0, len(s.Contacts))
	for _, c := range s.Contacts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TransactionsList returns the transactions ordered by creation time then id.
func (s *State) TransactionsList() []ledger.Transaction {
	out := make([]ledger.Transaction, 0, len(s.Transactions))
	for _, t := range s.Transactions {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Marshal serializes the state into the two JSON arrays stored by snapshots
// and the client projection cache.
func (s *State) Marshal() (contactsJSON, transactionsJSON []byte, err error) {
	contactsJSON, err = json.Marshal(s.ContactsList())
	if err != nil {
		return nil, nil, err
	}
	transactionsJSON, err = json.Marshal(s.TransactionsList())
	if err != nil {
		return nil, nil, err
	}
	return contactsJSON, transactionsJSON, nil
}

// Unmarshal restores a state from the two JSON arrays.
func Unmarshal(contactsJSON, transactionsJSON []byte) (*State, error) {
	var contacts []ledger.Contact
	var transactions []ledger.Transaction
	if len(contactsJSON) > 0 {
		if err := json.Unmarshal(contactsJSON, &contacts); err != nil {
			return nil, err
		}
	}
	if len(transactionsJSON) > 0 {
		if err := json.Unmarshal(transactionsJSON, &transactions); err != nil {
			return nil, err
		}
	}
	state := NewState()
	for i := range contacts {
		c := contacts[i]
		state.Contacts[c.ID] = &c
	}
	for i := range transactions {
		t := transactions[i]
		state.Transactions[t.ID] = &t
	}
	return state, nil
}
