// Package event defines the wire event model shared by the server and the
// client core: the closed event/aggregate/action enums, the JSON shape used by
// the sync protocol, and the mapping from event types to permission actions.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// AggregateType identifies the kind of entity a stream belongs to.
type AggregateType string

const (
	AggregateContact     AggregateType = "contact"
	AggregateTransaction AggregateType = "transaction"
)

// Valid reports whether the aggregate type is one of the closed set.
func (a AggregateType) Valid() bool {
	return a == AggregateContact || a == AggregateTransaction
}

// Type is the lifecycle event type within a stream.
type Type string

const (
	TypeCreated Type = "CREATED"
	TypeUpdated Type = "UPDATED"
	TypeDeleted Type = "DELETED"
	TypeUndo    Type = "UNDO"
)

// Valid reports whether the event type is one of the closed set.
func (t Type) Valid() bool {
	switch t {
	case TypeCreated, TypeUpdated, TypeDeleted, TypeUndo:
		return true
	}
	return false
}

// Action is a permission action name from the closed action set.
type Action string

const (
	ActionContactRead       Action = "contact:read"
	ActionContactCreate     Action = "contact:create"
	ActionContactUpdate     Action = "contact:update"
	ActionContactDelete     Action = "contact:delete"
	ActionTransactionRead   Action = "transaction:read"
	ActionTransactionCreate Action = "transaction:create"
	ActionTransactionUpdate Action = "transaction:update"
	ActionTransactionDelete Action = "transaction:delete"
	ActionEventsRead        Action = "events:read"

	// ActionContactEdit is the UI-facing alias for contact:update; the
	// resolver treats the two as interchangeable.
	ActionContactEdit Action = "contact:edit"
)

// Actions is the closed action set persisted in permission_actions.
var Actions = []Action{
	ActionContactRead,
	ActionContactCreate,
	ActionContactUpdate,
	ActionContactDelete,
	ActionTransactionRead,
	ActionTransactionCreate,
	ActionTransactionUpdate,
	ActionTransactionDelete,
	ActionEventsRead,
}

// ActionFor maps an event type on an aggregate to the permission action a
// writer must hold. UNDO requires update rights on the undone aggregate.
func ActionFor(t Type, aggregate AggregateType) (Action, error) {
	if !aggregate.Valid() {
		return "", fmt.Errorf("unknown aggregate type %q", aggregate)
	}
	switch t {
	case TypeCreated:
		return Action(string(aggregate) + ":create"), nil
	case TypeUpdated, TypeUndo:
		return Action(string(aggregate) + ":update"), nil
	case TypeDeleted:
		return Action(string(aggregate) + ":delete"), nil
	}
	return "", fmt.Errorf("unknown event type %q", t)
}

// Event is the wire shape exchanged by the sync protocol.
type Event struct {
	ID            string          `json:"id"`
	AggregateType AggregateType   `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Type          Type            `json:"event_type"`
	Data          json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
}

// StreamKey identifies one aggregate's stream within a wallet.
type StreamKey struct {
	AggregateType AggregateType
	AggregateID   string
}

func (k StreamKey) String() string {
	return string(k.AggregateType) + "-" + k.AggregateID
}

// Stream returns the event's stream key.
func (e Event) Stream() StreamKey {
	return StreamKey{AggregateType: e.AggregateType, AggregateID: e.AggregateID}
}

// UndoneEventID extracts undone_event_id from an UNDO payload, or "".
func (e Event) UndoneEventID() string {
	return gjson.GetBytes(e.Data, "undone_event_id").String()
}

// ContactID extracts contact_id from a transaction payload, or "".
func (e Event) ContactID() string {
	return gjson.GetBytes(e.Data, "contact_id").String()
}

// Comment extracts the required audit comment from the payload, or "".
func (e Event) Comment() string {
	return gjson.GetBytes(e.Data, "comment").String()
}
