package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent() Event {
	return Event{
		ID:            uuid.NewString(),
		AggregateType: AggregateContact,
		AggregateID:   uuid.NewString(),
		Type:          TypeCreated,
		Data:          json.RawMessage(`{"name":"Alice","comment":"added while splitting rent"}`),
		Timestamp:     time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		Version:       1,
	}
}

func TestValidateAcceptsWellFormedEvent(t *testing.T) {
	require.NoError(t, Validate(validEvent()))
}

func TestValidateEnvelope(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Event)
	}{
		{"bad event id", func(e *Event) { e.ID = "not-a-uuid" }},
		{"bad aggregate id", func(e *Event) { e.AggregateID = "nope" }},
		{"unknown aggregate type", func(e *Event) { e.AggregateType = "wallet" }},
		{"unknown event type", func(e *Event) { e.Type = "PATCHED" }},
		{"zero timestamp", func(e *Event) { e.Timestamp = time.Time{} }},
		{"version zero", func(e *Event) { e.Version = 0 }},
		{"missing comment", func(e *Event) { e.Data = json.RawMessage(`{"name":"Alice"}`) }},
		{"blank name", func(e *Event) { e.Data = json.RawMessage(`{"name":"  ","comment":"x"}`) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := validEvent()
			tc.mutate(&e)
			assert.Error(t, Validate(e))
		})
	}
}

func TestValidateTransactionPayload(t *testing.T) {
	base := validEvent()
	base.AggregateType = AggregateTransaction

	t.Run("requires contact id", func(t *testing.T) {
		e := base
		e.Data = json.RawMessage(`{"amount":100,"comment":"x"}`)
		assert.Error(t, Validate(e))
	})

	t.Run("rejects negative amount", func(t *testing.T) {
		e := base
		e.Data = json.RawMessage(`{"contact_id":"` + uuid.NewString() + `","amount":-1,"comment":"x"}`)
		assert.Error(t, Validate(e))
	})

	t.Run("rejects malformed date", func(t *testing.T) {
		e := base
		e.Data = json.RawMessage(`{"contact_id":"` + uuid.NewString() + `","amount":1,"transaction_date":"01/02/2024","comment":"x"}`)
		assert.Error(t, Validate(e))
	})

	t.Run("accepts full payload", func(t *testing.T) {
		e := base
		e.Data = json.RawMessage(`{"contact_id":"` + uuid.NewString() + `","amount":2500,"direction":"lent","type":"money","transaction_date":"2024-05-01","comment":"lunch"}`)
		assert.NoError(t, Validate(e))
	})
}

func TestValidateUndo(t *testing.T) {
	e := validEvent()
	e.Type = TypeUndo

	e.Data = json.RawMessage(`{"comment":"x"}`)
	assert.Error(t, Validate(e), "UNDO without undone_event_id")

	e.Data = json.RawMessage(`{"undone_event_id":"` + uuid.NewString() + `","comment":"x"}`)
	assert.NoError(t, Validate(e))
}

func TestActionFor(t *testing.T) {
	cases := []struct {
		eventType Type
		aggregate AggregateType
		want      Action
	}{
		{TypeCreated, AggregateContact, ActionContactCreate},
		{TypeUpdated, AggregateContact, ActionContactUpdate},
		{TypeDeleted, AggregateContact, ActionContactDelete},
		{TypeUndo, AggregateContact, ActionContactUpdate},
		{TypeCreated, AggregateTransaction, ActionTransactionCreate},
		{TypeUndo, AggregateTransaction, ActionTransactionUpdate},
	}
	for _, tc := range cases {
		got, err := ActionFor(tc.eventType, tc.aggregate)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := ActionFor(TypeCreated, "wallet")
	assert.Error(t, err)
}

func TestPayloadAccessors(t *testing.T) {
	e := validEvent()
	e.Data = json.RawMessage(`{"undone_event_id":"abc","contact_id":"c1","comment":"why"}`)
	assert.Equal(t, "abc", e.UndoneEventID())
	assert.Equal(t, "c1", e.ContactID())
	assert.Equal(t, "why", e.Comment())
}
