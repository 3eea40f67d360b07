package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// DateLayout is the calendar-date format used by transaction payloads.
const DateLayout = "2006-01-02"

// Validate checks the envelope fields against the wire contract: UUID ids, a
// closed event/aggregate type, a timestamp, and version >= 1. UNDO events must
// carry a UUID undone_event_id. Payload schema checks are per event type.
func Validate(e Event) error {
	if _, err := uuid.Parse(e.ID); err != nil {
		return fmt.Errorf("invalid event id %q: %w", e.ID, err)
	}
	if !e.AggregateType.Valid() {
		return fmt.Errorf("unknown aggregate type %q", e.AggregateType)
	}
	if _, err := uuid.Parse(e.AggregateID); err != nil {
		return fmt.Errorf("invalid aggregate id %q: %w", e.AggregateID, err)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	if e.Version < 1 {
		return fmt.Errorf("version must be >= 1, got %d", e.Version)
	}
	if e.Type == TypeUndo {
		undone := e.UndoneEventID()
		if _, err := uuid.Parse(undone); err != nil {
			return fmt.Errorf("UNDO requires a valid undone_event_id: %w", err)
		}
		return nil
	}
	return validatePayload(e)
}

func validatePayload(e Event) error {
	data := gjson.ParseBytes(e.Data)
	if e.Type == TypeCreated || e.Type == TypeDeleted {
		if strings.TrimSpace(data.Get("comment").String()) == "" {
			return fmt.Errorf("%s %s requires a non-empty comment", e.AggregateType, e.Type)
		}
	}
	switch {
	case e.AggregateType == AggregateContact && e.Type == TypeCreated:
		if strings.TrimSpace(data.Get("name").String()) == "" {
			return fmt.Errorf("contact CREATED requires a non-empty name")
		}
	case e.AggregateType == AggregateTransaction && e.Type == TypeCreated:
		contactID := data.Get("contact_id").String()
		if _, err := uuid.Parse(contactID); err != nil {
			return fmt.Errorf("transaction CREATED requires a valid contact_id: %w", err)
		}
		if amount := data.Get("amount"); amount.Exists() && amount.Int() < 0 {
			return fmt.Errorf("amount must be non-negative, got %d", amount.Int())
		}
		if err := validateDate(data.Get("transaction_date"), "transaction_date"); err != nil {
			return err
		}
		if err := validateDate(data.Get("due_date"), "due_date"); err != nil {
			return err
		}
	case e.AggregateType == AggregateTransaction && e.Type == TypeUpdated:
		if amount := data.Get("amount"); amount.Exists() && amount.Int() < 0 {
			return fmt.Errorf("amount must be non-negative, got %d", amount.Int())
		}
		if err := validateDate(data.Get("transaction_date"), "transaction_date"); err != nil {
			return err
		}
	}
	return nil
}

func validateDate(v gjson.Result, field string) error {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	if _, err := time.Parse(DateLayout, v.String()); err != nil {
		return fmt.Errorf("invalid %s %q: expected YYYY-MM-DD", field, v.String())
	}
	return nil
}
