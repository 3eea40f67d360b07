// Package eventlog is the append-only event store. Every mutation in the
// system lands here as an immutable record with a server-assigned sequence
// number and timestamp; projections are derived downstream and may be rebuilt
// from the log at any time.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/debitum-app/debitum/pkg/event"
)

var (
	// ErrConcurrencyConflict is returned when an append's expected version
	// does not match the current stream version. The log never retries;
	// callers decide.
	ErrConcurrencyConflict = errors.New("eventlog: expected version mismatch")

	// ErrFirstEventNotCreated is returned when the first event appended to a
	// stream is not CREATED.
	ErrFirstEventNotCreated = errors.New("eventlog: first event for a stream must be CREATED")

	// ErrStreamExists is returned when a CREATED event targets a stream that
	// already has events, including streams ending in DELETED. Re-creating an
	// aggregate id is rejected to keep CREATED first in every stream.
	ErrStreamExists = errors.New("eventlog: stream already has events")
)

// Record is one stored event. EventVersion is the dense 0-based position in
// its stream; ServerSeq is the global insertion order.
type Record struct {
	ServerSeq     int64
	EventID       string
	WalletID      string
	UserID        string
	AggregateType event.AggregateType
	AggregateID   string
	Type          event.Type
	EventVersion  int64
	Data          json.RawMessage
	CreatedAt     time.Time
}

// Wire converts the record to the sync protocol shape.
func (r Record) Wire() event.Event {
	return event.Event{
		ID:            r.EventID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		Type:          r.Type,
		Data:          r.Data,
		Timestamp:     r.CreatedAt,
		Version:       int(r.EventVersion) + 1,
	}
}

// Append describes one event to insert.
type Append struct {
	EventID string
	Stream  event.StreamKey
	Type    event.Type
	Data    json.RawMessage
	UserID  string

	// ExpectedVersion is the stream version the writer observed: -1 for a
	// new stream, otherwise the version of the last event it has seen.
	ExpectedVersion int64
}

// SinceQuery selects wallet events after a watermark, in server order.
// AfterSeq wins when both cursors are set; Limit 0 means no limit.
type SinceQuery struct {
	AfterSeq  int64
	SinceTime time.Time
	Limit     int
}

// Log is the event store contract shared by the postgres and memory backends.
type Log interface {
	// Append inserts one event. If EventID already exists in the wallet the
	// call succeeds idempotently and returns the existing record. Appends to
	// one stream are linearizable: of two concurrent appends with the same
	// ExpectedVersion exactly one succeeds, the other gets
	// ErrConcurrencyConflict.
	Append(ctx context.Context, walletID string, ap Append) (Record, error)

	// StreamVersion returns the highest event version in the stream, or -1
	// when the stream is empty.
	StreamVersion(ctx context.Context, walletID string, stream event.StreamKey) (int64, error)

	// ReadStream returns stream events in version order starting at
	// fromVersion; max 0 means all.
	ReadStream(ctx context.Context, walletID string, stream event.StreamKey, fromVersion int64, max int) ([]Record, error)

	// ReadWalletSince returns wallet events after the watermark in server
	// order. The read is repeatable within one call.
	ReadWalletSince(ctx context.Context, walletID string, q SinceQuery) ([]Record, error)

	// ReadWallet returns every wallet event in server order.
	ReadWallet(ctx context.Context, walletID string) ([]Record, error)

	// Get fetches one event by id within the wallet.
	Get(ctx context.Context, walletID, eventID string) (Record, bool, error)

	// Exists reports whether the event id is present in the wallet.
	Exists(ctx context.Context, walletID, eventID string) (bool, error)

	// Count returns the number of events in the wallet.
	Count(ctx context.Context, walletID string) (int64, error)

	// FirstUndoSeq returns the smallest server_seq of any UNDO event in the
	// wallet; ok is false when the wallet has no UNDO events.
	FirstUndoSeq(ctx context.Context, walletID string) (seq int64, ok bool, err error)

	// UpdateEventData rewrites the payload of a stored event. Used only to
	// record total_debt after the surrounding write completes; the envelope
	// stays immutable.
	UpdateEventData(ctx context.Context, walletID, eventID string, data json.RawMessage) error
}

// checkAppend enforces the stream shape rules shared by both backends.
func checkAppend(ap Append, currentVersion int64) error {
	if currentVersion == -1 {
		if ap.Type != event.TypeCreated {
			return ErrFirstEventNotCreated
		}
	} else if ap.Type == event.TypeCreated {
		return ErrStreamExists
	}
	if ap.ExpectedVersion != currentVersion {
		return ErrConcurrencyConflict
	}
	return nil
}
