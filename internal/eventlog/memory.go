package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/debitum-app/debitum/pkg/event"
)

// MemoryLog is an in-process Log used for tests and DSN-less runs.
type MemoryLog struct {
	mu      sync.Mutex
	nextSeq int64
	byID    map[string]map[string]*Record // wallet -> event id -> record
	wallets map[string][]*Record          // wallet -> records in seq order
	lastTS  map[string]time.Time          // wallet -> last assigned timestamp
	now     func() time.Time
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog returns an empty in-memory event log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		nextSeq: 1,
		byID:    make(map[string]map[string]*Record),
		wallets: make(map[string][]*Record),
		lastTS:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock overrides the timestamp source; tests use it for determinism.
func (l *MemoryLog) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *MemoryLog) Append(_ context.Context, walletID string, ap Append) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.byID[walletID][ap.EventID]; ok {
		return *existing, nil
	}

	current := l.streamVersionLocked(walletID, ap.Stream)
	if err := checkAppend(ap, current); err != nil {
		return Record{}, err
	}

	// Timestamps stay strictly monotonic per wallet even when the clock
	// does not advance between appends.
	ts := l.now().UTC()
	if last, ok := l.lastTS[walletID]; ok && !ts.After(last) {
		ts = last.Add(time.Microsecond)
	}
	l.lastTS[walletID] = ts

	rec := &Record{
		ServerSeq:     l.nextSeq,
		EventID:       ap.EventID,
		WalletID:      walletID,
		UserID:        ap.UserID,
		AggregateType: ap.Stream.AggregateType,
		AggregateID:   ap.Stream.AggregateID,
		Type:          ap.Type,
		EventVersion:  current + 1,
		Data:          append(json.RawMessage(nil), ap.Data...),
		CreatedAt:     ts,
	}
	l.nextSeq++

	if l.byID[walletID] == nil {
		l.byID[walletID] = make(map[string]*Record)
	}
	l.byID[walletID][ap.EventID] = rec
	l.wallets[walletID] = append(l.wallets[walletID], rec)
	return *rec, nil
}

func (l *MemoryLog) streamVersionLocked(walletID string, stream event.StreamKey) int64 {
	version := int64(-1)
	for _, r := range l.wallets[walletID] {
		if r.AggregateType == stream.AggregateType && r.AggregateID == stream.AggregateID && r.EventVersion > version {
			version = r.EventVersion
		}
	}
	return version
}

func (l *MemoryLog) StreamVersion(_ context.Context, walletID string, stream event.StreamKey) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streamVersionLocked(walletID, stream), nil
}

func (l *MemoryLog) ReadStream(_ context.Context, walletID string, stream event.StreamKey, fromVersion int64, max int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, r := range l.wallets[walletID] {
		if r.AggregateType != stream.AggregateType || r.AggregateID != stream.AggregateID {
			continue
		}
		if r.EventVersion < fromVersion {
			continue
		}
		out = append(out, *r)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out, nil
}

func (l *MemoryLog) ReadWalletSince(_ context.Context, walletID string, q SinceQuery) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, r := range l.wallets[walletID] {
		if q.AfterSeq > 0 {
			if r.ServerSeq <= q.AfterSeq {
				continue
			}
		} else if !q.SinceTime.IsZero() && !r.CreatedAt.After(q.SinceTime) {
			continue
		}
		out = append(out, *r)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLog) ReadWallet(_ context.Context, walletID string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.wallets[walletID]))
	for _, r := range l.wallets[walletID] {
		out = append(out, *r)
	}
	return out, nil
}

func (l *MemoryLog) Get(_ context.Context, walletID, eventID string) (Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.byID[walletID][eventID]; ok {
		return *r, true, nil
	}
	return Record{}, false, nil
}

func (l *MemoryLog) Exists(ctx context.Context, walletID, eventID string) (bool, error) {
	_, ok, err := l.Get(ctx, walletID, eventID)
	return ok, err
}

func (l *MemoryLog) Count(_ context.Context, walletID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.wallets[walletID])), nil
}

func (l *MemoryLog) FirstUndoSeq(_ context.Context, walletID string) (int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.wallets[walletID] {
		if r.Type == event.TypeUndo {
			return r.ServerSeq, true, nil
		}
	}
	return 0, false, nil
}

func (l *MemoryLog) UpdateEventData(_ context.Context, walletID, eventID string, data json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.byID[walletID][eventID]; ok {
		r.Data = append(json.RawMessage(nil), data...)
	}
	return nil
}
