// Package scheduler runs the background maintenance job: snapshot
// compaction, and a first projection snapshot for wallets that have events
// but no snapshot yet. It takes no cadence snapshots.
package scheduler

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/debitum-app/debitum/internal/eventlog"
	"github.com/debitum-app/debitum/internal/platform/logging"
	"github.com/debitum-app/debitum/internal/rebuild"
	"github.com/debitum-app/debitum/internal/snapshots"
	"github.com/debitum-app/debitum/internal/storage"
)

// Scheduler owns the cron runner. Stop flushes the in-flight job before
// returning, so shutdown never truncates a snapshot write.
type Scheduler struct {
	cron      *cron.Cron
	store     storage.Store
	log       eventlog.Log
	snaps     *snapshots.Manager
	rebuilder *rebuild.Rebuilder
	logger    *logging.Logger

	mu      sync.Mutex
	running bool
}

// New builds the scheduler with one compaction job on the given cron spec.
func New(store storage.Store, log eventlog.Log, snaps *snapshots.Manager, rebuilder *rebuild.Rebuilder, logger *logging.Logger, spec string) (*Scheduler, error) {
	s := &Scheduler{
		cron:      cron.New(),
		store:     store,
		log:       log,
		snaps:     snaps,
		rebuilder: rebuilder,
		logger:    logger,
	}
	if spec == "" {
		spec = "@every 5m"
	}
	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the cron loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
}

// Stop halts the loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// runOnce prunes snapshots for every active wallet and, where a wallet has
// events but no snapshot, rebuilds it and saves one. Work is best-effort: one
// wallet failing does not stop the sweep.
func (s *Scheduler) runOnce() {
	ctx := context.Background()
	wallets, err := s.store.ListWallets(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Warn("Scheduler: list wallets failed")
		}
		return
	}
	for _, w := range wallets {
		if !w.IsActive {
			continue
		}
		if err := s.store.PruneSnapshots(ctx, w.ID, s.snaps.Retain()); err != nil && s.logger != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{"wallet_id": w.ID}).
				Warn("Scheduler: snapshot prune failed")
		}

		count, err := s.log.Count(ctx, w.ID)
		if err != nil || count == 0 {
			continue
		}
		if _, ok, err := s.store.LatestSnapshot(ctx, w.ID); err == nil && !ok {
			// Wallet has events but no snapshot yet; seed one so the next
			// rebuild has a fast path available.
			state, err := s.rebuilder.Rebuild(ctx, w.ID)
			if err != nil {
				if s.logger != nil {
					s.logger.WithError(err).WithFields(map[string]interface{}{"wallet_id": w.ID}).
						Warn("Scheduler: rebuild failed")
				}
				continue
			}
			records, err := s.log.ReadWallet(ctx, w.ID)
			if err != nil || len(records) == 0 {
				continue
			}
			lastSeq := records[len(records)-1].ServerSeq
			if err := s.snaps.Save(ctx, w.ID, state, lastSeq, count); err != nil && s.logger != nil {
				s.logger.WithError(err).WithFields(map[string]interface{}{"wallet_id": w.ID}).
					Warn("Scheduler: snapshot save failed")
			}
		}
	}
}
