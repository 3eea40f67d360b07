package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/debitum-app/debitum/pkg/projection"
)

// PushUnsynced sends the current wallet's pending events to the server and
// marks the accepted ones synced.
//
// Error handling follows the replication contract: a permission denial means
// these events will never be accepted, so they are dropped and the projection
// rebuilt; auth failures surface without dropping anything; network failures
// are silent and the events stay pending for the next sync.
func (c *Core) PushUnsynced() error {
	walletID, ok := c.CurrentWallet()
	if !ok {
		return errors.New("no wallet selected")
	}
	unsynced, err := c.storage.EventsGetUnsynced(walletID)
	if err != nil {
		return err
	}
	if len(unsynced) == 0 {
		return nil
	}
	c.log.WithFields(logFields{"wallet_id": walletID, "pending": len(unsynced)}).
		Debug("Pushing unsynced events")

	batch := make([]eventWire, 0, len(unsynced))
	for _, rec := range unsynced {
		batch = append(batch, rec.Event)
	}

	result, err := c.api.postSyncEvents(walletID, batch)
	switch {
	case err == nil:
		if err := c.storage.EventsMarkSynced(result.Accepted); err != nil {
			return err
		}
		if len(result.Conflicts) > 0 {
			c.log.WithFields(logFields{"wallet_id": walletID, "conflicts": len(result.Conflicts)}).
				Warn("Server reported push conflicts")
		}
		return nil

	case errors.Is(err, ErrInsufficientPermission):
		dropped, derr := c.storage.EventsDeleteUnsynced(walletID)
		if derr != nil {
			return derr
		}
		if rerr := c.rebuildLocal(walletID); rerr != nil {
			return rerr
		}
		c.log.WithFields(logFields{"wallet_id": walletID, "dropped": dropped}).
			Warn("Server denied push; dropped pending local events")
		return fmt.Errorf("%w (dropped %d local pending events)", ErrInsufficientPermission, dropped)

	case errors.Is(err, ErrAuthDeclined):
		return err

	default:
		// Offline or transient server trouble: keep events pending, stay quiet.
		c.log.WithFields(logFields{"wallet_id": walletID, "pending": len(unsynced)}).
			Debug("Push failed, keeping local events for later sync")
		return nil
	}
}

// PullAndMerge fetches server events since the wallet's watermark, merges
// them into the local log, rebuilds the projection, and advances the
// watermark. An empty local log triggers a full pull so server data loads on
// a fresh device. Pull failures abort with no state change.
func (c *Core) PullAndMerge() error {
	walletID, ok := c.CurrentWallet()
	if !ok {
		return errors.New("no wallet selected")
	}

	since := ""
	localCount, err := c.storage.EventsCount(walletID)
	if err != nil {
		return err
	}
	if localCount > 0 {
		since, _, err = c.storage.ConfigGet(lastSyncKey(walletID))
		if err != nil {
			return err
		}
	}

	events, err := c.api.getSyncEvents(walletID, since)
	if err != nil {
		return err
	}
	c.log.WithFields(logFields{"wallet_id": walletID, "events": len(events), "full_pull": since == ""}).
		Debug("Pulled server events")

	var watermark time.Time
	for _, ev := range events {
		if ev.ID == "" {
			continue
		}
		rec := projection.Record{
			Event:    ev,
			WalletID: walletID,
			Synced:   true,
		}
		if err := c.storage.EventsInsert(rec); err != nil {
			return err
		}
		if ev.Timestamp.After(watermark) {
			watermark = ev.Timestamp
		}
	}

	if err := c.rebuildLocal(walletID); err != nil {
		return err
	}
	if !watermark.IsZero() {
		if err := c.storage.ConfigSet(lastSyncKey(walletID), watermark.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return nil
}

// FullSync pushes then pulls. This is the cycle triggered by user action,
// change notifications, and app foregrounding.
func (c *Core) FullSync() error {
	if err := c.PushUnsynced(); err != nil {
		return err
	}
	return c.PullAndMerge()
}

// RefreshFromServer discards all local wallet data and re-pulls with no
// watermark. Used when read permissions changed and the server view is now a
// subset of what the client holds.
func (c *Core) RefreshFromServer() error {
	walletID, ok := c.CurrentWallet()
	if !ok {
		return errors.New("no wallet selected")
	}
	if err := c.storage.ClearWallet(walletID); err != nil {
		return err
	}
	return c.PullAndMerge()
}

// rebuildLocal re-derives the wallet projection from the local event log.
func (c *Core) rebuildLocal(walletID string) error {
	records, err := c.storage.EventsGetAll(walletID)
	if err != nil {
		return err
	}
	state := projection.Build(records)
	return c.storage.StateSave(walletID, state)
}
