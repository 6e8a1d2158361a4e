package workers

import (
	"context"
	"log/slog"
	"talk-relay/contract"
	"talk-relay/errors"
	"time"
)

// ExpiryReaper periodically asks the registry which rooms outlived the idle
// threshold and evicts them one by one.
// A failed eviction is logged and retried on the next sweep, it never stops the loop.
type ExpiryReaper struct {
	log      *slog.Logger
	reaper   contract.RoomReaper
	interval time.Duration
}

func NewExpiryReaper(log *slog.Logger, reaper contract.RoomReaper, interval time.Duration) *ExpiryReaper {
	return &ExpiryReaper{log: log, reaper: reaper, interval: interval}
}

// Run sweeps once right away, then on every tick.
func (w *ExpiryReaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping expiry reaper")
			return nil
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep returns the number of rooms actually evicted.
func (w *ExpiryReaper) Sweep(ctx context.Context) int {
	evicted := 0
	for _, id := range w.reaper.ExpiredRooms(ctx) {
		if ctx.Err() != nil {
			return evicted
		}
		err := w.reaper.EvictRoom(ctx, id)
		switch {
		case err == nil:
			evicted++
		case errors.Is(err, errors.ErrEvictionPrecondition), errors.Is(err, errors.ErrRoomNotFound):
			// Someone joined between the scan and the eviction
			w.log.Debug("Room no longer evictable", "room_id", id, "error", err)
		default:
			w.log.Warn("Unable to evict room, will retry on next sweep", "room_id", id, "error", err)
		}
	}
	if evicted > 0 {
		w.log.Info("Expired rooms evicted", "count", evicted)
	}
	return evicted
}
