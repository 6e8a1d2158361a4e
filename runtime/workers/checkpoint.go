package workers

import (
	"context"
	"log/slog"
	"talk-relay/contract"
	"time"
)

// CheckpointWorker saves modified rooms on a fixed interval, and early when
// the registry signals a lifecycle change (a room became Active or Idle).
type CheckpointWorker struct {
	log          *slog.Logger
	checkpointer contract.Checkpointer
	interval     time.Duration
}

func NewCheckpointWorker(log *slog.Logger, checkpointer contract.Checkpointer, interval time.Duration) *CheckpointWorker {
	return &CheckpointWorker{log: log, checkpointer: checkpointer, interval: interval}
}

func (w *CheckpointWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	flush := w.checkpointer.FlushRequests()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping checkpoint worker")
			return nil
		case <-ticker.C:
			w.checkpoint(ctx)
		case <-flush:
			w.checkpoint(ctx)
		}
	}
}

func (w *CheckpointWorker) checkpoint(ctx context.Context) {
	if err := w.checkpointer.Checkpoint(ctx); err != nil {
		// Rooms stay dirty and are retried on the next round
		w.log.Warn("Checkpoint failed", "error", err)
	}
}
