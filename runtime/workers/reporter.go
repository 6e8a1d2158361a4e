package workers

import (
	"context"
	"log/slog"
	goruntime "runtime"
	"talk-relay/contract"
	"talk-relay/domain"
	"time"

	"github.com/samber/lo"
)

// RelaySummary aggregates room stats into one log line.
type RelaySummary struct {
	Rooms      int
	Active     int
	Idle       int
	Sessions   int
	Events     int
	AllocMemMb uint64
}

type ReporterWorker struct {
	log      *slog.Logger
	source   contract.StatsSource
	interval time.Duration
}

func NewReporterWorker(log *slog.Logger, source contract.StatsSource, interval time.Duration) *ReporterWorker {
	return &ReporterWorker{log: log, source: source, interval: interval}
}

// Run logs a summary of the relay on every tick until ctx is done.
func (w *ReporterWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping reporter")
			return nil
		case <-ticker.C:
			s := w.Summary(ctx)
			w.log.Info("Relay stats",
				"rooms", s.Rooms,
				"active", s.Active,
				"idle", s.Idle,
				"sessions", s.Sessions,
				"events", s.Events,
				"alloc_mb", s.AllocMemMb,
			)
		}
	}
}

func (w *ReporterWorker) Summary(ctx context.Context) RelaySummary {
	stats := w.source.Stats(ctx)

	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)

	return RelaySummary{
		Rooms:      len(stats),
		Active:     lo.CountBy(stats, func(s domain.RoomStats) bool { return s.State == domain.RoomActive }),
		Idle:       lo.CountBy(stats, func(s domain.RoomStats) bool { return s.State == domain.RoomIdle || s.State == domain.RoomEmpty }),
		Sessions:   lo.SumBy(stats, func(s domain.RoomStats) int { return s.Sessions }),
		Events:     lo.SumBy(stats, func(s domain.RoomStats) int { return s.Transcript }),
		AllocMemMb: mem.Alloc / 1024 / 1024,
	}
}
