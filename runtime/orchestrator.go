// Package runtime owns the live rooms: their actors, their sessions and the
// background workers that persist and expire them.
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"talk-relay/runtime/workers"
	"time"
)

type OrchestratorConfig struct {
	SweepInterval      time.Duration
	CheckpointInterval time.Duration
	ReportInterval     time.Duration
}

// Orchestrator wires the registry to its background workers and drives the
// startup and shutdown sequence.
type Orchestrator struct {
	mu         sync.Mutex
	log        *slog.Logger
	supervisor *workers.Supervisor
	registry   *Registry
	config     OrchestratorConfig
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewOrchestrator(log *slog.Logger, supervisor *workers.Supervisor,
	registry *Registry, config OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		log:        log,
		supervisor: supervisor,
		registry:   registry,
		config:     config,
	}
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Start restores persisted rooms, then runs the reaper, the checkpoint
// worker and the stats reporter under supervision. It returns once everything is running.
func (o *Orchestrator) Start(ctx context.Context) error {
	// 1. Preparation phase (No Lock)
	if err := o.registry.Load(ctx); err != nil {
		return err
	}
	reaper := workers.NewExpiryReaper(o.log, o.registry, o.config.SweepInterval)
	checkpoint := workers.NewCheckpointWorker(o.log, o.registry, o.config.CheckpointInterval)
	reporter := workers.NewReporterWorker(o.log, o.registry, o.config.ReportInterval)

	// 2. Critical Section (Short Lock)
	o.mu.Lock()
	supervisedCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	done := o.done
	o.supervisor.Add(reaper, checkpoint, reporter)
	o.mu.Unlock()

	// 3. Execution phase
	o.log.Info("Starting orchestrator and all supervised workers")
	go func() {
		defer close(done)
		o.supervisor.Run(supervisedCtx)
	}()
	return nil
}

// Stop disconnects every session, flushes the rooms, then stops the workers
// and waits for them, or for ctx.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.log.Info("Requesting orchestrator shutdown")

	err := o.registry.Close(ctx)

	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.mu.Unlock()
	if cancel == nil {
		return err
	}
	cancel()

	select {
	case <-done:
		o.log.Debug("All supervised workers stopped")
	case <-ctx.Done():
		o.log.Warn("Timed out waiting for workers", "error", ctx.Err())
	}
	return err
}
