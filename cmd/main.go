package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"talk-relay/infrastructure/storage"
	"talk-relay/infrastructure/wsserver"
	"talk-relay/internal"
	"talk-relay/internal/clock"
	"talk-relay/runtime"
	"talk-relay/runtime/workers"
	"talk-relay/services"
	"time"

	"github.com/dgraph-io/badger/v4"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/database"
	"github.com/mama165/sdk-go/logs"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

const joinRetryDelay = 50 * time.Millisecond

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run wires every component, serves until a termination signal, then shuts
// down in order: stop accepting, disconnect sessions and flush rooms, close the store.
func run() (int, error) {
	// 1. Configuration & Logger
	// A missing .env file is fine, the environment may already be set
	_ = godotenv.Load()
	config, err := internal.LoadConfig()
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.INFO))
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	if log.Enabled(context.Background(), slog.LevelDebug) {
		endpoint := "/inspect"
		url := fmt.Sprintf("http://localhost:%d%s?prefix=%s", config.DebugPort, endpoint, storage.RoomPrefix)
		log.Info("Debug Badger inspector available", "url", url)
		database.StartDebugServer(db, config.DebugPort, endpoint, RoomMapper)
	}

	//  Defer will be executed before run() returned anything to main()
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Setup Supervision & Orchestration
	sup := workers.NewSupervisor(log, config.RestartInterval)
	registry := runtime.NewRegistry(log, storage.NewRoomRepository(db, log), sup, clock.Real(),
		runtime.RegistryConfig{
			IdleThreshold:     config.IdleThreshold,
			OutboundQueueSize: config.OutboundQueueSize,
			ReplayWindow:      config.ReplayWindow,
		})
	orchestrator := runtime.NewOrchestrator(log, sup, registry, runtime.OrchestratorConfig{
		SweepInterval:      config.SweepInterval,
		CheckpointInterval: config.CheckpointInterval,
		ReportInterval:     config.ReportInterval,
	})

	// 4. Start the Engine
	if err := orchestrator.Start(context.Background()); err != nil {
		return exitRuntime, fmt.Errorf("orchestrator failed to start: %w", err)
	}

	// 5. HTTP & WebSocket server
	relay := services.NewRelayService(log, registry, config.JoinRetries, joinRetryDelay)
	server := wsserver.NewServer(log, relay, config.Addr())
	if err := server.Start(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		_ = orchestrator.Stop(stopCtx)
		return exitRuntime, err
	}
	log.Info("Relay ready", "address", config.Addr(), "idle_threshold", config.IdleThreshold)

	// 6. Wait for a signal, then stop everything in order
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		config.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				return shutdown(ctx, log, server, orchestrator)
			},
		},
	)

	if code := <-wait; code != exitOK {
		return exitRuntime, fmt.Errorf("shutdown did not complete cleanly (code %d)", code)
	}
	log.Info("Program stopped cleanly")
	return exitOK, nil
}

func shutdown(ctx context.Context, log *slog.Logger, server *wsserver.Server, orchestrator *runtime.Orchestrator) error {
	log.Info("Shutting down gracefully...")
	serverErr := server.Stop(ctx)
	if err := orchestrator.Stop(ctx); err != nil {
		return err
	}
	return serverErr
}
