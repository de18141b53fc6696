// taskfleetd is the controller: it serves the HTTP API, owns the agent
// websocket hub, and runs the scheduler that drives tasks to completion.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/taskfleet/taskfleet/pkg/api"
	"github.com/taskfleet/taskfleet/pkg/bus"
	"github.com/taskfleet/taskfleet/pkg/cleanup"
	"github.com/taskfleet/taskfleet/pkg/collector"
	"github.com/taskfleet/taskfleet/pkg/config"
	"github.com/taskfleet/taskfleet/pkg/database"
	"github.com/taskfleet/taskfleet/pkg/dispatcher"
	"github.com/taskfleet/taskfleet/pkg/hub"
	"github.com/taskfleet/taskfleet/pkg/metrics"
	"github.com/taskfleet/taskfleet/pkg/presence"
	"github.com/taskfleet/taskfleet/pkg/reporter"
	"github.com/taskfleet/taskfleet/pkg/scheduler"
	"github.com/taskfleet/taskfleet/pkg/store"
	"github.com/taskfleet/taskfleet/pkg/subtask"
	"github.com/taskfleet/taskfleet/pkg/subtask/runner"
	"github.com/taskfleet/taskfleet/pkg/version"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting taskfleetd", "version", version.Full(), "http_port", cfg.HTTPPort)

	// 2. Database
	dbClient, err := database.NewClient(ctx, database.LoadConfigFromEnv())
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()

	// 3. Core wiring: event bus, store, hub, metrics
	eventBus := bus.New()
	defer eventBus.Close()

	registry := subtask.NewRegistry()
	st := store.New(dbClient.DB(), eventBus, registry)

	h := hub.New(cfg.Channel)
	defer h.Close()

	m := metrics.New()
	m.RegisterConnectedAgents(func() int { return len(h.ConnectedAgents()) })

	// 4. Presence tracking
	tracker := presence.NewTracker(st, eventBus, cfg.Presence)
	tracker.Start(ctx)
	defer tracker.Stop()

	// 5. Dispatch and collection
	d := dispatcher.New(h, st, eventBus, m)
	c := collector.New(st, eventBus, h, m, reporter.LogReporter{})

	// 6. Scheduler, fed by the hub's inbound envelopes
	sched := scheduler.New(st, eventBus, h, tracker, d, c, m, cfg.Scheduler)
	h.OnMessage(sched.HandleEnvelope)
	sched.Start(ctx)
	defer sched.Stop()

	// 7. Retention
	cleaner := cleanup.New(st, cfg.Retention)
	cleaner.Start(ctx)
	defer cleaner.Stop()

	// 8. HTTP API. The local executor backs the subtask test endpoint only;
	// real work always runs on agents.
	server := api.NewServer(st, dbClient, tracker, h, c, sched, registry, runner.New(nil), m)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.HTTPPort); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("API server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown error", "error", err)
	}

	// Deferred stops unwind the remaining components in reverse wiring order.
	slog.Info("Shutdown complete")
}
