/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the overtime engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (env, then flags)
  2. Initialize logging
  3. Initialize SQLite store
  4. Build the engine over the store's repositories and event outbox
  5. Register stored policies
  6. Start the sweep scheduler (unless -scheduler=false)
  7. Start the HTTP server with graceful shutdown

CONFIGURATION:
  See config/config.go for every flag and environment variable.
  Use -db=":memory:" for an in-memory database.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler, waiting for running sweeps
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server -db="./data/overtime.db"
  ./server -port=3000 -log-level=debug
  ESCALATION_CRON="@every 1m" ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Cron-driven sweeps
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/overtime-engine/api"
	"github.com/warp/overtime-engine/config"
	"github.com/warp/overtime-engine/engine"
	"github.com/warp/overtime-engine/generic"
	"github.com/warp/overtime-engine/logging"
	"github.com/warp/overtime-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logging.Init(config.AppName, cfg.LogLevel)
	log := logging.Logger

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	defer store.Close()

	eng := engine.New(
		engine.Repositories{
			Accounts: store.Accounts(),
			Windows:  store.Windows(),
			Requests: store.Requests(),
		},
		engine.WithSink(generic.MultiSink{logging.NewSink(), store}),
		engine.WithNearExpiryDays(cfg.NearExpiryDays),
		engine.WithLogger(log),
	)

	handler := api.NewHandler(eng, store)
	if err := handler.LoadPolicies(context.Background()); err != nil {
		log.WithError(err).Warn("Failed to load policies")
	}

	var scheduler *api.SweepScheduler
	if cfg.SchedulerEnabled {
		scheduler, err = api.NewSweepScheduler(eng, store, cfg)
		if err != nil {
			log.WithError(err).Fatal("Failed to configure sweep scheduler")
		}
		scheduler.Start()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).WithField("db", cfg.DBPath).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	if scheduler != nil {
		scheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	log.Info("Server stopped")
}
