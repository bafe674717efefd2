/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the collections engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Initialize logging and tracing
  3. Open the store (PostgreSQL when DATABASE_URL is set, else SQLite)
  4. Load the plan-rate table
  5. Build the engine, API handler and router
  6. Start the release job and the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the release job (an in-flight run completes)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Flush traces, close the database
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/collections.db"

  # Run against PostgreSQL (run cmd/migrate first or let the server migrate)
  DATABASE_URL=postgres://localhost/collections?sslmode=disable ./server

  # Custom plan table
  PLANS_FILE=plans.yaml ./server

ENVIRONMENT:
  See internal/config/config.go for the full list.

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Release job
  - store/sqlite, store/postgres: Storage backends
*/
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/collections-engine/api"
	"github.com/warp/collections-engine/commission"
	"github.com/warp/collections-engine/engine"
	"github.com/warp/collections-engine/factory"
	"github.com/warp/collections-engine/generic"
	"github.com/warp/collections-engine/internal/config"
	"github.com/warp/collections-engine/internal/logging"
	"github.com/warp/collections-engine/internal/metrics"
	"github.com/warp/collections-engine/internal/retry"
	"github.com/warp/collections-engine/internal/traces"
	"github.com/warp/collections-engine/store/postgres"
	"github.com/warp/collections-engine/store/sqlite"
)

const serviceName = "collections-engine"

// store is what the server needs from either backend.
type store interface {
	api.Store
	DB() *sql.DB
	Close() error
}

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// Flags override the environment
	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path")
	flag.Parse()
	cfg.Port, cfg.SQLitePath = *port, *dbPath

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, serviceName, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	plans, err := loadPlans(cfg, logger)
	if err != nil {
		return err
	}

	eng := engine.New(st, plans, logger)
	eng.Release.Workers = cfg.Workers
	eng.Release.AgentDeadline = cfg.AgentDeadline
	eng.Release.Retry = retry.Policy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay}

	go metrics.StartDBStatsCollector(ctx, st.DB(), 15*time.Second)

	handler := api.NewHandler(eng, st, plans, logger)
	router := api.NewRouter(handler, cfg.CORSOrigins)

	job := api.NewReleaseScheduler(eng.Release, eng.Clock, logger)
	job.CheckInterval = cfg.ReleaseInterval
	job.Enabled = cfg.ReleaseEnabled
	job.CatchUp = cfg.ReleaseCatchUp
	job.Start(ctx)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "env", cfg.Env, "postgres", cfg.UsesPostgres())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		job.Stop()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	job.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if err := shutdownTraces(shutdownCtx); err != nil {
		logger.Warn("trace flush failed", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store, error) {
	if cfg.UsesPostgres() {
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("using postgres store")
		return postgres.New(db), nil
	}

	st, err := sqlite.New(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	logger.Info("using sqlite store", "path", cfg.SQLitePath)
	return st, nil
}

func loadPlans(cfg *config.Config, logger *slog.Logger) (*generic.StaticPlanTable, error) {
	if cfg.PlansFile == "" {
		logger.Info("using built-in plan table", "plan", commission.StandardPlanCode)
		return commission.StandardPlanTable(), nil
	}
	plans, err := factory.LoadPlanTable(cfg.PlansFile)
	if err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}
	logger.Info("loaded plan table", "path", cfg.PlansFile, "plans", len(plans.Rates()))
	return plans, nil
}
