/*
main.go - Application entry point

PURPOSE:
  Starts the ward supply server: stock, patient carts and settlement
  over HTTP. Handles configuration, dependency injection, and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the zap logger
  3. Open the substrate (SQLite file or in-memory)
  4. Wire the consumption service and API handler
  5. Start server with graceful shutdown

CONFIGURATION:
  HTTP_PORT     / -port       HTTP server port (default: 8080)
  DB_PATH       / -db         SQLite database path (default: hospital.db)
                              "memory" keeps everything in process
  LOG_LEVEL     / -log-level  debug, info, warn, error (default: info)
  CORS_ORIGINS                Comma-separated allowed origins

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection

EXAMPLES:
  ./server -db="./data/ward.db"
  ./server -db=memory -log-level=debug
  HTTP_PORT=3000 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - consumption/service.go: Operations
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/ward-supply/api"
	"github.com/warp/ward-supply/config"
	"github.com/warp/ward-supply/consumption"
	"github.com/warp/ward-supply/consumption/store"
	"github.com/warp/ward-supply/store/sqlite"
)

// substrate is what either backend offers the service.
type substrate interface {
	consumption.Substrate
	consumption.PatientRegistry
	consumption.Transactor
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	sub, closer, err := openSubstrate(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closer.Close()

	svc := consumption.NewService(sub, sub, sub, sub,
		consumption.WithTransactor(sub),
		consumption.WithPatients(sub),
		consumption.WithLogger(logger.Named("consumption")),
	)
	handler := api.NewHandler(svc, logger.Named("api"))
	router := api.NewRouter(handler, cfg.CORSOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.HTTPPort),
			zap.String("db", cfg.DBPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openSubstrate(dbPath string) (substrate, io.Closer, error) {
	if dbPath == config.MemoryDB {
		return store.NewMemory(), io.NopCloser(nil), nil
	}
	db, err := sqlite.New(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return db, db, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	var cfg zap.Config
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
