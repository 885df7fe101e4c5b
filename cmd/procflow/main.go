package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/warekit/procflow/internal/adapters"
	"github.com/warekit/procflow/internal/api"
	"github.com/warekit/procflow/internal/engine"
	"github.com/warekit/procflow/internal/idempotency"
	"github.com/warekit/procflow/internal/logging"
	"github.com/warekit/procflow/internal/notify"
	"github.com/warekit/procflow/internal/sentinel"
	"github.com/warekit/procflow/internal/store"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	notifier := notify.NewRegistry(notify.NewLogNotifier(logger))
	sup, err := engine.New(st, notifier, logger)
	if err != nil {
		return err
	}
	sup.Executor().RegisterAdapter(adapters.NewHTTPAdapter(adapters.HTTPConfig{}))

	sen, err := sentinel.New(st, sup, sentinel.Config{
		SweepInterval:   time.Duration(cfg.SweepSeconds) * time.Second,
		BatchSize:       cfg.SweepBatchSize,
		MaintenanceCron: cfg.MaintenanceCron,
		Retention:       cfg.retention(),
	}, logger)
	if err != nil {
		return err
	}
	if err := sen.Start(ctx); err != nil {
		return err
	}
	defer sen.Stop()

	gate := idempotency.NewGate(st, cfg.idempotencyTTL(), logger)
	server := api.NewServer(sup, gate, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
