// Roundflow Predictor — folds the live bet flow into per-epoch features and
// publishes versioned momentum predictions, with one final revision shortly
// before each round locks.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roundflow/internal/bus"
	"roundflow/internal/config"
	"roundflow/internal/metrics"
	"roundflow/internal/predict"
	"roundflow/internal/rdb"
	"roundflow/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ROUNDFLOW_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	redisClient, err := rdb.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	m := metrics.New()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	aggregator := predict.NewAggregator(
		bus.New(redisClient, logger),
		bus.NewPredictionCache(redisClient),
		st, m,
		time.Duration(cfg.Predict.FinalAdvanceMS)*time.Millisecond,
		logger,
	)

	logger.Info("predictor started", "final_advance_ms", cfg.Predict.FinalAdvanceMS)

	if err := aggregator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("aggregator stopped", "error", err)
		os.Exit(1)
	}

	logger.Info("predictor stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
