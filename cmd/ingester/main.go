// Roundflow Ingester — subscribes to live bet events over the push socket,
// buffers them through the durable stream, and batch-inserts them into the
// live bet table. Runs the listener and the stream consumer in one process
// so a single deployment covers the full live path.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"roundflow/internal/buffer"
	"roundflow/internal/bus"
	"roundflow/internal/chain"
	"roundflow/internal/config"
	"roundflow/internal/ingest"
	"roundflow/internal/metrics"
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
	if err := cfg.RequireWSS(); err != nil {
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

	messageBus := bus.New(redisClient, logger)
	producer := buffer.NewProducer(redisClient, cfg.Buffer.Stream)

	// Each reconnect gets a fresh socket client; the listener owns its
	// lifecycle.
	dial := func(ctx context.Context) (ingest.Feed, error) {
		return chain.Dial(ctx, cfg.Chain.WSSURL, cfg.Chain, cfg.RetryMax, logger)
	}

	listener, err := ingest.NewListener(dial, producer, messageBus, m, logger)
	if err != nil {
		logger.Error("failed to build listener", "error", err)
		os.Exit(1)
	}

	consumer := ingest.NewConsumer(
		buffer.NewConsumer(redisClient, cfg.Buffer.Stream, cfg.Buffer.Group, cfg.Buffer.Consumer, cfg.Buffer.BatchSize, logger),
		st, messageBus, m, cfg.Buffer.BatchSize, logger,
	)

	logger.Info("ingester started",
		"stream", cfg.Buffer.Stream,
		"group", cfg.Buffer.Group,
		"consumer", cfg.Buffer.Consumer,
		"batch_size", cfg.Buffer.BatchSize,
	)

	var (
		wg     sync.WaitGroup
		failed atomic.Bool
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		listener.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("consumer stopped", "error", err)
			failed.Store(true)
			stop()
		}
	}()
	wg.Wait()

	if failed.Load() {
		logger.Error("ingester stopped after component failure")
		os.Exit(1)
	}
	logger.Info("ingester stopped")
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
