// Roundflow Trader — turns final predictions into at most one on-chain bet
// per epoch. Ships disabled and in dry-run; live sends need both flags
// flipped and a PRIVATE_KEY in the environment.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"roundflow/internal/bus"
	"roundflow/internal/chain"
	"roundflow/internal/config"
	"roundflow/internal/metrics"
	"roundflow/internal/rdb"
	"roundflow/internal/store"
	"roundflow/internal/trader"
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
	if err := cfg.RequireRPC(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if err := cfg.RequireSigner(); err != nil {
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

	chainClient, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain, cfg.RetryMax, logger)
	if err != nil {
		logger.Error("failed to dial chain endpoint", "error", err)
		os.Exit(1)
	}
	defer chainClient.Close()

	m := metrics.New()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	// A disabled trader never touches the signer, so it may stay nil.
	var signer trader.Signer
	if cfg.Trader.Enabled {
		tx, err := chain.NewTransactor(ctx, chainClient, cfg.Chain.PrivateKey)
		if err != nil {
			logger.Error("failed to build transactor", "error", err)
			os.Exit(1)
		}
		signer = tx
		logger.Info("signer ready", "address", tx.Address().Hex())
	}

	t := trader.New(cfg.Trader, chainClient, signer, bus.New(redisClient, logger), st, m, logger)

	logger.Info("trader started",
		"enabled", cfg.Trader.Enabled,
		"dry_run", cfg.Trader.DryRun,
		"amount", cfg.Trader.Amount,
		"min_confidence", cfg.Trader.MinConfidence,
		"side_filter", cfg.Trader.SideFilter,
		"delta_ms", cfg.Trader.DeltaMS,
	)

	if err := t.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("trader stopped", "error", err)
		os.Exit(1)
	}

	logger.Info("trader stopped")
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
