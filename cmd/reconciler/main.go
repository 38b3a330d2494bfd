// Roundflow Reconciler — the historical truth layer for an on-chain
// UP/DOWN prediction game. It walks finalized rounds, re-derives every
// number from chain events, and commits each epoch atomically.
//
// Architecture:
//
//	main.go                 — entry point: loads config, wires the workers, waits for SIGINT/SIGTERM
//	reconcile/workers.go    — forward / backward / gap workers deciding which epoch to sync next
//	reconcile/sync.go       — the per-epoch state machine: lock → fetch → validate → parse → commit
//	blockrange/blockrange.go — estimates the block window of an epoch from neighbours' bet rows
//	chain/client.go         — paced, retrying reads of rounds, events, and block headers
//	store/epoch.go          — the single-transaction epoch commit with in-transaction verification
//	rdb/lock.go             — cross-process set-if-absent epoch lock
//
// Any number of reconciler processes may run side by side; the epoch lock
// and the idempotent commit keep them from stepping on each other.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"roundflow/internal/blockrange"
	"roundflow/internal/chain"
	"roundflow/internal/config"
	"roundflow/internal/metrics"
	"roundflow/internal/rdb"
	"roundflow/internal/reconcile"
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
	if err := cfg.RequireRPC(); err != nil {
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

	lock := rdb.NewEpochLock(redisClient, cfg.Buffer.Consumer, rdb.DefaultLockTTL)
	estimator := blockrange.New(st, logger)

	syncer, err := reconcile.NewSyncer(chainClient, st, lock, estimator, m, reconcile.SyncerOptions{
		RetryMax:  cfg.RetryMax,
		CacheMax:  cfg.Sync.CacheMax,
		SeedEpoch: cfg.Seed.Epoch,
		SeedRange: blockrange.Range{From: cfg.Seed.FromBlock, To: cfg.Seed.ToBlock},
	}, logger)
	if err != nil {
		logger.Error("failed to build syncer", "error", err)
		os.Exit(1)
	}

	logger.Info("reconciler started",
		"retry_max", cfg.RetryMax,
		"cache_max", cfg.Sync.CacheMax,
		"seed_epoch", cfg.Seed.Epoch,
	)

	// Surface epochs already over the retry cap; they stay skipped until an
	// operator clears their failure rows.
	if failed, err := st.FailedEpochs(ctx, 20); err != nil {
		logger.Warn("failed-epoch scan failed", "error", err)
	} else {
		var stuck []int64
		for _, f := range failed {
			if f.RetryCount >= cfg.RetryMax {
				stuck = append(stuck, f.Epoch)
			}
		}
		if len(stuck) > 0 {
			logger.Warn("epochs over the retry cap will stay skipped", "epochs", stuck)
		}
	}

	reconcile.NewWorkers(syncer, chainClient, st, logger).Run(ctx)

	logger.Info("reconciler stopped")
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
