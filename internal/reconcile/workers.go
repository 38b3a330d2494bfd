package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Worker pacing. The forward worker chases the chain tip, the backward
// worker extends history toward epoch 1, and the gap worker re-syncs holes
// the other two left behind.
const (
	frontierLag = 2 // newest epoch eligible for finalization: current - 2

	forwardIdle  = 60 * time.Second
	forwardRetry = 10 * time.Second

	backwardDelay = 30 * time.Second
	backwardPace  = 2 * time.Second
	backwardFloor = 5 * time.Minute

	gapDelay  = 30 * time.Minute
	gapPeriod = 30 * time.Minute
	gapBatch  = 100
)

// Workers runs the three reconciliation loops against one Syncer. The
// per-epoch lock keeps them from double-processing an epoch.
type Workers struct {
	sync  *Syncer
	chain ChainSource
	store Gateway
	log   *slog.Logger
}

func NewWorkers(s *Syncer, cs ChainSource, gw Gateway, logger *slog.Logger) *Workers {
	return &Workers{
		sync:  s,
		chain: cs,
		store: gw,
		log:   logger.With("component", "reconcile"),
	}
}

// Run blocks until ctx is canceled, with all three workers live.
func (w *Workers) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		w.runForward(ctx)
	}()
	go func() {
		defer wg.Done()
		w.runBackward(ctx)
	}()
	go func() {
		defer wg.Done()
		w.runGap(ctx)
	}()
	wg.Wait()
	w.log.Info("reconciliation workers stopped")
}

// ————————————————————————————————————————————————————————————————————————
// Forward: keep the store caught up to current - frontierLag
// ————————————————————————————————————————————————————————————————————————

func (w *Workers) runForward(ctx context.Context) {
	w.log.Info("forward worker started")
	for {
		delay := w.forwardPass(ctx)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// forwardPass syncs every unfinalized epoch up to the frontier and returns
// how long to sleep before the next pass.
func (w *Workers) forwardPass(ctx context.Context) time.Duration {
	current, err := w.chain.CurrentEpoch(ctx)
	if err != nil {
		w.log.Error("read current epoch", "error", err)
		return forwardRetry
	}
	_, maxEpoch, distinct, err := w.store.Bounds(ctx)
	if err != nil {
		w.log.Error("read store bounds", "error", err)
		return forwardRetry
	}

	if distinct == 0 {
		return w.bootstrap(ctx)
	}

	target := current - frontierLag
	if target <= maxEpoch {
		return forwardIdle
	}

	for epoch := maxEpoch + 1; epoch <= target; epoch++ {
		if ctx.Err() != nil {
			return forwardIdle
		}
		if err := w.syncOne(ctx, epoch, "forward"); err != nil {
			return forwardRetry
		}
	}
	return forwardIdle
}

// bootstrap handles the empty store: without any stored bets the range
// estimator has no anchor, so the first epoch must come from the seed
// window. Absent a seed there is nothing to do but wait for one.
func (w *Workers) bootstrap(ctx context.Context) time.Duration {
	seed := w.sync.SeedEpoch()
	if seed == 0 {
		w.log.Warn("store is empty and no seed window is configured; " +
			"set SEED_EPOCH, SEED_FROM_BLOCK and SEED_TO_BLOCK to bootstrap")
		return forwardIdle
	}
	w.log.Info("bootstrapping from seed epoch", "epoch", seed)
	if err := w.syncOne(ctx, seed, "forward"); err != nil {
		return forwardRetry
	}
	// Re-enter immediately: the seed commit gives the estimator its anchor.
	return time.Second
}

// ————————————————————————————————————————————————————————————————————————
// Backward: extend history one epoch at a time toward epoch 1
// ————————————————————————————————————————————————————————————————————————

func (w *Workers) runBackward(ctx context.Context) {
	if !sleepCtx(ctx, backwardDelay) {
		return
	}
	w.log.Info("backward worker started")
	for {
		delay := w.backwardPass(ctx)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func (w *Workers) backwardPass(ctx context.Context) time.Duration {
	minEpoch, _, distinct, err := w.store.Bounds(ctx)
	if err != nil {
		w.log.Error("read store bounds", "error", err)
		return forwardRetry
	}
	if distinct == 0 {
		// Nothing to extend until the forward worker seeds the store.
		return forwardIdle
	}
	target := minEpoch - 1
	if target < 1 {
		return backwardFloor
	}
	w.syncOne(ctx, target, "backward")
	return backwardPace
}

// ————————————————————————————————————————————————————————————————————————
// Gap: periodic hole scan over the covered range
// ————————————————————————————————————————————————————————————————————————

func (w *Workers) runGap(ctx context.Context) {
	if !sleepCtx(ctx, gapDelay) {
		return
	}
	w.log.Info("gap worker started")
	for {
		w.gapPass(ctx)
		if !sleepCtx(ctx, gapPeriod) {
			return
		}
	}
}

func (w *Workers) gapPass(ctx context.Context) {
	minEpoch, maxEpoch, distinct, err := w.store.Bounds(ctx)
	if err != nil {
		w.log.Error("read store bounds", "error", err)
		return
	}
	if distinct == 0 || distinct >= maxEpoch-minEpoch+1 {
		return
	}

	missing, err := w.store.MissingEpochs(ctx, minEpoch, maxEpoch, gapBatch)
	if err != nil {
		w.log.Error("list missing epochs", "error", err)
		return
	}
	w.log.Info("gap scan", "holes", len(missing), "min", minEpoch, "max", maxEpoch)
	for _, epoch := range missing {
		if ctx.Err() != nil {
			return
		}
		w.syncOne(ctx, epoch, "gap")
	}
}

// syncOne applies the shared pre-checks and runs the state machine. Skips
// come back as nil; real failures are already recorded and logged by the
// Syncer, so callers only use the error to pace themselves.
func (w *Workers) syncOne(ctx context.Context, epoch int64, worker string) error {
	final, err := w.store.IsFinalized(ctx, epoch)
	if err != nil {
		w.log.Error("check finalized", "epoch", epoch, "error", err)
		return err
	}
	if final {
		return nil
	}
	retries, err := w.store.RetryCount(ctx, epoch)
	if err != nil {
		w.log.Error("check retry count", "epoch", epoch, "error", err)
		return err
	}
	if retries >= w.sync.RetryMax() {
		w.log.Debug("epoch over retry cap, skipping", "epoch", epoch, "retries", retries)
		return nil
	}

	err = w.sync.SyncEpoch(ctx, epoch, worker)
	if errors.Is(err, ErrSkipped) {
		w.log.Debug("epoch skipped", "epoch", epoch, "reason", err)
		return nil
	}
	return err
}

// sleepCtx waits d unless ctx ends first; false means shut down.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
