// Package reconcile finalizes epochs: it drives the per-epoch sync state
// machine and the three workers (forward, backward, gap) that feed it.
// Exactly one actor syncs a given epoch at a time, arbitrated by the
// distributed per-epoch lock.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"roundflow/internal/blockrange"
	"roundflow/internal/chain"
	"roundflow/internal/metrics"
	"roundflow/internal/store"
	"roundflow/pkg/types"
)

// ErrSkipped marks outcomes that are not failures: another worker holds the
// epoch, or it is already committed. Callers log and move on.
var ErrSkipped = errors.New("epoch skipped")

// Stage tags recorded on the failed-epoch row.
const (
	stageFetchRound   = "fetch_round"
	stageFetchEvents  = "fetch_events"
	stageValidate     = "validate"
	stageParse        = "parse"
	stageVerifyTotals = "verify_totals"
	stageWriteTx      = "write_tx"
	stageVerifyWrite  = "verify_write"
)

const (
	// fetchPause bounds RPC pressure after the three concurrent filters.
	fetchPause = 100 * time.Millisecond

	// liveRetention is how long after close the epoch's live bets stay
	// around for the aggregator before the sync prunes them.
	liveRetention = 600 * time.Second
)

// ChainSource is the slice of the chain client the sync needs.
type ChainSource interface {
	CurrentEpoch(ctx context.Context) (int64, error)
	Round(ctx context.Context, epoch int64) (chain.RoundData, error)
	FilterBets(ctx context.Context, dir types.Direction, epoch int64, fromBlock, toBlock uint64) ([]chain.BetEvent, error)
	FilterClaims(ctx context.Context, fromBlock, toBlock uint64) ([]chain.ClaimEvent, error)
	BlockTime(ctx context.Context, blockNumber uint64) (time.Time, error)
}

// Locker is the per-epoch distributed lock.
type Locker interface {
	Acquire(ctx context.Context, epoch int64) (bool, error)
	Release(ctx context.Context, epoch int64) error
}

// Gateway is the slice of the store the sync and workers need.
type Gateway interface {
	Bounds(ctx context.Context) (minEpoch, maxEpoch, distinct int64, err error)
	IsFinalized(ctx context.Context, epoch int64) (bool, error)
	MissingEpochs(ctx context.Context, minEpoch, maxEpoch int64, limit int) ([]int64, error)
	RetryCount(ctx context.Context, epoch int64) (int, error)
	MarkFailed(ctx context.Context, epoch int64, stage string, cause error) (int, error)
	DeleteFailed(ctx context.Context, epoch int64) error
	CommitEpoch(ctx context.Context, batch store.EpochBatch) error
	BlockTimeHint(ctx context.Context, blockNumber uint64) (types.LocalTime, bool, error)
}

// RangeSource estimates the block window holding an epoch's events.
type RangeSource interface {
	Estimate(ctx context.Context, epoch int64) (blockrange.Range, error)
}

// Syncer runs the state machine for single epochs.
type Syncer struct {
	chain   ChainSource
	store   Gateway
	lock    Locker
	ranges  RangeSource
	metrics *metrics.Registry
	log     *slog.Logger

	retryMax int

	// Finalized round data and block timestamps are immutable, so both
	// caches are shared across workers.
	roundCache *lru.Cache
	blockTimes *lru.Cache

	// Optional bootstrap window: when the store is empty the estimator has
	// nothing to anchor on, so this epoch gets an operator-supplied range.
	seedEpoch int64
	seedRange blockrange.Range
}

// SyncerOptions carries the tunables.
type SyncerOptions struct {
	RetryMax  int
	CacheMax  int
	SeedEpoch int64
	SeedRange blockrange.Range
}

// NewSyncer wires the state machine. CacheMax sizes both LRUs.
func NewSyncer(cs ChainSource, gw Gateway, lk Locker, rs RangeSource, m *metrics.Registry, opts SyncerOptions, logger *slog.Logger) (*Syncer, error) {
	if opts.CacheMax <= 0 {
		opts.CacheMax = 5000
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 3
	}
	roundCache, err := lru.New(opts.CacheMax)
	if err != nil {
		return nil, fmt.Errorf("round cache: %w", err)
	}
	blockTimes, err := lru.New(opts.CacheMax)
	if err != nil {
		return nil, fmt.Errorf("block time cache: %w", err)
	}
	return &Syncer{
		chain:      cs,
		store:      gw,
		lock:       lk,
		ranges:     rs,
		metrics:    m,
		log:        logger.With("component", "sync"),
		retryMax:   opts.RetryMax,
		roundCache: roundCache,
		blockTimes: blockTimes,
		seedEpoch:  opts.SeedEpoch,
		seedRange:  opts.SeedRange,
	}, nil
}

// RetryMax is the failure cap after which workers stop retrying an epoch.
func (s *Syncer) RetryMax() int { return s.retryMax }

// SeedEpoch is the operator-supplied bootstrap epoch, zero when unset.
func (s *Syncer) SeedEpoch() int64 { return s.seedEpoch }

// SyncEpoch finalizes one epoch end to end. A nil return means committed;
// ErrSkipped means another actor owns or already finished it; any other
// error has been recorded on the failed-epoch row with its stage.
func (s *Syncer) SyncEpoch(ctx context.Context, epoch int64, worker string) error {
	start := time.Now()

	ok, err := s.lock.Acquire(ctx, epoch)
	if err != nil {
		return fmt.Errorf("acquire lock %d: %w", epoch, err)
	}
	if !ok {
		return fmt.Errorf("%w: epoch %d locked", ErrSkipped, epoch)
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx), epoch); err != nil {
			s.log.Warn("lock release failed", "epoch", epoch, "error", err)
		}
	}()

	// The marker may have appeared between the caller's check and the lock.
	final, err := s.store.IsFinalized(ctx, epoch)
	if err != nil {
		return fmt.Errorf("check finalized %d: %w", epoch, err)
	}
	if final {
		return fmt.Errorf("%w: epoch %d already finalized", ErrSkipped, epoch)
	}

	round, err := s.fetchRound(ctx, epoch)
	if err != nil {
		return s.fail(ctx, epoch, stageFetchRound, err)
	}

	bulls, bears, claims, err := s.fetchEvents(ctx, epoch)
	if err != nil {
		return s.fail(ctx, epoch, stageFetchEvents, err)
	}

	if err := validateEpoch(epoch, round, bulls, bears, claims); err != nil {
		return s.fail(ctx, epoch, stageValidate, err)
	}

	batch, err := s.parseEpoch(ctx, epoch, round, bulls, bears, claims)
	if err != nil {
		return s.fail(ctx, epoch, stageParse, err)
	}

	if err := verifyTotals(batch.Bets, round); err != nil {
		return s.fail(ctx, epoch, stageVerifyTotals, err)
	}

	if err := s.store.CommitEpoch(ctx, batch); err != nil {
		stage := stageWriteTx
		if errors.Is(err, store.ErrVerifyWrite) {
			stage = stageVerifyWrite
		}
		return s.fail(ctx, epoch, stage, err)
	}

	if err := s.store.DeleteFailed(ctx, epoch); err != nil {
		s.log.Warn("failed-epoch cleanup", "epoch", epoch, "error", err)
	}
	s.metrics.EpochsSynced.WithLabelValues(worker).Inc()
	s.metrics.SyncDuration.Observe(time.Since(start).Seconds())
	s.log.Info("epoch finalized",
		"epoch", epoch,
		"worker", worker,
		"bets", len(batch.Bets),
		"claims", len(batch.Claims),
		"result", batch.Round.Result,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// fetchRound loads round data, caching only finalized snapshots; a round
// still in flight must be re-read on the next attempt.
func (s *Syncer) fetchRound(ctx context.Context, epoch int64) (chain.RoundData, error) {
	if v, ok := s.roundCache.Get(epoch); ok {
		return v.(chain.RoundData), nil
	}
	round, err := s.chain.Round(ctx, epoch)
	if err != nil {
		return chain.RoundData{}, err
	}
	if round.Finalized() {
		s.roundCache.Add(epoch, round)
	}
	return round, nil
}

// fetchEvents estimates the block window and issues the three log filters
// concurrently, then pauses briefly to space RPC bursts.
func (s *Syncer) fetchEvents(ctx context.Context, epoch int64) (bulls, bears []chain.BetEvent, claims []chain.ClaimEvent, err error) {
	rng, err := s.rangeFor(ctx, epoch)
	if err != nil {
		return nil, nil, nil, err
	}

	var wg sync.WaitGroup
	var bullErr, bearErr, claimErr error
	wg.Add(3)
	go func() {
		defer wg.Done()
		bulls, bullErr = s.chain.FilterBets(ctx, types.UP, epoch, rng.From, rng.To)
	}()
	go func() {
		defer wg.Done()
		bears, bearErr = s.chain.FilterBets(ctx, types.DOWN, epoch, rng.From, rng.To)
	}()
	go func() {
		defer wg.Done()
		claims, claimErr = s.chain.FilterClaims(ctx, rng.From, rng.To)
	}()
	wg.Wait()

	for _, e := range []error{bullErr, bearErr, claimErr} {
		if e != nil {
			return nil, nil, nil, e
		}
	}

	select {
	case <-time.After(fetchPause):
	case <-ctx.Done():
		return nil, nil, nil, ctx.Err()
	}
	return bulls, bears, claims, nil
}

func (s *Syncer) rangeFor(ctx context.Context, epoch int64) (blockrange.Range, error) {
	if s.seedEpoch != 0 && epoch == s.seedEpoch && s.seedRange.To > 0 {
		s.log.Info("using seed block range",
			"epoch", epoch, "from", s.seedRange.From, "to", s.seedRange.To)
		return s.seedRange, nil
	}
	return s.ranges.Estimate(ctx, epoch)
}

// resolveBlockTime maps a block number to the bet_time string: LRU first,
// then any stored row for the block, then a header fetch.
func (s *Syncer) resolveBlockTime(ctx context.Context, blockNumber uint64) (types.LocalTime, error) {
	if v, ok := s.blockTimes.Get(blockNumber); ok {
		return v.(types.LocalTime), nil
	}
	if ts, ok, err := s.store.BlockTimeHint(ctx, blockNumber); err != nil {
		return types.LocalTime{}, err
	} else if ok {
		s.blockTimes.Add(blockNumber, ts)
		return ts, nil
	}
	t, err := s.chain.BlockTime(ctx, blockNumber)
	if err != nil {
		return types.LocalTime{}, err
	}
	ts := types.NewLocalTime(t)
	s.blockTimes.Add(blockNumber, ts)
	return ts, nil
}

// fail records the stage-tagged failure and hands back a wrapped error.
func (s *Syncer) fail(ctx context.Context, epoch int64, stage string, cause error) error {
	s.metrics.SyncFailures.WithLabelValues(stage).Inc()
	count, markErr := s.store.MarkFailed(context.WithoutCancel(ctx), epoch, stage, cause)
	if markErr != nil {
		s.log.Error("failed-epoch upsert failed",
			"epoch", epoch, "stage", stage, "error", markErr)
	}
	s.log.Error("epoch sync failed",
		"epoch", epoch, "stage", stage, "retry_count", count, "error", cause)
	return fmt.Errorf("%s: epoch %d: %w", stage, epoch, cause)
}
