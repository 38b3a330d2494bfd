// Package blockrange maps a target epoch to the block window that holds its
// events, using only block numbers already persisted by earlier syncs. No
// RPC is involved; given the same store state the result is deterministic.
package blockrange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"roundflow/internal/store"
)

// ErrNoAnchor means no nearby epoch has enough stored bets to anchor an
// estimate; the caller skips the epoch with this error.
var ErrNoAnchor = errors.New("no anchor epoch with enough bets")

const (
	// DefaultBlocksPerEpoch is used when no consecutive anchor pair exists
	// to measure the real spacing.
	DefaultBlocksPerEpoch = 410

	// rangeSlack widens both ends of the window to absorb block-time jitter.
	rangeSlack = 50

	minAnchorBets = 5  // anchors need strictly more bets than this
	anchorReach   = 5  // how far from the target an anchor may sit
	pairsWindow   = 10 // consecutive-pair lookback for spacing measurement
)

// Range is an inclusive block window.
type Range struct {
	From uint64
	To   uint64
}

// StatsSource yields per-epoch bet/block summaries; *store.Store satisfies it.
type StatsSource interface {
	BlockStatsRange(ctx context.Context, fromEpoch, toEpoch int64) ([]store.EpochBlockStats, error)
}

// Estimator resolves epoch block windows from stored data.
type Estimator struct {
	src StatsSource
	log *slog.Logger
}

func New(src StatsSource, logger *slog.Logger) *Estimator {
	return &Estimator{src: src, log: logger.With("component", "blockrange")}
}

// Estimate returns the block window for the target epoch. It prefers the
// nearest anchor above the target (so freshly synced frontier epochs serve
// backfill immediately) and falls back to one below; with neither it
// returns ErrNoAnchor.
func (e *Estimator) Estimate(ctx context.Context, epoch int64) (Range, error) {
	// One query covers the anchor reach on both sides plus the spacing
	// lookback behind the farthest backward anchor.
	lo := epoch - anchorReach - pairsWindow
	if lo < 1 {
		lo = 1
	}
	stats, err := e.src.BlockStatsRange(ctx, lo, epoch+anchorReach)
	if err != nil {
		return Range{}, fmt.Errorf("load anchor stats for %d: %w", epoch, err)
	}
	byEpoch := make(map[int64]store.EpochBlockStats, len(stats))
	for _, st := range stats {
		byEpoch[st.Epoch] = st
	}

	if anchor, ok := forwardAnchor(byEpoch, epoch); ok {
		per := blocksPerEpoch(byEpoch, anchor.Epoch)
		gap := uint64(per) * uint64(anchor.Epoch-epoch)
		r := Range{
			From: sub(anchor.MinBlock, gap+rangeSlack),
			To:   anchor.MinBlock + rangeSlack,
		}
		e.log.Debug("estimated range",
			"epoch", epoch, "anchor", anchor.Epoch, "direction", "forward",
			"blocks_per_epoch", per, "from", r.From, "to", r.To)
		return r, nil
	}

	if anchor, ok := backwardAnchor(byEpoch, epoch); ok {
		per := blocksPerEpoch(byEpoch, anchor.Epoch)
		gap := uint64(per) * uint64(epoch-anchor.Epoch)
		r := Range{
			From: sub(anchor.MaxBlock, rangeSlack),
			To:   anchor.MaxBlock + gap + rangeSlack,
		}
		e.log.Debug("estimated range",
			"epoch", epoch, "anchor", anchor.Epoch, "direction", "backward",
			"blocks_per_epoch", per, "from", r.From, "to", r.To)
		return r, nil
	}

	return Range{}, fmt.Errorf("epoch %d: %w", epoch, ErrNoAnchor)
}

// forwardAnchor picks the smallest qualifying epoch in (epoch, epoch+reach].
func forwardAnchor(byEpoch map[int64]store.EpochBlockStats, epoch int64) (store.EpochBlockStats, bool) {
	for e := epoch + 1; e <= epoch+anchorReach; e++ {
		if st, ok := byEpoch[e]; ok && st.BetCount > minAnchorBets {
			return st, true
		}
	}
	return store.EpochBlockStats{}, false
}

// backwardAnchor picks the largest qualifying epoch in [epoch-reach, epoch).
func backwardAnchor(byEpoch map[int64]store.EpochBlockStats, epoch int64) (store.EpochBlockStats, bool) {
	for e := epoch - 1; e >= epoch-anchorReach; e-- {
		if st, ok := byEpoch[e]; ok && st.BetCount > minAnchorBets {
			return st, true
		}
	}
	return store.EpochBlockStats{}, false
}

// blocksPerEpoch measures real epoch spacing as the maximum last-block
// difference across consecutive well-populated pairs behind the anchor.
// The maximum (not mean) keeps the window wide enough for slow stretches.
func blocksPerEpoch(byEpoch map[int64]store.EpochBlockStats, anchor int64) int64 {
	best := int64(0)
	for e := anchor - pairsWindow + 1; e <= anchor; e++ {
		cur, okCur := byEpoch[e]
		prev, okPrev := byEpoch[e-1]
		if !okCur || !okPrev || cur.BetCount <= minAnchorBets || prev.BetCount <= minAnchorBets {
			continue
		}
		if cur.MaxBlock <= prev.MaxBlock {
			continue
		}
		if d := int64(cur.MaxBlock - prev.MaxBlock); d > best {
			best = d
		}
	}
	if best == 0 {
		return DefaultBlocksPerEpoch
	}
	return best
}

// sub subtracts with a floor of zero; early-chain windows must not wrap.
func sub(block, delta uint64) uint64 {
	if delta >= block {
		return 0
	}
	return block - delta
}
