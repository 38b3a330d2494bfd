package blockrange

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"roundflow/internal/store"
)

type fakeStats struct {
	stats []store.EpochBlockStats
	err   error

	gotFrom, gotTo int64
}

func (f *fakeStats) BlockStatsRange(_ context.Context, fromEpoch, toEpoch int64) ([]store.EpochBlockStats, error) {
	f.gotFrom, f.gotTo = fromEpoch, toEpoch
	return f.stats, f.err
}

func newTestEstimator(src StatsSource) *Estimator {
	return New(src, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func epochStats(epoch int64, bets int, minBlock, maxBlock uint64) store.EpochBlockStats {
	return store.EpochBlockStats{Epoch: epoch, BetCount: bets, MinBlock: minBlock, MaxBlock: maxBlock}
}

func TestEstimateForwardAnchor(t *testing.T) {
	t.Parallel()

	// Target 100; 101 is well-populated and anchors forward. The two
	// consecutive pairs behind it measure spacings 400 and 420; the
	// estimator takes the larger.
	src := &fakeStats{stats: []store.EpochBlockStats{
		epochStats(99, 10, 39180, 39580),
		epochStats(100, 2, 39600, 39980),
		epochStats(101, 10, 40000, 40400),
	}}
	// 99→101 is not consecutive (100 is under-populated) so spacing falls
	// back; add a dense pair.
	src.stats = append(src.stats, epochStats(98, 10, 38760, 39160))

	r, err := newTestEstimator(src).Estimate(context.Background(), 100)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}

	// Pairs (98,99) give 39580-39160=420; blocks_per_epoch=420, gap=420.
	// From = 40000 - 420 - 50, To = 40000 + 50.
	want := Range{From: 39530, To: 40050}
	if r != want {
		t.Errorf("expected %+v, got %+v", want, r)
	}
}

func TestEstimateForwardPrefersNearestAnchor(t *testing.T) {
	t.Parallel()

	// 101 is too sparse to anchor; 102 and 104 both qualify and the
	// nearer one (102) must win, with the gap covering two epochs.
	src := &fakeStats{stats: []store.EpochBlockStats{
		epochStats(101, 2, 40000, 40400),
		epochStats(102, 10, 40410, 40810),
		epochStats(104, 20, 41230, 41630),
	}}

	r, err := newTestEstimator(src).Estimate(context.Background(), 100)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}

	// No dense consecutive pair behind 102, so spacing defaults to 410
	// and the gap is 410*2 = 820.
	want := Range{From: 40410 - 820 - 50, To: 40410 + 50}
	if r != want {
		t.Errorf("expected %+v, got %+v", want, r)
	}
}

func TestEstimateBackwardAnchor(t *testing.T) {
	t.Parallel()

	// Nothing ahead of 100; 98 is the nearest populated epoch behind it.
	src := &fakeStats{stats: []store.EpochBlockStats{
		epochStats(97, 10, 38350, 38750),
		epochStats(98, 10, 38760, 39160),
	}}

	r, err := newTestEstimator(src).Estimate(context.Background(), 100)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}

	// Pair (97,98): 39160-38750=410. gap = 410*(100-98) = 820.
	want := Range{From: 39160 - 50, To: 39160 + 820 + 50}
	if r != want {
		t.Errorf("expected %+v, got %+v", want, r)
	}
}

func TestEstimateDefaultSpacing(t *testing.T) {
	t.Parallel()

	// A lone forward anchor with no consecutive pair behind it falls back
	// to the default spacing.
	src := &fakeStats{stats: []store.EpochBlockStats{
		epochStats(101, 10, 40000, 40400),
	}}

	r, err := newTestEstimator(src).Estimate(context.Background(), 100)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}

	want := Range{From: 40000 - DefaultBlocksPerEpoch - 50, To: 40000 + 50}
	if r != want {
		t.Errorf("expected %+v, got %+v", want, r)
	}
}

func TestEstimateNoAnchor(t *testing.T) {
	t.Parallel()

	// Sparse neighbours only: five bets is not enough to anchor.
	src := &fakeStats{stats: []store.EpochBlockStats{
		epochStats(99, 5, 39180, 39580),
		epochStats(101, 5, 40000, 40400),
	}}

	_, err := newTestEstimator(src).Estimate(context.Background(), 100)
	if !errors.Is(err, ErrNoAnchor) {
		t.Fatalf("expected ErrNoAnchor, got %v", err)
	}
}

func TestEstimateUnderflowFloorsAtZero(t *testing.T) {
	t.Parallel()

	// Anchor sits so early in the chain that the subtraction would wrap.
	src := &fakeStats{stats: []store.EpochBlockStats{
		epochStats(2, 10, 120, 520),
	}}

	r, err := newTestEstimator(src).Estimate(context.Background(), 1)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if r.From != 0 {
		t.Errorf("expected window floored at block 0, got %d", r.From)
	}
	if r.To != 170 {
		t.Errorf("expected To 170, got %d", r.To)
	}
}

func TestEstimateQueryWindow(t *testing.T) {
	t.Parallel()

	src := &fakeStats{}
	_, err := newTestEstimator(src).Estimate(context.Background(), 100)
	if !errors.Is(err, ErrNoAnchor) {
		t.Fatalf("expected ErrNoAnchor on empty stats, got %v", err)
	}

	// One query spans the spacing lookback below and the anchor reach above.
	if src.gotFrom != 85 || src.gotTo != 105 {
		t.Errorf("expected query window [85,105], got [%d,%d]", src.gotFrom, src.gotTo)
	}

	// Low bound clamps at epoch 1.
	if _, err := newTestEstimator(src).Estimate(context.Background(), 3); !errors.Is(err, ErrNoAnchor) {
		t.Fatalf("expected ErrNoAnchor, got %v", err)
	}
	if src.gotFrom != 1 {
		t.Errorf("expected clamped lower bound 1, got %d", src.gotFrom)
	}
}

func TestEstimateStatsError(t *testing.T) {
	t.Parallel()

	src := &fakeStats{err: errors.New("connection refused")}
	_, err := newTestEstimator(src).Estimate(context.Background(), 100)
	if err == nil || errors.Is(err, ErrNoAnchor) {
		t.Fatalf("expected wrapped source error, got %v", err)
	}
}
