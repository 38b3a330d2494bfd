package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"roundflow/internal/blockrange"
	"roundflow/internal/chain"
	"roundflow/internal/metrics"
	"roundflow/internal/store"
	"roundflow/pkg/types"
)

const (
	walletA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	walletB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	walletC = "0xcccccccccccccccccccccccccccccccccccccccc"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ————————————————————————————————————————————————————————————————————————
// Fakes
// ————————————————————————————————————————————————————————————————————————

type fakeChain struct {
	mu sync.Mutex // the three log filters run concurrently

	current    int64
	currentErr error
	round      chain.RoundData
	roundErr   error

	bulls     []chain.BetEvent
	bears     []chain.BetEvent
	claims    []chain.ClaimEvent
	filterErr error

	blockTime      time.Time
	blockTimeCalls int

	gotFrom, gotTo uint64
}

func (f *fakeChain) CurrentEpoch(context.Context) (int64, error) {
	return f.current, f.currentErr
}

func (f *fakeChain) Round(context.Context, int64) (chain.RoundData, error) {
	return f.round, f.roundErr
}

func (f *fakeChain) FilterBets(_ context.Context, dir types.Direction, _ int64, from, to uint64) ([]chain.BetEvent, error) {
	f.mu.Lock()
	f.gotFrom, f.gotTo = from, to
	f.mu.Unlock()
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	if dir == types.UP {
		return f.bulls, nil
	}
	return f.bears, nil
}

func (f *fakeChain) FilterClaims(context.Context, uint64, uint64) ([]chain.ClaimEvent, error) {
	return f.claims, f.filterErr
}

func (f *fakeChain) BlockTime(context.Context, uint64) (time.Time, error) {
	f.blockTimeCalls++
	return f.blockTime, nil
}

type failRecord struct {
	epoch int64
	stage string
	cause string
}

type fakeGateway struct {
	finalized map[int64]bool
	retries   map[int64]int
	hints     map[uint64]types.LocalTime

	boundsMin, boundsMax, boundsDistinct int64
	boundsErr                            error
	missing                              []int64
	missingCalls                         int

	commitErr error
	committed []store.EpochBatch
	failed    []failRecord
	deleted   []int64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		finalized: make(map[int64]bool),
		retries:   make(map[int64]int),
		hints:     make(map[uint64]types.LocalTime),
	}
}

func (g *fakeGateway) Bounds(context.Context) (int64, int64, int64, error) {
	return g.boundsMin, g.boundsMax, g.boundsDistinct, g.boundsErr
}

func (g *fakeGateway) IsFinalized(_ context.Context, epoch int64) (bool, error) {
	return g.finalized[epoch], nil
}

func (g *fakeGateway) MissingEpochs(context.Context, int64, int64, int) ([]int64, error) {
	g.missingCalls++
	return g.missing, nil
}

func (g *fakeGateway) RetryCount(_ context.Context, epoch int64) (int, error) {
	return g.retries[epoch], nil
}

func (g *fakeGateway) MarkFailed(_ context.Context, epoch int64, stage string, cause error) (int, error) {
	g.failed = append(g.failed, failRecord{epoch: epoch, stage: stage, cause: cause.Error()})
	g.retries[epoch]++
	return g.retries[epoch], nil
}

func (g *fakeGateway) DeleteFailed(_ context.Context, epoch int64) error {
	g.deleted = append(g.deleted, epoch)
	return nil
}

func (g *fakeGateway) CommitEpoch(_ context.Context, batch store.EpochBatch) error {
	if g.commitErr != nil {
		return g.commitErr
	}
	g.committed = append(g.committed, batch)
	g.finalized[batch.Round.Epoch] = true
	return nil
}

func (g *fakeGateway) BlockTimeHint(_ context.Context, block uint64) (types.LocalTime, bool, error) {
	ts, ok := g.hints[block]
	return ts, ok, nil
}

type fakeLocker struct {
	deny     bool
	acquired []int64
	released []int64
}

func (l *fakeLocker) Acquire(_ context.Context, epoch int64) (bool, error) {
	if l.deny {
		return false, nil
	}
	l.acquired = append(l.acquired, epoch)
	return true, nil
}

func (l *fakeLocker) Release(_ context.Context, epoch int64) error {
	l.released = append(l.released, epoch)
	return nil
}

type fakeRanges struct {
	rng   blockrange.Range
	err   error
	calls int
}

func (r *fakeRanges) Estimate(context.Context, int64) (blockrange.Range, error) {
	r.calls++
	return r.rng, r.err
}

// ————————————————————————————————————————————————————————————————————————
// Fixtures
// ————————————————————————————————————————————————————————————————————————

func goodRound() chain.RoundData {
	return chain.RoundData{
		Epoch:          42,
		StartTimestamp: 1714535700,
		LockTimestamp:  1714536000,
		CloseTimestamp: 1714536300,
		LockPrice:      dec("600"),
		ClosePrice:     dec("612"),
		TotalAmount:    dec("10"),
		BullAmount:     dec("6"),
		BearAmount:     dec("4"),
		OracleCalled:   true,
	}
}

func goodChain() *fakeChain {
	return &fakeChain{
		current: 50,
		round:   goodRound(),
		bulls: []chain.BetEvent{
			{Direction: types.UP, Epoch: 42, Wallet: walletA, Amount: dec("6"), BlockNumber: 100, TxHash: "0x01"},
		},
		bears: []chain.BetEvent{
			{Direction: types.DOWN, Epoch: 42, Wallet: walletB, Amount: dec("4"), BlockNumber: 101, TxHash: "0x02"},
		},
		claims: []chain.ClaimEvent{
			{BetEpoch: 40, Wallet: walletA, Amount: dec("1.5"), BlockNumber: 100, TxHash: "0xc1"},
			{BetEpoch: 40, Wallet: walletA, Amount: dec("1.5"), BlockNumber: 100, TxHash: "0xc1"}, // range overlap duplicate
		},
		blockTime: time.Unix(1714535800, 0),
	}
}

func newTestSyncer(t *testing.T, fc *fakeChain, gw *fakeGateway, lk *fakeLocker, rs *fakeRanges, opts SyncerOptions) *Syncer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewSyncer(fc, gw, lk, rs, metrics.New(), opts, logger)
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	return s
}

// ————————————————————————————————————————————————————————————————————————
// SyncEpoch
// ————————————————————————————————————————————————————————————————————————

func TestSyncEpochHappyPath(t *testing.T) {
	t.Parallel()
	fc := goodChain()
	gw := newFakeGateway()
	lk := &fakeLocker{}
	rs := &fakeRanges{rng: blockrange.Range{From: 90, To: 160}}
	s := newTestSyncer(t, fc, gw, lk, rs, SyncerOptions{})

	if err := s.SyncEpoch(context.Background(), 42, "forward"); err != nil {
		t.Fatalf("sync epoch: %v", err)
	}

	if len(gw.committed) != 1 {
		t.Fatalf("expected 1 committed batch, got %d", len(gw.committed))
	}
	batch := gw.committed[0]
	if batch.Round.Epoch != 42 || batch.Round.Result != types.UP {
		t.Errorf("unexpected round row: %+v", batch.Round)
	}
	if !batch.Round.UpPayout.Equal(dec("0.97").Mul(dec("10")).Div(dec("6"))) {
		t.Errorf("unexpected up payout: %s", batch.Round.UpPayout)
	}
	if len(batch.Bets) != 2 {
		t.Errorf("expected 2 bets, got %d", len(batch.Bets))
	}
	if len(batch.Claims) != 1 {
		t.Errorf("expected range duplicate deduplicated, got %d claims", len(batch.Claims))
	}
	if !batch.PruneLive {
		t.Error("expected prune for a long-closed round")
	}
	if fc.gotFrom != 90 || fc.gotTo != 160 {
		t.Errorf("filters should use the estimated range, got [%d,%d]", fc.gotFrom, fc.gotTo)
	}
	if len(gw.deleted) != 1 || gw.deleted[0] != 42 {
		t.Errorf("expected failure record cleanup for 42, got %v", gw.deleted)
	}
	if len(lk.released) != 1 || lk.released[0] != 42 {
		t.Errorf("expected lock release for 42, got %v", lk.released)
	}
}

func TestSyncEpochLockDenied(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	s := newTestSyncer(t, goodChain(), gw, &fakeLocker{deny: true}, &fakeRanges{}, SyncerOptions{})

	err := s.SyncEpoch(context.Background(), 42, "forward")
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("expected ErrSkipped, got %v", err)
	}
	if len(gw.committed) != 0 || len(gw.failed) != 0 {
		t.Error("a denied lock must not touch the store")
	}
}

func TestSyncEpochAlreadyFinalized(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.finalized[42] = true
	lk := &fakeLocker{}
	s := newTestSyncer(t, goodChain(), gw, lk, &fakeRanges{}, SyncerOptions{})

	err := s.SyncEpoch(context.Background(), 42, "forward")
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("expected ErrSkipped after re-check under lock, got %v", err)
	}
	if len(lk.released) != 1 {
		t.Error("lock must be released on the skip path")
	}
}

func TestSyncEpochValidationFailureRecordsStage(t *testing.T) {
	t.Parallel()
	fc := goodChain()
	fc.round.TotalAmount = decimal.Zero
	fc.round.BullAmount = decimal.Zero
	fc.round.BearAmount = decimal.Zero
	gw := newFakeGateway()
	s := newTestSyncer(t, fc, gw, &fakeLocker{}, &fakeRanges{}, SyncerOptions{})

	err := s.SyncEpoch(context.Background(), 42, "forward")
	if err == nil || errors.Is(err, ErrSkipped) {
		t.Fatalf("expected a validation failure, got %v", err)
	}
	if len(gw.failed) != 1 || gw.failed[0].stage != "validate" {
		t.Fatalf("expected stage validate on the failure record, got %+v", gw.failed)
	}
	if len(gw.committed) != 0 {
		t.Error("invalid epochs must not be committed")
	}
}

func TestSyncEpochCommitStageSplit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		commitErr error
		wantStage string
	}{
		{"verification failure", fmt.Errorf("epoch 42: %w", store.ErrVerifyWrite), "verify_write"},
		{"plain write failure", errors.New("deadlock detected"), "write_tx"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gw := newFakeGateway()
			gw.commitErr = tt.commitErr
			s := newTestSyncer(t, goodChain(), gw, &fakeLocker{}, &fakeRanges{rng: blockrange.Range{From: 90, To: 160}}, SyncerOptions{})

			if err := s.SyncEpoch(context.Background(), 42, "forward"); err == nil {
				t.Fatal("expected commit error")
			}
			if len(gw.failed) != 1 || gw.failed[0].stage != tt.wantStage {
				t.Fatalf("expected stage %s, got %+v", tt.wantStage, gw.failed)
			}
		})
	}
}

func TestSyncEpochSeedRangeBypassesEstimator(t *testing.T) {
	t.Parallel()
	fc := goodChain()
	gw := newFakeGateway()
	rs := &fakeRanges{err: blockrange.ErrNoAnchor}
	s := newTestSyncer(t, fc, gw, &fakeLocker{}, rs, SyncerOptions{
		SeedEpoch: 42,
		SeedRange: blockrange.Range{From: 80, To: 180},
	})

	if err := s.SyncEpoch(context.Background(), 42, "forward"); err != nil {
		t.Fatalf("seeded sync should succeed without the estimator: %v", err)
	}
	if rs.calls != 0 {
		t.Error("estimator must not run for the seed epoch")
	}
	if fc.gotFrom != 80 || fc.gotTo != 180 {
		t.Errorf("filters should use the seed window, got [%d,%d]", fc.gotFrom, fc.gotTo)
	}
}

func TestSyncEpochEstimatorFailureIsFetchEvents(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	rs := &fakeRanges{err: fmt.Errorf("epoch 42: %w", blockrange.ErrNoAnchor)}
	s := newTestSyncer(t, goodChain(), gw, &fakeLocker{}, rs, SyncerOptions{})

	if err := s.SyncEpoch(context.Background(), 42, "forward"); err == nil {
		t.Fatal("expected failure without an anchor")
	}
	if len(gw.failed) != 1 || gw.failed[0].stage != "fetch_events" {
		t.Fatalf("expected stage fetch_events, got %+v", gw.failed)
	}
}

func TestResolveBlockTimePrefersStoredHint(t *testing.T) {
	t.Parallel()
	fc := goodChain()
	gw := newFakeGateway()
	hint := types.FromUnix(1714535801)
	gw.hints[100] = hint
	gw.hints[101] = hint
	s := newTestSyncer(t, fc, gw, &fakeLocker{}, &fakeRanges{rng: blockrange.Range{From: 90, To: 160}}, SyncerOptions{})

	if err := s.SyncEpoch(context.Background(), 42, "forward"); err != nil {
		t.Fatalf("sync epoch: %v", err)
	}
	if fc.blockTimeCalls != 0 {
		t.Errorf("expected no header fetches with stored hints, got %d", fc.blockTimeCalls)
	}
	if got := gw.committed[0].Bets[0].BetTime; !got.Equal(hint.Time) {
		t.Errorf("expected hinted bet time %s, got %s", hint, got)
	}
}
