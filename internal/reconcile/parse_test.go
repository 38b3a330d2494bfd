package reconcile

import (
	"context"
	"strings"
	"testing"

	"roundflow/internal/chain"
	"roundflow/pkg/types"
)

func TestParseEpochDeduplicatesClaims(t *testing.T) {
	t.Parallel()

	fc := goodChain()
	gw := newFakeGateway()
	s := newTestSyncer(t, fc, gw, &fakeLocker{}, &fakeRanges{}, SyncerOptions{})

	claims := []chain.ClaimEvent{
		{BetEpoch: 40, Wallet: walletA, Amount: dec("1.5"), BlockNumber: 100, TxHash: "0xc1"},
		// Same (block, wallet, bet_epoch) under a different hash: dropped.
		{BetEpoch: 40, Wallet: walletA, Amount: dec("1.5"), BlockNumber: 100, TxHash: "0xc2"},
		// Same wallet and block but a different bet epoch: kept.
		{BetEpoch: 41, Wallet: walletA, Amount: dec("0.5"), BlockNumber: 100, TxHash: "0xc3"},
	}

	batch, err := s.parseEpoch(context.Background(), 42, goodRound(), goodBulls(), goodBears(), claims)
	if err != nil {
		t.Fatalf("parseEpoch: %v", err)
	}
	if len(batch.Claims) != 2 {
		t.Fatalf("expected 2 claims after dedup, got %d", len(batch.Claims))
	}
	if batch.Claims[0].BetEpoch != 40 || batch.Claims[1].BetEpoch != 41 {
		t.Errorf("expected bet epochs [40 41], got [%d %d]",
			batch.Claims[0].BetEpoch, batch.Claims[1].BetEpoch)
	}
	for _, c := range batch.Claims {
		if c.Epoch != 42 {
			t.Errorf("claim carries epoch %d, expected 42", c.Epoch)
		}
	}
}

func TestParseEpochDerivesRoundRow(t *testing.T) {
	t.Parallel()

	fc := goodChain()
	gw := newFakeGateway()
	s := newTestSyncer(t, fc, gw, &fakeLocker{}, &fakeRanges{}, SyncerOptions{})

	batch, err := s.parseEpoch(context.Background(), 42, goodRound(), goodBulls(), goodBears(), goodClaims())
	if err != nil {
		t.Fatalf("parseEpoch: %v", err)
	}

	row := batch.Round
	if row.Result != types.UP {
		t.Errorf("expected result UP, got %s", row.Result)
	}
	wantUp := dec("0.97").Mul(dec("10")).Div(dec("6"))
	if !row.UpPayout.Equal(wantUp) {
		t.Errorf("expected up payout %s, got %s", wantUp, row.UpPayout)
	}
	if len(batch.Bets) != 2 {
		t.Fatalf("expected 2 bets, got %d", len(batch.Bets))
	}
	// Bulls are appended before bears.
	if batch.Bets[0].Direction != types.UP || batch.Bets[1].Direction != types.DOWN {
		t.Errorf("expected [UP DOWN] bet order, got [%s %s]",
			batch.Bets[0].Direction, batch.Bets[1].Direction)
	}
	if !batch.PruneLive {
		t.Error("expected PruneLive for a round closed long ago")
	}
}

func TestDeriveMultiClaims(t *testing.T) {
	t.Parallel()

	claim := func(wallet string, betEpoch int64, amount string) types.Claim {
		return types.Claim{Epoch: 42, BetEpoch: betEpoch, Wallet: wallet, Amount: dec(amount)}
	}

	var claims []types.Claim
	// walletA crosses the epoch-count threshold with tiny amounts.
	for i := int64(30); i < 35; i++ {
		claims = append(claims, claim(walletA, i, "0.01"))
	}
	// walletB stays under both thresholds.
	for i := int64(30); i < 34; i++ {
		claims = append(claims, claim(walletB, i, "0.2"))
	}
	// walletC reaches the amount threshold exactly, single epoch.
	claims = append(claims, claim(walletC, 30, "1"))

	out := deriveMultiClaims(42, claims)
	if len(out) != 2 {
		t.Fatalf("expected 2 multi-claims, got %d: %+v", len(out), out)
	}
	// Sorted by wallet.
	if out[0].Wallet != walletA || out[1].Wallet != walletC {
		t.Fatalf("expected wallets [%s %s], got [%s %s]", walletA, walletC, out[0].Wallet, out[1].Wallet)
	}
	if out[0].EpochCount != 5 {
		t.Errorf("expected 5 distinct epochs for walletA, got %d", out[0].EpochCount)
	}
	if !out[1].TotalAmount.Equal(dec("1")) {
		t.Errorf("expected total 1 for walletC, got %s", out[1].TotalAmount)
	}
}

func TestDeriveMultiClaimsDistinctEpochsNotEvents(t *testing.T) {
	t.Parallel()

	// Five claims against the same bet epoch count once.
	var claims []types.Claim
	for i := 0; i < 5; i++ {
		claims = append(claims, types.Claim{
			Epoch: 42, BetEpoch: 30, Wallet: walletA, Amount: dec("0.1"),
			BlockNumber: uint64(100 + i),
		})
	}
	if out := deriveMultiClaims(42, claims); len(out) != 0 {
		t.Errorf("expected no multi-claims, got %+v", out)
	}
}

func TestVerifyTotals(t *testing.T) {
	t.Parallel()

	bet := func(dir types.Direction, amount, hash string) types.Bet {
		return types.Bet{Epoch: 42, Wallet: walletA, Direction: dir, Amount: dec(amount), TxHash: hash}
	}
	round := goodRound()

	tests := []struct {
		name    string
		bets    []types.Bet
		round   chain.RoundData
		wantSub string
	}{
		{
			name:  "matching sums",
			bets:  []types.Bet{bet(types.UP, "6", "0x01"), bet(types.DOWN, "4", "0x02")},
			round: round,
		},
		{
			name:  "drift within tolerance",
			bets:  []types.Bet{bet(types.UP, "6.001", "0x01"), bet(types.DOWN, "3.999", "0x02")},
			round: round,
		},
		{
			name:    "duplicate tx hash",
			bets:    []types.Bet{bet(types.UP, "6", "0x01"), bet(types.DOWN, "4", "0x01")},
			round:   round,
			wantSub: "duplicate tx hash",
		},
		{
			name:    "one-sided",
			bets:    []types.Bet{bet(types.UP, "6", "0x01"), bet(types.UP, "4", "0x02")},
			round:   round,
			wantSub: "one-sided",
		},
		{
			name:    "up sum mismatch",
			bets:    []types.Bet{bet(types.UP, "5", "0x01"), bet(types.DOWN, "4", "0x02")},
			round:   round,
			wantSub: "up sum",
		},
		{
			name:    "total mismatch",
			bets:    []types.Bet{bet(types.UP, "6.0005", "0x01"), bet(types.DOWN, "4.0006", "0x02")},
			round:   round,
			wantSub: "total sum",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := verifyTotals(tt.bets, tt.round)
			if tt.wantSub == "" {
				if err != nil {
					t.Fatalf("expected totals to verify, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected verification to fail")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantSub, err)
			}
		})
	}
}
