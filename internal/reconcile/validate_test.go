package reconcile

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"roundflow/internal/chain"
	"roundflow/pkg/types"
)

func goodBulls() []chain.BetEvent {
	return []chain.BetEvent{
		{Direction: types.UP, Epoch: 42, Wallet: walletA, Amount: dec("6"), BlockNumber: 100, TxHash: "0x01"},
	}
}

func goodBears() []chain.BetEvent {
	return []chain.BetEvent{
		{Direction: types.DOWN, Epoch: 42, Wallet: walletB, Amount: dec("4"), BlockNumber: 101, TxHash: "0x02"},
	}
}

func goodClaims() []chain.ClaimEvent {
	return []chain.ClaimEvent{
		{BetEpoch: 40, Wallet: walletA, Amount: dec("1.5"), BlockNumber: 100, TxHash: "0xc1"},
	}
}

func TestValidateEpochAcceptsConsistentData(t *testing.T) {
	t.Parallel()
	if err := validateEpoch(42, goodRound(), goodBulls(), goodBears(), goodClaims()); err != nil {
		t.Fatalf("expected valid epoch, got %v", err)
	}
}

func TestValidateEpochRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(r *chain.RoundData, bulls, bears *[]chain.BetEvent, claims *[]chain.ClaimEvent)
		wantSub string
	}{
		{
			name: "timestamps not increasing",
			mutate: func(r *chain.RoundData, _, _ *[]chain.BetEvent, _ *[]chain.ClaimEvent) {
				r.LockTimestamp = r.StartTimestamp
			},
			wantSub: "timestamps",
		},
		{
			name: "lock price at lower band edge",
			mutate: func(r *chain.RoundData, _, _ *[]chain.BetEvent, _ *[]chain.ClaimEvent) {
				// The band is exclusive; 60 keeps the swing in range.
				r.LockPrice = dec("50")
				r.ClosePrice = dec("60")
			},
			wantSub: "lock_price",
		},
		{
			name: "close price above band",
			mutate: func(r *chain.RoundData, _, _ *[]chain.BetEvent, _ *[]chain.ClaimEvent) {
				r.LockPrice = dec("4900")
				r.ClosePrice = dec("5100")
			},
			wantSub: "close_price",
		},
		{
			name: "price swing over 20 percent",
			mutate: func(r *chain.RoundData, _, _ *[]chain.BetEvent, _ *[]chain.ClaimEvent) {
				r.LockPrice = dec("600")
				r.ClosePrice = dec("740")
			},
			wantSub: "swing",
		},
		{
			name: "negative side amount",
			mutate: func(r *chain.RoundData, _, _ *[]chain.BetEvent, _ *[]chain.ClaimEvent) {
				r.BearAmount = dec("-4")
			},
			wantSub: "negative",
		},
		{
			name: "zero activity",
			mutate: func(r *chain.RoundData, _, _ *[]chain.BetEvent, _ *[]chain.ClaimEvent) {
				r.TotalAmount = decimal.Zero
				r.BullAmount = decimal.Zero
				r.BearAmount = decimal.Zero
			},
			wantSub: "zero activity",
		},
		{
			name: "total drifts from side sums",
			mutate: func(r *chain.RoundData, _, _ *[]chain.BetEvent, _ *[]chain.ClaimEvent) {
				r.TotalAmount = dec("10.01")
			},
			wantSub: "does not match",
		},
		{
			name: "one-sided round",
			mutate: func(_ *chain.RoundData, _, bears *[]chain.BetEvent, _ *[]chain.ClaimEvent) {
				*bears = nil
			},
			wantSub: "one-sided",
		},
		{
			name: "bet with zero amount",
			mutate: func(_ *chain.RoundData, bulls, _ *[]chain.BetEvent, _ *[]chain.ClaimEvent) {
				(*bulls)[0].Amount = decimal.Zero
			},
			wantSub: "non-positive",
		},
		{
			name: "bet from malformed wallet",
			mutate: func(_ *chain.RoundData, bulls, _ *[]chain.BetEvent, _ *[]chain.ClaimEvent) {
				(*bulls)[0].Wallet = "0x1234"
			},
			wantSub: "invalid wallet",
		},
		{
			name: "bet from zero address",
			mutate: func(_ *chain.RoundData, bulls, _ *[]chain.BetEvent, _ *[]chain.ClaimEvent) {
				(*bulls)[0].Wallet = "0x0000000000000000000000000000000000000000"
			},
			wantSub: "zero wallet",
		},
		{
			name: "no claims in range",
			mutate: func(_ *chain.RoundData, _, _ *[]chain.BetEvent, claims *[]chain.ClaimEvent) {
				*claims = nil
			},
			wantSub: "no claim",
		},
		{
			name: "claim for the epoch itself",
			mutate: func(_ *chain.RoundData, _, _ *[]chain.BetEvent, claims *[]chain.ClaimEvent) {
				(*claims)[0].BetEpoch = 42
			},
			wantSub: "bet_epoch",
		},
		{
			name: "claim for epoch zero",
			mutate: func(_ *chain.RoundData, _, _ *[]chain.BetEvent, claims *[]chain.ClaimEvent) {
				(*claims)[0].BetEpoch = 0
			},
			wantSub: "bet_epoch",
		},
		{
			name: "claim with zero amount",
			mutate: func(_ *chain.RoundData, _, _ *[]chain.BetEvent, claims *[]chain.ClaimEvent) {
				(*claims)[0].Amount = decimal.Zero
			},
			wantSub: "non-positive",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			round := goodRound()
			bulls, bears, claims := goodBulls(), goodBears(), goodClaims()
			tt.mutate(&round, &bulls, &bears, &claims)

			err := validateEpoch(42, round, bulls, bears, claims)
			if err == nil {
				t.Fatal("expected validation to fail")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantSub, err)
			}
		})
	}
}

func TestValidateEpochSwingBoundaryAllowed(t *testing.T) {
	t.Parallel()

	// Exactly 20% is still acceptable.
	round := goodRound()
	round.LockPrice = dec("600")
	round.ClosePrice = dec("720")
	if err := validateEpoch(42, round, goodBulls(), goodBears(), goodClaims()); err != nil {
		t.Fatalf("a 20%% swing should pass, got %v", err)
	}
}
