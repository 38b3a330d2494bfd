package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"roundflow/internal/chain"
	"roundflow/internal/store"
	"roundflow/pkg/types"
)

type claimKey struct {
	block    uint64
	wallet   string
	betEpoch int64
}

// parseEpoch turns validated chain data into the write batch: derived
// result and payouts, local bet timestamps, deduplicated claims, and the
// per-wallet multi-claim summary.
func (s *Syncer) parseEpoch(ctx context.Context, epoch int64, round chain.RoundData, bulls, bears []chain.BetEvent, claims []chain.ClaimEvent) (store.EpochBatch, error) {
	row := types.Round{
		Epoch:       epoch,
		StartTime:   types.NewLocalTime(time.Unix(round.StartTimestamp, 0)),
		LockTime:    types.NewLocalTime(time.Unix(round.LockTimestamp, 0)),
		CloseTime:   types.NewLocalTime(time.Unix(round.CloseTimestamp, 0)),
		LockPrice:   round.LockPrice,
		ClosePrice:  round.ClosePrice,
		TotalAmount: round.TotalAmount,
		UpAmount:    round.BullAmount,
		DownAmount:  round.BearAmount,
		Result:      types.ComputeResult(round.LockPrice, round.ClosePrice),
		UpPayout:    types.Payout(round.TotalAmount, round.BullAmount),
		DownPayout:  types.Payout(round.TotalAmount, round.BearAmount),
	}

	bets := make([]types.Bet, 0, len(bulls)+len(bears))
	for _, ev := range append(append([]chain.BetEvent{}, bulls...), bears...) {
		betTime, err := s.resolveBlockTime(ctx, ev.BlockNumber)
		if err != nil {
			return store.EpochBatch{}, fmt.Errorf("block time for %d: %w", ev.BlockNumber, err)
		}
		bets = append(bets, types.Bet{
			Epoch:       epoch,
			BetTime:     betTime,
			Wallet:      ev.Wallet,
			Direction:   ev.Direction,
			Amount:      ev.Amount,
			BlockNumber: ev.BlockNumber,
			TxHash:      ev.TxHash,
		})
	}

	seen := make(map[claimKey]struct{}, len(claims))
	rows := make([]types.Claim, 0, len(claims))
	for _, ev := range claims {
		key := claimKey{block: ev.BlockNumber, wallet: ev.Wallet, betEpoch: ev.BetEpoch}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, types.Claim{
			Epoch:       epoch,
			BetEpoch:    ev.BetEpoch,
			BlockNumber: ev.BlockNumber,
			Wallet:      ev.Wallet,
			Amount:      ev.Amount,
		})
	}

	return store.EpochBatch{
		Round:       row,
		Bets:        bets,
		Claims:      rows,
		MultiClaims: deriveMultiClaims(epoch, rows),
		PruneLive:   time.Since(time.Unix(round.CloseTimestamp, 0)) > liveRetention,
	}, nil
}

// deriveMultiClaims summarizes the epoch's claims per wallet and keeps the
// wallets crossing the whale threshold: distinct bet epochs or total amount.
func deriveMultiClaims(epoch int64, claims []types.Claim) []types.MultiClaim {
	type agg struct {
		epochs map[int64]struct{}
		total  decimal.Decimal
	}
	byWallet := make(map[string]*agg)
	for _, c := range claims {
		a, ok := byWallet[c.Wallet]
		if !ok {
			a = &agg{epochs: make(map[int64]struct{})}
			byWallet[c.Wallet] = a
		}
		a.epochs[c.BetEpoch] = struct{}{}
		a.total = a.total.Add(c.Amount)
	}

	var out []types.MultiClaim
	for wallet, a := range byWallet {
		if len(a.epochs) < types.MultiClaimEpochThreshold &&
			a.total.LessThan(types.MultiClaimAmountThreshold) {
			continue
		}
		out = append(out, types.MultiClaim{
			Epoch:       epoch,
			Wallet:      wallet,
			EpochCount:  len(a.epochs),
			TotalAmount: a.total,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Wallet < out[j].Wallet })
	return out
}

// verifyTotals recomputes side sums from the parsed bets and requires them
// to match the chain-reported round totals, with unique transaction hashes.
func verifyTotals(bets []types.Bet, round chain.RoundData) error {
	var upSum, downSum decimal.Decimal
	var upCount, downCount int
	seen := make(map[string]struct{}, len(bets))
	for _, b := range bets {
		if _, dup := seen[b.TxHash]; dup {
			return fmt.Errorf("duplicate tx hash %s", b.TxHash)
		}
		seen[b.TxHash] = struct{}{}
		switch b.Direction {
		case types.UP:
			upSum = upSum.Add(b.Amount)
			upCount++
		case types.DOWN:
			downSum = downSum.Add(b.Amount)
			downCount++
		}
	}

	if upCount == 0 || downCount == 0 {
		return fmt.Errorf("parsed bets one-sided: %d up, %d down", upCount, downCount)
	}
	for _, check := range []struct {
		name       string
		recomputed decimal.Decimal
		reported   decimal.Decimal
	}{
		{"up", upSum, round.BullAmount},
		{"down", downSum, round.BearAmount},
		{"total", upSum.Add(downSum), round.TotalAmount},
	} {
		if check.recomputed.Sub(check.reported).Abs().GreaterThan(totalsTolerance) {
			return fmt.Errorf("%s sum %s does not match chain %s",
				check.name, check.recomputed, check.reported)
		}
	}
	return nil
}
