package reconcile

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"roundflow/internal/chain"
)

// Sanity bounds on finalized round data. Prices are USD-scale oracle reads;
// anything outside the band or swinging more than 20% in one round is
// treated as corrupt rather than written.
var (
	priceBandLow    = decimal.NewFromInt(50)
	priceBandHigh   = decimal.NewFromInt(5000)
	maxPriceSwing   = decimal.RequireFromString("0.20")
	totalsTolerance = decimal.RequireFromString("0.001")
)

var zeroAddress = "0x0000000000000000000000000000000000000000"

// validateEpoch applies every consistency rule before anything is parsed or
// written. All-or-nothing: the first violation fails the epoch.
func validateEpoch(epoch int64, round chain.RoundData, bulls, bears []chain.BetEvent, claims []chain.ClaimEvent) error {
	if !(round.StartTimestamp < round.LockTimestamp && round.LockTimestamp < round.CloseTimestamp) {
		return fmt.Errorf("timestamps not increasing: start=%d lock=%d close=%d",
			round.StartTimestamp, round.LockTimestamp, round.CloseTimestamp)
	}

	for _, p := range []struct {
		name  string
		price decimal.Decimal
	}{
		{"lock_price", round.LockPrice},
		{"close_price", round.ClosePrice},
	} {
		if !p.price.GreaterThan(priceBandLow) || !p.price.LessThan(priceBandHigh) {
			return fmt.Errorf("%s %s outside (%s, %s)",
				p.name, p.price, priceBandLow, priceBandHigh)
		}
	}
	swing := round.ClosePrice.Sub(round.LockPrice).Abs().Div(round.LockPrice)
	if swing.GreaterThan(maxPriceSwing) {
		return fmt.Errorf("price swing %s exceeds %s", swing, maxPriceSwing)
	}

	if round.TotalAmount.IsNegative() || round.BullAmount.IsNegative() || round.BearAmount.IsNegative() {
		return fmt.Errorf("negative amount: total=%s up=%s down=%s",
			round.TotalAmount, round.BullAmount, round.BearAmount)
	}
	if round.TotalAmount.IsZero() && round.BullAmount.IsZero() && round.BearAmount.IsZero() {
		return fmt.Errorf("round has zero activity")
	}
	drift := round.TotalAmount.Sub(round.BullAmount.Add(round.BearAmount)).Abs()
	if drift.GreaterThan(totalsTolerance) {
		return fmt.Errorf("total %s does not match up+down %s (drift %s)",
			round.TotalAmount, round.BullAmount.Add(round.BearAmount), drift)
	}

	if len(bulls) == 0 || len(bears) == 0 {
		return fmt.Errorf("one-sided round: %d bull events, %d bear events",
			len(bulls), len(bears))
	}
	for _, b := range bulls {
		if err := validateBetEvent(b); err != nil {
			return err
		}
	}
	for _, b := range bears {
		if err := validateBetEvent(b); err != nil {
			return err
		}
	}

	if len(claims) == 0 {
		return fmt.Errorf("no claim events in range")
	}
	for _, c := range claims {
		if c.BetEpoch <= 0 || c.BetEpoch >= epoch {
			return fmt.Errorf("claim %s has bet_epoch %d outside (0, %d)",
				c.TxHash, c.BetEpoch, epoch)
		}
		if !c.Amount.IsPositive() {
			return fmt.Errorf("claim %s has non-positive amount %s", c.TxHash, c.Amount)
		}
		if err := validateWallet(c.Wallet); err != nil {
			return fmt.Errorf("claim %s: %w", c.TxHash, err)
		}
	}
	return nil
}

func validateBetEvent(b chain.BetEvent) error {
	if !b.Amount.IsPositive() {
		return fmt.Errorf("bet %s has non-positive amount %s", b.TxHash, b.Amount)
	}
	if err := validateWallet(b.Wallet); err != nil {
		return fmt.Errorf("bet %s: %w", b.TxHash, err)
	}
	return nil
}

func validateWallet(addr string) error {
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("invalid wallet %q", addr)
	}
	if addr == zeroAddress {
		return fmt.Errorf("zero wallet address")
	}
	return nil
}
