package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"roundflow/pkg/types"
)

// ErrVerifyWrite means the post-write checks inside the commit transaction
// found the data incomplete; the transaction was rolled back.
var ErrVerifyWrite = errors.New("write verification failed")

// EpochBatch is everything one finalized epoch writes, committed atomically.
type EpochBatch struct {
	Round       types.Round
	Bets        []types.Bet
	Claims      []types.Claim
	MultiClaims []types.MultiClaim

	// PruneLive drops the epoch's live-bet rows; set once the round's close
	// is old enough that the aggregator can no longer need them.
	PruneLive bool
}

// CommitEpoch writes the batch in a single transaction and verifies it
// before committing: the round row must exist, the stored bet count must
// match the batch, and the finalized marker must be present. Conflicting
// rows are skipped, so re-running a committed epoch is a no-op.
func (s *Store) CommitEpoch(ctx context.Context, batch EpochBatch) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin epoch tx: %w", err)
	}
	defer tx.Rollback()

	epoch := batch.Round.Epoch

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO round (
			epoch, start_time, lock_time, close_time,
			lock_price, close_price,
			total_amount, up_amount, down_amount,
			result, up_payout, down_payout
		) VALUES (
			:epoch, :start_time, :lock_time, :close_time,
			:lock_price, :close_price,
			:total_amount, :up_amount, :down_amount,
			:result, :up_payout, :down_payout
		)
		ON CONFLICT (start_time, epoch) DO NOTHING`, batch.Round); err != nil {
		return fmt.Errorf("insert round %d: %w", epoch, err)
	}

	if len(batch.Bets) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO hisbet (
				epoch, bet_time, wallet_address, direction,
				amount, block_number, tx_hash
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (bet_time, tx_hash) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare bet insert: %w", err)
		}
		for _, b := range batch.Bets {
			if _, err := stmt.ExecContext(ctx,
				b.Epoch, b.BetTime, b.Wallet, b.Direction,
				b.Amount, b.BlockNumber, b.TxHash); err != nil {
				stmt.Close()
				return fmt.Errorf("insert bet %s: %w", b.TxHash, err)
			}
		}
		stmt.Close()
	}

	if len(batch.Claims) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO claim (
				epoch, bet_epoch, block_number, wallet_address, amount
			) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (block_number, wallet_address, bet_epoch) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare claim insert: %w", err)
		}
		for _, c := range batch.Claims {
			if _, err := stmt.ExecContext(ctx,
				c.Epoch, c.BetEpoch, c.BlockNumber, c.Wallet, c.Amount); err != nil {
				stmt.Close()
				return fmt.Errorf("insert claim %s/%d: %w", c.Wallet, c.BetEpoch, err)
			}
		}
		stmt.Close()
	}

	for _, mc := range batch.MultiClaims {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO multiclaim (epoch, wallet_address, epoch_count, total_amount)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (epoch, wallet_address) DO NOTHING`,
			mc.Epoch, mc.Wallet, mc.EpochCount, mc.TotalAmount); err != nil {
			return fmt.Errorf("insert multiclaim %s: %w", mc.Wallet, err)
		}
	}

	if batch.PruneLive {
		res, err := tx.ExecContext(ctx, `DELETE FROM realbet WHERE epoch = $1`, epoch)
		if err != nil {
			return fmt.Errorf("prune live bets %d: %w", epoch, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			s.log.Debug("pruned live bets", "epoch", epoch, "rows", n)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO epoch_processed (epoch, processed_at)
		VALUES ($1, $2)
		ON CONFLICT (epoch) DO NOTHING`,
		epoch, types.NewLocalTime(time.Now())); err != nil {
		return fmt.Errorf("insert finalized marker %d: %w", epoch, err)
	}

	if err := verifyEpoch(ctx, tx, epoch, len(batch.Bets)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit epoch %d: %w", epoch, err)
	}
	s.log.Info("epoch committed",
		"epoch", epoch,
		"bets", len(batch.Bets),
		"claims", len(batch.Claims),
		"multiclaims", len(batch.MultiClaims))
	return nil
}

// queryRower is the slice of sqlx.Tx the checks need.
type queryRower interface {
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
}

// verifyEpoch runs the in-transaction consistency checks.
func verifyEpoch(ctx context.Context, tx queryRower, epoch int64, wantBets int) error {
	var haveRound bool
	if err := tx.QueryRowxContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM round WHERE epoch = $1)`, epoch).Scan(&haveRound); err != nil {
		return fmt.Errorf("verify round %d: %w", epoch, err)
	}
	if !haveRound {
		return fmt.Errorf("%w: round %d missing after insert", ErrVerifyWrite, epoch)
	}

	var gotBets int
	if err := tx.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM hisbet WHERE epoch = $1`, epoch).Scan(&gotBets); err != nil {
		return fmt.Errorf("verify bet count %d: %w", epoch, err)
	}
	if gotBets != wantBets {
		return fmt.Errorf("%w: epoch %d has %d bets, expected %d",
			ErrVerifyWrite, epoch, gotBets, wantBets)
	}

	var haveMarker bool
	if err := tx.QueryRowxContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM epoch_processed WHERE epoch = $1)`, epoch).Scan(&haveMarker); err != nil {
		return fmt.Errorf("verify marker %d: %w", epoch, err)
	}
	if !haveMarker {
		return fmt.Errorf("%w: finalized marker %d missing", ErrVerifyWrite, epoch)
	}
	return nil
}
