package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"roundflow/pkg/types"
)

// InsertLiveBets writes a consumer batch into realbet in one transaction
// and reports how many rows were actually new. Duplicates (redelivered
// stream entries, listener restarts) are skipped on (bet_time, tx_hash).
func (s *Store) InsertLiveBets(ctx context.Context, bets []types.Bet) (int, error) {
	if len(bets) == 0 {
		return 0, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin live tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO realbet (
			epoch, bet_time, wallet_address, direction,
			amount, block_number, tx_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (bet_time, tx_hash) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare live insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, b := range bets {
		res, err := stmt.ExecContext(ctx,
			b.Epoch, b.BetTime, b.Wallet, b.Direction,
			b.Amount, b.BlockNumber, b.TxHash)
		if err != nil {
			return 0, fmt.Errorf("insert live bet %s: %w", b.TxHash, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit live batch: %w", err)
	}
	return inserted, nil
}

// LiveSums aggregates the epoch's live bets by side; the aggregator uses it
// to re-seed counters after a restart mid-round.
func (s *Store) LiveSums(ctx context.Context, epoch int64) (up, down decimal.Decimal, err error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	row := s.db.QueryRowxContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE direction = 'UP'), 0),
			COALESCE(SUM(amount) FILTER (WHERE direction = 'DOWN'), 0)
		FROM realbet
		WHERE epoch = $1`, epoch)
	if err := row.Scan(&up, &down); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("query live sums %d: %w", epoch, err)
	}
	return up, down, nil
}

// BlockTimeHint returns the recorded bet_time of any bet in the given block,
// letting the parser skip a header fetch. False means no row has it.
func (s *Store) BlockTimeHint(ctx context.Context, blockNumber uint64) (types.LocalTime, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var ts types.LocalTime
	err := s.db.QueryRowxContext(ctx, `
		SELECT bet_time FROM hisbet WHERE block_number = $1
		UNION ALL
		SELECT bet_time FROM realbet WHERE block_number = $1
		LIMIT 1`, blockNumber).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return types.LocalTime{}, false, nil
	}
	if err != nil {
		return types.LocalTime{}, false, fmt.Errorf("query block time %d: %w", blockNumber, err)
	}
	return ts, true, nil
}

// RecentRounds returns up to limit finalized rounds strictly before the
// given epoch, newest first. Feature extraction reverses them as needed.
func (s *Store) RecentRounds(ctx context.Context, beforeEpoch int64, limit int) ([]types.Round, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var rounds []types.Round
	err := s.db.SelectContext(ctx, &rounds, `
		SELECT epoch, start_time, lock_time, close_time,
		       lock_price, close_price,
		       total_amount, up_amount, down_amount,
		       result, up_payout, down_payout
		FROM round
		WHERE epoch < $1
		ORDER BY epoch DESC
		LIMIT $2`, beforeEpoch, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent rounds before %d: %w", beforeEpoch, err)
	}
	return rounds, nil
}

// EpochBlockStats summarizes stored bets per epoch over a range: count and
// block-number extremes. The block-range estimator turns these into anchors.
type EpochBlockStats struct {
	Epoch    int64  `db:"epoch"`
	BetCount int    `db:"bet_count"`
	MinBlock uint64 `db:"min_block"`
	MaxBlock uint64 `db:"max_block"`
}

// BlockStatsRange returns per-epoch bet stats for epochs in [fromEpoch,
// toEpoch] that have at least one stored bet, ascending by epoch.
func (s *Store) BlockStatsRange(ctx context.Context, fromEpoch, toEpoch int64) ([]EpochBlockStats, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var stats []EpochBlockStats
	err := s.db.SelectContext(ctx, &stats, `
		SELECT epoch,
		       COUNT(*)          AS bet_count,
		       MIN(block_number) AS min_block,
		       MAX(block_number) AS max_block
		FROM hisbet
		WHERE epoch BETWEEN $1 AND $2
		GROUP BY epoch
		ORDER BY epoch`, fromEpoch, toEpoch)
	if err != nil {
		return nil, fmt.Errorf("query block stats [%d,%d]: %w", fromEpoch, toEpoch, err)
	}
	return stats, nil
}
