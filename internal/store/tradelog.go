package store

import (
	"context"
	"fmt"

	"roundflow/pkg/types"
)

// AppendTradeLog records one trader phase. Callers treat failures as
// best-effort: a logging miss must never block or fail a bet.
func (s *Store) AppendTradeLog(ctx context.Context, entry types.TradeLogEntry) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO trade_log (
			phase, epoch, strategy, prediction, confidence,
			amount, delta_ms, t_stop_ms, version,
			nonce, tx_hash, send_ms, mined_ms, total_ms,
			success, error, logged_at
		) VALUES (
			:phase, :epoch, :strategy, :prediction, :confidence,
			:amount, :delta_ms, :t_stop_ms, :version,
			:nonce, :tx_hash, :send_ms, :mined_ms, :total_ms,
			:success, :error, :logged_at
		)`, entry)
	if err != nil {
		return fmt.Errorf("append trade log %s/%d: %w", entry.Phase, entry.Epoch, err)
	}
	return nil
}

// TradeLog returns the most recent trade phases, newest first.
func (s *Store) TradeLog(ctx context.Context, limit int) ([]types.TradeLogEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var entries []types.TradeLogEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT phase, epoch, strategy, prediction, confidence,
		       amount, delta_ms, t_stop_ms, version,
		       nonce, tx_hash, send_ms, mined_ms, total_ms,
		       success, error, logged_at
		FROM trade_log
		ORDER BY logged_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trade log: %w", err)
	}
	return entries, nil
}
