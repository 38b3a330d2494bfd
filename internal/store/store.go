// Package store is the relational gateway: pooled connections, the
// single-transaction epoch commit, idempotent batch inserts, and the
// lookup helpers the estimator, aggregator, and workers run on.
//
// round and hisbet are time-partitioned upstream (start_time, bet_time),
// which is why their uniqueness keys carry the partition column. Schema DDL
// is documented in docs/schema.sql and managed outside this repository.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"roundflow/internal/config"
	"roundflow/pkg/types"
)

// errorMessageMax bounds the stored failure text.
const errorMessageMax = 500

// Store wraps the connection pool. One epoch commit holds one connection
// for the duration of its transaction.
type Store struct {
	db          *sqlx.DB
	stmtTimeout time.Duration
	log         *slog.Logger
}

// Open connects, applies pool limits, and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(db, cfg.StmtTimeout, logger), nil
}

// New wraps an existing pool; tests pass a sqlmock-backed sqlx.DB.
func New(db *sqlx.DB, stmtTimeout time.Duration, logger *slog.Logger) *Store {
	if stmtTimeout <= 0 {
		stmtTimeout = 60 * time.Second
	}
	return &Store{
		db:          db,
		stmtTimeout: stmtTimeout,
		log:         logger.With("component", "store"),
	}
}

// Close ends the pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.stmtTimeout)
}

// ————————————————————————————————————————————————————————————————————————
// Boundaries and markers
// ————————————————————————————————————————————————————————————————————————

// Bounds reports the finalized data coverage: min/max epoch and how many
// distinct epochs actually exist between them. Zeros mean an empty store.
func (s *Store) Bounds(ctx context.Context) (minEpoch, maxEpoch, distinct int64, err error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	row := s.db.QueryRowxContext(ctx, `
		SELECT COALESCE(MIN(epoch), 0), COALESCE(MAX(epoch), 0), COUNT(DISTINCT epoch)
		FROM round`)
	if err := row.Scan(&minEpoch, &maxEpoch, &distinct); err != nil {
		return 0, 0, 0, fmt.Errorf("query bounds: %w", err)
	}
	return minEpoch, maxEpoch, distinct, nil
}

// IsFinalized checks the finalized-epoch marker; presence proves the sync
// state machine committed this epoch.
func (s *Store) IsFinalized(ctx context.Context, epoch int64) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var exists bool
	err := s.db.QueryRowxContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM epoch_processed WHERE epoch = $1)`, epoch).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check finalized %d: %w", epoch, err)
	}
	return exists, nil
}

// MissingEpochs lists up to limit epochs inside [minEpoch, maxEpoch] that
// have no round row, in ascending order. The gap worker feeds these back
// into the sync.
func (s *Store) MissingEpochs(ctx context.Context, minEpoch, maxEpoch int64, limit int) ([]int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var missing []int64
	err := s.db.SelectContext(ctx, &missing, `
		SELECT gs.epoch
		FROM generate_series($1::bigint, $2::bigint) AS gs(epoch)
		WHERE NOT EXISTS (SELECT 1 FROM round r WHERE r.epoch = gs.epoch)
		ORDER BY gs.epoch
		LIMIT $3`, minEpoch, maxEpoch, limit)
	if err != nil {
		return nil, fmt.Errorf("query missing epochs: %w", err)
	}
	return missing, nil
}

// ————————————————————————————————————————————————————————————————————————
// Failed epochs
// ————————————————————————————————————————————————————————————————————————

// RetryCount returns how many times the epoch has failed (0 if never).
func (s *Store) RetryCount(ctx context.Context, epoch int64) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var count int
	err := s.db.QueryRowxContext(ctx,
		`SELECT COALESCE(MAX(retry_count), 0) FROM failed_epochs WHERE epoch = $1`, epoch).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("query retry count %d: %w", epoch, err)
	}
	return count, nil
}

// MarkFailed upserts the failed-epoch record, incrementing retry_count,
// and returns the new count. The error text is truncated to fit the row.
func (s *Store) MarkFailed(ctx context.Context, epoch int64, stage string, cause error) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var count int
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO failed_epochs (epoch, error_message, stage, failed_at, retry_count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (epoch) DO UPDATE SET
			error_message = EXCLUDED.error_message,
			stage = EXCLUDED.stage,
			failed_at = EXCLUDED.failed_at,
			retry_count = failed_epochs.retry_count + 1
		RETURNING retry_count`,
		epoch, types.TruncateError(cause, errorMessageMax), stage,
		types.NewLocalTime(time.Now())).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("mark epoch %d failed: %w", epoch, err)
	}
	return count, nil
}

// DeleteFailed clears the failure record once the epoch finally commits,
// so the table reflects only epochs still in trouble.
func (s *Store) DeleteFailed(ctx context.Context, epoch int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM failed_epochs WHERE epoch = $1`, epoch); err != nil {
		return fmt.Errorf("clear failed epoch %d: %w", epoch, err)
	}
	return nil
}

// FailedEpochs returns the most recent failure records for inspection.
func (s *Store) FailedEpochs(ctx context.Context, limit int) ([]types.FailedEpoch, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var failed []types.FailedEpoch
	err := s.db.SelectContext(ctx, &failed, `
		SELECT epoch, error_message, stage, failed_at, retry_count
		FROM failed_epochs
		ORDER BY failed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed epochs: %w", err)
	}
	return failed, nil
}
