package ingest

import (
	"context"
	"log/slog"
	"time"

	"roundflow/internal/buffer"
	"roundflow/internal/bus"
	"roundflow/internal/metrics"
	"roundflow/pkg/types"
)

const (
	flushEvery   = time.Second
	drainTimeout = 5 * time.Second
	statsEvery   = 15 * time.Second
	reclaimIdle  = time.Minute
)

// LiveStore is the slice of the store the consumer writes through.
type LiveStore interface {
	InsertLiveBets(ctx context.Context, bets []types.Bet) (int, error)
}

// Consumer drains the durable buffer into the live-bet table. Batches are
// acknowledged only after their transaction commits, so a crash replays the
// unacked tail and the insert's conflict key absorbs the duplicates.
type Consumer struct {
	buf     *buffer.Consumer
	store   LiveStore
	bus     *bus.Bus
	metrics *metrics.Registry
	log     *slog.Logger

	batchSize int
}

func NewConsumer(buf *buffer.Consumer, st LiveStore, b *bus.Bus, m *metrics.Registry, batchSize int, logger *slog.Logger) *Consumer {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Consumer{
		buf:       buf,
		store:     st,
		bus:       b,
		metrics:   m,
		batchSize: batchSize,
		log:       logger.With("component", "consumer"),
	}
}

// Run reads until ctx ends, then drains whatever is pending. The buffer
// read blocks for at most a second, which doubles as the flush clock.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.buf.EnsureGroup(ctx); err != nil {
		return err
	}

	// Adopt entries a dead consumer left hanging.
	if stale, err := c.buf.ReclaimStale(ctx, reclaimIdle); err != nil {
		c.log.Warn("stale reclaim failed", "error", err)
	} else if len(stale) > 0 {
		c.log.Info("reclaimed stale entries", "count", len(stale))
		if err := c.flush(ctx, stale); err != nil {
			c.log.Error("stale flush failed", "error", err)
		}
	}

	stats := time.NewTicker(statsEvery)
	defer stats.Stop()

	var pending []buffer.Entry
	lastFlush := time.Now()

	for {
		select {
		case <-ctx.Done():
			return c.drain(pending)
		case <-stats.C:
			c.pollStats(ctx)
		default:
		}

		entries, err := c.buf.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.drain(pending)
			}
			c.log.Error("buffer read failed", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return c.drain(pending)
			}
			continue
		}
		pending = append(pending, entries...)

		if len(pending) >= c.batchSize ||
			(len(pending) > 0 && time.Since(lastFlush) >= flushEvery) {
			if err := c.flush(ctx, pending); err != nil {
				// Unacked entries redeliver; drop the local copies.
				c.log.Error("flush failed, leaving batch unacked",
					"count", len(pending), "error", err)
			}
			pending = pending[:0]
			lastFlush = time.Now()
		}
	}
}

// flush inserts the batch, acknowledges every entry, then republishes each
// bet for the analysis collaborator. An insert error acknowledges nothing.
func (c *Consumer) flush(ctx context.Context, entries []buffer.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	bets := make([]types.Bet, len(entries))
	ids := make([]string, len(entries))
	for i, e := range entries {
		bets[i] = e.Bet
		ids[i] = e.ID
	}

	inserted, err := c.store.InsertLiveBets(ctx, bets)
	if err != nil {
		return err
	}

	if err := c.buf.Ack(ctx, ids...); err != nil {
		// The write committed; redelivered entries will dedup on insert.
		c.log.Warn("ack failed after commit", "count", len(ids), "error", err)
	}

	for _, bet := range bets {
		if err := c.bus.PublishAnalysisRequest(ctx, bet); err != nil {
			c.log.Warn("analysis publish failed", "tx", bet.TxHash, "error", err)
		}
	}

	c.metrics.FlushSizes.Observe(float64(len(entries)))
	c.log.Debug("batch flushed", "entries", len(entries), "inserted", inserted)
	return nil
}

// drain flushes the tail on shutdown under its own deadline.
func (c *Consumer) drain(pending []buffer.Entry) error {
	if len(pending) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	c.log.Info("draining on shutdown", "entries", len(pending))
	return c.flush(ctx, pending)
}

func (c *Consumer) pollStats(ctx context.Context) {
	if n, err := c.buf.Pending(ctx); err != nil {
		c.log.Warn("pending poll failed", "error", err)
	} else {
		c.metrics.BufferPending.Set(float64(n))
	}
	if n, err := c.buf.Len(ctx); err != nil {
		c.log.Warn("length poll failed", "error", err)
	} else {
		c.metrics.BufferLength.Set(float64(n))
	}
}

// sleepCtx waits d unless ctx ends first; false means shut down.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
