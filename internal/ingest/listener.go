// Package ingest moves live bets from the chain into the pipeline: the
// listener tails bet events over the push socket into the durable buffer,
// and the consumer drains the buffer into the live table in batches.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum"
	lru "github.com/hashicorp/golang-lru"

	"roundflow/internal/buffer"
	"roundflow/internal/bus"
	"roundflow/internal/chain"
	"roundflow/internal/metrics"
	"roundflow/pkg/types"
)

const (
	listenerCacheSize = 1000

	heartbeatEvery   = 60 * time.Second
	staleAfter       = 120 * time.Second
	reconnectBackoff = 5 * time.Second
)

var (
	errSubscriptionClosed = errors.New("bet subscription closed")
	errSessionStale       = errors.New("no activity within stale window")
)

// Feed is the slice of the chain client the listener uses. It is recreated
// on every reconnect, so the listener holds it only for one session.
type Feed interface {
	SubscribeBets(ctx context.Context) (<-chan chain.BetEvent, ethereum.Subscription, error)
	CurrentEpoch(ctx context.Context) (int64, error)
	Round(ctx context.Context, epoch int64) (chain.RoundData, error)
	BlockTime(ctx context.Context, blockNumber uint64) (time.Time, error)
	Close()
}

// DialFunc opens a fresh push-socket session.
type DialFunc func(ctx context.Context) (Feed, error)

// Listener tails bet events: each one is appended to the durable buffer,
// then mirrored to instant_bet_channel for low-latency consumers. Round
// updates go out on every epoch transition and on every heartbeat, so
// downstream tasks track round shape and status without polling the chain
// themselves.
type Listener struct {
	dial     DialFunc
	producer *buffer.Producer
	bus      *bus.Bus
	metrics  *metrics.Registry
	log      *slog.Logger

	blockTimes *lru.Cache
	lastEpoch  int64
}

func NewListener(dial DialFunc, producer *buffer.Producer, b *bus.Bus, m *metrics.Registry, logger *slog.Logger) (*Listener, error) {
	cache, err := lru.New(listenerCacheSize)
	if err != nil {
		return nil, err
	}
	return &Listener{
		dial:       dial,
		producer:   producer,
		bus:        b,
		metrics:    m,
		log:        logger.With("component", "ingest"),
		blockTimes: cache,
	}, nil
}

// Run keeps a subscription alive until ctx ends, reconnecting with backoff
// whenever the session errors out or goes stale.
func (l *Listener) Run(ctx context.Context) {
	for ctx.Err() == nil {
		feed, err := l.dial(ctx)
		if err != nil {
			l.log.Error("push socket dial failed", "error", err)
			l.metrics.WSReconnects.Inc()
			if !sleepCtx(ctx, reconnectBackoff) {
				return
			}
			continue
		}

		err = l.session(ctx, feed)
		feed.Close()
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("listener session ended, reconnecting", "error", err)
		l.metrics.WSReconnects.Inc()
		if !sleepCtx(ctx, reconnectBackoff) {
			return
		}
	}
}

// session consumes one subscription until it breaks or goes quiet. Every
// received event or successful heartbeat read counts as liveness; two
// silent heartbeats in a row force a reconnect.
func (l *Listener) session(ctx context.Context, feed Feed) error {
	events, sub, err := feed.SubscribeBets(ctx)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	// Prime the round state so downstream tasks see the current epoch
	// without waiting for the first bet.
	if current, err := feed.CurrentEpoch(ctx); err == nil {
		l.publishRoundUpdate(ctx, feed, current)
	}

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()
	lastActivity := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return errSubscriptionClosed
			}
			lastActivity = time.Now()
			l.handleBet(ctx, feed, ev)

		case <-heartbeat.C:
			current, err := feed.CurrentEpoch(ctx)
			if err != nil {
				l.log.Warn("heartbeat read failed", "error", err)
			} else {
				lastActivity = time.Now()
				// Republish even within the same epoch: amounts grow and the
				// status flips LIVE -> LOCKED -> ENDED between bets.
				l.publishRoundUpdate(ctx, feed, current)
			}
			if time.Since(lastActivity) > staleAfter {
				return errSessionStale
			}
		}
	}
}

// handleBet buffers the bet durably, then mirrors it on the bus. Bus
// publish failures are logged and dropped; losing an instant mirror is
// acceptable, losing a buffer append is not.
func (l *Listener) handleBet(ctx context.Context, feed Feed, ev chain.BetEvent) {
	betTime, err := l.resolveBlockTime(ctx, feed, ev.BlockNumber)
	if err != nil {
		l.log.Error("block time lookup failed",
			"block", ev.BlockNumber, "tx", ev.TxHash, "error", err)
		return
	}

	bet := types.Bet{
		Epoch:       ev.Epoch,
		BetTime:     betTime,
		Wallet:      ev.Wallet,
		Direction:   ev.Direction,
		Amount:      ev.Amount,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash,
	}

	if _, err := l.producer.Append(ctx, bet); err != nil {
		l.log.Error("buffer append failed", "tx", bet.TxHash, "error", err)
		return
	}
	l.metrics.LiveBetsIngested.WithLabelValues(string(bet.Direction)).Inc()

	if err := l.bus.PublishInstantBet(ctx, bet); err != nil {
		l.log.Warn("instant bet publish failed", "tx", bet.TxHash, "error", err)
	}

	if ev.Epoch > l.lastEpoch {
		l.publishRoundUpdate(ctx, feed, ev.Epoch)
	}
}

func (l *Listener) resolveBlockTime(ctx context.Context, feed Feed, blockNumber uint64) (types.LocalTime, error) {
	if v, ok := l.blockTimes.Get(blockNumber); ok {
		return v.(types.LocalTime), nil
	}
	t, err := feed.BlockTime(ctx, blockNumber)
	if err != nil {
		return types.LocalTime{}, err
	}
	ts := types.NewLocalTime(t)
	l.blockTimes.Add(blockNumber, ts)
	return ts, nil
}

// publishRoundUpdate reads the round and broadcasts its shape. Failures
// only log: the next bet or heartbeat retries naturally.
func (l *Listener) publishRoundUpdate(ctx context.Context, feed Feed, epoch int64) {
	rd, err := feed.Round(ctx, epoch)
	if err != nil {
		l.log.Warn("round read failed", "epoch", epoch, "error", err)
		return
	}
	update := types.RoundUpdate{
		Epoch:       epoch,
		LockTS:      rd.LockTimestamp,
		CloseTS:     rd.CloseTimestamp,
		UpAmount:    rd.BullAmount,
		DownAmount:  rd.BearAmount,
		TotalAmount: rd.TotalAmount,
		Status: types.StatusAt(time.Now(),
			time.Unix(rd.LockTimestamp, 0), time.Unix(rd.CloseTimestamp, 0)),
	}
	if rd.Finalized() {
		result := types.ComputeResult(rd.LockPrice, rd.ClosePrice)
		update.Result = &result
		price := rd.ClosePrice
		update.ClosePrice = &price
	}
	if err := l.bus.PublishRoundUpdate(ctx, update); err != nil {
		l.log.Warn("round update publish failed", "epoch", epoch, "error", err)
		return
	}
	if epoch != l.lastEpoch {
		l.log.Info("round update published", "epoch", epoch, "status", update.Status)
	} else {
		l.log.Debug("round update refreshed", "epoch", epoch, "status", update.Status)
	}
	l.lastEpoch = epoch
}
