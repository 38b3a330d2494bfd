// Package predict runs the live prediction aggregator: one task that folds
// round updates and live bets into per-epoch flow state and publishes
// momentum predictions, ending with one final revision just before lock.
package predict

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"roundflow/internal/bus"
	"roundflow/internal/metrics"
	"roundflow/pkg/types"
)

const (
	historyDepth = 5

	emitRatioDelta = 0.03
	emitMinGap     = 3 * time.Second

	// finalFloor is the minimum lead time for the final revision when the
	// scheduler wakes up late.
	finalFloor = 500 * time.Millisecond
)

// Store is the read access the aggregator needs.
type Store interface {
	LiveSums(ctx context.Context, epoch int64) (up, down decimal.Decimal, err error)
	RecentRounds(ctx context.Context, beforeEpoch int64, limit int) ([]types.Round, error)
}

// epochState is all mutable aggregation state for one round. It is owned by
// the Run goroutine; nothing else touches it.
type epochState struct {
	epoch    int64
	lockTime time.Time

	upSum   decimal.Decimal
	downSum decimal.Decimal
	series  flowSeries
	hist    history

	version        int
	emitted        bool
	lastEmitAt     time.Time
	lastEmitRatio  float64
	lastEmitBucket types.VolumeBucket
	finalSent      bool
}

// Aggregator subscribes to round updates and instant bets and emits
// prediction revisions on live_predictions.
type Aggregator struct {
	bus     *bus.Bus
	cache   *bus.PredictionCache
	store   Store
	metrics *metrics.Registry
	log     *slog.Logger

	finalAdvance time.Duration
	now          func() time.Time

	state      *epochState
	finalTimer *time.Timer
	finalCh    <-chan time.Time
}

func NewAggregator(b *bus.Bus, cache *bus.PredictionCache, st Store, m *metrics.Registry, finalAdvance time.Duration, logger *slog.Logger) *Aggregator {
	if finalAdvance <= 0 {
		finalAdvance = 5 * time.Second
	}
	return &Aggregator{
		bus:          b,
		cache:        cache,
		store:        st,
		metrics:      m,
		log:          logger.With("component", "predict"),
		finalAdvance: finalAdvance,
		now:          time.Now,
	}
}

// Run processes messages until ctx ends. All state mutation happens on this
// goroutine; the subscription channel serializes the inputs.
func (a *Aggregator) Run(ctx context.Context) error {
	sub := a.bus.Subscribe(ctx, bus.ChannelRoundUpdate, bus.ChannelInstantBet)
	defer sub.Close()
	ch := sub.Channel()

	a.log.Info("aggregator started", "final_advance", a.finalAdvance)
	for {
		select {
		case <-ctx.Done():
			a.stopFinalTimer()
			return nil
		case msg, ok := <-ch:
			if !ok {
				a.stopFinalTimer()
				return errors.New("prediction subscription closed")
			}
			a.dispatch(ctx, msg)
		case <-a.finalCh:
			a.finalCh = nil
			a.onFinalTick(ctx)
		}
	}
}

func (a *Aggregator) dispatch(ctx context.Context, msg *redis.Message) {
	switch msg.Channel {
	case bus.ChannelRoundUpdate:
		update, err := bus.DecodeRoundUpdate(msg.Payload)
		if err != nil {
			a.log.Warn("bad round update payload", "error", err)
			return
		}
		a.onRoundUpdate(ctx, update)
	case bus.ChannelInstantBet:
		bet, err := bus.DecodeInstantBet(msg.Payload)
		if err != nil {
			a.log.Warn("bad instant bet payload", "error", err)
			return
		}
		a.onBet(ctx, bet)
	}
}

// onRoundUpdate resets state on an epoch change and (re)schedules the final
// revision. Re-seeding from the live table covers bets that arrived before
// this task subscribed.
func (a *Aggregator) onRoundUpdate(ctx context.Context, update types.RoundUpdate) {
	if update.Epoch <= 0 {
		return
	}
	if a.state != nil && a.state.epoch == update.Epoch {
		a.state.lockTime = time.Unix(update.LockTS, 0)
		if !a.state.finalSent {
			a.scheduleFinal()
		}
		return
	}

	st := &epochState{
		epoch:    update.Epoch,
		lockTime: time.Unix(update.LockTS, 0),
	}

	up, down, err := a.store.LiveSums(ctx, update.Epoch)
	if err != nil {
		a.log.Warn("live re-seed failed", "epoch", update.Epoch, "error", err)
	} else {
		st.upSum, st.downSum = up, down
	}

	rounds, err := a.store.RecentRounds(ctx, update.Epoch, historyDepth)
	if err != nil {
		// Degrade gracefully: with no history the strategy leans on flow.
		a.log.Warn("history fetch failed", "epoch", update.Epoch, "error", err)
	}
	st.hist = buildHistory(rounds)

	// Baseline the emission triggers on the seeded flow so the first bet
	// is judged against reality, not against zero.
	f, _ := st.features(a.now())
	st.lastEmitRatio = f.UpRatio
	st.lastEmitBucket = types.BucketFor(f.VolumeRatio)

	a.state = st
	a.scheduleFinal()
	a.log.Info("epoch state reset",
		"epoch", st.epoch,
		"seed_up", st.upSum,
		"seed_down", st.downSum,
		"history_rounds", st.hist.depth(),
		"lock_time", st.lockTime.In(types.Taipei).Format(types.TimeLayout))
}

// onBet folds one live bet of the current epoch into the flow state and
// decides whether to publish a revision.
func (a *Aggregator) onBet(ctx context.Context, bet types.Bet) {
	st := a.state
	if st == nil || bet.Epoch != st.epoch {
		return
	}

	switch bet.Direction {
	case types.UP:
		st.upSum = st.upSum.Add(bet.Amount)
	case types.DOWN:
		st.downSum = st.downSum.Add(bet.Amount)
	default:
		return
	}

	now := a.now()
	f, total := st.features(now)
	st.series.add(flowPoint{at: now, upRatio: f.UpRatio, total: total})

	if !a.shouldEmit(st, f, now) {
		return
	}
	a.emit(ctx, st, false)
}

// shouldEmit applies the revision triggers, then the shared 3-second
// throttle. Forced and final revisions bypass this entirely.
func (a *Aggregator) shouldEmit(st *epochState, f types.Features, now time.Time) bool {
	moved := abs(f.UpRatio-st.lastEmitRatio) >= emitRatioDelta
	crossed := (f.UpRatio >= 0.5) != (st.lastEmitRatio >= 0.5)
	bucketChanged := types.BucketFor(f.VolumeRatio) != st.lastEmitBucket

	if !moved && !crossed && !bucketChanged {
		return false
	}
	if st.emitted && now.Sub(st.lastEmitAt) < emitMinGap {
		return false
	}
	return true
}

// onFinalTick publishes the one final revision for the current epoch.
func (a *Aggregator) onFinalTick(ctx context.Context) {
	st := a.state
	if st == nil || st.finalSent {
		return
	}
	st.finalSent = true
	a.emit(ctx, st, true)
}

// emit computes the momentum result and publishes + caches the revision.
func (a *Aggregator) emit(ctx context.Context, st *epochState, final bool) {
	now := a.now()
	f, total := st.features(now)

	result := scoreMomentum(st.hist, f)
	result.Confidence = confidenceFor(f, total, st.hist.avgVolume, final)

	st.version++
	p := types.Prediction{
		Epoch:      st.epoch,
		Timestamp:  now.UnixMilli(),
		Version:    st.version,
		Final:      final,
		Strategies: types.Strategies{Momentum: result},
	}

	if err := a.bus.PublishPrediction(ctx, p); err != nil {
		a.log.Error("prediction publish failed", "epoch", st.epoch, "error", err)
	}
	if err := a.cache.Store(ctx, p); err != nil {
		a.log.Warn("prediction cache store failed", "epoch", st.epoch, "error", err)
	}
	a.metrics.Predictions.WithLabelValues(
		string(result.Confidence), strconv.FormatBool(final)).Inc()

	st.emitted = true
	st.lastEmitAt = now
	st.lastEmitRatio = f.UpRatio
	st.lastEmitBucket = types.BucketFor(f.VolumeRatio)

	a.log.Info("prediction published",
		"epoch", st.epoch,
		"version", st.version,
		"final", final,
		"prediction", result.Prediction,
		"confidence", result.Confidence,
		"score", result.Score,
		"up_ratio", f.UpRatio,
		"volume_ratio", f.VolumeRatio)
}

// scheduleFinal arms the one-shot final-revision timer for the current
// epoch, replacing any previous schedule. Waking up inside the floor (or
// past lock) still leaves the floor's worth of lead time.
func (a *Aggregator) scheduleFinal() {
	st := a.state
	if st == nil || st.lockTime.IsZero() || st.lockTime.Unix() <= 0 {
		return
	}
	delay := st.lockTime.Add(-a.finalAdvance).Sub(a.now())
	if delay < finalFloor {
		delay = finalFloor
	}
	a.stopFinalTimer()
	a.finalTimer = time.NewTimer(delay)
	a.finalCh = a.finalTimer.C
	a.log.Debug("final revision scheduled", "epoch", st.epoch, "in", delay.Round(time.Millisecond))
}

func (a *Aggregator) stopFinalTimer() {
	if a.finalTimer != nil {
		a.finalTimer.Stop()
		a.finalTimer = nil
		a.finalCh = nil
	}
}

// features derives the momentum inputs from the running sums, the sample
// series, and the historical averages. An empty book reads as a neutral 0.5.
func (st *epochState) features(now time.Time) (types.Features, float64) {
	total := st.upSum.Add(st.downSum)
	totalF, _ := total.Float64()

	upRatio := 0.5
	if totalF > 0 {
		upF, _ := st.upSum.Float64()
		upRatio = upF / totalF
	}

	diff := 0.0
	if st.hist.depth() > 0 {
		diff = upRatio - st.hist.avgUpRatio
	}

	volRatio := 0.0
	if st.hist.avgVolume > 0 {
		volRatio = totalF / st.hist.avgVolume
	}

	return types.Features{
		UpRatio:     upRatio,
		UpRatioDiff: diff,
		VolumeRatio: volRatio,
		Slope:       st.series.slope(now),
	}, totalF
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
