// Package trader turns final predictions into at most one on-chain bet per
// epoch. It is deliberately conservative: every chain error is reported and
// never retried, because missing a round is recoverable and double-betting
// is not.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"roundflow/internal/bus"
	"roundflow/internal/chain"
	"roundflow/internal/config"
	"roundflow/internal/metrics"
	"roundflow/pkg/types"
)

// ErrWindowMissed means the final prediction arrived too close to the
// betting cutoff to act on.
var ErrWindowMissed = errors.New("send window missed")

const (
	// Final scheduling geometry, all in milliseconds around the cutoff.
	rescheduleSlack = 1000 // fire later if we are this early before t_send
	rescheduleLead  = 500  // wake-up lead before t_send
	abortMargin     = 100  // no sends this close to t_stop
	armCloseMargin  = 500  // no arming this close to the send window

	receiptTimeout = 60 * time.Second
	metaKeepDepth  = 8
)

// Market is the read slice of the chain client the trader uses.
type Market interface {
	BufferSeconds(ctx context.Context) (int64, error)
	Round(ctx context.Context, epoch int64) (chain.RoundData, error)
	Ledger(ctx context.Context, epoch int64, wallet common.Address) (chain.LedgerEntry, error)
}

// Signer is the transaction path; *chain.Transactor satisfies it.
type Signer interface {
	Address() common.Address
	PendingNonce(ctx context.Context) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	SendBet(ctx context.Context, dir types.Direction, epoch int64, amount decimal.Decimal, nonce uint64, gasPrice *big.Int) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Sink persists trade phases.
type Sink interface {
	AppendTradeLog(ctx context.Context, entry types.TradeLogEntry) error
}

// epochMeta is the timing shape of one round, all unix milliseconds.
// tStop is the latest moment the contract accepts a bet.
type epochMeta struct {
	lockMS int64
	tStop  int64
}

// armedBet is a reserved-but-unsent intent from a strong early prediction.
type armedBet struct {
	prediction types.Direction
	atMS       int64
	nonce      uint64
	amount     decimal.Decimal
}

// Trader consumes live_predictions and round updates on a single goroutine.
type Trader struct {
	cfg     config.TraderConfig
	market  Market
	signer  Signer
	bus     *bus.Bus
	sink    Sink
	metrics *metrics.Registry
	log     *slog.Logger

	now func() time.Time

	bufferS int64
	meta    map[int64]epochMeta
	placed  map[int64]bool
	armed   map[int64]armedBet

	// One deferred final at a time: a final that arrives early waits on
	// this timer and is re-handled when it fires.
	pending   *types.Prediction
	waitTimer *time.Timer
	waitCh    <-chan time.Time
}

func New(cfg config.TraderConfig, market Market, signer Signer, b *bus.Bus, sink Sink, m *metrics.Registry, logger *slog.Logger) *Trader {
	return &Trader{
		cfg:     cfg,
		market:  market,
		signer:  signer,
		bus:     b,
		sink:    sink,
		metrics: m,
		log:     logger.With("component", "trader"),
		now:     time.Now,
		meta:    make(map[int64]epochMeta),
		placed:  make(map[int64]bool),
		armed:   make(map[int64]armedBet),
	}
}

// Run consumes predictions until ctx ends. With the trader disabled every
// prediction is dropped on arrival, keeping the process observable but
// inert.
func (t *Trader) Run(ctx context.Context) error {
	if !t.cfg.Enabled {
		t.log.Warn("trader disabled; running inert")
	} else if t.cfg.DryRun {
		t.log.Info("trader in dry-run mode; no transactions will be sent")
	}

	if err := t.loadBufferSeconds(ctx); err != nil {
		return err
	}

	sub := t.bus.Subscribe(ctx, bus.ChannelLivePredictions, bus.ChannelRoundUpdate)
	defer sub.Close()
	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			t.stopWait()
			return nil
		case msg, ok := <-ch:
			if !ok {
				t.stopWait()
				return errors.New("trader subscription closed")
			}
			t.dispatch(ctx, msg)
		case <-t.waitCh:
			t.waitCh = nil
			if p := t.pending; p != nil {
				t.pending = nil
				t.handleFinal(ctx, *p)
			}
		}
	}
}

func (t *Trader) loadBufferSeconds(ctx context.Context) error {
	for {
		s, err := t.market.BufferSeconds(ctx)
		if err == nil {
			t.bufferS = s
			t.log.Info("buffer seconds loaded", "seconds", s)
			return nil
		}
		t.log.Error("buffer seconds read failed", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func (t *Trader) dispatch(ctx context.Context, msg *redis.Message) {
	switch msg.Channel {
	case bus.ChannelRoundUpdate:
		update, err := bus.DecodeRoundUpdate(msg.Payload)
		if err != nil {
			t.log.Warn("bad round update payload", "error", err)
			return
		}
		t.onRoundUpdate(update)
	case bus.ChannelLivePredictions:
		p, err := bus.DecodePrediction(msg.Payload)
		if err != nil {
			t.log.Warn("bad prediction payload", "error", err)
			return
		}
		if !t.cfg.Enabled {
			return
		}
		if p.Final {
			t.handleFinal(ctx, p)
		} else {
			t.handleArm(ctx, p)
		}
	}
}

// onRoundUpdate caches the epoch timing and drops state for long-gone
// epochs.
func (t *Trader) onRoundUpdate(update types.RoundUpdate) {
	if update.Epoch <= 0 || update.LockTS <= 0 {
		return
	}
	lockMS := update.LockTS * 1000
	t.meta[update.Epoch] = epochMeta{
		lockMS: lockMS,
		tStop:  lockMS - t.bufferS*1000,
	}
	for epoch := range t.meta {
		if epoch < update.Epoch-metaKeepDepth {
			delete(t.meta, epoch)
			delete(t.placed, epoch)
			delete(t.armed, epoch)
		}
	}
}

// metaFor returns the cached timing for the epoch, reading the round from
// the chain when the round update never arrived.
func (t *Trader) metaFor(ctx context.Context, epoch int64) (epochMeta, bool) {
	if m, ok := t.meta[epoch]; ok {
		return m, true
	}
	rd, err := t.market.Round(ctx, epoch)
	if err != nil || rd.LockTimestamp <= 0 {
		t.log.Warn("epoch timing unavailable", "epoch", epoch, "error", err)
		return epochMeta{}, false
	}
	m := epochMeta{
		lockMS: rd.LockTimestamp * 1000,
		tStop:  rd.LockTimestamp*1000 - t.bufferS*1000,
	}
	t.meta[epoch] = m
	return m, true
}

// passesFilters applies the confidence floor and side filter shared by the
// arm and final paths.
func (t *Trader) passesFilters(mom types.MomentumResult) bool {
	min := types.Confidence(t.cfg.MinConfidence)
	if mom.Confidence.Rank() < min.Rank() {
		return false
	}
	if t.cfg.SideFilter != "any" && string(mom.Prediction) != t.cfg.SideFilter {
		return false
	}
	return true
}

// handleArm reserves a nonce for a strong non-final prediction so the final
// send can skip the nonce round trip. No transaction is sent here.
func (t *Trader) handleArm(ctx context.Context, p types.Prediction) {
	if !t.cfg.ArmEnabled || t.placed[p.Epoch] {
		return
	}
	if _, ok := t.armed[p.Epoch]; ok {
		return
	}
	mom := p.Strategies.Momentum
	if !t.passesFilters(mom) {
		return
	}

	f := mom.Features
	strong := abs(f.Slope) >= t.cfg.ArmSlopeMin &&
		(f.VolumeRatio >= t.cfg.ArmVolumeMin || abs(f.UpRatioDiff) >= t.cfg.ArmUpdiffMin)
	if !strong {
		return
	}

	meta, ok := t.metaFor(ctx, p.Epoch)
	if !ok {
		return
	}
	nowMS := t.now().UnixMilli()
	if nowMS >= meta.tStop-t.cfg.DeltaMS-armCloseMargin {
		t.log.Debug("too late to arm", "epoch", p.Epoch)
		return
	}

	nonce, err := t.signer.PendingNonce(ctx)
	if err != nil {
		t.log.Error("nonce reservation failed", "epoch", p.Epoch, "error", err)
		return
	}
	amount, _ := t.cfg.AmountDecimal()
	t.armed[p.Epoch] = armedBet{
		prediction: mom.Prediction,
		atMS:       nowMS,
		nonce:      nonce,
		amount:     amount,
	}

	entry := t.newEntry(types.PhaseArm, p, mom, meta)
	entry.Nonce = &nonce
	t.record(ctx, entry)
	t.log.Info("armed",
		"epoch", p.Epoch, "prediction", mom.Prediction,
		"confidence", mom.Confidence, "nonce", nonce)
}

// handleFinal executes (or defers) the one bet for the epoch.
func (t *Trader) handleFinal(ctx context.Context, p types.Prediction) {
	mom := p.Strategies.Momentum
	if !t.passesFilters(mom) {
		t.log.Info("final prediction filtered out",
			"epoch", p.Epoch, "prediction", mom.Prediction, "confidence", mom.Confidence)
		return
	}
	meta, ok := t.metaFor(ctx, p.Epoch)
	if !ok {
		return
	}

	nowMS := t.now().UnixMilli()
	tSend := meta.tStop - t.cfg.DeltaMS

	if nowMS < tSend-rescheduleSlack {
		delay := tSend - nowMS - rescheduleLead
		if delay < 0 {
			delay = 0
		}
		t.schedule(p, time.Duration(delay)*time.Millisecond)
		return
	}
	if nowMS >= meta.tStop-abortMargin {
		t.log.Error("final prediction too late",
			"epoch", p.Epoch, "now_ms", nowMS, "t_stop", meta.tStop,
			"error", fmt.Errorf("%w: %d ms past cutoff margin", ErrWindowMissed, nowMS-(meta.tStop-abortMargin)))
		return
	}
	if t.placed[p.Epoch] {
		return
	}

	// The chain is the authority on whether this wallet already bet.
	ledger, err := t.market.Ledger(ctx, p.Epoch, t.signer.Address())
	if err != nil {
		t.log.Error("ledger check failed, not sending", "epoch", p.Epoch, "error", err)
		return
	}
	if ledger.HasBet() {
		t.placed[p.Epoch] = true
		t.log.Info("ledger already holds a bet, skipping", "epoch", p.Epoch)
		return
	}

	amount, nonce, err := t.nonceAndAmount(ctx, p.Epoch, mom.Prediction, nowMS)
	if err != nil {
		t.log.Error("nonce acquisition failed", "epoch", p.Epoch, "error", err)
		return
	}

	if t.cfg.DryRun {
		t.placed[p.Epoch] = true
		entry := t.newEntry(types.PhaseFinalDryRun, p, mom, meta)
		entry.Nonce = &nonce
		t.record(ctx, entry)
		t.log.Info("dry run bet",
			"epoch", p.Epoch, "prediction", mom.Prediction,
			"amount", amount, "nonce", nonce)
		return
	}

	t.send(ctx, p, mom, meta, amount, nonce)
}

// nonceAndAmount reuses a fresh matching armed reservation or falls back to
// a live nonce read.
func (t *Trader) nonceAndAmount(ctx context.Context, epoch int64, prediction types.Direction, nowMS int64) (decimal.Decimal, uint64, error) {
	if a, ok := t.armed[epoch]; ok &&
		a.prediction == prediction && nowMS-a.atMS <= t.cfg.ArmMaxAgeMS {
		t.log.Debug("reusing armed nonce", "epoch", epoch, "nonce", a.nonce)
		return a.amount, a.nonce, nil
	}
	nonce, err := t.signer.PendingNonce(ctx)
	if err != nil {
		return decimal.Zero, 0, err
	}
	amount, _ := t.cfg.AmountDecimal()
	return amount, nonce, nil
}

// send submits the bet and follows it to one confirmation.
func (t *Trader) send(ctx context.Context, p types.Prediction, mom types.MomentumResult, meta epochMeta, amount decimal.Decimal, nonce uint64) {
	gasPrice, err := t.signer.GasPrice(ctx)
	if err != nil {
		t.log.Error("gas price read failed, not sending", "epoch", p.Epoch, "error", err)
		return
	}
	gasPrice = bumpGas(gasPrice, t.cfg.GasBump)

	start := t.now()
	hash, err := t.signer.SendBet(ctx, mom.Prediction, p.Epoch, amount, nonce, gasPrice)
	sendMS := t.now().Sub(start).Milliseconds()

	if err != nil {
		t.afterSendError(ctx, p, mom, meta, nonce, hash, sendMS, err)
		return
	}

	t.placed[p.Epoch] = true
	entry := t.newEntry(types.PhaseFinalSent, p, mom, meta)
	entry.Nonce = &nonce
	entry.TxHash = hash.Hex()
	entry.SendMS = sendMS
	t.record(ctx, entry)
	t.log.Info("bet sent",
		"epoch", p.Epoch, "prediction", mom.Prediction,
		"amount", amount, "tx", hash.Hex(), "send_ms", sendMS)

	waitCtx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()
	receipt, err := t.signer.WaitMined(waitCtx, hash)
	totalMS := t.now().Sub(start).Milliseconds()

	if err != nil {
		// The transaction may still mine; never re-bet this epoch.
		entry := t.newEntry(types.PhaseFinalUncertain, p, mom, meta)
		entry.Nonce = &nonce
		entry.TxHash = hash.Hex()
		entry.SendMS = sendMS
		entry.TotalMS = totalMS
		entry.Error = err.Error()
		t.record(ctx, entry)
		t.log.Error("receipt wait failed; bet outcome unknown",
			"epoch", p.Epoch, "tx", hash.Hex(), "error", err)
		return
	}

	success := receipt.Status == gethtypes.ReceiptStatusSuccessful
	entry = t.newEntry(types.PhaseFinalReceipt, p, mom, meta)
	entry.Nonce = &nonce
	entry.TxHash = hash.Hex()
	entry.SendMS = sendMS
	entry.MinedMS = totalMS - sendMS
	entry.TotalMS = totalMS
	entry.Success = &success
	t.record(ctx, entry)
	t.log.Info("bet mined",
		"epoch", p.Epoch, "tx", hash.Hex(), "success", success,
		"block", receipt.BlockNumber, "total_ms", totalMS)
}

// afterSendError classifies the failure: definite rejections and
// uncertain outcomes pin the epoch as placed; transient errors leave it
// open for the operator, never for an automatic retry.
func (t *Trader) afterSendError(ctx context.Context, p types.Prediction, mom types.MomentumResult, meta epochMeta, nonce uint64, hash common.Hash, sendMS int64, sendErr error) {
	phase := types.PhaseFinalSent
	falseVal := false

	switch classifySendError(sendErr) {
	case sendRejected:
		t.placed[p.Epoch] = true
	case sendUncertain:
		t.placed[p.Epoch] = true
		phase = types.PhaseFinalUncertain
	case sendTransient:
		// leave unplaced
	}

	entry := t.newEntry(phase, p, mom, meta)
	entry.Nonce = &nonce
	if hash != (common.Hash{}) {
		entry.TxHash = hash.Hex()
	}
	entry.SendMS = sendMS
	entry.Error = sendErr.Error()
	if phase == types.PhaseFinalSent {
		entry.Success = &falseVal
	}
	t.record(ctx, entry)
	t.log.Error("bet send failed",
		"epoch", p.Epoch, "phase", phase, "placed", t.placed[p.Epoch], "error", sendErr)
}

// schedule parks the final prediction until just before the send window.
func (t *Trader) schedule(p types.Prediction, d time.Duration) {
	t.stopWait()
	t.pending = &p
	t.waitTimer = time.NewTimer(d)
	t.waitCh = t.waitTimer.C
	t.log.Info("final deferred until send window",
		"epoch", p.Epoch, "in", d.Round(time.Millisecond))
}

func (t *Trader) stopWait() {
	if t.waitTimer != nil {
		t.waitTimer.Stop()
		t.waitTimer = nil
		t.waitCh = nil
		t.pending = nil
	}
}

// newEntry fills the fields shared by every phase.
func (t *Trader) newEntry(phase types.TradePhase, p types.Prediction, mom types.MomentumResult, meta epochMeta) types.TradeLogEntry {
	amount, _ := t.cfg.AmountDecimal()
	return types.TradeLogEntry{
		Phase:      phase,
		Epoch:      p.Epoch,
		Strategy:   "momentum",
		Prediction: mom.Prediction,
		Confidence: mom.Confidence,
		Amount:     amount,
		DeltaMS:    t.cfg.DeltaMS,
		TStopMS:    meta.tStop,
		Version:    p.Version,
		LoggedAt:   types.NewLocalTime(t.now()),
	}
}

// record ships the entry to the bus and the table, both best-effort.
func (t *Trader) record(ctx context.Context, entry types.TradeLogEntry) {
	t.metrics.TradePhases.WithLabelValues(string(entry.Phase)).Inc()
	if err := t.bus.PublishTradeLog(ctx, entry); err != nil {
		t.log.Warn("trade log publish failed", "epoch", entry.Epoch, "error", err)
	}
	if err := t.sink.AppendTradeLog(ctx, entry); err != nil {
		t.log.Warn("trade log insert failed", "epoch", entry.Epoch, "error", err)
	}
}

func bumpGas(price *big.Int, factor float64) *big.Int {
	if factor <= 0 {
		return price
	}
	scaled := big.NewInt(int64(factor * 100))
	return new(big.Int).Div(new(big.Int).Mul(price, scaled), big.NewInt(100))
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
