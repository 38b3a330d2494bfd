// Package bus is the ephemeral fan-out between pipeline components: round
// updates, instant bets, predictions, analysis requests, and trader phase
// records. Messages are JSON over Redis pub/sub; there is no replay, and
// late subscribers only see future traffic (the prediction cache covers
// the one payload worth fetching after the fact).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"roundflow/pkg/types"
)

// Channel tags. Payload contracts live in pkg/types.
const (
	ChannelRoundUpdate     = "round_update_channel"
	ChannelInstantBet      = "instant_bet_channel"
	ChannelAnalysis        = "analysis_channel"
	ChannelLivePredictions = "live_predictions"
	ChannelBacktestResults = "backtest_results"
	ChannelTradeLog        = "trade_log"
)

// Bus publishes and subscribes on the Redis pub/sub channels. Subscriptions
// take dedicated connections outside the client's pool, so one Bus can serve
// both paths without publishes queuing behind a blocked subscriber.
type Bus struct {
	client *redis.Client
	log    *slog.Logger
}

// New wraps a Redis client for bus traffic.
func New(client *redis.Client, logger *slog.Logger) *Bus {
	return &Bus{client: client, log: logger.With("component", "bus")}
}

// PublishRoundUpdate broadcasts the current round's shape.
func (b *Bus) PublishRoundUpdate(ctx context.Context, update types.RoundUpdate) error {
	return b.publish(ctx, ChannelRoundUpdate, update)
}

// PublishInstantBet broadcasts a live bet the moment the listener sees it,
// before it is durably stored.
func (b *Bus) PublishInstantBet(ctx context.Context, bet types.Bet) error {
	return b.publish(ctx, ChannelInstantBet, types.InstantBet{Type: "instant_bet", Data: bet})
}

// PublishAnalysisRequest asks the wallet-analysis collaborator to refresh
// the bettor's stats once the bet is committed.
func (b *Bus) PublishAnalysisRequest(ctx context.Context, bet types.Bet) error {
	return b.publish(ctx, ChannelAnalysis, types.AnalysisRequest{Type: "analysis_request", Bet: bet})
}

// PublishPrediction broadcasts a prediction revision.
func (b *Bus) PublishPrediction(ctx context.Context, p types.Prediction) error {
	return b.publish(ctx, ChannelLivePredictions, p)
}

// PublishTradeLog broadcasts a trader phase record.
func (b *Bus) PublishTradeLog(ctx context.Context, entry types.TradeLogEntry) error {
	return b.publish(ctx, ChannelTradeLog, entry)
}

func (b *Bus) publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a raw subscription on the given channels. Callers decode
// per-channel with the Decode* helpers and must Close the subscription.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return b.client.Subscribe(ctx, channels...)
}

// DecodeRoundUpdate parses a round_update_channel payload.
func DecodeRoundUpdate(payload string) (types.RoundUpdate, error) {
	var update types.RoundUpdate
	if err := json.Unmarshal([]byte(payload), &update); err != nil {
		return types.RoundUpdate{}, fmt.Errorf("decode round update: %w", err)
	}
	return update, nil
}

// DecodeInstantBet parses an instant_bet_channel payload.
func DecodeInstantBet(payload string) (types.Bet, error) {
	var msg types.InstantBet
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return types.Bet{}, fmt.Errorf("decode instant bet: %w", err)
	}
	return msg.Data, nil
}

// DecodePrediction parses a live_predictions payload.
func DecodePrediction(payload string) (types.Prediction, error) {
	var p types.Prediction
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return types.Prediction{}, fmt.Errorf("decode prediction: %w", err)
	}
	return p, nil
}
