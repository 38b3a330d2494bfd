package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"roundflow/pkg/types"
)

const (
	predictionKeyPrefix = "prediction:latest:"

	// PredictionTTL keeps the latest record fetchable for late dashboard
	// subscribers without turning the cache into storage.
	PredictionTTL = 30 * time.Minute
)

// PredictionCache stores the most recent prediction per epoch under a TTL
// so subscribers that join mid-round can catch up.
type PredictionCache struct {
	client *redis.Client
}

// NewPredictionCache wraps a Redis client for prediction caching.
func NewPredictionCache(client *redis.Client) *PredictionCache {
	return &PredictionCache{client: client}
}

// Store overwrites the epoch's cached prediction and refreshes its TTL.
func (c *PredictionCache) Store(ctx context.Context, p types.Prediction) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal prediction: %w", err)
	}
	if err := c.client.Set(ctx, predictionKey(p.Epoch), data, PredictionTTL).Err(); err != nil {
		return fmt.Errorf("cache prediction %d: %w", p.Epoch, err)
	}
	return nil
}

// Latest fetches the cached prediction for an epoch. The second return is
// false when nothing is cached (or it expired).
func (c *PredictionCache) Latest(ctx context.Context, epoch int64) (types.Prediction, bool, error) {
	data, err := c.client.Get(ctx, predictionKey(epoch)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.Prediction{}, false, nil
	}
	if err != nil {
		return types.Prediction{}, false, fmt.Errorf("fetch prediction %d: %w", epoch, err)
	}
	var p types.Prediction
	if err := json.Unmarshal(data, &p); err != nil {
		return types.Prediction{}, false, fmt.Errorf("decode cached prediction %d: %w", epoch, err)
	}
	return p, true, nil
}

func predictionKey(epoch int64) string {
	return fmt.Sprintf("%s%d", predictionKeyPrefix, epoch)
}
