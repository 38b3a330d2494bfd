package bus

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-redis/redismock/v9"

	"roundflow/pkg/types"
)

func samplePrediction() types.Prediction {
	return types.Prediction{
		Epoch:     42,
		Timestamp: 1714536000000,
		Version:   2,
		Strategies: types.Strategies{Momentum: types.MomentumResult{
			Prediction: types.DOWN,
			Confidence: types.ConfidenceMedium,
			Score:      -2,
			Reasons:    []string{"down tilt in recent results"},
			Features:   types.Features{UpRatio: 0.25, UpRatioDiff: -0.25, VolumeRatio: 1, Slope: 0},
		}},
	}
}

func TestPredictionCacheStore(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	cache := NewPredictionCache(db)
	p := samplePrediction()

	mock.ExpectSet("prediction:latest:42", mustMarshal(t, p), PredictionTTL).SetVal("OK")

	if err := cache.Store(context.Background(), p); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet redis expectations: %v", err)
	}
}

func TestPredictionCacheStoreError(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	cache := NewPredictionCache(db)
	p := samplePrediction()

	mock.ExpectSet("prediction:latest:42", mustMarshal(t, p), PredictionTTL).SetErr(errors.New("connection refused"))

	err := cache.Store(context.Background(), p)
	if err == nil || !strings.Contains(err.Error(), "cache prediction 42") {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestPredictionCacheLatest(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	cache := NewPredictionCache(db)
	p := samplePrediction()

	mock.ExpectGet("prediction:latest:42").SetVal(string(mustMarshal(t, p)))

	got, ok, err := cache.Latest(context.Background(), 42)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if !ok {
		t.Fatal("expected a cached prediction")
	}
	if got.Epoch != 42 || got.Version != 2 || got.Strategies.Momentum.Prediction != types.DOWN {
		t.Errorf("cached prediction mismatch: %+v", got)
	}
}

func TestPredictionCacheLatestMiss(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	cache := NewPredictionCache(db)

	mock.ExpectGet("prediction:latest:42").RedisNil()

	_, ok, err := cache.Latest(context.Background(), 42)
	if err != nil {
		t.Fatalf("expected a silent miss, got %v", err)
	}
	if ok {
		t.Error("expected no cached prediction")
	}
}

func TestPredictionCacheLatestErrors(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	cache := NewPredictionCache(db)

	mock.ExpectGet("prediction:latest:42").SetErr(errors.New("connection refused"))
	if _, _, err := cache.Latest(context.Background(), 42); err == nil || !strings.Contains(err.Error(), "fetch prediction 42") {
		t.Fatalf("expected fetch error, got %v", err)
	}

	mock.ExpectGet("prediction:latest:42").SetVal("{broken")
	if _, _, err := cache.Latest(context.Background(), 42); err == nil || !strings.Contains(err.Error(), "decode cached prediction 42") {
		t.Fatalf("expected decode error, got %v", err)
	}
}
