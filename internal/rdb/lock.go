package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix = "processing:epoch:"

	// DefaultLockTTL bounds how long a crashed worker can hold an epoch.
	// A healthy sync finishes in well under a minute; after the TTL the
	// epoch becomes claimable again.
	DefaultLockTTL = 300 * time.Second
)

// EpochLock is the set-if-absent lock that makes one sync attempt per epoch
// the invariant across all reconciliation workers and processes. Contention
// is not an error: the loser skips, the winner owns the epoch.
type EpochLock struct {
	client *redis.Client
	holder string
	ttl    time.Duration
}

// NewEpochLock builds a lock handle. holder identifies this process in the
// lock value for diagnostics; ttl <= 0 falls back to DefaultLockTTL.
func NewEpochLock(client *redis.Client, holder string, ttl time.Duration) *EpochLock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &EpochLock{client: client, holder: holder, ttl: ttl}
}

// Acquire attempts to take the epoch. false means another worker holds it.
func (l *EpochLock) Acquire(ctx context.Context, epoch int64) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKey(epoch), l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire epoch lock %d: %w", epoch, err)
	}
	return ok, nil
}

// Release frees the epoch unconditionally. It runs in the sync's deferred
// path regardless of outcome; a sync outliving the TTL is an operational
// fault that the TTL itself already bounds.
func (l *EpochLock) Release(ctx context.Context, epoch int64) error {
	if err := l.client.Del(ctx, lockKey(epoch)).Err(); err != nil {
		return fmt.Errorf("release epoch lock %d: %w", epoch, err)
	}
	return nil
}

func lockKey(epoch int64) string {
	return fmt.Sprintf("%s%d", lockKeyPrefix, epoch)
}
