package rdb

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
)

func TestEpochLockAcquire(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	lock := NewEpochLock(db, "worker-1", 0) // 0 falls back to the default TTL

	mock.ExpectSetNX("processing:epoch:42", "worker-1", DefaultLockTTL).SetVal(true)

	ok, err := lock.Acquire(context.Background(), 42)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !ok {
		t.Error("expected to win the lock")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet redis expectations: %v", err)
	}
}

func TestEpochLockContention(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	lock := NewEpochLock(db, "worker-2", 0)

	mock.ExpectSetNX("processing:epoch:42", "worker-2", DefaultLockTTL).SetVal(false)

	ok, err := lock.Acquire(context.Background(), 42)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ok {
		t.Error("expected to lose a held lock")
	}
}

func TestEpochLockCustomTTL(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	lock := NewEpochLock(db, "worker-1", 10*time.Second)

	mock.ExpectSetNX("processing:epoch:7", "worker-1", 10*time.Second).SetVal(true)

	if _, err := lock.Acquire(context.Background(), 7); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet redis expectations: %v", err)
	}
}

func TestEpochLockAcquireError(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	lock := NewEpochLock(db, "worker-1", 0)

	mock.ExpectSetNX("processing:epoch:42", "worker-1", DefaultLockTTL).SetErr(errors.New("connection refused"))

	_, err := lock.Acquire(context.Background(), 42)
	if err == nil || !strings.Contains(err.Error(), "acquire epoch lock 42") {
		t.Fatalf("expected acquire error, got %v", err)
	}
}

func TestEpochLockRelease(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	lock := NewEpochLock(db, "worker-1", 0)

	mock.ExpectDel("processing:epoch:42").SetVal(1)

	if err := lock.Release(context.Background(), 42); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet redis expectations: %v", err)
	}
}

func TestEpochLockReleaseError(t *testing.T) {
	t.Parallel()

	db, mock := redismock.NewClientMock()
	lock := NewEpochLock(db, "worker-1", 0)

	mock.ExpectDel("processing:epoch:42").SetErr(errors.New("connection refused"))

	err := lock.Release(context.Background(), 42)
	if err == nil || !strings.Contains(err.Error(), "release epoch lock 42") {
		t.Fatalf("expected release error, got %v", err)
	}
}
