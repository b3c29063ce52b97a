package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/core/lock"
)

func unreachableLocker(t *testing.T) *Locker {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewLocker(NewFromRedis(rdb))
}

func TestLocker_FailsLoudlyWhenBackendDown(t *testing.T) {
	l := unreachableLocker(t)
	ctx := context.Background()

	_, ok, err := l.TryAcquire(ctx, lock.PayoutsKey, time.Minute)
	if ok {
		t.Fatal("Expected acquire to fail")
	}
	if !errors.Is(err, domain.ErrLockBackendUnavailable) {
		t.Fatalf("Expected ErrLockBackendUnavailable, got %v", err)
	}

	if _, err := l.Refresh(ctx, lock.PayoutsKey, "token", time.Minute); !errors.Is(err, domain.ErrLockBackendUnavailable) {
		t.Errorf("Expected ErrLockBackendUnavailable on refresh, got %v", err)
	}
}

func TestWithLock_DoesNotRunWithoutBackend(t *testing.T) {
	l := unreachableLocker(t)

	ran := false
	err := lock.WithLock(context.Background(), l, lock.ScanKey(domain.ChainBase), time.Minute,
		func(ctx context.Context) error {
			ran = true
			return nil
		})
	if ran {
		t.Error("Callback must not run without the lock")
	}
	if !errors.Is(err, domain.ErrLockBackendUnavailable) {
		t.Errorf("Expected ErrLockBackendUnavailable, got %v", err)
	}
}
