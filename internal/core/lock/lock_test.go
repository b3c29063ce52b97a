package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/trenches/internal/core/domain"
)

func TestMemoryLocker_Exclusive(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	token, ok, err := l.TryAcquire(ctx, PayoutsKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryAcquire(ctx, PayoutsKey, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A stale token must not free someone else's lock.
	require.NoError(t, l.Release(ctx, PayoutsKey, "not-the-owner"))
	_, ok, _ = l.TryAcquire(ctx, PayoutsKey, time.Minute)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, PayoutsKey, token))
	_, ok, _ = l.TryAcquire(ctx, PayoutsKey, time.Minute)
	assert.True(t, ok)
}

func TestMemoryLocker_Expiry(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Now()
	l.clock = func() time.Time { return now }
	ctx := context.Background()

	token, ok, _ := l.TryAcquire(ctx, "k", time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	refreshed, err := l.Refresh(ctx, "k", token, time.Second)
	require.NoError(t, err)
	assert.False(t, refreshed, "expired lock cannot be refreshed")

	_, ok, _ = l.TryAcquire(ctx, "k", time.Second)
	assert.True(t, ok, "crashed holder's lock expires")
}

func TestWithLock_SecondHolderSkips(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	var ran atomic.Int32
	start := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := WithLock(ctx, l, PayoutsKey, time.Minute, func(ctx context.Context) error {
			ran.Add(1)
			close(start)
			<-release
			return nil
		})
		assert.NoError(t, err)
	}()

	<-start
	err := WithLock(ctx, l, PayoutsKey, time.Minute, func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), ran.Load())

	// Released after the first holder returned.
	err = WithLock(ctx, l, PayoutsKey, time.Minute, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

type flakyLocker struct {
	*MemoryLocker
}

func (f flakyLocker) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return false, nil
}

func TestWithLock_CancelsWhenLockLost(t *testing.T) {
	l := flakyLocker{NewMemoryLocker()}

	err := WithLock(context.Background(), l, "k", 30*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errLockLost)
}
