package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/core/lock"
)

const keyPrefix = "trenches:lock:"

// Release only if the value is still our token, so a holder whose TTL ran
// out cannot delete the next holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`)

var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Locker implements lock.Locker with SET NX PX. Every backend error wraps
// domain.ErrLockBackendUnavailable; callers must not run unprotected.
type Locker struct {
	rdb *redis.Client
}

var _ lock.Locker = (*Locker)(nil)

// NewLocker creates a Redis-backed locker.
func NewLocker(c *Client) *Locker {
	return &Locker{rdb: c.rdb}
}

func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("%w: setnx %s: %v", domain.ErrLockBackendUnavailable, key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{keyPrefix + key}, token).Err(); err != nil {
		return fmt.Errorf("%w: release %s: %v", domain.ErrLockBackendUnavailable, key, err)
	}
	return nil
}

func (l *Locker) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, l.rdb, []string{keyPrefix + key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("%w: refresh %s: %v", domain.ErrLockBackendUnavailable, key, err)
	}
	return n == 1, nil
}
