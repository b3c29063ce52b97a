// Package lock provides mutual exclusion across process instances for scan,
// track, sweep and payout cycles.
//
// A lock is a key with a TTL and an owner token. Only the owner can release
// or refresh it, and a crashed owner loses it when the TTL runs out.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/trenches/internal/core/domain"
)

// Locker is the lock backend contract.
type Locker interface {
	// TryAcquire sets key if absent. ok is false when someone else holds it.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// Release deletes key if it is still owned by token.
	Release(ctx context.Context, key, token string) error

	// Refresh extends the TTL of key if it is still owned by token.
	Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// Keys used by the schedulers and the operator surface.
func ScanKey(chain domain.ChainID) string  { return "scan:" + string(chain) }
func TrackKey(chain domain.ChainID) string { return "track:" + string(chain) }
func SweepKey(chain domain.ChainID) string { return "sweep:" + string(chain) }
func IncidentKey(id int64) string          { return fmt.Sprintf("incident:%d", id) }
func UserScanKey(userID int64) string      { return fmt.Sprintf("scan:user:%d", userID) }

const PayoutsKey = "payouts:process"

// WithLock runs fn while holding key. It returns domain.ErrLockHeld without
// running fn when the key is taken. The lock is refreshed every ttl/3; if a
// refresh fails the context passed to fn is cancelled.
func WithLock(
	ctx context.Context,
	l Locker,
	key string,
	ttl time.Duration,
	fn func(ctx context.Context) error,
) error {
	token, ok, err := l.TryAcquire(ctx, key, ttl)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", key, domain.ErrLockHeld)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchdog(runCtx, l, key, token, ttl, cancel)
	}()

	defer func() {
		cancel(nil)
		<-done
		// Release on a fresh context so a cancelled caller still frees the key.
		releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer releaseCancel()
		if err := l.Release(releaseCtx, key, token); err != nil {
			slog.Warn("Failed to release lock", "key", key, "error", err)
		}
	}()

	err = fn(runCtx)
	if cause := context.Cause(runCtx); err != nil && errors.Is(cause, errLockLost) {
		return fmt.Errorf("%w: %w", cause, err)
	}
	return err
}

var errLockLost = errors.New("lock lost")

func watchdog(
	ctx context.Context,
	l Locker,
	key, token string,
	ttl time.Duration,
	cancel context.CancelCauseFunc,
) {
	interval := ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.Refresh(ctx, key, token, ttl)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				slog.Error("Lost lock, cancelling holder", "key", key, "error", err)
				cancel(fmt.Errorf("%s: %w", key, errLockLost))
				return
			}
		}
	}
}
