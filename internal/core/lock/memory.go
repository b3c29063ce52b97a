package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker is an in-process Locker for development and tests. It only
// excludes holders inside one process.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]entry
	clock func() time.Time
}

type entry struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]entry), clock: time.Now}
}

func (m *MemoryLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if e, ok := m.held[key]; ok && now.Before(e.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	m.held[key] = entry{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (m *MemoryLocker) Release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.held[key]; ok && e.token == token {
		delete(m.held, key)
	}
	return nil
}

func (m *MemoryLocker) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.held[key]
	if !ok || e.token != token || !m.clock().Before(e.expires) {
		return false, nil
	}
	e.expires = m.clock().Add(ttl)
	m.held[key] = e
	return true, nil
}
