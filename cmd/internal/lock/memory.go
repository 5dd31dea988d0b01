package lock

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	owner   string
	expires time.Time
}

// Memory is a process-local lock Backend. It arbitrates between Managers that share it,
// which is enough for a single process and for tests.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[string]memEntry
}

// NewMemory constructs a Memory backend using the wall clock.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock constructs a Memory backend with an injectable clock.
func NewMemoryWithClock(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, locks: make(map[string]memEntry)}
}

// Acquire implements Backend.
func (m *Memory) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.locks[key]; ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	m.locks[key] = memEntry{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Extend implements Backend.
func (m *Memory) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[key]
	if !ok || cur.owner != owner {
		return false, nil
	}
	cur.expires = m.now().Add(ttl)
	m.locks[key] = cur
	return true, nil
}

// Release implements Backend.
func (m *Memory) Release(ctx context.Context, key, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.locks[key]; ok && cur.owner == owner {
		delete(m.locks, key)
	}
	return nil
}

// Holder implements Backend.
func (m *Memory) Holder(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[key]
	if !ok || !m.now().Before(cur.expires) {
		return "", false, nil
	}
	return cur.owner, true, nil
}
