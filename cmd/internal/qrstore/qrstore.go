// Package qrstore keeps the latest pairing challenge per session for out-of-band
// retrieval. Entries expire after a bounded TTL; each Put overwrites the prior one.
package qrstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no unexpired challenge exists for a session.
var ErrNotFound = errors.New("qr not found")

const defaultTTL = 60 * time.Second

// Store is the QR handoff contract.
type Store interface {
	Put(ctx context.Context, sessionID, image string) error
	Get(ctx context.Context, sessionID string) (string, error)
	Delete(ctx context.Context, sessionID string) error
}

type memEntry struct {
	image   string
	expires time.Time
}

// Memory is a process-local Store. Expired entries are invisible to Get and are
// reclaimed by Sweep.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memEntry
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock injects the clock used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory constructs a Memory store with the given TTL (default 60s).
func NewMemory(ttl time.Duration, opts ...MemoryOption) *Memory {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	m := &Memory{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, sessionID, image string) error {
	m.mu.Lock()
	m.entries[sessionID] = memEntry{image: image, expires: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[sessionID]
	if !ok || !m.now().Before(e.expires) {
		return "", ErrNotFound
	}
	return e.image, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.entries, sessionID)
	m.mu.Unlock()
	return nil
}

// Sweep removes expired entries and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
