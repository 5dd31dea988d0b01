package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Memory is a process-local Backend.
// It is the dev fallback when no durable backend is configured and the default in tests.
type Memory struct {
	mu      sync.RWMutex
	records map[Key][]byte
	closed  bool
}

// NewMemory constructs an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{records: make(map[Key][]byte)}
}

// Close drops all records.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[Key][]byte)
	m.closed = true
	return nil
}

// Get returns a copy of the stored payload.
func (m *Memory) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, transient("get", key, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, transient("get", key, errClosed)
	}

	v, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put stores a copy of value.
func (m *Memory) Put(ctx context.Context, key Key, value []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transient("put", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return transient("put", key, errClosed)
	}

	m.records[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes the record if present.
func (m *Memory) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transient("delete", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return transient("delete", key, errClosed)
	}

	delete(m.records, key)
	return nil
}

// List returns record names under namespace, sorted.
func (m *Memory) List(ctx context.Context, namespace string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, transient("list", Key{Namespace: namespace}, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0)
	for k := range m.records {
		if k.Namespace == namespace {
			out = append(out, k.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Len reports the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

var errClosed = errors.New("backend closed")

func trimmedOrDefault(s, def string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}
