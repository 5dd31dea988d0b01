// Package registry is the process-local cache of live session handles.
//
// It is not an ownership authority: the lock manager decides which process owns a
// session across the fleet. The registry only answers "is this session live here".
package registry

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"wamux/cmd/internal/transport"
)

var (
	// ErrNotConnected is returned by Lookup when no live handle exists.
	// Read paths surface it instead of connecting as a side effect.
	ErrNotConnected = errors.New("session not connected")

	// ErrAlreadyRegistered is returned when a different handle is already live for the id.
	ErrAlreadyRegistered = errors.New("session already registered")
)

// Handle is a live connection a read path can use.
type Handle = transport.Conn

// Registry maps session ids to live handles.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	handles map[string]Handle
}

// New constructs an empty Registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		log:     log,
		handles: make(map[string]Handle),
	}
}

// Register records h as the live handle for id. Re-registering the same handle is a no-op.
func (r *Registry) Register(id string, h Handle) error {
	if h == nil {
		return errors.New("registry: nil handle")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.handles[id]; ok {
		if cur == h {
			return nil
		}
		return ErrAlreadyRegistered
	}
	r.handles[id] = h
	r.log.Debug("registry.register", "session_id", id)
	return nil
}

// Lookup returns the live handle for id or ErrNotConnected.
func (r *Registry) Lookup(id string) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[id]
	if !ok {
		return nil, ErrNotConnected
	}
	return h, nil
}

// Unregister removes id only while h is still its handle, so a stale supervisor
// cannot evict a newer connection. It reports whether an entry was removed.
func (r *Registry) Unregister(id string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.handles[id]
	if !ok || cur != h {
		return false
	}
	delete(r.handles, id)
	r.log.Debug("registry.unregister", "session_id", id)
	return true
}

// IDs returns the registered session ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handles))
	for id := range r.handles {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
