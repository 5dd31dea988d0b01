// Package ratelimit provides sliding-window limiters, one window per key.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrLimited is returned when a key has exhausted its window.
var ErrLimited = errors.New("rate limited")

const (
	defaultEvents = 20
	defaultWindow = 10 * time.Second
)

// Window is a single sliding-window limiter.
type Window struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// NewWindow constructs a Window with safe defaults when inputs are invalid.
func NewWindow(limit int, window time.Duration) *Window {
	if limit <= 0 {
		limit = defaultEvents
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &Window{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted.
func (w *Window) Allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	if len(w.events) >= w.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// idle reports whether the window holds no events newer than now-window.
func (w *Window) idle(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.events) == 0
}

func (w *Window) prune(now time.Time) {
	cut := now.Add(-w.window)
	dst := w.events[:0]
	for _, t := range w.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	w.events = dst
}

// Keyed holds one Window per key (per session).
type Keyed struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*Window
}

// NewKeyed constructs a Keyed limiter allowing limit events per window for each key.
func NewKeyed(limit int, window time.Duration) *Keyed {
	if limit <= 0 {
		limit = defaultEvents
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &Keyed{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*Window),
	}
}

// Allow returns nil when key may proceed, ErrLimited otherwise.
func (k *Keyed) Allow(key string) error {
	k.mu.Lock()
	w, ok := k.windows[key]
	if !ok {
		w = NewWindow(k.limit, k.window)
		k.windows[key] = w
	}
	k.mu.Unlock()

	if !w.Allow(k.now()) {
		return ErrLimited
	}
	return nil
}

// Forget drops the window of key (session ended).
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	delete(k.windows, key)
	k.mu.Unlock()
}

// Prune drops windows with no recent events and returns how many were removed.
func (k *Keyed) Prune() int {
	now := k.now()
	k.mu.Lock()
	defer k.mu.Unlock()

	n := 0
	for key, w := range k.windows {
		if w.idle(now) {
			delete(k.windows, key)
			n++
		}
	}
	return n
}
