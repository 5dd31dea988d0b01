package lock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const defaultTTL = 60 * time.Second

// Lease is a granted claim. It stays valid until released or Lost is closed.
type Lease struct {
	SessionID string
	Owner     string
	TTL       time.Duration

	lost     chan struct{}
	lostOnce sync.Once

	cancel context.CancelFunc
	done   chan struct{}
}

// Lost is closed when the renewal loop could not extend the lease.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

func (l *Lease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

// stop cancels the renewal loop and waits for it to exit.
func (l *Lease) stop() {
	l.cancel()
	<-l.done
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the lease TTL (default 60s).
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithRenewInterval overrides the renewal period (default ttl/2).
func WithRenewInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger sets the logger used by renewal loops.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// Manager claims, renews and releases leases on behalf of one owner.
type Manager struct {
	backend  Backend
	owner    string
	ttl      time.Duration
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	leases map[string]*Lease
}

// NewManager constructs a Manager for owner over backend.
func NewManager(backend Backend, owner string, opts ...Option) (*Manager, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, errors.New("lock: empty owner")
	}
	if backend == nil {
		return nil, errors.New("lock: nil backend")
	}

	m := &Manager{
		backend: backend,
		owner:   owner,
		ttl:     defaultTTL,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		leases:  make(map[string]*Lease),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.interval <= 0 || m.interval >= m.ttl {
		m.interval = m.ttl / 2
	}
	return m, nil
}

// Owner returns the owner id this manager claims for.
func (m *Manager) Owner() string { return m.owner }

// TTL returns the lease TTL.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Claim acquires the lock for sessionID and starts its renewal loop.
// Claiming a session this manager already holds returns the live lease.
func (m *Manager) Claim(ctx context.Context, sessionID string) (*Lease, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrInvalidSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[sessionID]; ok {
		select {
		case <-l.lost:
			// Stale lease; fall through and try to re-acquire.
			delete(m.leases, sessionID)
		default:
			return l, nil
		}
	}

	ok, err := m.backend.Acquire(ctx, Key(sessionID), m.owner, m.ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyClaimed
	}

	rctx, cancel := context.WithCancel(context.Background())
	l := &Lease{
		SessionID: sessionID,
		Owner:     m.owner,
		TTL:       m.ttl,
		lost:      make(chan struct{}),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.leases[sessionID] = l
	go m.renewLoop(rctx, l)

	m.log.Info("lock.claim", "session_id", sessionID, "owner", m.owner, "ttl", m.ttl.String())
	return l, nil
}

// TryClaim is Claim reduced to a bool: true when the lock was acquired.
func (m *Manager) TryClaim(ctx context.Context, sessionID string) (bool, error) {
	_, err := m.Claim(ctx, sessionID)
	if errors.Is(err, ErrAlreadyClaimed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Renew extends the lock for sessionID once.
func (m *Manager) Renew(ctx context.Context, sessionID string) error {
	ok, err := m.backend.Extend(ctx, Key(sessionID), m.owner, m.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// Release stops the renewal loop, waits for it to exit, then deletes the lock if this
// owner still holds it. No renewal runs for sessionID once Release returns.
func (m *Manager) Release(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	l, ok := m.leases[sessionID]
	delete(m.leases, sessionID)
	m.mu.Unlock()

	if ok {
		l.stop()
	}

	if err := m.backend.Release(ctx, Key(sessionID), m.owner); err != nil {
		m.log.Warn("lock.release.fail", "session_id", sessionID, "owner", m.owner, "err", err)
		return err
	}
	m.log.Info("lock.release", "session_id", sessionID, "owner", m.owner)
	return nil
}

// Holder reports which owner currently holds sessionID's lock in the backend, which may
// be another process.
func (m *Manager) Holder(ctx context.Context, sessionID string) (string, bool, error) {
	return m.backend.Holder(ctx, Key(sessionID))
}

// Held reports whether this manager has a live lease for sessionID.
func (m *Manager) Held(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[sessionID]
	if !ok {
		return false
	}
	select {
	case <-l.lost:
		return false
	default:
		return true
	}
}

// Close stops every renewal loop without deleting the locks; they lapse after TTL.
func (m *Manager) Close() {
	m.mu.Lock()
	leases := m.leases
	m.leases = make(map[string]*Lease)
	m.mu.Unlock()

	for _, l := range leases {
		l.stop()
	}
}

func (m *Manager) renewLoop(ctx context.Context, l *Lease) {
	defer close(l.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rctx, cancel := context.WithTimeout(ctx, m.interval)
		err := m.Renew(rctx, l.SessionID)
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			continue
		}

		// Fail safe: stop renewing and let the lease lapse.
		if errors.Is(err, ErrLeaseLost) {
			m.log.Warn("lock.renew.lost", "session_id", l.SessionID, "owner", l.Owner)
		} else {
			m.log.Error("lock.renew.fail", "session_id", l.SessionID, "owner", l.Owner, "err", err)
		}
		l.markLost()

		m.mu.Lock()
		if cur, ok := m.leases[l.SessionID]; ok && cur == l {
			delete(m.leases, l.SessionID)
		}
		m.mu.Unlock()
		return
	}
}
