// Package supervisor runs the session lifecycle state machine.
//
// Each session id gets one supervisor goroutine per process. The goroutine is the only
// writer of that session's auth state, so credential and key writes are applied in
// event order. Fleet-wide exclusivity comes from the lock manager; the registry only
// tracks live handles in this process.
package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"wamux/cmd/internal/authstate"
	"wamux/cmd/internal/backoff"
	"wamux/cmd/internal/lock"
	"wamux/cmd/internal/metrics"
	"wamux/cmd/internal/qrstore"
	"wamux/cmd/internal/ratelimit"
	"wamux/cmd/internal/registry"
	"wamux/cmd/internal/store"
	"wamux/cmd/internal/transport"

	"golang.org/x/sync/errgroup"
)

const defaultOpTimeout = 10 * time.Second

// Config wires a Service. Locks, Auth and Transport are required.
type Config struct {
	Locks     *lock.Manager
	Auth      store.Backend
	Transport transport.Client

	// Records defaults to Auth.
	Records  store.Backend
	Registry *registry.Registry
	QR       qrstore.Store
	Backoff  backoff.Policy
	Limiter  *ratelimit.Keyed
	Metrics  metrics.Recorder
	Log      *slog.Logger

	// OpTimeout bounds each backend and transport call (default 10s).
	OpTimeout time.Duration

	AuthOptions []authstate.Option

	OnTransition func(Transition)
	OnMessage    func(sessionID string, msg transport.Message)
}

// Service owns the supervisors of this process and is the request-facing surface.
type Service struct {
	locks     *lock.Manager
	auth      store.Backend
	transport transport.Client
	records   *Records
	registry  *registry.Registry
	qr        qrstore.Store
	backoff   backoff.Policy
	limiter   *ratelimit.Keyed
	metrics   metrics.Recorder
	log       *slog.Logger
	opTimeout time.Duration
	authOpts  []authstate.Option

	onTransition func(Transition)
	onMessage    func(string, transport.Message)

	root   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	sups   map[string]*supervisor
	closed bool
}

// NewService validates cfg and constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Locks == nil {
		return nil, errors.New("supervisor: nil lock manager")
	}
	if cfg.Auth == nil {
		return nil, errors.New("supervisor: nil auth backend")
	}
	if cfg.Transport == nil {
		return nil, errors.New("supervisor: nil transport")
	}

	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	recBackend := cfg.Records
	if recBackend == nil {
		recBackend = cfg.Auth
	}
	records, err := NewRecords(recBackend)
	if err != nil {
		return nil, err
	}
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New(log)
	}
	qr := cfg.QR
	if qr == nil {
		qr = qrstore.NewMemory(0)
	}
	policy := cfg.Backoff
	if policy.Validate() != nil {
		policy = backoff.DefaultPolicy()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewKeyed(0, 0)
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}

	root, cancel := context.WithCancel(context.Background())
	return &Service{
		locks:        cfg.Locks,
		auth:         cfg.Auth,
		transport:    cfg.Transport,
		records:      records,
		registry:     reg,
		qr:           qr,
		backoff:      policy,
		limiter:      limiter,
		metrics:      rec,
		log:          log,
		opTimeout:    opTimeout,
		authOpts:     append([]authstate.Option{authstate.WithLogger(log)}, cfg.AuthOptions...),
		onTransition: cfg.OnTransition,
		onMessage:    cfg.OnMessage,
		root:         root,
		cancel:       cancel,
		sups:         make(map[string]*supervisor),
	}, nil
}

// Registry returns the live-handle registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Connect claims sessionID and starts its supervisor. It returns once the session is
// connecting (nil), was claimed elsewhere (lock.ErrAlreadyClaimed) or could not be
// initialized (ErrUnavailable). Connecting a session this process already runs is a no-op.
func (s *Service) Connect(ctx context.Context, sessionID string) error {
	sessionID, err := ValidateSessionID(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShutdown
	}
	if cur, ok := s.sups[sessionID]; ok && !cur.finished() {
		s.mu.Unlock()
		return nil
	}
	sup := newSupervisor(s, sessionID)
	s.sups[sessionID] = sup
	s.mu.Unlock()

	go sup.run()

	select {
	case err := <-sup.started:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetQR returns the pending pairing challenge or qrstore.ErrNotFound.
func (s *Service) GetQR(ctx context.Context, sessionID string) (string, error) {
	return s.qr.Get(ctx, sessionID)
}

// ListGroups lists groups through the live handle. It never connects.
func (s *Service) ListGroups(ctx context.Context, sessionID string) ([]transport.Group, error) {
	h, err := s.registry.Lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return h.ListGroups(ctx)
}

// SendMessage sends text through the live handle, subject to the per-session rate limit.
// It never connects.
func (s *Service) SendMessage(ctx context.Context, sessionID, to, text string) (string, error) {
	h, err := s.registry.Lookup(sessionID)
	if err != nil {
		return "", err
	}
	if err := s.limiter.Allow(sessionID); err != nil {
		s.metrics.IncSendResult(metrics.ResultLimited)
		return "", err
	}
	id, err := h.SendMessage(ctx, to, text)
	if err != nil {
		s.metrics.IncSendResult(metrics.ResultFailed)
		return "", err
	}
	s.metrics.IncSendResult(metrics.ResultOK)
	return id, nil
}

// Logout asks the transport to unlink the device and waits until the session ends.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	sup := s.lookup(sessionID)
	if sup == nil {
		return registry.ErrNotConnected
	}
	conn := sup.currentConn()
	if conn == nil {
		return registry.ErrNotConnected
	}
	if err := conn.Logout(ctx); err != nil {
		return err
	}

	select {
	case <-sup.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends sessionID in this process: timers and renewal are stopped, the transport
// closed and the lock released before it returns. The record is marked idle so the
// session is not resumed.
func (s *Service) Stop(ctx context.Context, sessionID string) error {
	sup := s.lookup(sessionID)
	if sup == nil {
		return nil
	}
	return sup.stop(ctx, true)
}

// Shutdown stops every supervisor and the lock manager. Records keep their last live
// status so another instance (or the next start) resumes the sessions.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sups := make([]*supervisor, 0, len(s.sups))
	for _, sup := range s.sups {
		sups = append(sups, sup)
	}
	s.mu.Unlock()
	live := s.registry.IDs()

	var g errgroup.Group
	for _, sup := range sups {
		g.Go(func() error { return sup.stop(ctx, false) })
	}
	err := g.Wait()

	s.cancel()
	s.locks.Close()
	s.log.Info("supervisor.shutdown", "sessions", len(sups), "live", live)
	if left := s.registry.IDs(); len(left) > 0 {
		s.log.Warn("supervisor.shutdown.handles_left", "session_ids", left)
	}
	return err
}

// Resume connects every persisted session whose last status was live and that this
// process does not already run. Sessions owned by a live peer are skipped.
// It returns how many sessions were started.
func (s *Service) Resume(ctx context.Context) (int, error) {
	recs, err := s.records.List(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, rec := range recs {
		if !rec.Status.Live() {
			continue
		}
		if sup := s.lookup(rec.SessionID); sup != nil && !sup.finished() {
			continue
		}

		err := s.Connect(ctx, rec.SessionID)
		switch {
		case err == nil:
			started++
		case errors.Is(err, lock.ErrAlreadyClaimed):
			s.forget(rec.SessionID)
		case errors.Is(err, ErrShutdown), ctx.Err() != nil:
			return started, err
		default:
			s.log.Warn("supervisor.resume.fail", "session_id", rec.SessionID, "err", err)
		}
	}
	if started > 0 {
		s.log.Info("supervisor.resume", "started", started)
	}
	return started, nil
}

// Status returns the live snapshot of sessionID, or its persisted record. A persisted
// record reports the current lock holder as Owner, empty when the lock is free.
func (s *Service) Status(ctx context.Context, sessionID string) (Record, error) {
	if sup := s.lookup(sessionID); sup != nil {
		return sup.snapshot(), nil
	}
	rec, err := s.records.Load(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return Record{}, ErrUnknownSession
	}
	if err != nil {
		return Record{}, err
	}

	// The record may be stale; the lock names whoever holds the session now.
	owner, held, err := s.locks.Holder(ctx, sessionID)
	if err != nil {
		s.log.Warn("supervisor.status.holder.fail", "session_id", sessionID, "err", err)
		return rec, nil
	}
	if !held {
		owner = ""
		rec.LockExpiry = time.Time{}
	}
	rec.Owner = owner
	return rec, nil
}

// Sessions returns snapshots of every supervisor known to this process.
func (s *Service) Sessions() []Record {
	s.mu.Lock()
	sups := make([]*supervisor, 0, len(s.sups))
	for _, sup := range s.sups {
		sups = append(sups, sup)
	}
	s.mu.Unlock()

	out := make([]Record, 0, len(sups))
	for _, sup := range sups {
		out = append(out, sup.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Wait blocks until the supervisor of sessionID has exited or ctx is done.
func (s *Service) Wait(ctx context.Context, sessionID string) error {
	sup := s.lookup(sessionID)
	if sup == nil {
		return nil
	}
	select {
	case <-sup.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepLimiters drops idle rate-limit windows.
func (s *Service) SweepLimiters() int {
	return s.limiter.Prune()
}

func (s *Service) lookup(sessionID string) *supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sups[sessionID]
}

// forget drops a supervisor that ended without ever owning the session.
func (s *Service) forget(sessionID string) {
	sup := s.lookup(sessionID)
	if sup == nil {
		return
	}
	<-sup.done

	s.mu.Lock()
	if s.sups[sessionID] == sup {
		delete(s.sups, sessionID)
	}
	s.mu.Unlock()
}

func (s *Service) now() time.Time { return time.Now().UTC() }
