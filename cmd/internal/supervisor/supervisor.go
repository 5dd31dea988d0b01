package supervisor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"wamux/cmd/internal/authstate"
	"wamux/cmd/internal/lock"
	"wamux/cmd/internal/metrics"
	"wamux/cmd/internal/transport"
)

type endKind uint8

const (
	endStopped endKind = iota
	endLoggedOut
	endFailed
	endTransient
)

// outcome is how one claim-connect-serve cycle ended.
type outcome struct {
	kind   endKind
	opened bool
	err    error
}

// supervisor runs the state machine of one session.
type supervisor struct {
	id  string
	svc *Service

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	started   chan error
	startOnce sync.Once

	mu          sync.Mutex
	state       State
	attempt     int
	lastErr     error
	lastQR      string
	conn        transport.Conn
	owned       bool
	lockExpiry  time.Time
	persistIdle bool

	// w outlives a single connection so pending writes survive a reconnect.
	w *writer
}

func newSupervisor(svc *Service, id string) *supervisor {
	ctx, cancel := context.WithCancel(svc.root)
	return &supervisor{
		id:      id,
		svc:     svc,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: make(chan error, 1),
		state:   Idle,
		w:       &writer{},
	}
}

func (s *supervisor) run() {
	defer close(s.done)
	defer s.report(ErrStopped)

	attempt := 0
	for {
		out := s.cycle(attempt)
		if out.opened {
			attempt = 0
		}

		switch out.kind {
		case endStopped:
			s.transition(Idle, "stopped")
			s.release()
			return

		case endLoggedOut, endFailed:
			return

		case endTransient:
			attempt++
			if s.svc.backoff.Exhausted(attempt) {
				s.fail(fmt.Errorf("reconnect attempts exhausted: %w", out.err))
				s.release()
				return
			}

			delay := s.svc.backoff.Delay(attempt)
			s.setAttempt(attempt, out.err)
			s.transitionWith(Closing, reasonOf(out.err), attempt, delay)
			s.report(nil)
			s.svc.metrics.IncReconnect()

			t := time.NewTimer(delay)
			select {
			case <-s.ctx.Done():
				t.Stop()
				s.transition(Idle, "stopped")
				s.release()
				return
			case <-t.C:
			}
		}
	}
}

// cycle claims the session, opens auth state and the transport, then serves events.
func (s *supervisor) cycle(attempt int) outcome {
	reason := "connect"
	if attempt > 0 {
		reason = fmt.Sprintf("reconnect attempt %d", attempt)
	}
	s.transition(Claiming, reason)
	began := time.Now()

	ctx, cancel := s.opCtx()
	lease, err := s.svc.locks.Claim(ctx, s.id)
	cancel()
	if err != nil {
		if s.ctx.Err() != nil {
			return outcome{kind: endStopped}
		}
		if errors.Is(err, lock.ErrAlreadyClaimed) {
			s.svc.metrics.IncLockResult("claim", metrics.ResultDenied)
			s.fail(err)
			return outcome{kind: endFailed}
		}
		s.svc.metrics.IncLockResult("claim", metrics.ResultFailed)
		s.fail(fmt.Errorf("%w: claim: %w", ErrUnavailable, err))
		s.observeConnect(began, metrics.ResultFailed)
		return outcome{kind: endFailed}
	}
	s.svc.metrics.IncLockResult("claim", metrics.ResultOK)
	s.setOwned(lease)

	ctx, cancel = s.opCtx()
	st, err := authstate.Open(ctx, s.svc.auth, s.id, s.svc.authOpts...)
	cancel()
	if err != nil {
		if s.ctx.Err() != nil {
			return outcome{kind: endStopped}
		}
		s.fail(fmt.Errorf("%w: auth state: %w", ErrUnavailable, err))
		s.release()
		s.observeConnect(began, metrics.ResultFailed)
		return outcome{kind: endFailed}
	}

	ctx, cancel = s.opCtx()
	conn, err := s.svc.transport.Connect(ctx, transport.Session{
		ID:          s.id,
		Credentials: st.Credentials(),
		Keys:        st,
	})
	cancel()
	if err != nil {
		if s.ctx.Err() != nil {
			return outcome{kind: endStopped}
		}
		s.svc.log.Warn("supervisor.transport.connect.fail", "session_id", s.id, "err", err)
		return outcome{kind: endTransient, err: fmt.Errorf("transport connect: %w", err)}
	}

	s.w.st = st
	s.setConn(conn)
	s.transition(Connecting, "")
	s.report(nil)

	return s.serve(conn, lease, began)
}

// serve consumes transport events until the connection ends.
func (s *supervisor) serve(conn transport.Conn, lease *lock.Lease, began time.Time) outcome {
	w := s.w
	opened := false
	events := conn.Events()

	for {
		select {
		case <-s.ctx.Done():
			s.closeConn(conn)
			return outcome{kind: endStopped, opened: opened}

		case <-lease.Lost():
			s.svc.metrics.IncLockResult("renew", metrics.ResultLost)
			s.clearOwned()
			s.closeConn(conn)
			s.fail(lock.ErrLeaseLost)
			return outcome{kind: endFailed, opened: opened}

		case ev, ok := <-events:
			if !ok {
				s.closeConn(conn)
				return outcome{kind: endTransient, opened: opened, err: errors.New("transport closed")}
			}

			switch e := ev.(type) {
			case transport.PairingChallenge:
				s.onPairing(e.Data)

			case transport.CredentialsRotated:
				s.write("creds", func(ctx context.Context) error { return w.rotateCredentials(ctx, e.Credentials) })

			case transport.KeysRotated:
				s.write("keys", func(ctx context.Context) error { return w.rotateKey(ctx, e.Category, e.ID, e.Material) })

			case transport.MessageReceived:
				s.svc.log.Debug("supervisor.message", "session_id", s.id, "message_id", e.Message.ID)
				if s.svc.onMessage != nil {
					s.svc.onMessage(s.id, e.Message)
				}

			case transport.StateChanged:
				switch {
				case e.LoggedOut():
					s.closeConn(conn)
					s.clearQR()
					s.setErr(ErrLoggedOut)
					s.transition(LoggedOut, e.Reason)
					s.release()
					return outcome{kind: endLoggedOut, opened: opened}

				case e.State == transport.StateOpen && !opened:
					// Pending credential or key writes must land before the session is Open.
					if w.pending() {
						ctx, cancel := s.opCtx()
						err := w.flush(ctx)
						cancel()
						if err != nil {
							s.svc.log.Error("supervisor.open.blocked", "session_id", s.id, "err", err)
							s.closeConn(conn)
							return outcome{kind: endTransient, err: fmt.Errorf("pending write: %w", err)}
						}
					}
					if err := s.svc.registry.Register(s.id, conn); err != nil {
						s.closeConn(conn)
						s.fail(fmt.Errorf("register: %w", err))
						s.release()
						return outcome{kind: endFailed}
					}
					s.svc.metrics.SetLiveSessions(s.svc.registry.Len())
					s.clearQR()
					opened = true
					s.setAttempt(0, nil)
					s.transition(Open, "")
					s.observeConnect(began, metrics.ResultOK)

				case e.State == transport.StateClosed:
					s.closeConn(conn)
					reason := e.Reason
					if reason == "" {
						reason = "connection closed"
					}
					return outcome{kind: endTransient, opened: opened, err: errors.New(reason)}
				}
			}
		}
	}
}

func (s *supervisor) onPairing(data string) {
	ctx, cancel := s.opCtx()
	err := s.svc.qr.Put(ctx, s.id, data)
	cancel()
	if err != nil {
		s.svc.log.Warn("supervisor.qr.put.fail", "session_id", s.id, "err", err)
	}

	s.mu.Lock()
	s.lastQR = data
	cur := s.state
	s.mu.Unlock()

	if cur != AwaitingScan {
		s.transition(AwaitingScan, "pairing challenge")
		return
	}
	s.persist()
}

// write applies one rotation. Failures are kept pending and retried with the next
// write or before Open.
func (s *supervisor) write(kind string, fn func(context.Context) error) {
	ctx, cancel := s.opCtx()
	err := fn(ctx)
	cancel()
	if err != nil {
		s.svc.metrics.IncStoreWriteFailure(kind)
		s.svc.log.Error("supervisor.write.fail", "session_id", s.id, "kind", kind, "err", err)
	}
}

func (s *supervisor) stop(ctx context.Context, persistIdle bool) error {
	s.mu.Lock()
	s.persistIdle = persistIdle
	s.mu.Unlock()

	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *supervisor) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *supervisor) report(err error) {
	s.startOnce.Do(func() { s.started <- err })
}

func (s *supervisor) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.svc.opTimeout)
}

// teardownCtx outlives a stopped supervisor so release and final writes still run.
func (s *supervisor) teardownCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.svc.opTimeout)
}

func (s *supervisor) closeConn(conn transport.Conn) {
	if s.svc.registry.Unregister(s.id, conn) {
		s.svc.metrics.SetLiveSessions(s.svc.registry.Len())
	}
	if err := conn.Close(); err != nil {
		s.svc.log.Debug("supervisor.transport.close.fail", "session_id", s.id, "err", err)
	}
	s.setConn(nil)
}

func (s *supervisor) clearQR() {
	ctx, cancel := s.teardownCtx()
	defer cancel()
	if err := s.svc.qr.Delete(ctx, s.id); err != nil {
		s.svc.log.Warn("supervisor.qr.delete.fail", "session_id", s.id, "err", err)
	}
	s.mu.Lock()
	s.lastQR = ""
	s.mu.Unlock()
}

// release drops the lock if this supervisor owns it. Callers persist the final state
// first, while the record is still theirs. The renewal loop is joined before the delete.
func (s *supervisor) release() {
	s.mu.Lock()
	owned := s.owned
	s.mu.Unlock()
	if !owned {
		return
	}

	ctx, cancel := s.teardownCtx()
	defer cancel()
	if err := s.svc.locks.Release(ctx, s.id); err != nil {
		s.svc.metrics.IncLockResult("release", metrics.ResultFailed)
	} else {
		s.svc.metrics.IncLockResult("release", metrics.ResultOK)
	}

	s.mu.Lock()
	s.owned = false
	s.mu.Unlock()
}

func (s *supervisor) fail(err error) {
	s.setErr(err)
	s.transition(Failed, err.Error())
	s.report(err)
}

func (s *supervisor) transition(to State, reason string) {
	s.transitionWith(to, reason, 0, 0)
}

func (s *supervisor) transitionWith(to State, reason string, attempt int, delay time.Duration) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	attrs := []any{"session_id", s.id, "from", string(from), "to", string(to)}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	if delay > 0 {
		attrs = append(attrs, "attempt", attempt, "delay", delay.String())
	}
	if to == Failed {
		s.svc.log.Warn("supervisor.transition", attrs...)
	} else {
		s.svc.log.Info("supervisor.transition", attrs...)
	}

	s.svc.metrics.IncTransition(string(from), string(to))
	s.persist()

	if s.svc.onTransition != nil {
		s.svc.onTransition(Transition{
			SessionID: s.id,
			From:      from,
			To:        to,
			Reason:    reason,
			Attempt:   attempt,
			Delay:     delay,
			At:        s.svc.now(),
		})
	}
}

// persist writes the session record while this process owns the session.
// Idle is only recorded for explicit stops, so shutdown leaves sessions resumable.
func (s *supervisor) persist() {
	s.mu.Lock()
	allowed := s.owned
	if s.state == Idle {
		allowed = allowed && s.persistIdle
	}
	if !allowed {
		s.mu.Unlock()
		return
	}
	rec := s.recordLocked()
	s.mu.Unlock()

	ctx, cancel := s.teardownCtx()
	defer cancel()
	if err := s.svc.records.Save(ctx, rec); err != nil {
		s.svc.log.Warn("supervisor.record.fail", "session_id", s.id, "status", string(rec.Status), "err", err)
	}
}

func (s *supervisor) snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked()
}

func (s *supervisor) recordLocked() Record {
	rec := Record{
		SessionID:  s.id,
		Status:     s.state,
		Owner:      s.svc.locks.Owner(),
		LockExpiry: s.lockExpiry,
		LastQR:     s.lastQR,
		Attempt:    s.attempt,
		UpdatedAt:  s.svc.now(),
	}
	if s.lastErr != nil {
		rec.LastError = s.lastErr.Error()
	}
	return rec
}

func (s *supervisor) currentConn() transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *supervisor) setConn(c transport.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *supervisor) setOwned(l *lock.Lease) {
	s.mu.Lock()
	s.owned = true
	s.lockExpiry = s.svc.now().Add(l.TTL)
	s.mu.Unlock()
	s.persist()
}

func (s *supervisor) clearOwned() {
	s.mu.Lock()
	s.owned = false
	s.mu.Unlock()
}

func (s *supervisor) setAttempt(n int, err error) {
	s.mu.Lock()
	s.attempt = n
	s.lastErr = err
	s.mu.Unlock()
}

func (s *supervisor) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *supervisor) observeConnect(began time.Time, result string) {
	s.svc.metrics.ObserveConnectDuration(time.Since(began), result)
}

func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// writer orders credential and key writes for one session and keeps failed ones pending.
// A newer value for the same credential field or key replaces the pending one, so a
// retry never writes stale data over newer data.
type writer struct {
	st    *authstate.State
	creds map[string]any
	keys  map[string]map[string]any
}

func (w *writer) rotateCredentials(ctx context.Context, patch map[string]any) error {
	if w.creds == nil {
		w.creds = make(map[string]any, len(patch))
	}
	maps.Copy(w.creds, patch)
	return w.flush(ctx)
}

func (w *writer) rotateKey(ctx context.Context, category, id string, material any) error {
	if w.keys == nil {
		w.keys = make(map[string]map[string]any)
	}
	if w.keys[category] == nil {
		w.keys[category] = make(map[string]any)
	}
	w.keys[category][id] = material
	return w.flush(ctx)
}

func (w *writer) pending() bool {
	return len(w.creds) > 0 || len(w.keys) > 0
}

func (w *writer) flush(ctx context.Context) error {
	var errs []error
	if len(w.creds) > 0 {
		if err := w.st.MergeCredentials(ctx, w.creds); err != nil {
			errs = append(errs, fmt.Errorf("credentials: %w", err))
		} else {
			w.creds = nil
		}
	}
	if len(w.keys) > 0 {
		if err := w.st.SetKeys(ctx, w.keys); err != nil {
			errs = append(errs, fmt.Errorf("keys: %w", err))
		} else {
			w.keys = nil
		}
	}
	return errors.Join(errs...)
}
