package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"wamux/cmd/internal/authstate"
	"wamux/cmd/internal/backoff"
	"wamux/cmd/internal/lock"
	"wamux/cmd/internal/qrstore"
	"wamux/cmd/internal/ratelimit"
	"wamux/cmd/internal/registry"
	"wamux/cmd/internal/store"
	"wamux/cmd/internal/transport"
	"wamux/cmd/internal/transport/transporttest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// faultyBackend fails writes and reads of selected record names.
type faultyBackend struct {
	*store.Memory

	mu      sync.Mutex
	failGet map[string]bool
	failPut map[string]bool
}

func newFaultyBackend() *faultyBackend {
	return &faultyBackend{
		Memory:  store.NewMemory(),
		failGet: make(map[string]bool),
		failPut: make(map[string]bool),
	}
}

var errBoom = errors.New("connection refused")

func (f *faultyBackend) setFailGet(name string, v bool) {
	f.mu.Lock()
	f.failGet[name] = v
	f.mu.Unlock()
}

func (f *faultyBackend) setFailPut(name string, v bool) {
	f.mu.Lock()
	f.failPut[name] = v
	f.mu.Unlock()
}

func (f *faultyBackend) Get(ctx context.Context, key store.Key) ([]byte, error) {
	f.mu.Lock()
	fail := f.failGet[key.Name]
	f.mu.Unlock()
	if fail {
		return nil, &store.TransientError{Op: "get", Key: key, Err: errBoom}
	}
	return f.Memory.Get(ctx, key)
}

func (f *faultyBackend) Put(ctx context.Context, key store.Key, value []byte) error {
	f.mu.Lock()
	fail := f.failPut[key.Name]
	f.mu.Unlock()
	if fail {
		return &store.TransientError{Op: "put", Key: key, Err: errBoom}
	}
	return f.Memory.Put(ctx, key, value)
}

type harness struct {
	svc     *Service
	client  *transporttest.Client
	locks   *lock.Memory
	manager *lock.Manager
	auth    *faultyBackend
	qr      *qrstore.Memory

	mu          sync.Mutex
	transitions []Transition
	messages    []transport.Message
}

type harnessOption func(*Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	return newHarnessOn(t, lock.NewMemory(), newFaultyBackend(), "proc-a", opts...)
}

func newHarnessOn(t *testing.T, locks *lock.Memory, auth *faultyBackend, owner string, opts ...harnessOption) *harness {
	t.Helper()

	manager, err := lock.NewManager(locks, owner, lock.WithTTL(time.Minute))
	require.NoError(t, err)

	h := &harness{
		client:  transporttest.NewClient(),
		locks:   locks,
		manager: manager,
		auth:    auth,
		qr:      qrstore.NewMemory(time.Minute),
	}
	cfg := Config{
		Locks:     manager,
		Auth:      auth,
		Transport: h.client,
		QR:        h.qr,
		Backoff:   backoff.NewPolicy(10*time.Millisecond, 20*time.Millisecond, 3, 0.2),
		OpTimeout: time.Second,
		OnTransition: func(tr Transition) {
			h.mu.Lock()
			h.transitions = append(h.transitions, tr)
			h.mu.Unlock()
		},
		OnMessage: func(_ string, msg transport.Message) {
			h.mu.Lock()
			h.messages = append(h.messages, msg)
			h.mu.Unlock()
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	svc, err := NewService(cfg)
	require.NoError(t, err)
	h.svc = svc

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return h
}

func (h *harness) nextConn(t *testing.T) *transporttest.Conn {
	t.Helper()
	select {
	case c := <-h.client.Conns():
		return c
	case <-time.After(waitFor):
		t.Fatalf("no transport connection opened")
		return nil
	}
}

func (h *harness) waitState(t *testing.T, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := h.svc.Status(context.Background(), id)
		return err == nil && rec.Status == want
	}, waitFor, 5*time.Millisecond, "session %s never reached %s", id, want)
}

func (h *harness) transitionsTo(to State) []Transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Transition
	for _, tr := range h.transitions {
		if tr.To == to {
			out = append(out, tr)
		}
	}
	return out
}

func (h *harness) holder(id string) (string, bool) {
	owner, held, _ := h.manager.Holder(context.Background(), id)
	return owner, held
}

// connectOpen connects id and drives its first connection to Open.
func (h *harness) connectOpen(t *testing.T, id string) *transporttest.Conn {
	t.Helper()
	require.NoError(t, h.svc.Connect(context.Background(), id))
	conn := h.nextConn(t)
	conn.Emit(transport.StateChanged{State: transport.StateOpen})
	h.waitState(t, id, Open)
	return conn
}

func TestNewService_Validation(t *testing.T) {
	t.Parallel()

	m, err := lock.NewManager(lock.NewMemory(), "proc")
	require.NoError(t, err)
	t.Cleanup(m.Close)

	_, err = NewService(Config{Auth: store.NewMemory(), Transport: transporttest.NewClient()})
	assert.Error(t, err)
	_, err = NewService(Config{Locks: m, Transport: transporttest.NewClient()})
	assert.Error(t, err)
	_, err = NewService(Config{Locks: m, Auth: store.NewMemory()})
	assert.Error(t, err)
}

func TestConnect_OpensAndRegisters(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.connectOpen(t, "u1")

	owner, ok := h.holder("u1")
	require.True(t, ok)
	assert.Equal(t, "proc-a", owner)

	handle, err := h.svc.Registry().Lookup("u1")
	require.NoError(t, err)
	assert.Same(t, conn, handle)

	rec, err := h.svc.records.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, Open, rec.Status)
	assert.Equal(t, "proc-a", rec.Owner)
	assert.False(t, rec.LockExpiry.IsZero())

	// The session handed to the transport carries freshly created credentials.
	sess := conn.Session()
	assert.Equal(t, "u1", sess.ID)
	assert.NotEmpty(t, sess.Credentials)
}

func TestConnect_Idempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connectOpen(t, "u1")

	require.NoError(t, h.svc.Connect(context.Background(), "u1"))
	assert.Equal(t, 1, h.client.Connects())
}

func TestConnect_EmptySession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	assert.ErrorIs(t, h.svc.Connect(context.Background(), "  "), ErrInvalidSession)
}

func TestConnect_RejectsReservedSessionIDs(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for _, id := range []string{"_sessions", "_", "a:b", "tab\tid", string(make([]byte, MaxSessionIDLen+1))} {
		assert.ErrorIs(t, h.svc.Connect(context.Background(), id), ErrInvalidSession, "%q", id)
	}
	assert.Equal(t, 0, h.client.Connects())
}

func TestValidateSessionID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{" u1 ", "u1", true},
		{"u1@s.whatsapp.net", "u1@s.whatsapp.net", true},
		{"a+b", "a+b", true},
		{"a b", "a b", true},
		{"creds", "creds", true},
		{"x_", "x_", true},
		{"", "", false},
		{"_sessions", "", false},
		{"a:b", "", false},
		{"a\nb", "", false},
	}
	for _, tc := range cases {
		got, err := ValidateSessionID(tc.in)
		if !tc.ok {
			assert.ErrorIs(t, err, ErrInvalidSession, "%q", tc.in)
			continue
		}
		require.NoError(t, err, "%q", tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestSessions_PersistedStateIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	ids := []string{"creds", "sessions", "u1@s.whatsapp.net", "a+b", "a b", "pre-key-1"}

	conns := make(map[string]*transporttest.Conn, len(ids))
	for _, id := range ids {
		conns[id] = h.connectOpen(t, id)
	}

	seen := make(map[string]string, len(ids))
	for _, id := range ids {
		rec, err := h.svc.records.Load(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, id, rec.SessionID)
		assert.Equal(t, Open, rec.Status, id)

		st, err := authstate.Open(ctx, h.auth, id)
		require.NoError(t, err, id)
		assert.False(t, st.Created(), id)
		creds := st.Credentials()
		assert.NotContains(t, creds, "session_id", id)
		assert.Equal(t, creds, conns[id].Session().Credentials, id)

		noise := fmt.Sprint(creds["noiseKey"])
		if other, dup := seen[noise]; dup {
			t.Fatalf("sessions %q and %q share credentials", other, id)
		}
		seen[noise] = id
	}
}

func TestConnect_DeniedWhenClaimedElsewhere(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	other, err := lock.NewManager(h.locks, "proc-b")
	require.NoError(t, err)
	t.Cleanup(other.Close)
	_, err = other.Claim(ctx, "u1")
	require.NoError(t, err)

	err = h.svc.Connect(ctx, "u1")
	require.ErrorIs(t, err, lock.ErrAlreadyClaimed)

	h.waitState(t, "u1", Failed)
	assert.Equal(t, 0, h.client.Connects())

	owner, ok := h.holder("u1")
	require.True(t, ok)
	assert.Equal(t, "proc-b", owner)

	// A denied claim never writes the record owned by the peer.
	_, err = h.svc.records.Load(ctx, "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConnect_AuthStoreUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.auth.setFailGet(authstate.CredsName, true)

	err := h.svc.Connect(context.Background(), "u1")
	require.ErrorIs(t, err, ErrUnavailable)

	h.waitState(t, "u1", Failed)
	_, held := h.holder("u1")
	assert.False(t, held)
	assert.Equal(t, 0, h.client.Connects())
}

func TestConnect_TransportFailureRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client.FailNext(errors.New("dial refused"))

	require.NoError(t, h.svc.Connect(context.Background(), "u1"))

	conn := h.nextConn(t)
	conn.Emit(transport.StateChanged{State: transport.StateOpen})
	h.waitState(t, "u1", Open)

	assert.Equal(t, 2, h.client.Connects())
	closing := h.transitionsTo(Closing)
	require.Len(t, closing, 1)
	assert.Equal(t, 1, closing[0].Attempt)
}

func TestLogout_EndsWithoutReconnect(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	conn := h.connectOpen(t, "u1")

	require.NoError(t, h.svc.Logout(ctx, "u1"))
	assert.Equal(t, 1, conn.Logouts())

	h.waitState(t, "u1", LoggedOut)
	_, held := h.holder("u1")
	assert.False(t, held)

	_, err := h.svc.Registry().Lookup("u1")
	assert.ErrorIs(t, err, registry.ErrNotConnected)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.client.Connects())
	assert.Empty(t, h.transitionsTo(Closing))

	rec, err := h.svc.records.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, LoggedOut, rec.Status)
	assert.Equal(t, ErrLoggedOut.Error(), rec.LastError)
}

func TestLogout_TransportReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.connectOpen(t, "u1")

	conn.Emit(transport.StateChanged{State: transport.StateClosed, Reason: transport.ReasonLoggedOut})
	h.waitState(t, "u1", LoggedOut)

	select {
	case <-conn.Closed():
	case <-time.After(waitFor):
		t.Fatalf("connection not closed after logout")
	}
	_, held := h.holder("u1")
	assert.False(t, held)
}

func TestLogout_NotConnected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	assert.ErrorIs(t, h.svc.Logout(context.Background(), "nobody"), registry.ErrNotConnected)
}

func TestTransientClose_ReconnectsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	first := h.connectOpen(t, "u1")

	first.Emit(transport.StateChanged{State: transport.StateClosed, Reason: "stream errored"})

	second := h.nextConn(t)
	second.Emit(transport.StateChanged{State: transport.StateOpen})
	h.waitState(t, "u1", Open)

	closing := h.transitionsTo(Closing)
	require.Len(t, closing, 1)
	assert.Equal(t, 1, closing[0].Attempt)
	assert.Greater(t, closing[0].Delay, time.Duration(0))
	assert.Equal(t, "stream errored", closing[0].Reason)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, h.client.Connects())

	// The lease survives the reconnect.
	owner, ok := h.holder("u1")
	require.True(t, ok)
	assert.Equal(t, "proc-a", owner)

	handle, err := h.svc.Registry().Lookup("u1")
	require.NoError(t, err)
	assert.Same(t, second, handle)
}

func TestTransientClose_DroppedStream(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	first := h.connectOpen(t, "u1")
	first.Drop()

	second := h.nextConn(t)
	second.Emit(transport.StateChanged{State: transport.StateOpen})
	h.waitState(t, "u1", Open)
	assert.Len(t, h.transitionsTo(Closing), 1)
}

func TestTransientClose_AttemptsExhausted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) {
		c.Backoff = backoff.NewPolicy(5*time.Millisecond, 10*time.Millisecond, 1, 0)
	})
	first := h.connectOpen(t, "u1")
	first.Emit(transport.StateChanged{State: transport.StateClosed})

	second := h.nextConn(t)
	second.Emit(transport.StateChanged{State: transport.StateClosed})

	h.waitState(t, "u1", Failed)
	_, held := h.holder("u1")
	assert.False(t, held)
	assert.Equal(t, 2, h.client.Connects())
}

func TestPairing_QRLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.svc.Connect(ctx, "u1"))
	conn := h.nextConn(t)

	_, err := h.svc.GetQR(ctx, "u1")
	assert.ErrorIs(t, err, qrstore.ErrNotFound)

	conn.Emit(transport.PairingChallenge{Data: "qr-1"})
	h.waitState(t, "u1", AwaitingScan)
	qr, err := h.svc.GetQR(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "qr-1", qr)

	conn.Emit(transport.PairingChallenge{Data: "qr-2"})
	require.Eventually(t, func() bool {
		qr, err := h.svc.GetQR(ctx, "u1")
		return err == nil && qr == "qr-2"
	}, waitFor, 5*time.Millisecond)
	assert.Len(t, h.transitionsTo(AwaitingScan), 1)

	conn.Emit(transport.StateChanged{State: transport.StateOpen})
	h.waitState(t, "u1", Open)
	_, err = h.svc.GetQR(ctx, "u1")
	assert.ErrorIs(t, err, qrstore.ErrNotFound)
}

func TestRotations_PersistedBeforeOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.svc.Connect(ctx, "u1"))
	conn := h.nextConn(t)

	conn.Emit(transport.CredentialsRotated{Credentials: map[string]any{"me": map[string]any{"id": "1@s"}}})
	conn.Emit(transport.CredentialsRotated{Credentials: map[string]any{"platform": "web"}})
	conn.Emit(transport.KeysRotated{Category: "pre-key", ID: "1", Material: []byte{1, 2, 3}})
	conn.Emit(transport.KeysRotated{Category: "pre-key", ID: "1", Material: []byte{4, 5, 6}})
	conn.Emit(transport.StateChanged{State: transport.StateOpen})
	h.waitState(t, "u1", Open)

	st, err := authstate.Open(ctx, h.auth, "u1")
	require.NoError(t, err)
	assert.False(t, st.Created())

	creds := st.Credentials()
	assert.Equal(t, map[string]any{"id": "1@s"}, creds["me"])
	assert.Equal(t, "web", creds["platform"])

	keys := st.GetKeys(ctx, "pre-key", []string{"1"})
	require.True(t, keys["1"].Found())
	assert.Equal(t, []byte{4, 5, 6}, keys["1"].Value)
}

func TestRotations_FailedWriteBlocksOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, func(c *Config) {
		c.Backoff = backoff.NewPolicy(10*time.Millisecond, 20*time.Millisecond, 10, 0)
	})
	require.NoError(t, h.svc.Connect(ctx, "u1"))
	first := h.nextConn(t)

	h.auth.setFailPut(authstate.CredsName, true)
	first.Emit(transport.CredentialsRotated{Credentials: map[string]any{"platform": "web"}})
	first.Emit(transport.StateChanged{State: transport.StateOpen})

	require.Eventually(t, func() bool { return len(h.transitionsTo(Closing)) == 1 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, h.transitionsTo(Open))
	_, err := h.svc.Registry().Lookup("u1")
	assert.ErrorIs(t, err, registry.ErrNotConnected)

	// The pending patch survives the reconnect and lands before the next Open.
	h.auth.setFailPut(authstate.CredsName, false)
	second := h.nextConn(t)
	second.Emit(transport.StateChanged{State: transport.StateOpen})
	h.waitState(t, "u1", Open)

	st, err := authstate.Open(ctx, h.auth, "u1")
	require.NoError(t, err)
	assert.Equal(t, "web", st.Credentials()["platform"])
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, func(c *Config) {
		c.Limiter = ratelimit.NewKeyed(2, time.Hour)
	})

	_, err := h.svc.SendMessage(ctx, "u1", "peer@s", "hi")
	require.ErrorIs(t, err, registry.ErrNotConnected)
	assert.Equal(t, 0, h.client.Connects(), "send must never connect")

	conn := h.connectOpen(t, "u1")

	id, err := h.svc.SendMessage(ctx, "u1", "peer@s", "hello")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	_, err = h.svc.SendMessage(ctx, "u1", "peer@s", "again")
	require.NoError(t, err)

	_, err = h.svc.SendMessage(ctx, "u1", "peer@s", "too many")
	assert.ErrorIs(t, err, ratelimit.ErrLimited)

	sent := conn.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "peer@s", sent[0].To)
	assert.Equal(t, "hello", sent[0].Text)
}

func TestSendMessage_TransportError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.connectOpen(t, "u1")

	boom := errors.New("not on whatsapp")
	conn.FailSends(boom)
	_, err := h.svc.SendMessage(context.Background(), "u1", "peer@s", "hi")
	assert.ErrorIs(t, err, boom)
}

func TestListGroups(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.client.SetGroups([]transport.Group{{ID: "g1@g.us", Subject: "team", Participants: 2}})

	_, err := h.svc.ListGroups(ctx, "u1")
	require.ErrorIs(t, err, registry.ErrNotConnected)

	h.connectOpen(t, "u1")
	groups, err := h.svc.ListGroups(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "team", groups[0].Subject)
}

func TestMessagesDelivered(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.connectOpen(t, "u1")
	conn.Emit(transport.MessageReceived{Message: transport.Message{ID: "m1", From: "peer@s", Text: "yo"}})

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.messages) == 1 && h.messages[0].ID == "m1"
	}, waitFor, 5*time.Millisecond)
}

func TestStop_ReleasesAndIdles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	conn := h.connectOpen(t, "u1")

	require.NoError(t, h.svc.Stop(ctx, "u1"))

	select {
	case <-conn.Closed():
	default:
		t.Fatalf("connection still open after Stop")
	}
	_, held := h.holder("u1")
	assert.False(t, held)
	assert.False(t, h.manager.Held("u1"))

	rec, err := h.svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Idle, rec.Status)

	stored, err := h.svc.records.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Idle, stored.Status)

	// Idle records are not resumed.
	n, err := h.svc.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// recordWatch notes, for every Idle record written, whether the lock was still held.
type recordWatch struct {
	store.Backend
	locks *lock.Memory

	mu         sync.Mutex
	idleWrites []bool
}

func (r *recordWatch) Put(ctx context.Context, key store.Key, value []byte) error {
	var rec Record
	if err := json.Unmarshal(value, &rec); err == nil && rec.Status == Idle {
		_, held, _ := r.locks.Holder(ctx, lock.Key(rec.SessionID))
		r.mu.Lock()
		r.idleWrites = append(r.idleWrites, held)
		r.mu.Unlock()
	}
	return r.Backend.Put(ctx, key, value)
}

func (r *recordWatch) heldAtIdleWrites() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.idleWrites...)
}

func TestStop_PersistsIdleBeforeRelease(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		setup func(t *testing.T, h *harness)
	}{
		{"while open", func(t *testing.T, h *harness) { h.connectOpen(t, "u1") }},
		{"during backoff", func(t *testing.T, h *harness) {
			conn := h.connectOpen(t, "u1")
			conn.Emit(transport.StateChanged{State: transport.StateClosed})
			h.waitState(t, "u1", Closing)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			locks := lock.NewMemory()
			watch := &recordWatch{Backend: store.NewMemory(), locks: locks}
			h := newHarnessOn(t, locks, newFaultyBackend(), "proc-a", func(c *Config) {
				c.Records = watch
				c.Backoff = backoff.NewPolicy(time.Hour, time.Hour, 3, 0)
			})
			tc.setup(t, h)

			require.NoError(t, h.svc.Stop(ctx, "u1"))

			assert.Equal(t, []bool{true}, watch.heldAtIdleWrites())
			_, held := h.holder("u1")
			assert.False(t, held)

			rec, err := h.svc.records.Load(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, Idle, rec.Status)
		})
	}
}

func TestStop_DuringBackoff(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, func(c *Config) {
		c.Backoff = backoff.NewPolicy(time.Hour, time.Hour, 3, 0)
	})
	first := h.connectOpen(t, "u1")
	first.Emit(transport.StateChanged{State: transport.StateClosed})
	h.waitState(t, "u1", Closing)

	require.NoError(t, h.svc.Stop(ctx, "u1"))
	h.waitState(t, "u1", Idle)
	_, held := h.holder("u1")
	assert.False(t, held)
	assert.Equal(t, 1, h.client.Connects())
}

func TestShutdown_ResumeOnPeer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locks := lock.NewMemory()
	auth := newFaultyBackend()

	a := newHarnessOn(t, locks, auth, "proc-a")
	a.connectOpen(t, "u1")
	require.NoError(t, a.svc.Shutdown(ctx))

	assert.ErrorIs(t, a.svc.Connect(ctx, "u2"), ErrShutdown)

	rec, err := a.svc.records.Load(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, rec.Status.Live(), "status %s", rec.Status)

	b := newHarnessOn(t, locks, auth, "proc-b")
	n, err := b.svc.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	conn := b.nextConn(t)
	conn.Emit(transport.StateChanged{State: transport.StateOpen})
	b.waitState(t, "u1", Open)

	owner, ok := b.holder("u1")
	require.True(t, ok)
	assert.Equal(t, "proc-b", owner)

	// Credentials created by proc-a are reused.
	st, err := authstate.Open(ctx, auth, "u1")
	require.NoError(t, err)
	assert.False(t, st.Created())
	assert.Equal(t, st.Credentials(), conn.Session().Credentials)
}

func TestResume_SkipsSessionsOwnedByPeer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locks := lock.NewMemory()
	auth := newFaultyBackend()

	a := newHarnessOn(t, locks, auth, "proc-a")
	a.connectOpen(t, "u1")

	b := newHarnessOn(t, locks, auth, "proc-b")
	n, err := b.svc.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, b.svc.Sessions())

	// proc-a's record is untouched.
	rec, err := a.svc.records.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Open, rec.Status)
	assert.Equal(t, "proc-a", rec.Owner)
}

func TestLeaseLost_Fails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locks := lock.NewMemory()
	manager, err := lock.NewManager(locks, "proc-a", lock.WithTTL(time.Minute), lock.WithRenewInterval(5*time.Millisecond))
	require.NoError(t, err)

	h := newHarnessOn(t, locks, newFaultyBackend(), "proc-a", func(c *Config) {
		c.Locks = manager
	})
	conn := h.connectOpen(t, "u1")

	// Another owner takes the lock over, so the next renewal fails.
	require.NoError(t, locks.Release(ctx, lock.Key("u1"), "proc-a"))
	ok, err := locks.Acquire(ctx, lock.Key("u1"), "proc-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	h.waitState(t, "u1", Failed)
	select {
	case <-conn.Closed():
	case <-time.After(waitFor):
		t.Fatalf("connection not closed after lease loss")
	}

	owner, _ := h.holder("u1")
	assert.Equal(t, "proc-b", owner)
	_, err = h.svc.Registry().Lookup("u1")
	assert.ErrorIs(t, err, registry.ErrNotConnected)
}

func TestStatus_Unknown(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.svc.Status(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestStatus_ReportsCurrentLockHolder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locks := lock.NewMemory()
	auth := newFaultyBackend()

	a := newHarnessOn(t, locks, auth, "proc-a")
	a.connectOpen(t, "u1")

	b := newHarnessOn(t, locks, auth, "proc-b")
	rec, err := b.svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Open, rec.Status)
	assert.Equal(t, "proc-a", rec.Owner)

	require.NoError(t, a.svc.Stop(ctx, "u1"))
	rec, err = b.svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Idle, rec.Status)
	assert.Empty(t, rec.Owner)
	assert.True(t, rec.LockExpiry.IsZero())

	ok, err := locks.Acquire(ctx, lock.Key("u1"), "proc-c", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	rec, err = b.svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "proc-c", rec.Owner)
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestShutdown_LogsLiveSessions(t *testing.T) {
	t.Parallel()

	var out syncBuffer
	h := newHarness(t, func(c *Config) {
		c.Log = slog.New(slog.NewJSONHandler(&out, nil))
	})
	h.connectOpen(t, "b")
	h.connectOpen(t, "a")

	require.NoError(t, h.svc.Shutdown(context.Background()))

	logs := out.String()
	assert.Contains(t, logs, `"msg":"supervisor.shutdown"`)
	assert.Contains(t, logs, `"live":["a","b"]`)
	assert.NotContains(t, logs, "supervisor.shutdown.handles_left")
	assert.Empty(t, h.svc.Registry().IDs())
}

func TestSessions_Sorted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connectOpen(t, "b")
	h.connectOpen(t, "a")

	recs := h.svc.Sessions()
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].SessionID)
	assert.Equal(t, "b", recs[1].SessionID)
}

func TestStateHelpers(t *testing.T) {
	t.Parallel()

	for _, s := range []State{Idle, LoggedOut, Failed} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.Live(), s)
	}
	for _, s := range []State{Claiming, Connecting, AwaitingScan, Open, Closing} {
		assert.False(t, s.Terminal(), s)
		assert.True(t, s.Live(), s)
	}
}
