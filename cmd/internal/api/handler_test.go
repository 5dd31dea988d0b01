package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wamux/cmd/internal/backoff"
	"wamux/cmd/internal/lock"
	"wamux/cmd/internal/qrstore"
	"wamux/cmd/internal/ratelimit"
	"wamux/cmd/internal/registry"
	"wamux/cmd/internal/store"
	"wamux/cmd/internal/supervisor"
	"wamux/cmd/internal/transport"
	"wamux/cmd/internal/transport/bridge"
	"wamux/cmd/internal/transport/transporttest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv    *httptest.Server
	svc    *supervisor.Service
	client *transporttest.Client
	locks  *lock.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	locks := lock.NewMemory()
	manager, err := lock.NewManager(locks, "proc-a")
	require.NoError(t, err)

	client := transporttest.NewClient()
	svc, err := supervisor.NewService(supervisor.Config{
		Locks:     manager,
		Auth:      store.NewMemory(),
		Transport: client,
		QR:        qrstore.NewMemory(time.Minute),
		Backoff:   backoff.NewPolicy(10*time.Millisecond, 20*time.Millisecond, 3, 0),
		Limiter:   ratelimit.NewKeyed(1, time.Hour),
	})
	require.NoError(t, err)

	h, err := NewHandler(nil, svc, time.Second)
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &fixture{srv: srv, svc: svc, client: client, locks: locks}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()

	var out map[string]any
	if res.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(res.Body).Decode(&out)
	}
	return res, out
}

func (f *fixture) nextConn(t *testing.T) *transporttest.Conn {
	t.Helper()
	select {
	case c := <-f.client.Conns():
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("no transport connection opened")
		return nil
	}
}

func (f *fixture) waitStatus(t *testing.T, id string, want supervisor.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := f.svc.Status(context.Background(), id)
		return err == nil && rec.Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestReadPathsNeverConnect(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	res, body := f.do(t, http.MethodGet, "/v1/sessions/u1/groups", "")
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "not_connected", errorCode(body))

	res, body = f.do(t, http.MethodPost, "/v1/sessions/u1/messages", `{"to":"peer@s","text":"hi"}`)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "not_connected", errorCode(body))

	res, body = f.do(t, http.MethodGet, "/v1/sessions/u1/qr", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "qr_not_found", errorCode(body))

	res, body = f.do(t, http.MethodGet, "/v1/sessions/u1", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(body))

	assert.Equal(t, 0, f.client.Connects())
}

func TestSessionFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	res, body := f.do(t, http.MethodPost, "/v1/sessions/u1/connect", "")
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, "u1", body["session_id"])
	assert.Equal(t, "proc-a", body["owner"])

	conn := f.nextConn(t)
	conn.Emit(transport.PairingChallenge{Data: "2@qr"})
	f.waitStatus(t, "u1", supervisor.AwaitingScan)

	res, body = f.do(t, http.MethodGet, "/v1/sessions/u1/qr", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "2@qr", body["qr"])

	conn.Emit(transport.StateChanged{State: transport.StateOpen})
	f.waitStatus(t, "u1", supervisor.Open)

	res, body = f.do(t, http.MethodGet, "/v1/sessions/u1", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "open", body["status"])

	res, body = f.do(t, http.MethodGet, "/v1/sessions/u1/groups", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []any{}, body["groups"])

	res, body = f.do(t, http.MethodPost, "/v1/sessions/u1/messages", `{"to":"peer@s","text":"hi"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "msg-1", body["message_id"])

	// The limiter allows one message per hour.
	res, body = f.do(t, http.MethodPost, "/v1/sessions/u1/messages", `{"to":"peer@s","text":"again"}`)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "rate_limited", errorCode(body))

	res, body = f.do(t, http.MethodGet, "/v1/sessions", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	sessions, _ := body["sessions"].([]any)
	assert.Len(t, sessions, 1)

	res, _ = f.do(t, http.MethodPost, "/v1/sessions/u1/logout", "")
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	f.waitStatus(t, "u1", supervisor.LoggedOut)

	_, held, err := f.locks.Holder(context.Background(), lock.Key("u1"))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestConnect_ClaimedElsewhere(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ok, err := f.locks.Acquire(context.Background(), lock.Key("u1"), "proc-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, body := f.do(t, http.MethodPost, "/v1/sessions/u1/connect", "")
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "already_claimed", errorCode(body))
}

func TestStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, _ := f.do(t, http.MethodPost, "/v1/sessions/u1/connect", "")
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	f.nextConn(t)

	res, _ = f.do(t, http.MethodDelete, "/v1/sessions/u1", "")
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	_, held, err := f.locks.Holder(context.Background(), lock.Key("u1"))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestSend_BadRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	cases := []struct {
		name string
		body string
		code string
	}{
		{"malformed", `{"to":`, "bad_json"},
		{"unknown field", `{"to":"a","text":"b","x":1}`, "bad_json"},
		{"trailing", `{"to":"a","text":"b"}{}`, "bad_json"},
		{"missing to", `{"text":"b"}`, "bad_request"},
		{"missing text", `{"to":"a"}`, "bad_request"},
		{"too long", fmt.Sprintf(`{"to":"a","text":%q}`, strings.Repeat("x", maxTextLen+1)), "bad_request"},
	}
	for _, tc := range cases {
		res, body := f.do(t, http.MethodPost, "/v1/sessions/u1/messages", tc.body)
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, tc.name)
		assert.Equal(t, tc.code, errorCode(body), tc.name)
	}
}

func TestConnect_RejectsReservedSessionIDs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, id := range []string{"_sessions", "_x", "a:b", "a%3Ab", strings.Repeat("x", supervisor.MaxSessionIDLen+1)} {
		res, body := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/connect", "")
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, id)
		assert.Equal(t, "bad_session_id", errorCode(body), id)
	}
	assert.Equal(t, 0, f.client.Connects())

	res, _ := f.do(t, http.MethodPost, "/v1/sessions/u1@s.whatsapp.net/connect", "")
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, _ := f.do(t, http.MethodGet, "/v1/sessions/u1/connect", "")
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("claim: %w", lock.ErrAlreadyClaimed), http.StatusConflict},
		{registry.ErrNotConnected, http.StatusConflict},
		{transport.ErrClosed, http.StatusConflict},
		{qrstore.ErrNotFound, http.StatusNotFound},
		{supervisor.ErrUnknownSession, http.StatusNotFound},
		{ratelimit.ErrLimited, http.StatusTooManyRequests},
		{fmt.Errorf("%w: auth state: %w", supervisor.ErrUnavailable, store.ErrTransientIO), http.StatusServiceUnavailable},
		{&store.TransientError{Op: "get", Err: errors.New("refused")}, http.StatusServiceUnavailable},
		{supervisor.ErrShutdown, http.StatusServiceUnavailable},
		{&bridge.RemoteError{Code: "not_on_whatsapp", Message: "unknown"}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{supervisor.ErrInvalidSession, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _, _ := classify(tc.err)
		assert.Equal(t, tc.status, status, "%v", tc.err)
	}
}

func TestNewHandler_NilService(t *testing.T) {
	t.Parallel()

	_, err := NewHandler(nil, nil, 0)
	assert.Error(t, err)
}
