// Package api is the HTTP request surface over the session service.
//
// Read paths (qr, groups, messages, status) never connect a session as a side effect;
// only POST /v1/sessions/{id}/connect does.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wamux/cmd/internal/lock"
	"wamux/cmd/internal/qrstore"
	"wamux/cmd/internal/ratelimit"
	"wamux/cmd/internal/registry"
	"wamux/cmd/internal/store"
	"wamux/cmd/internal/supervisor"
	"wamux/cmd/internal/transport"
	"wamux/cmd/internal/transport/bridge"
)

const maxTextLen = 4096

// Sessions is the service the handler drives. *supervisor.Service satisfies it.
type Sessions interface {
	Connect(ctx context.Context, sessionID string) error
	GetQR(ctx context.Context, sessionID string) (string, error)
	ListGroups(ctx context.Context, sessionID string) ([]transport.Group, error)
	SendMessage(ctx context.Context, sessionID, to, text string) (string, error)
	Logout(ctx context.Context, sessionID string) error
	Stop(ctx context.Context, sessionID string) error
	Status(ctx context.Context, sessionID string) (supervisor.Record, error)
	Sessions() []supervisor.Record
}

// Handler serves the session routes.
type Handler struct {
	log      *slog.Logger
	sessions Sessions
	timeout  time.Duration
}

// NewHandler constructs a Handler. timeout bounds each request's service call.
func NewHandler(log *slog.Logger, sessions Sessions, timeout time.Duration) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("api: nil sessions service")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{log: log, sessions: sessions, timeout: timeout}, nil
}

// Register wires the session routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /v1/sessions", h.handleList)
	mux.HandleFunc("GET /v1/sessions/{id}", h.handleStatus)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.handleStop)
	mux.HandleFunc("POST /v1/sessions/{id}/connect", h.handleConnect)
	mux.HandleFunc("GET /v1/sessions/{id}/qr", h.handleQR)
	mux.HandleFunc("GET /v1/sessions/{id}/groups", h.handleGroups)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", h.handleSend)
	mux.HandleFunc("POST /v1/sessions/{id}/logout", h.handleLogout)
}

// ---- handlers ----

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()

	if err := h.sessions.Connect(ctx, id); err != nil {
		h.fail(w, "api.connect.fail", id, err)
		return
	}
	rec, err := h.sessions.Status(ctx, id)
	if err != nil {
		h.fail(w, "api.connect.fail", id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toSessionResponse(rec))
}

func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()

	qr, err := h.sessions.GetQR(ctx, id)
	if err != nil {
		h.fail(w, "api.qr.fail", id, err)
		return
	}
	writeJSON(w, http.StatusOK, qrResponse{SessionID: id, QR: qr})
}

func (h *Handler) handleGroups(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()

	groups, err := h.sessions.ListGroups(ctx, id)
	if err != nil {
		h.fail(w, "api.groups.fail", id, err)
		return
	}
	if groups == nil {
		groups = []transport.Group{}
	}
	writeJSON(w, http.StatusOK, groupsResponse{Groups: groups})
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	var req sendRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "to and text are required")
		return
	}
	if len(req.Text) > maxTextLen {
		writeError(w, http.StatusBadRequest, "bad_request", "text too long")
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()

	msgID, err := h.sessions.SendMessage(ctx, id, req.To, req.Text)
	if err != nil {
		h.fail(w, "api.send.fail", id, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{MessageID: msgID})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()

	if err := h.sessions.Logout(ctx, id); err != nil {
		h.fail(w, "api.logout.fail", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()

	if err := h.sessions.Stop(ctx, id); err != nil {
		h.fail(w, "api.stop.fail", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()

	rec, err := h.sessions.Status(ctx, id)
	if err != nil {
		h.fail(w, "api.status.fail", id, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(rec))
}

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	recs := h.sessions.Sessions()
	out := listResponse{Sessions: make([]sessionResponse, 0, len(recs))}
	for _, rec := range recs {
		out.Sessions = append(out.Sessions, toSessionResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- helpers ----

func (h *Handler) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.timeout)
}

func sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := supervisor.ValidateSessionID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_session_id", "invalid session id")
		return "", false
	}
	return id, true
}

// fail maps service errors to HTTP statuses. Unexpected errors are logged and hidden.
func (h *Handler) fail(w http.ResponseWriter, event, id string, err error) {
	status, code, msg := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(event, "session_id", id, "err", err)
	} else {
		h.log.Info(event, "session_id", id, "code", code, "err", err)
	}
	writeError(w, status, code, msg)
}

func classify(err error) (status int, code, msg string) {
	var remote *bridge.RemoteError
	switch {
	case errors.Is(err, supervisor.ErrInvalidSession), errors.Is(err, lock.ErrInvalidSession):
		return http.StatusBadRequest, "bad_session_id", "invalid session id"
	case errors.Is(err, lock.ErrAlreadyClaimed):
		return http.StatusConflict, "already_claimed", "session is owned by another instance"
	case errors.Is(err, registry.ErrNotConnected), errors.Is(err, transport.ErrClosed):
		return http.StatusConflict, "not_connected", "session is not connected"
	case errors.Is(err, qrstore.ErrNotFound):
		return http.StatusNotFound, "qr_not_found", "no pending pairing challenge"
	case errors.Is(err, supervisor.ErrUnknownSession):
		return http.StatusNotFound, "not_found", "unknown session"
	case errors.Is(err, ratelimit.ErrLimited):
		return http.StatusTooManyRequests, "rate_limited", "too many messages"
	case errors.As(err, &remote):
		return http.StatusBadGateway, remote.Code, remote.Message
	case errors.Is(err, supervisor.ErrUnavailable), errors.Is(err, store.ErrTransientIO),
		errors.Is(err, supervisor.ErrShutdown):
		return http.StatusServiceUnavailable, "unavailable", "session backend unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "request timed out"
	default:
		return http.StatusInternalServerError, "server_error", "internal error"
	}
}
