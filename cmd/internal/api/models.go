package api

import (
	"time"

	"wamux/cmd/internal/supervisor"
	"wamux/cmd/internal/transport"
)

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

type qrResponse struct {
	SessionID string `json:"session_id"`
	QR        string `json:"qr"`
}

type groupsResponse struct {
	Groups []transport.Group `json:"groups"`
}

type sessionResponse struct {
	SessionID  string     `json:"session_id"`
	Status     string     `json:"status"`
	Owner      string     `json:"owner,omitempty"`
	LockExpiry *time.Time `json:"lock_expiry,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Attempt    int        `json:"attempt,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type listResponse struct {
	Sessions []sessionResponse `json:"sessions"`
}

func toSessionResponse(rec supervisor.Record) sessionResponse {
	out := sessionResponse{
		SessionID: rec.SessionID,
		Status:    string(rec.Status),
		Owner:     rec.Owner,
		LastError: rec.LastError,
		Attempt:   rec.Attempt,
		UpdatedAt: rec.UpdatedAt,
	}
	if !rec.LockExpiry.IsZero() {
		exp := rec.LockExpiry
		out.LockExpiry = &exp
	}
	return out
}
