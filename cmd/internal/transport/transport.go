// Package transport is the contract between the session supervisor and the external
// real-time messaging client that owns pairing, encryption and framing.
package transport

import (
	"context"
	"errors"
	"time"

	"wamux/cmd/internal/authstate"
)

// State is a connection state reported by the transport.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "close"
)

// ReasonLoggedOut marks a close caused by an explicit logout (device unlinked).
const ReasonLoggedOut = "logged_out"

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Event is emitted by a Conn. The concrete types below are the full set.
type Event interface {
	event()
}

// StateChanged reports a connection state transition.
type StateChanged struct {
	State  State
	Reason string
}

// LoggedOut reports whether this is a terminal logout close.
func (e StateChanged) LoggedOut() bool {
	return e.State == StateClosed && e.Reason == ReasonLoggedOut
}

// CredentialsRotated carries a partial credentials update to merge and persist.
type CredentialsRotated struct {
	Credentials map[string]any
}

// KeysRotated carries one signal key update. A nil Material means delete.
type KeysRotated struct {
	Category string
	ID       string
	Material any
}

// PairingChallenge carries a pairing token to present to a human (QR payload).
type PairingChallenge struct {
	Data string
}

// MessageReceived carries an inbound message.
type MessageReceived struct {
	Message Message
}

func (StateChanged) event()       {}
func (CredentialsRotated) event() {}
func (KeysRotated) event()        {}
func (PairingChallenge) event()   {}
func (MessageReceived) event()    {}

// Message is an inbound or outbound chat message.
type Message struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// Group is a chat group visible to the session.
type Group struct {
	ID           string `json:"id"`
	Subject      string `json:"subject"`
	Participants int    `json:"participants"`
}

// KeyReader gives the transport read access to persisted signal keys.
// authstate.State satisfies it.
type KeyReader interface {
	GetKeys(ctx context.Context, category string, ids []string) map[string]authstate.KeyResult
}

// Session is what the supervisor hands the transport to open a connection.
type Session struct {
	ID          string
	Credentials authstate.Credentials
	Keys        KeyReader
}

// Conn is one live transport connection.
//
// Events is closed when the connection ends; a close without a preceding
// StateChanged event is treated as a transient disconnect.
type Conn interface {
	Events() <-chan Event
	SendMessage(ctx context.Context, to, text string) (string, error)
	ListGroups(ctx context.Context) ([]Group, error)
	Logout(ctx context.Context) error
	Close() error
}

// Client opens transport connections.
type Client interface {
	Connect(ctx context.Context, s Session) (Conn, error)
}
