package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wamux/cmd/internal/transport"
)

// Version is the protocol version embedded into every envelope.
const Version = 1

// Subprotocol is negotiated on the WebSocket handshake.
const Subprotocol = "wamux.bridge.v1"

// Type constants (wire-stable).
const (
	// TypeHello opens a session on the bridge (client -> bridge).
	TypeHello = "hello"
	// TypeMessageSend sends a text message (client -> bridge), answered by ack.
	TypeMessageSend = "message.send"
	// TypeGroupsList lists groups (client -> bridge), answered by groups.result.
	TypeGroupsList = "groups.list"
	// TypeLogout unlinks the device (client -> bridge), answered by ack.
	TypeLogout = "logout"
	// TypeKeysResult answers keys.get (client -> bridge).
	TypeKeysResult = "keys.result"

	// TypeConnectionUpdate reports a connection state change (bridge -> client).
	TypeConnectionUpdate = "connection.update"
	// TypeCredsUpdate carries a partial credentials update (bridge -> client).
	TypeCredsUpdate = "creds.update"
	// TypeKeysUpdate carries one signal key update (bridge -> client).
	TypeKeysUpdate = "keys.update"
	// TypeQR carries a pairing challenge (bridge -> client).
	TypeQR = "qr"
	// TypeMessageUpsert delivers an inbound message (bridge -> client).
	TypeMessageUpsert = "message.upsert"
	// TypeKeysGet asks for stored signal keys (bridge -> client).
	TypeKeysGet = "keys.get"
	// TypeAck acknowledges a request (bridge -> client).
	TypeAck = "ack"
	// TypeGroupsResult answers groups.list (bridge -> client).
	TypeGroupsResult = "groups.result"
	// TypeError reports a failed request or a protocol error (bridge -> client).
	TypeError = "error"
)

// AllowedTypes is the full set of envelope types.
var AllowedTypes = map[string]struct{}{
	TypeHello:            {},
	TypeMessageSend:      {},
	TypeGroupsList:       {},
	TypeLogout:           {},
	TypeKeysResult:       {},
	TypeConnectionUpdate: {},
	TypeCredsUpdate:      {},
	TypeKeysUpdate:       {},
	TypeQR:               {},
	TypeMessageUpsert:    {},
	TypeKeysGet:          {},
	TypeAck:              {},
	TypeGroupsResult:     {},
	TypeError:            {},
}

// Envelope is the canonical wire wrapper. Replies (ack, groups.result, error,
// keys.result) reuse the id of the request they answer.
type Envelope struct {
	V         int             `json:"v"`
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	TS        time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// Validate checks the envelope header.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// HelloPayload carries the codec-encoded credentials of the session.
type HelloPayload struct {
	Credentials json.RawMessage `json:"credentials"`
}

type ConnectionUpdatePayload struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// CredsUpdatePayload carries a codec-encoded partial credentials object.
type CredsUpdatePayload struct {
	Credentials json.RawMessage `json:"credentials"`
}

// KeysUpdatePayload carries codec-encoded key material. null deletes the key.
type KeysUpdatePayload struct {
	Category string          `json:"category"`
	ID       string          `json:"id"`
	Material json.RawMessage `json:"material"`
}

type QRPayload struct {
	Data string `json:"data"`
}

type MessageUpsertPayload struct {
	Message transport.Message `json:"message"`
}

type KeysGetPayload struct {
	Category string   `json:"category"`
	IDs      []string `json:"ids"`
}

// KeysResultPayload answers keys.get. Keys holds codec-encoded values of found ids;
// Failed lists ids whose read failed, so the bridge can tell them from absent ones.
type KeysResultPayload struct {
	Category string                     `json:"category"`
	Keys     map[string]json.RawMessage `json:"keys"`
	Failed   []string                   `json:"failed,omitempty"`
}

type MessageSendPayload struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type AckPayload struct {
	MessageID string `json:"message_id,omitempty"`
}

type GroupsResultPayload struct {
	Groups []transport.Group `json:"groups"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
