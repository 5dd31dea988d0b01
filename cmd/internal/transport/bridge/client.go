// Package bridge implements transport.Client over a WebSocket bridge process that runs
// the messaging protocol. One WebSocket carries one session; envelopes are JSON and
// binary values travel in codec form.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wamux/cmd/internal/codec"
	"wamux/cmd/internal/transport"

	"github.com/coder/websocket"
)

const (
	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 4 << 20

	defaultHeartbeatEvery   = 30 * time.Second
	defaultHeartbeatTimeout = 10 * time.Second
	maxPingFailures         = 3

	eventQueueSize = 64
)

var (
	// ErrSubprotocol is returned when the bridge does not speak wamux.bridge.v1.
	ErrSubprotocol = errors.New("bridge: subprotocol not negotiated")

	// ErrRemote classifies errors reported by the bridge in an error envelope.
	ErrRemote = errors.New("bridge: remote error")
)

// RemoteError is an error envelope answering a request.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge: %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error { return ErrRemote }

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithHTTPClient sets the HTTP client used for the handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithHeader adds headers (for example an auth token) to the handshake.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h.Clone() }
}

// WithHeartbeat sets the ping interval and per-ping timeout.
func WithHeartbeat(every, timeout time.Duration) Option {
	return func(c *Client) {
		if every > 0 {
			c.heartbeatEvery = every
		}
		if timeout > 0 {
			c.heartbeatTimeout = timeout
		}
	}
}

// WithTimeouts sets the write timeout and the read idle timeout. Reads have no idle
// timeout by default: sessions can be quiet for hours.
func WithTimeouts(write, readIdle time.Duration) Option {
	return func(c *Client) {
		if write > 0 {
			c.writeTimeout = write
		}
		if readIdle > 0 {
			c.readIdle = readIdle
		}
	}
}

// WithSendQueue sets the outbound queue size.
func WithSendQueue(n int) Option {
	return func(c *Client) { c.sendQueueSize = n }
}

// Client dials the bridge.
type Client struct {
	url        string
	log        *slog.Logger
	httpClient *http.Client
	header     http.Header

	dialTimeout      time.Duration
	writeTimeout     time.Duration
	readIdle         time.Duration
	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration
	sendQueueSize    int
}

// NewClient validates rawURL (ws:// or wss://) and constructs a Client.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("bridge: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("bridge: url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("bridge: url has no host")
	}

	c := &Client{
		url:              u.String(),
		log:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		dialTimeout:      defaultDialTimeout,
		writeTimeout:     defaultWriteTimeout,
		heartbeatEvery:   defaultHeartbeatEvery,
		heartbeatTimeout: defaultHeartbeatTimeout,
		sendQueueSize:    defaultSendQueueSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.sendQueueSize < minSendQueueSize {
		c.sendQueueSize = minSendQueueSize
	}
	return c, nil
}

// Connect dials the bridge, sends hello with the session credentials and starts the
// reader, writer and heartbeat goroutines.
func (c *Client) Connect(ctx context.Context, s transport.Session) (transport.Conn, error) {
	if strings.TrimSpace(s.ID) == "" {
		return nil, errors.New("bridge: empty session id")
	}

	creds, err := codec.Marshal(map[string]any(s.Credentials))
	if err != nil {
		return nil, fmt.Errorf("bridge: encode credentials: %w", err)
	}
	hello, err := newEnvelope(s.ID, TypeHello, HelloPayload{Credentials: creds})
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPClient:   c.httpClient,
		HTTPHeader:   c.header,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: dial: %w", err)
	}
	if sp := ws.Subprotocol(); sp != Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("%w: got %q", ErrSubprotocol, sp)
	}
	ws.SetReadLimit(defaultReadLimit)

	if err := writeEnvelope(dialCtx, ws, hello, c.writeTimeout); err != nil {
		_ = ws.Close(websocket.StatusAbnormalClosure, "hello failed")
		return nil, fmt.Errorf("bridge: hello: %w", err)
	}

	conn := newConn(c, ws, s)
	conn.start()
	c.log.Info("bridge.connect", "session_id", s.ID, "url", c.url)
	return conn, nil
}

// ---- envelope IO ----

func newEnvelope(sessionID, typ string, payload any) (Envelope, error) {
	id, err := newID()
	if err != nil {
		return Envelope{}, err
	}
	return newReply(sessionID, typ, id, payload)
}

func newReply(sessionID, typ, id string, payload any) (Envelope, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("bridge: encode %s payload: %w", typ, err)
	}
	return Envelope{
		V:         Version,
		Type:      typ,
		ID:        id,
		SessionID: sessionID,
		TS:        time.Now().UTC(),
		Payload:   p,
	}, nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
