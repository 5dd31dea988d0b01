package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"wamux/cmd/internal/codec"
	"wamux/cmd/internal/ids"
	"wamux/cmd/internal/transport"

	"github.com/coder/websocket"
)

// Conn is one bridged session. It implements transport.Conn.
type Conn struct {
	sessionID string
	ws        *websocket.Conn
	log       *slog.Logger
	keys      transport.KeyReader

	writeTimeout     time.Duration
	readIdle         time.Duration
	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	events chan transport.Event
	send   chan Envelope

	mu      sync.Mutex
	pending map[string]chan Envelope

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newConn(c *Client, ws *websocket.Conn, s transport.Session) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		sessionID:        s.ID,
		ws:               ws,
		log:              c.log,
		keys:             s.Keys,
		writeTimeout:     c.writeTimeout,
		readIdle:         c.readIdle,
		heartbeatEvery:   c.heartbeatEvery,
		heartbeatTimeout: c.heartbeatTimeout,
		ctx:              ctx,
		cancel:           cancel,
		events:           make(chan transport.Event, eventQueueSize),
		send:             make(chan Envelope, c.sendQueueSize),
		pending:          make(map[string]chan Envelope),
	}
}

func (c *Conn) start() {
	c.wg.Add(3)
	go c.writeLoop()
	go c.heartbeatLoop()
	go c.readLoop()
}

// Events implements transport.Conn. The channel is closed when the socket ends.
func (c *Conn) Events() <-chan transport.Event { return c.events }

// SendMessage implements transport.Conn.
func (c *Conn) SendMessage(ctx context.Context, to, text string) (string, error) {
	reply, err := c.request(ctx, TypeMessageSend, MessageSendPayload{To: to, Text: text}, TypeAck)
	if err != nil {
		return "", err
	}
	var p AckPayload
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		return "", fmt.Errorf("bridge: decode ack: %w", err)
	}
	return p.MessageID, nil
}

// ListGroups implements transport.Conn.
func (c *Conn) ListGroups(ctx context.Context) ([]transport.Group, error) {
	reply, err := c.request(ctx, TypeGroupsList, struct{}{}, TypeGroupsResult)
	if err != nil {
		return nil, err
	}
	var p GroupsResultPayload
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		return nil, fmt.Errorf("bridge: decode groups: %w", err)
	}
	return p.Groups, nil
}

// Logout implements transport.Conn. The bridge acks, then reports a logged-out close.
func (c *Conn) Logout(ctx context.Context) error {
	_, err := c.request(ctx, TypeLogout, struct{}{}, TypeAck)
	return err
}

// Close implements transport.Conn. It is idempotent and waits for the goroutines.
func (c *Conn) Close() error {
	c.shutdown(websocket.StatusNormalClosure, "bye")
	c.wg.Wait()
	return nil
}

// shutdown is idempotent. It does NOT close events; the read loop owns that.
func (c *Conn) shutdown(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close(code, reason)
	})
}

// request enqueues a request and waits for the reply carrying the same id.
func (c *Conn) request(ctx context.Context, typ string, payload any, want string) (Envelope, error) {
	env, err := newEnvelope(c.sessionID, typ, payload)
	if err != nil {
		return Envelope{}, err
	}

	ch := make(chan Envelope, 1)
	c.mu.Lock()
	c.pending[env.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	if !c.enqueue(ctx, env) {
		if err := ctx.Err(); err != nil {
			return Envelope{}, err
		}
		return Envelope{}, transport.ErrClosed
	}

	select {
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-c.ctx.Done():
		return Envelope{}, transport.ErrClosed
	case reply := <-ch:
		if reply.Type == TypeError {
			var p ErrorPayload
			_ = json.Unmarshal(reply.Payload, &p)
			return Envelope{}, &RemoteError{Code: p.Code, Message: p.Message}
		}
		if reply.Type != want {
			return Envelope{}, fmt.Errorf("bridge: %s answered with %s, want %s", typ, reply.Type, want)
		}
		return reply, nil
	}
}

func (c *Conn) enqueue(ctx context.Context, env Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.ctx.Done():
		return false
	case c.send <- env:
		return true
	}
}

// resolve hands a reply to its waiting request. It reports false for unknown ids.
func (c *Conn) resolve(env Envelope) bool {
	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
	default:
	}
	return true
}

func (c *Conn) emit(ev transport.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.send:
			if err := writeEnvelope(c.ctx, c.ws, env, c.writeTimeout); err != nil {
				c.log.Info("bridge.write.fail", "session_id", c.sessionID, "close_status", websocket.CloseStatus(err), "err", err)
				c.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (c *Conn) heartbeatLoop() {
	defer c.wg.Done()

	t := time.NewTicker(c.heartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(c.ctx, c.heartbeatTimeout)
			err := c.ws.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				c.log.Info("bridge.ping.fail", "session_id", c.sessionID, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					c.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer close(c.events)

	for {
		readCtx, readCancel := c.readCtx()
		env, err := readEnvelope(readCtx, c.ws)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				c.log.Warn("bridge.read.bad_json", "session_id", c.sessionID, "err", err)
				continue
			case readErrClose:
				c.log.Info("bridge.peer.closed", "session_id", c.sessionID, "close_status", websocket.CloseStatus(err))
				c.shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone, readErrConnClosed:
				c.shutdown(websocket.StatusNormalClosure, "closed")
			default:
				c.log.Info("bridge.read.fail", "session_id", c.sessionID, "err", err)
				c.shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		if err := env.Validate(); err != nil {
			c.log.Warn("bridge.envelope.invalid", "session_id", c.sessionID, "err", err)
			continue
		}
		if !c.dispatch(env) {
			return
		}
	}
}

// readCtx bounds one read. Without an idle timeout the heartbeat detects dead peers.
func (c *Conn) readCtx() (context.Context, context.CancelFunc) {
	if c.readIdle <= 0 {
		return context.WithCancel(c.ctx)
	}
	return context.WithTimeout(c.ctx, c.readIdle)
}

// dispatch routes one inbound envelope. It returns false once the connection is closing.
func (c *Conn) dispatch(env Envelope) bool {
	switch env.Type {
	case TypeAck, TypeGroupsResult:
		if !c.resolve(env) {
			c.log.Debug("bridge.reply.orphan", "session_id", c.sessionID, "type", env.Type, "id", env.ID)
		}
		return true

	case TypeError:
		if c.resolve(env) {
			return true
		}
		var p ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		c.log.Warn("bridge.error", "session_id", c.sessionID, "code", p.Code, "message", p.Message)
		return true

	case TypeKeysGet:
		var p KeysGetPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Warn("bridge.keys_get.invalid", "session_id", c.sessionID, "err", err)
			return true
		}
		// Served off the read loop so a slow store does not stall event delivery.
		go c.answerKeys(env.ID, p)
		return true
	}

	ev, err := decodeEvent(env)
	if err != nil {
		c.log.Warn("bridge.event.invalid", "session_id", c.sessionID, "type", env.Type, "err", err)
		return true
	}
	if ev == nil {
		return true
	}
	return c.emit(ev)
}

func (c *Conn) answerKeys(id string, p KeysGetPayload) {
	out := KeysResultPayload{Category: p.Category, Keys: make(map[string]json.RawMessage, len(p.IDs))}
	if c.keys != nil && len(p.IDs) > 0 {
		ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
		results := c.keys.GetKeys(ctx, p.Category, p.IDs)
		cancel()

		for kid, r := range results {
			switch {
			case r.Found():
				b, err := codec.Marshal(r.Value)
				if err != nil {
					out.Failed = append(out.Failed, kid)
					continue
				}
				out.Keys[kid] = b
			case r.Err != nil:
				out.Failed = append(out.Failed, kid)
			}
		}
	}

	reply, err := newReply(c.sessionID, TypeKeysResult, id, out)
	if err != nil {
		c.log.Error("bridge.keys_result.encode", "session_id", c.sessionID, "err", err)
		return
	}
	_ = c.enqueue(c.ctx, reply)
}

// decodeEvent maps an event envelope to a transport.Event. Unknown types yield nil.
func decodeEvent(env Envelope) (transport.Event, error) {
	switch env.Type {
	case TypeConnectionUpdate:
		var p ConnectionUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return transport.StateChanged{State: transport.State(p.State), Reason: p.Reason}, nil

	case TypeCredsUpdate:
		var p CredsUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		creds, err := codec.UnmarshalObject(p.Credentials)
		if err != nil {
			return nil, err
		}
		return transport.CredentialsRotated{Credentials: creds}, nil

	case TypeKeysUpdate:
		var p KeysUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.Category == "" || p.ID == "" {
			return nil, errors.New("keys.update without category or id")
		}
		var material any
		if len(p.Material) > 0 {
			v, err := codec.Unmarshal(p.Material)
			if err != nil {
				return nil, err
			}
			material = v
		}
		return transport.KeysRotated{Category: p.Category, ID: p.ID, Material: material}, nil

	case TypeQR:
		var p QRPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return transport.PairingChallenge{Data: p.Data}, nil

	case TypeMessageUpsert:
		var p MessageUpsertPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return transport.MessageReceived{Message: p.Message}, nil
	}
	return nil, nil
}

func newID() (string, error) {
	return ids.NewULID(time.Now().UTC())
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	if strings.Contains(err.Error(), "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}
