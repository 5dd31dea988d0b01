// Package transporttest provides a scripted in-memory transport for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"wamux/cmd/internal/transport"
)

// Client is a fake transport.Client. Each Connect returns a new *Conn that the test
// drives with Emit and inspects through its recorders.
type Client struct {
	mu       sync.Mutex
	failures []error
	sessions []transport.Session
	conns    chan *Conn
	groups   []transport.Group
}

// NewClient constructs a fake Client.
func NewClient() *Client {
	return &Client{conns: make(chan *Conn, 1024)}
}

// FailNext makes the next Connect call return err.
func (c *Client) FailNext(err error) {
	c.mu.Lock()
	c.failures = append(c.failures, err)
	c.mu.Unlock()
}

// SetGroups sets the groups every future Conn reports.
func (c *Client) SetGroups(groups []transport.Group) {
	c.mu.Lock()
	c.groups = groups
	c.mu.Unlock()
}

// Connect implements transport.Client.
func (c *Client) Connect(ctx context.Context, s transport.Session) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	if len(c.failures) > 0 {
		err := c.failures[0]
		c.failures = c.failures[1:]
		c.mu.Unlock()
		return nil, err
	}
	groups := c.groups
	c.mu.Unlock()

	conn := &Conn{
		session: s,
		events:  make(chan transport.Event, 64),
		closed:  make(chan struct{}),
		groups:  groups,
	}
	c.conns <- conn
	return conn, nil
}

// Connects returns the number of Connect calls so far.
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Sessions returns the sessions passed to Connect.
func (c *Client) Sessions() []transport.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Session(nil), c.sessions...)
}

// Conns exposes successfully opened connections in order.
func (c *Client) Conns() <-chan *Conn { return c.conns }

// Conn is a fake transport.Conn.
type Conn struct {
	session transport.Session

	mu        sync.Mutex
	events    chan transport.Event
	closed    chan struct{}
	closeOnce sync.Once
	sent      []transport.Message
	groups    []transport.Group
	logouts   int
	sendErr   error
}

// Session returns the session this connection was opened with.
func (c *Conn) Session() transport.Session { return c.session }

// Emit delivers an event to the supervisor. It is a no-op once the Conn is closed.
func (c *Conn) Emit(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return
	default:
	}
	c.events <- ev
}

// Drop ends the connection without a state event, like a network failure.
func (c *Conn) Drop() { _ = c.Close() }

// FailSends makes SendMessage return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Sent returns the messages passed to SendMessage.
func (c *Conn) Sent() []transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Message(nil), c.sent...)
}

// Logouts returns how many times Logout was called.
func (c *Conn) Logouts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logouts
}

// Closed is closed once Close has been called.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Events implements transport.Conn.
func (c *Conn) Events() <-chan transport.Event { return c.events }

// SendMessage implements transport.Conn.
func (c *Conn) SendMessage(ctx context.Context, to, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return "", transport.ErrClosed
	default:
	}
	if c.sendErr != nil {
		return "", c.sendErr
	}
	id := fmt.Sprintf("msg-%d", len(c.sent)+1)
	c.sent = append(c.sent, transport.Message{ID: id, To: to, Text: text})
	return id, nil
}

// ListGroups implements transport.Conn.
func (c *Conn) ListGroups(ctx context.Context) ([]transport.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return nil, transport.ErrClosed
	default:
	}
	return append([]transport.Group(nil), c.groups...), nil
}

// Logout implements transport.Conn: the fake reports a logout close.
func (c *Conn) Logout(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.logouts++
	c.mu.Unlock()
	c.Emit(transport.StateChanged{State: transport.StateClosed, Reason: transport.ReasonLoggedOut})
	return nil
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		close(c.events)
		c.mu.Unlock()
	})
	return nil
}
