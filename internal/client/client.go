// Package client implements the session-side WebSocket client: it keeps a
// connection to a kaiwa daemon alive across drops, queues outbound messages
// while disconnected, and hands every inbound event to a callback.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kaiwalabs/kaiwa-core/internal/protocol"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("client closed")

// ErrConnectionLost marks a reconnect loop that ran out of attempts.
var ErrConnectionLost = errors.New("connection lost")

// Policy bounds the reconnect loop. The first attempt is immediate; the
// wait before each retry starts at BaseDelay and multiplies up to MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultPolicy mirrors the browser client's settings.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the wait after the given failed attempt, 1-based.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxDelay > 0 && time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// Options configures a Client.
type Options struct {
	// URL is the full session endpoint, e.g. ws://host:8000/ws/my-session.
	URL string
	Log *slog.Logger
	// Policy bounds reconnection; the zero value falls back to DefaultPolicy.
	Policy Policy
	// Heartbeat sends a ping envelope on this interval while connected.
	// Zero disables heartbeats.
	Heartbeat time.Duration
	// OnEvent receives every decoded server event.
	OnEvent func(protocol.Event)
	Dialer  *websocket.Dialer
}

// Client is a reconnecting session socket. Messages sent while disconnected
// are queued in order and flushed as soon as a connection is established.
type Client struct {
	url       string
	log       *slog.Logger
	policy    Policy
	heartbeat time.Duration
	onEvent   func(protocol.Event)
	dialer    *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	queue  []protocol.ClientEnvelope
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a Client. Connect with Start; messages sent before Start are
// queued.
func New(opts Options) *Client {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	policy := opts.Policy
	if policy == (Policy{}) {
		policy = DefaultPolicy()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		url:       opts.URL,
		log:       log.With("component", "client"),
		policy:    policy,
		heartbeat: opts.Heartbeat,
		onEvent:   opts.OnEvent,
		dialer:    dialer,
		done:      make(chan struct{}),
	}
}

// Start dials the endpoint, retrying per the policy, and then keeps the
// connection alive in the background until Close or ctx cancellation.
func (c *Client) Start(ctx context.Context) error {
	if err := c.redial(ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.manage(ctx)
	if c.heartbeat > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}
	return nil
}

// Send queues or writes one envelope. While connected the write happens
// inline; while disconnected the envelope waits in order for the next
// connection.
func (c *Client) Send(msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	env := protocol.ClientEnvelope{Type: msgType, Data: data, Timestamp: time.Now().UTC()}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		c.queue = append(c.queue, env)
		return nil
	}
	if err := c.conn.WriteJSON(env); err != nil {
		// The read loop will notice the broken connection; keep the
		// message for the next one.
		c.queue = append(c.queue, env)
		return nil
	}
	return nil
}

// Connected reports whether a live connection is installed.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close sends a normal closure and stops the reconnect loop for good.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) manage(ctx context.Context) {
	defer c.wg.Done()
	for {
		conn := c.current()
		if conn == nil {
			return
		}

		err := c.readLoop(conn)
		if c.isClosed() || ctx.Err() != nil {
			return
		}
		c.log.Warn("connection lost", "url", c.url, "error", err)
		c.drop(conn)

		if err := c.redial(ctx); err != nil {
			c.log.Error("giving up on reconnect", "url", c.url, "error", err)
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var ev protocol.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		if c.onEvent != nil {
			c.onEvent(ev)
		}
	}
}

// redial establishes a connection per the policy and flushes the queue.
func (c *Client) redial(ctx context.Context) error {
	attempt := 0
	for {
		if c.isClosed() {
			return ErrClosed
		}
		attempt++

		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			c.install(conn)
			c.log.Info("connected", "url", c.url, "attempt", attempt)
			return nil
		}
		c.log.Warn("dial failed", "url", c.url, "attempt", attempt, "error", err)

		if c.policy.MaxAttempts > 0 && attempt >= c.policy.MaxAttempts {
			return fmt.Errorf("%w: %d attempts: %v", ErrConnectionLost, attempt, err)
		}
		select {
		case <-time.After(c.policy.Delay(attempt)):
		case <-c.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// install publishes the new connection and drains the queue in order.
// Anything that fails to flush stays queued for the next connection.
func (c *Client) install(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return
	}
	c.conn = conn
	for len(c.queue) > 0 {
		if err := c.conn.WriteJSON(c.queue[0]); err != nil {
			c.log.Warn("queue flush interrupted", "queued", len(c.queue), "error", err)
			return
		}
		c.queue = c.queue[1:]
	}
}

func (c *Client) drop(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !c.Connected() {
				continue
			}
			if err := c.Send(protocol.TypePing, struct{}{}); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
