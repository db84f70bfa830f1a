package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kaiwalabs/kaiwa-core/internal/config"
	"github.com/kaiwalabs/kaiwa-core/internal/pipeline"
	"github.com/kaiwalabs/kaiwa-core/internal/protocol"
)

// Client wraps the NATS connection with session event helpers.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("kaiwa-core"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		log:  log,
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// PublishEvent sends one session event on its per-session subject.
func (c *Client) PublishEvent(ctx context.Context, event protocol.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := c.conn.Publish(protocol.SessionEventSubject(event.SessionID), payload); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// SubscribeSession delivers one session's events to handler in arrival order.
func (c *Client) SubscribeSession(sessionID string, handler func(protocol.Event)) (pipeline.Subscription, error) {
	sub, err := c.conn.Subscribe(protocol.SessionEventSubject(sessionID), func(msg *nats.Msg) {
		c.dispatch(msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe session %s: %w", sessionID, err)
	}
	return natsSubscription{sub: sub}, nil
}

// SubscribeAllSessions delivers every session's events to handler.
func (c *Client) SubscribeAllSessions(handler func(protocol.Event)) (pipeline.Subscription, error) {
	sub, err := c.conn.Subscribe(protocol.SubjectSessionEventWildcard, func(msg *nats.Msg) {
		c.dispatch(msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe all sessions: %w", err)
	}
	return natsSubscription{sub: sub}, nil
}

func (c *Client) dispatch(msg *nats.Msg, handler func(protocol.Event)) {
	var event protocol.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		c.log.Warn("drop malformed event", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	handler(event)
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
