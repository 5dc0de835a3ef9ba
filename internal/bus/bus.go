// Package bus wraps the NATS connection with JSON payload handling,
// request-reply helpers, and automatic error replies.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultTimeout bounds bus requests unless the caller provides its own.
const DefaultTimeout = 5 * time.Second

// ErrNoReply is returned by Request when no reply arrives before the
// timeout or the transport fails. Callers distinguish it from an explicit
// {"status":"error"} reply, which arrives as a normal payload.
var ErrNoReply = errors.New("no reply")

// Handler processes one message. The returned map, when non-nil and the
// message carried a reply subject, is published as the reply. A returned
// error becomes an error reply {"status":"error","error":...}.
type Handler func(ctx context.Context, msg map[string]any) (map[string]any, error)

// Conn is the bus surface the mesh services depend on. The production
// implementation is Client; tests use a fake.
type Conn interface {
	Publish(subject string, payload map[string]any) error
	Subscribe(subject string, h Handler) error
	Request(ctx context.Context, subject string, payload map[string]any, timeout time.Duration) (map[string]any, error)
	IsConnected() bool
	Close() error
}

// Client is the NATS-backed Conn.
type Client struct {
	nc   *nats.Conn
	subs []*nats.Subscription
}

// Connect dials the broker at url and returns a connected client.
func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("agentmesh"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to bus %s: %w", url, err)
	}
	slog.Info("connected to bus", "url", url)
	return &Client{nc: nc}, nil
}

// Publish serializes payload as JSON and publishes it on subject.
func (c *Client) Publish(subject string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", subject, err)
	}
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers h on subject. Messages are decoded as JSON objects;
// when a message carries a reply subject the handler's result (or error)
// is published back automatically.
func (c *Client) Subscribe(subject string, h Handler) error {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		var payload map[string]any
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			slog.Warn("bus message is not a JSON object", "subject", subject, "error", err)
			replyError(msg, fmt.Sprintf("invalid JSON payload: %v", err))
			return
		}

		result, err := h(context.Background(), payload)
		if err != nil {
			slog.Warn("bus handler failed", "subject", subject, "error", err)
			replyError(msg, err.Error())
			return
		}
		if result == nil || msg.Reply == "" {
			return
		}
		data, err := json.Marshal(result)
		if err != nil {
			slog.Error("marshal reply failed", "subject", subject, "error", err)
			replyError(msg, "internal error encoding reply")
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Warn("publish reply failed", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	slog.Debug("subscribed", "subject", subject)
	return nil
}

func replyError(msg *nats.Msg, errMsg string) {
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(map[string]any{"status": "error", "error": errMsg})
	if err := msg.Respond(data); err != nil {
		slog.Warn("publish error reply failed", "subject", msg.Subject, "error", err)
	}
}

// Request publishes payload on subject and waits for one reply. A zero
// timeout uses DefaultTimeout. Timeouts and transport failures return
// ErrNoReply.
func (c *Client) Request(ctx context.Context, subject string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request for %s: %w", subject, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("request to %s: %w", subject, ErrNoReply)
		}
		return nil, fmt.Errorf("request to %s: %w", subject, err)
	}

	var reply map[string]any
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply from %s: %w", subject, err)
	}
	return reply, nil
}

// IsConnected reports whether the underlying connection is up.
func (c *Client) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains pending messages and closes the connection.
func (c *Client) Close() error {
	for _, sub := range c.subs {
		sub.Unsubscribe() //nolint:errcheck
	}
	c.subs = nil
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("drain bus connection: %w", err)
	}
	return nil
}
