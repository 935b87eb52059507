package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is a received event-bus message.
type Message struct {
	Topic   string
	Payload []byte
}

// PayloadString decodes the payload as UTF-8 text.
func (m Message) PayloadString() string { return string(m.Payload) }

// MessageHandler processes one received message.
type MessageHandler func(ctx context.Context, msg Message)

// ReconnectHandler runs after the second and later successful
// connections (never on the first), typically to trigger a shadow resync.
type ReconnectHandler func(ctx context.Context)

// Stats exposes connection observability for readiness probes.
type Stats struct {
	Connected          bool
	ConnectionCount    int
	DisconnectionCount int
	LastConnectedAt    time.Time
	ReconnectAttempts  int
}

// Client is a publish/subscribe transport with a background reconnect
// loop using exponential backoff. The wire transport is redis Pub/Sub
// (substituted for the reference implementation's MQTT broker — no Go
// MQTT client exists in the retrieval pack; see DESIGN.md) while
// preserving the topic grammar, backoff schedule, and reconnect-hook
// semantics exactly.
type Client struct {
	rdb     *redis.Client
	backoff *Backoff
	logger  *slog.Logger

	mu                sync.Mutex
	subscriptions      []Subscription
	handlers           []MessageHandler
	reconnectHandlers  []ReconnectHandler
	connected          bool
	connectionCount    int
	disconnectionCount int
	lastConnectedAt    time.Time
}

// New builds a Client against the given redis connection options.
func New(rdb *redis.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{rdb: rdb, backoff: DefaultBackoff(), logger: logger}
}

// AddHandler registers a message handler, invoked for every received message.
func (c *Client) AddHandler(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// AddReconnectHandler registers a handler invoked after every
// reconnection (i.e. every successful connect except the first).
func (c *Client) AddReconnectHandler(h ReconnectHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectHandlers = append(c.reconnectHandlers, h)
}

// SetSubscriptions replaces the set of topic patterns to subscribe to.
func (c *Client) SetSubscriptions(subs []Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions = append([]Subscription(nil), subs...)
}

// Stats returns a point-in-time connection status snapshot.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Connected:          c.connected,
		ConnectionCount:    c.connectionCount,
		DisconnectionCount: c.disconnectionCount,
		LastConnectedAt:    c.lastConnectedAt,
		ReconnectAttempts:  c.backoff.AttemptCount(),
	}
}

// IsConnected reports current connection status.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run executes the reconnect loop until ctx is cancelled. It should be
// started as a long-lived background task.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectAndListen(ctx); err != nil {
			c.mu.Lock()
			c.connected = false
			c.disconnectionCount++
			delay := c.backoff.NextDelay()
			attempt := c.backoff.AttemptCount()
			c.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("event bus connection lost, reconnecting with backoff",
				"error", err, "delay", delay, "attempt", attempt)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Client) connectAndListen(ctx context.Context) error {
	c.mu.Lock()
	patterns := make([]string, len(c.subscriptions))
	for i, s := range c.subscriptions {
		patterns[i] = s.Topic
	}
	c.mu.Unlock()

	pubsub := c.rdb.PSubscribe(ctx, patterns...)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.connectionCount++
	c.lastConnectedAt = time.Now()
	c.backoff.Reset()
	isReconnect := c.connectionCount > 1
	handlers := append([]ReconnectHandler(nil), c.reconnectHandlers...)
	c.mu.Unlock()

	c.logger.Info("event bus connected", "connection_number", c.connectionCount, "patterns", patterns)

	if isReconnect {
		for _, h := range handlers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.Error("reconnect handler panicked", "panic", r)
					}
				}()
				h(ctx)
			}()
		}
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil // channel closed -> reconnect
			}
			c.dispatch(ctx, Message{Topic: msg.Channel, Payload: []byte(msg.Payload)})
		}
	}
}

func (c *Client) dispatch(ctx context.Context, msg Message) {
	c.mu.Lock()
	handlers := append([]MessageHandler(nil), c.handlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("message handler panicked", "topic", msg.Topic, "panic", r)
				}
			}()
			h(ctx, msg)
		}()
	}
}

// Publish sends one message on a short-lived basis.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.rdb.Publish(ctx, topic, payload).Err()
}
