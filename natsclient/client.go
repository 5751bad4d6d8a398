// Package natsclient provides a client for managing the NATS connection and
// JetStream key/value buckets used by the event core. Core subjects carry
// the producer-to-core event path; JetStream KV is the durable result store.
package natsclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/errors"
)

// Options configures the NATS client connection.
type Options struct {
	URL           string        // NATS server URL
	Name          string        // client connection name
	Timeout       time.Duration // dial timeout
	MaxReconnects int           // -1 for unlimited
	ReconnectWait time.Duration
	DrainTimeout  time.Duration
}

// DefaultOptions returns sensible connection defaults.
func DefaultOptions(url string) Options {
	return Options{
		URL:           url,
		Name:          "augmentos-cloud",
		Timeout:       5 * time.Second,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		DrainTimeout:  10 * time.Second,
	}
}

// Client manages a NATS connection and its JetStream context.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription
}

// New creates a client; Connect must be called before use.
func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		logger: logger.With("component", "natsclient"),
	}
}

// Connect establishes the NATS connection and JetStream context.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Client", "Connect",
			"already connected")
	}

	conn, err := nats.Connect(c.opts.URL,
		nats.Name(c.opts.Name),
		nats.Timeout(c.opts.Timeout),
		nats.MaxReconnects(c.opts.MaxReconnects),
		nats.ReconnectWait(c.opts.ReconnectWait),
		nats.DrainTimeout(c.opts.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "nats dial")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapFatal(err, "Client", "Connect", "jetstream context")
	}

	c.conn = conn
	c.js = js
	c.logger.Info("connected to nats", "url", c.opts.URL)
	return nil
}

// Conn returns the underlying NATS connection, or nil before Connect.
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Publish publishes data on a core NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.WrapTransient(errors.ErrNotStarted, "Client", "Publish", "publish "+subject)
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish "+subject)
	}
	return nil
}

// Subscribe subscribes to a core NATS subject. Subscriptions are tracked and
// drained on Close.
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, errors.WrapTransient(errors.ErrNotStarted, "Client", "Subscribe",
			"subscribe "+subject)
	}
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}
	c.subs = append(c.subs, sub)
	return sub, nil
}

// EnsureKeyValue opens the named JetStream KV bucket, creating it when
// absent.
func (c *Client) EnsureKeyValue(ctx context.Context, bucket string) (jetstream.KeyValue, error) {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()
	if js == nil {
		return nil, errors.WrapTransient(errors.ErrNotStarted, "Client", "EnsureKeyValue",
			"open bucket "+bucket)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, errors.WrapTransient(err, "Client", "EnsureKeyValue", "open bucket "+bucket)
	}

	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "EnsureKeyValue", "create bucket "+bucket)
	}
	c.logger.Info("created kv bucket", "bucket", bucket)
	return kv, nil
}

// Close drains tracked subscriptions and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("subscription drain failed", "subject", sub.Subject, "error", err)
		}
	}
	c.subs = nil

	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.conn.Close()
		}
		c.conn = nil
		c.js = nil
		c.logger.Info("nats connection closed")
	}
}
