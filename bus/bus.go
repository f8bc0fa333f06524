// Package bus manages the NATS connection and JetStream context shared by
// the persisted stores.
package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Conn bundles the NATS connection with its JetStream context.
type Conn struct {
	NC *nats.Conn
	JS jetstream.JetStream

	logger *slog.Logger
}

// Option configures the connection.
type Option func(*options)

type options struct {
	name    string
	logger  *slog.Logger
	timeout time.Duration
}

// WithName sets the client connection name visible to the NATS server.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithConnectTimeout bounds the initial connect.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Connect dials the NATS server and creates a JetStream context.
func Connect(url string, opts ...Option) (*Conn, error) {
	o := &options{
		name:    "weft",
		logger:  slog.Default(),
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}

	nc, err := nats.Connect(url,
		nats.Name(o.name),
		nats.Timeout(o.timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				o.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			o.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	o.logger.Info("connected to nats", "url", nc.ConnectedUrl())
	return &Conn{NC: nc, JS: js, logger: o.logger}, nil
}

// Close drains in-flight messages and closes the connection.
func (c *Conn) Close() {
	if c.NC == nil {
		return
	}
	if err := c.NC.Drain(); err != nil {
		c.logger.Warn("nats drain failed", "error", err)
	}
	c.NC.Close()
}
