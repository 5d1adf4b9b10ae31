// Package bus publishes harness lifecycle events on NATS so that test
// runners and dashboards outside the process can follow a run.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"fleetharness/internal/events"
)

type Config struct {
	URL            string
	Token          string
	Prefix         string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Prefix:         DefaultPrefix,
		ConnectTimeout: 5 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // infinite
	}
}

// Client is a NATS connection publishing under one subject prefix.
type Client struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	source string
	prefix string
	logger *slog.Logger
}

// Connect dials NATS. source names this process in every envelope.
func Connect(cfg Config, source string, logger *slog.Logger) (*Client, error) {
	logger = logger.With("component", "bus")
	opts := []nats.Option{
		nats.Name(source),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats jetstream: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Client{nc: nc, js: js, source: source, prefix: prefix, logger: logger}, nil
}

func (c *Client) Prefix() string { return c.prefix }

// Publish sends an envelope to subject.
func (c *Client) Publish(subject string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return c.nc.Publish(subject, data)
}

// PublishEvent wraps a lifecycle event and sends it to its subject.
func (c *Client) PublishEvent(ev events.Event) error {
	env, err := FromEvent(c.source, ev)
	if err != nil {
		return fmt.Errorf("wrap event %s: %w", ev.Type, err)
	}
	return c.Publish(Subject(c.prefix, ev), env)
}

// Subscribe calls handler for each envelope received on subject.
// Undecodable messages are logged and dropped.
func (c *Client) Subscribe(subject string, handler func(Envelope)) (*nats.Subscription, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		env, err := UnmarshalEnvelope(msg.Data)
		if err != nil {
			c.logger.Error("failed to unmarshal envelope", "subject", msg.Subject, "error", err)
			return
		}
		handler(env)
	})
}

// ProvisionStream creates or updates a JetStream stream that keeps every
// event under the prefix.
func (c *Client) ProvisionStream(ctx context.Context, name string) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Description: "Fleet harness lifecycle events",
		Subjects:    []string{AllWildcard(c.prefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Discard:     jetstream.DiscardOld,
	})
	if err != nil {
		return nil, fmt.Errorf("provision stream %s: %w", name, err)
	}
	return stream, nil
}

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush() error {
	return c.nc.Flush()
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

// RegisterEventHandler publishes every emitted event. Publish failures are
// logged; they never fail the operation that emitted the event.
func RegisterEventHandler(emitter *events.Emitter, c *Client) {
	emitter.OnEvent(func(ev events.Event) {
		if err := c.PublishEvent(ev); err != nil {
			c.logger.Warn("publish event failed", "event", ev.Type, "error", err)
		}
	})
}
