// Package jetstream implements broker.Broker on NATS JetStream.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/actorflow/broker"
	"github.com/drblury/actorflow/internal/runtime/metadata"
)

var _ broker.Broker = (*Broker)(nil)

// Config holds the connection settings.
type Config struct {
	URL string
	// Name is reported to the server as the client connection name.
	Name string
	// Replicas is applied to every stream that does not set its own.
	Replicas int
	// MaxReconnects of -1 retries forever.
	MaxReconnects int
	ReconnectWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "actorflow"
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	return c
}

// Broker talks to one NATS connection.
type Broker struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	config   Config
	logger   watermill.LoggerAdapter
	ownsConn bool
}

// Connect dials NATS and wraps the connection. Close drains it.
func Connect(cfg Config, logger watermill.LoggerAdapter) (*Broker, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS connection lost", err, nil)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS connection restored", watermill.LogFields{"url": c.ConnectedUrlRedacted()})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	b, err := New(nc, cfg, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.ownsConn = true
	return b, nil
}

// New wraps an existing connection. The caller keeps ownership of nc.
func New(nc *nats.Conn, cfg Config, logger watermill.LoggerAdapter) (*Broker, error) {
	if nc == nil {
		return nil, errors.New("jetstream: nats connection is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &Broker{nc: nc, js: js, config: cfg.withDefaults(), logger: logger}, nil
}

// EnsureStream implements broker.Broker. The existing stream, if any, is
// read first so that its limits are widened rather than overwritten.
func (b *Broker) EnsureStream(ctx context.Context, cfg broker.StreamConfig) error {
	if err := cfg.Limits.Validate(); err != nil {
		return fmt.Errorf("jetstream: stream %s: %w", cfg.Name, err)
	}
	if len(cfg.Subjects) == 0 {
		cfg.Subjects = []string{cfg.Name}
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = b.config.Replicas
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = broker.DefaultDuplicateWindow
	}

	stream, err := b.js.Stream(ctx, cfg.Name)
	switch {
	case err == nil:
		info, err := stream.Info(ctx)
		if err != nil {
			return fmt.Errorf("jetstream: read stream %s: %w", cfg.Name, err)
		}
		cfg = cfg.Merge(fromStreamConfig(info.Config))
	case !errors.Is(err, jetstream.ErrStreamNotFound):
		return fmt.Errorf("jetstream: lookup stream %s: %w", cfg.Name, err)
	}

	if _, err := b.js.CreateOrUpdateStream(ctx, toStreamConfig(cfg)); err != nil {
		return fmt.Errorf("jetstream: ensure stream %s: %w", cfg.Name, err)
	}
	b.logger.Debug("Stream ensured", watermill.LogFields{"stream": cfg.Name})
	return nil
}

// EnsureConsumer implements broker.Broker. Redelivery is unbounded on the
// server; the runtime enforces the attempt budget itself.
func (b *Broker) EnsureConsumer(ctx context.Context, cfg broker.ConsumerConfig) (broker.Consumer, error) {
	existing, err := b.js.Consumer(ctx, cfg.Stream, cfg.Durable)
	switch {
	case err == nil:
		info, err := existing.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("jetstream: read consumer %s: %w", cfg.Durable, err)
		}
		cfg = cfg.Merge(fromConsumerConfig(cfg.Stream, info.Config))
	case errors.Is(err, jetstream.ErrStreamNotFound):
		return nil, fmt.Errorf("jetstream: %s: %w", cfg.Stream, broker.ErrStreamNotFound)
	case !errors.Is(err, jetstream.ErrConsumerNotFound):
		return nil, fmt.Errorf("jetstream: lookup consumer %s: %w", cfg.Durable, err)
	}

	cons, err := b.js.CreateOrUpdateConsumer(ctx, cfg.Stream, toConsumerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("jetstream: ensure consumer %s: %w", cfg.Durable, err)
	}
	return &consumer{cons: cons}, nil
}

// Publish implements broker.Publisher.
func (b *Broker) Publish(ctx context.Context, subject string, data []byte, headers metadata.Metadata) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		if errors.Is(err, nats.ErrMaxPayload) {
			return fmt.Errorf("jetstream: publish %s: %w", subject, broker.ErrMessageTooLarge)
		}
		return fmt.Errorf("jetstream: publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection when the broker dialled it.
func (b *Broker) Close() error {
	if !b.ownsConn {
		return nil
	}
	return b.nc.Drain()
}

type consumer struct {
	cons jetstream.Consumer
}

// Fetch implements broker.Consumer.
func (c *consumer) Fetch(ctx context.Context, batch int, wait time.Duration) ([]broker.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := c.cons.Fetch(batch, jetstream.FetchMaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, err
	}

	var out []broker.Message
	for msg := range res.Messages() {
		out = append(out, &message{msg: msg})
	}
	if err := res.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, err
	}
	return out, nil
}

type message struct {
	msg jetstream.Msg
}

func (m *message) Subject() string { return m.msg.Subject() }
func (m *message) Data() []byte    { return m.msg.Data() }

func (m *message) Headers() metadata.Metadata {
	return fromHeader(m.msg.Headers())
}

func (m *message) Metadata() (broker.MessageMetadata, error) {
	md, err := m.msg.Metadata()
	if err != nil {
		return broker.MessageMetadata{}, err
	}
	return broker.MessageMetadata{
		Stream:       md.Stream,
		Consumer:     md.Consumer,
		Sequence:     md.Sequence.Stream,
		NumDelivered: md.NumDelivered,
		NumPending:   md.NumPending,
		Timestamp:    md.Timestamp,
	}, nil
}

func (m *message) Ack(context.Context) error {
	return mapAckErr(m.msg.Ack())
}

func (m *message) Nak(_ context.Context, delay time.Duration) error {
	if delay <= 0 {
		return mapAckErr(m.msg.Nak())
	}
	return mapAckErr(m.msg.NakWithDelay(delay))
}

func (m *message) InProgress(context.Context) error {
	return mapAckErr(m.msg.InProgress())
}

func mapAckErr(err error) error {
	if errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
		return broker.ErrAlreadyAcknowledged
	}
	return err
}
