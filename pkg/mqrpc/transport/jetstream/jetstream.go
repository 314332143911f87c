// Package jetstream implements transport.Transport on NATS JetStream.
//
// Each destination is backed by its own work-queue stream, so a message is
// removed once any consumer acknowledges it. The exchange, when set, is a
// subject prefix. Durable messages are published through JetStream and
// Publish returns after the PubAck. Subscriptions are durable pull
// consumers shared by every subscriber of the same destination.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

// Config configures the JetStream transport.
type Config struct {
	// URL is the NATS server, e.g. "nats://127.0.0.1:4222".
	URL string

	// Name is the client name shown in NATS monitoring.
	Name string

	// Heartbeat bounds each pull. When no message arrives within it, Next
	// returns (nil, nil). Default: 0 (Next keeps pulling until ctx ends)
	Heartbeat time.Duration

	// AckWait is how long the server waits for an ack before redelivering.
	// Default: 30s
	AckWait time.Duration

	// MaxDeliver caps redeliveries. Default: 5
	MaxDeliver int

	// MemoryStorage keeps streams in memory instead of on disk.
	MemoryStorage bool
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	URL:        nats.DefaultURL,
	Name:       "mqrpc",
	AckWait:    30 * time.Second,
	MaxDeliver: 5,
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultConfig.URL
	}
	if c.Name == "" {
		c.Name = DefaultConfig.Name
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultConfig.AckWait
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = DefaultConfig.MaxDeliver
	}
	return c
}

// pullWait is the fetch window used when no heartbeat is configured.
const pullWait = 5 * time.Second

var errClosed = errors.New("jetstream transport closed")

// Transport is the NATS JetStream transport.
type Transport struct {
	config   Config
	nc       *nats.Conn
	js       jetstream.JetStream
	ownsConn bool
	closed   atomic.Bool
}

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

// Dial connects to config.URL and returns a Transport that owns the
// connection.
func Dial(config Config) (*Transport, error) {
	config = config.withDefaults()
	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.PingInterval(5*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1), // reconnect forever
	)
	if err != nil {
		return nil, mqerrors.Transport("dial", "", fmt.Errorf("nats connect %s: %w", config.URL, err))
	}

	t, err := New(nc, config)
	if err != nil {
		nc.Close()
		return nil, err
	}
	t.ownsConn = true
	return t, nil
}

// New wraps an existing connection. Close leaves the connection open.
func New(nc *nats.Conn, config Config) (*Transport, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, mqerrors.Transport("dial", "", fmt.Errorf("jetstream init: %w", err))
	}
	return &Transport{
		config: config.withDefaults(),
		nc:     nc,
		js:     js,
	}, nil
}

// Declare creates or updates the work-queue stream for destination.
func (t *Transport) Declare(ctx context.Context, exchange, destination string) error {
	if t.closed.Load() {
		return mqerrors.Transport("declare", destination, errClosed)
	}

	storage := jetstream.FileStorage
	if t.config.MemoryStorage {
		storage = jetstream.MemoryStorage
	}
	_, err := t.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName(destination),
		Subjects:  []string{subject(exchange, destination)},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   storage,
	})
	if err != nil {
		return mqerrors.Transport("declare", destination, err)
	}
	return nil
}

// Publish sends msg to the destination's subject. Durable messages wait
// for the stream's PubAck; others are flushed to the server.
func (t *Transport) Publish(ctx context.Context, exchange, destination string, msg transport.Message) error {
	if t.closed.Load() {
		return mqerrors.Transport("publish", destination, errClosed)
	}

	m := toNatsMsg(subject(exchange, destination), msg)
	if msg.Metadata.Durable {
		if _, err := t.js.PublishMsg(ctx, m); err != nil {
			return mqerrors.Transport("publish", destination, err)
		}
		return nil
	}

	if err := t.nc.PublishMsg(m); err != nil {
		return mqerrors.Transport("publish", destination, err)
	}
	if err := t.nc.FlushWithContext(ctx); err != nil {
		return mqerrors.Transport("publish", destination, err)
	}
	return nil
}

// Subscribe binds to the destination's shared durable pull consumer.
func (t *Transport) Subscribe(ctx context.Context, destination string) (transport.Subscription, error) {
	if t.closed.Load() {
		return nil, mqerrors.Transport("subscribe", destination, errClosed)
	}

	stream := streamName(destination)
	consumer, err := t.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:    consumerName(stream),
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    t.config.AckWait,
		MaxDeliver: t.config.MaxDeliver,
	})
	if err != nil {
		return nil, mqerrors.Transport("subscribe", destination, fmt.Errorf("create consumer on %s: %w", stream, err))
	}

	return &subscription{
		destination: destination,
		consumer:    consumer,
		heartbeat:   t.config.Heartbeat,
		parent:      t,
	}, nil
}

// Close closes the connection when the transport owns it.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	if t.ownsConn {
		t.nc.Close()
	}
	return nil
}

// subscription pulls one message at a time.
type subscription struct {
	destination string
	consumer    jetstream.Consumer
	heartbeat   time.Duration
	parent      *Transport
	closed      atomic.Bool
}

func (s *subscription) closedErr(cause error) error {
	return mqerrors.New(mqerrors.ErrSubscriptionClosed, "next", s.destination, cause)
}

// Next implements transport.Subscription.
func (s *subscription) Next(ctx context.Context) (transport.Delivery, error) {
	wait := s.heartbeat
	if wait <= 0 {
		wait = pullWait
	}

	for {
		if s.closed.Load() || s.parent.closed.Load() {
			return nil, s.closedErr(nil)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := s.consumer.Fetch(1, jetstream.FetchMaxWait(wait))
		if err != nil {
			return nil, s.classify(err)
		}
		for msg := range batch.Messages() {
			return &delivery{destination: s.destination, msg: msg}, nil
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return nil, s.classify(err)
		}

		if s.heartbeat > 0 {
			return nil, nil
		}
	}
}

// classify marks errors that mean the consumer is gone for good.
func (s *subscription) classify(err error) error {
	if isTerminal(err) {
		s.closed.Store(true)
		return s.closedErr(err)
	}
	return mqerrors.Transport("next", s.destination, err)
}

func isTerminal(err error) bool {
	return errors.Is(err, jetstream.ErrConsumerDeleted) ||
		errors.Is(err, jetstream.ErrConsumerNotFound) ||
		errors.Is(err, nats.ErrConnectionClosed)
}

// Close stops pulling. The durable consumer stays on the server so other
// subscribers keep working.
func (s *subscription) Close() error {
	s.closed.Store(true)
	return nil
}

type delivery struct {
	destination string
	msg         jetstream.Msg
}

func (d *delivery) Message() transport.Message {
	return fromNatsMsg(d.msg.Data(), d.msg.Headers())
}

// Attempt is the consumer's delivery count for the message.
func (d *delivery) Attempt() int {
	md, err := d.msg.Metadata()
	if err != nil || md.NumDelivered == 0 {
		return 1
	}
	return int(md.NumDelivered)
}

// Ack waits for the server to confirm the acknowledgement.
func (d *delivery) Ack(ctx context.Context) error {
	if err := d.msg.DoubleAck(ctx); err != nil {
		return mqerrors.Transport("ack", d.destination, err)
	}
	return nil
}

// Nack redelivers when requeue is set and terminates the message otherwise.
func (d *delivery) Nack(_ context.Context, requeue bool) error {
	var err error
	if requeue {
		err = d.msg.Nak()
	} else {
		err = d.msg.Term()
	}
	if err != nil {
		return mqerrors.Transport("nack", d.destination, err)
	}
	return nil
}

// subject joins the exchange prefix and destination.
func subject(exchange, destination string) string {
	if exchange == "" {
		return destination
	}
	return exchange + "." + destination
}

// streamName maps a destination to a valid stream name.
// "orders.created" → "MQRPC_orders_created"
func streamName(destination string) string {
	return "MQRPC_" + strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', '/', '\\', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, destination)
}

func consumerName(stream string) string {
	return stream + "_workers"
}
