// Package transport defines the publish/subscribe contract mqrpc builds on.
//
// mqrpc never talks to a broker directly. Everything it needs is a confirmed
// Publish, a Subscribe that yields acknowledgeable deliveries, and an
// idempotent Declare. Implementations live in the memory, amqp and jetstream
// subpackages.
package transport

import (
	"context"
	"maps"
)

// Header keys used for protocol bookkeeping.
const (
	// HeaderError marks a reply produced by a failed server handler.
	// The value is the handler's error message.
	HeaderError = "mqrpc-error"
)

// Metadata is protocol bookkeeping carried beside the payload.
// It never carries the application payload.
type Metadata struct {
	// ReplyTo is the destination the reply should be published to.
	ReplyTo string

	// CorrelationID is the canonical string form of the request's UUID.
	CorrelationID string

	// Durable asks the broker to persist the message.
	Durable bool

	// Headers holds extra bookkeeping such as trace context.
	Headers map[string]string
}

// Header returns the value for key, or "" when absent.
func (m Metadata) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// WithHeader returns a copy of m with key set to value.
func (m Metadata) WithHeader(key, value string) Metadata {
	h := make(map[string]string, len(m.Headers)+1)
	maps.Copy(h, m.Headers)
	h[key] = value
	m.Headers = h
	return m
}

// Message is an opaque payload plus metadata.
type Message struct {
	Payload  []byte
	Metadata Metadata
}

// Delivery is one received message awaiting acknowledgement.
type Delivery interface {
	// Message returns the received message.
	Message() Message

	// Attempt is the 1-based delivery count of the message, as far as the
	// broker tracks it. A message requeued twice reports 3.
	Attempt() int

	// Ack removes the message from the broker's redelivery set.
	Ack(ctx context.Context) error

	// Nack rejects the message, optionally returning it to the queue.
	// Settlement must not depend on ctx being live: callers settle
	// during shutdown.
	Nack(ctx context.Context, requeue bool) error
}

// Subscription is a stream of deliveries from one destination.
type Subscription interface {
	// Next blocks for the next delivery.
	//
	// A (nil, nil) return is a heartbeat: the transport woke up without a
	// message. Callers treat it as a no-op, not as end of stream.
	// An error matching errors.ErrSubscriptionClosed is terminal.
	// Any other error is a failure of this receive only.
	Next(ctx context.Context) (Delivery, error)

	// Close cancels the subscription. Later Next calls return
	// errors.ErrSubscriptionClosed.
	Close() error
}

// Transport is the broker capability mqrpc consumes.
// Implementations must be goroutine-safe.
type Transport interface {
	// Declare idempotently creates destination (and binds it to exchange
	// when exchange is not empty).
	Declare(ctx context.Context, exchange, destination string) error

	// Publish sends msg and returns only after the broker confirmed it.
	Publish(ctx context.Context, exchange, destination string, msg Message) error

	// Subscribe starts consuming destination.
	Subscribe(ctx context.Context, destination string) (Subscription, error)

	// Close releases the transport's resources.
	Close() error
}
