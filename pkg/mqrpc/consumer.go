package mqrpc

import (
	"context"
	"iter"
	"sync"

	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/observability"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

// Item is one step of a consumer stream.
//
// Exactly one of these holds: Heartbeat is set (the transport woke up without
// a message; not end of stream), Err is set (this message failed), or Value
// holds the decoded message.
type Item[T any] struct {
	Value     T
	Err       error
	Heartbeat bool

	// Metadata is the received message's metadata, set whenever a message
	// was received (including when it failed to decode).
	Metadata transport.Metadata
}

// Consumer turns a subscription into a stream of decoded values.
//
// Every message is acknowledged before it is decoded. A payload that fails
// to decode is reported once and never redelivered. A consumer cannot be
// restarted: once its subscription closes, build a new one.
type Consumer[T any] struct {
	decl Declaration[T]
	sub  transport.Subscription
	opts options

	mu      sync.Mutex
	closed  error // set once the subscription ended
	stopped error // why the last Stream returned
}

// NewConsumer declares the route's destination and subscribes to it.
func NewConsumer[T any](ctx context.Context, t transport.Transport, decl Declaration[T], opts ...Option) (*Consumer[T], error) {
	if decl.Deserialize == nil {
		return nil, mqerrors.New(mqerrors.ErrInvalidRoute, "new consumer", decl.Route.Request, errMissingCodec)
	}
	if err := decl.Route.EnsureExists(ctx, t); err != nil {
		return nil, err
	}
	sub, err := t.Subscribe(ctx, decl.Route.Request)
	if err != nil {
		return nil, asTransport("subscribe", decl.Route.Request, err)
	}
	return &Consumer[T]{
		decl: decl,
		sub:  sub,
		opts: buildOptions(opts),
	}, nil
}

// Next reads one step: receive, acknowledge, decode.
//
// Per-message failures are returned inside the Item and the stream goes on.
// The returned error is terminal: ErrSubscriptionClosed once the
// subscription ended, or ctx's error.
func (c *Consumer[T]) Next(ctx context.Context) (Item[T], error) {
	if err := c.closedErr(); err != nil {
		return Item[T]{}, err
	}
	dest := c.decl.Route.Request

	d, err := c.sub.Next(ctx)
	if err != nil {
		if mqerrors.IsTerminal(err) {
			c.setClosed(err)
			observability.LogSubscriptionClosed(c.opts.logger, dest)
			return Item[T]{}, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Item[T]{}, ctxErr
		}
		err = asTransport("receive", dest, err)
		observability.LogReceiveError(c.opts.logger, dest, err)
		return Item[T]{Err: err}, nil
	}
	if d == nil {
		return Item[T]{Heartbeat: true}, nil
	}

	msg := d.Message()
	// The message is already ours; a cancelled ctx must not strand it unacked.
	if err := d.Ack(context.WithoutCancel(ctx)); err != nil {
		return Item[T]{Err: asTransport("ack", dest, err), Metadata: msg.Metadata}, nil
	}

	v, err := c.decl.Deserialize(msg.Payload)
	if err != nil {
		derr := mqerrors.Deserialization("receive", dest, err).WithCorrelation(msg.Metadata.CorrelationID)
		deadLetter(ctx, &c.opts, dest, msg, derr)
		c.opts.reportError(derr)
		return Item[T]{Err: derr, Metadata: msg.Metadata}, nil
	}
	return Item[T]{Value: v, Metadata: msg.Metadata}, nil
}

// Stream yields items until the subscription closes or ctx ends.
// Err reports why the stream stopped.
//
// Example:
//
//	for item := range consumer.Stream(ctx) {
//	    if item.Heartbeat {
//	        continue
//	    }
//	    if item.Err != nil {
//	        log.Println(item.Err)
//	        continue
//	    }
//	    process(item.Value)
//	}
func (c *Consumer[T]) Stream(ctx context.Context) iter.Seq[Item[T]] {
	return func(yield func(Item[T]) bool) {
		for {
			item, err := c.Next(ctx)
			if err != nil {
				c.mu.Lock()
				c.stopped = err
				c.mu.Unlock()
				return
			}
			if !yield(item) {
				return
			}
		}
	}
}

// Err returns the error that ended the last Stream, or nil.
func (c *Consumer[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Consumer[T]) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer[T]) setClosed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == nil {
		c.closed = err
	}
}

// Close cancels the subscription. Later calls to Next return
// ErrSubscriptionClosed.
func (c *Consumer[T]) Close() error {
	err := c.sub.Close()
	c.setClosed(mqerrors.New(mqerrors.ErrSubscriptionClosed, "close", c.decl.Route.Request, nil))
	return err
}
