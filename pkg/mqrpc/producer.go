package mqrpc

import (
	"context"

	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

// Producer publishes values of one type to a route's request destination.
// It is stateless beyond its declaration and safe for concurrent use.
type Producer[T any] struct {
	decl Declaration[T]
	t    transport.Transport
	opts options
}

// NewProducer declares the route's destination and returns a Producer.
func NewProducer[T any](ctx context.Context, t transport.Transport, decl Declaration[T], opts ...Option) (*Producer[T], error) {
	if decl.Serialize == nil {
		return nil, mqerrors.New(mqerrors.ErrInvalidRoute, "new producer", decl.Route.Request, errMissingCodec)
	}
	if err := decl.Route.EnsureExists(ctx, t); err != nil {
		return nil, err
	}
	return &Producer[T]{
		decl: decl,
		t:    t,
		opts: buildOptions(opts),
	}, nil
}

// Route returns the producer's route.
func (p *Producer[T]) Route() Route {
	return p.decl.Route
}

// Publish serializes v and publishes it as a durable message. It returns
// only after the transport confirmed the message, so a nil error means the
// value is durably queued.
func (p *Producer[T]) Publish(ctx context.Context, v T) error {
	dest := p.decl.Route.Request

	payload, err := p.decl.Serialize(v)
	if err != nil {
		return mqerrors.Serialization("publish", dest, err)
	}

	return publish(ctx, p.t, &p.opts, p.decl.Route.Exchange, dest, transport.Message{
		Payload:  payload,
		Metadata: transport.Metadata{Durable: true},
	})
}
