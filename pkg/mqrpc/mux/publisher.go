package mux

import (
	"context"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/codec"
	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

// Publisher holds one producer per registered route.
// It is safe for concurrent use.
type Publisher struct {
	routes    *Sealed
	producers map[string]*mqrpc.Producer[[]byte]
}

// NewPublisher declares every route's destination and returns a Publisher.
// opts apply to every underlying producer.
func NewPublisher(ctx context.Context, t transport.Transport, routes *Sealed, opts ...mqrpc.Option) (*Publisher, error) {
	p := &Publisher{
		routes:    routes,
		producers: make(map[string]*mqrpc.Producer[[]byte], len(routes.order)),
	}
	for _, name := range routes.order {
		e := routes.entries[name]
		prod, err := mqrpc.NewProducer(ctx, t, mqrpc.Declare(e.route, codec.Bytes()), opts...)
		if err != nil {
			return nil, err
		}
		p.producers[name] = prod
	}
	return p, nil
}

// Publish sends v on route name. v must have the route's payload type.
func (p *Publisher) Publish(ctx context.Context, name string, v any) error {
	e, err := p.routes.lookup("publish", name)
	if err != nil {
		return err
	}
	return p.publish(ctx, e, v)
}

func (p *Publisher) publish(ctx context.Context, e *entry, v any) error {
	payload, err := e.encode(v)
	if err != nil {
		if mqerrors.KindOf(err) != nil {
			return err
		}
		return mqerrors.Serialization("publish", e.route.Request, err)
	}
	return p.producers[e.name].Publish(ctx, payload)
}

// Publish sends v on route name, checking T against the route's payload
// type.
func Publish[T any](ctx context.Context, p *Publisher, name string, v T) error {
	e, err := p.routes.lookup("publish", name)
	if err != nil {
		return err
	}
	if err := checkType[T](e, "publish"); err != nil {
		return err
	}
	return p.publish(ctx, e, v)
}
