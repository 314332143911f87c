package mqrpc

import (
	"context"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc/codec"
	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

// Route names the destinations of one request/reply pair.
// It is an immutable value; copy it freely.
type Route struct {
	// Exchange optionally qualifies the destinations (AMQP exchange,
	// JetStream subject prefix). Empty means the transport default.
	Exchange string

	// Request is the destination requests are published to.
	Request string

	// Reply is the destination replies are published to.
	// Empty for one-way routes.
	Reply string
}

// Validate reports whether the route can be used.
func (r Route) Validate() error {
	if r.Request == "" {
		return mqerrors.New(mqerrors.ErrInvalidRoute, "validate", "", errEmptyRequest)
	}
	return nil
}

// EnsureExists idempotently declares the route's destinations.
func (r Route) EnsureExists(ctx context.Context, t transport.Transport) error {
	if err := r.Validate(); err != nil {
		return err
	}
	for _, dest := range []string{r.Request, r.Reply} {
		if dest == "" {
			continue
		}
		if err := t.Declare(ctx, r.Exchange, dest); err != nil {
			return asTransport("declare", dest, err)
		}
	}
	return nil
}

// Declaration binds a one-way route to its payload type.
type Declaration[T any] struct {
	Route       Route
	Serialize   codec.Serializer[T]
	Deserialize codec.Deserializer[T]
}

// Declare builds a Declaration from a route and a codec pair.
func Declare[T any](route Route, pair codec.Pair[T]) Declaration[T] {
	return Declaration[T]{
		Route:       route,
		Serialize:   pair.Serialize,
		Deserialize: pair.Deserialize,
	}
}

// RPCRoute binds a route to its request and response payload types.
type RPCRoute[Req, Resp any] struct {
	Route    Route
	Request  codec.Pair[Req]
	Response codec.Pair[Resp]
}

func (r RPCRoute[Req, Resp]) validate() error {
	if err := r.Route.Validate(); err != nil {
		return err
	}
	if r.Route.Reply == "" {
		return mqerrors.New(mqerrors.ErrInvalidRoute, "validate", r.Route.Request, errEmptyReply)
	}
	if r.Request.Serialize == nil || r.Request.Deserialize == nil ||
		r.Response.Serialize == nil || r.Response.Deserialize == nil {
		return mqerrors.New(mqerrors.ErrInvalidRoute, "validate", r.Route.Request, errMissingCodec)
	}
	return nil
}

// asTransport classifies err as a transport failure unless it already
// carries an mqrpc kind.
func asTransport(op, destination string, err error) error {
	if err == nil || mqerrors.KindOf(err) != nil {
		return err
	}
	return mqerrors.Transport(op, destination, err)
}
