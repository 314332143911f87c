package mqrpc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/observability"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

// Client issues RPC calls on one route.
//
// A Client is safe for concurrent use. Its reply router must be running
// (Run) for Send to ever complete.
type Client[Req, Resp any] struct {
	route   RPCRoute[Req, Resp]
	t       transport.Transport
	pending *pendingTable
	router  *ReplyRouter
	opts    options
}

// NewClient declares the route's destinations, subscribes to the reply
// destination and returns a Client.
func NewClient[Req, Resp any](ctx context.Context, t transport.Transport, route RPCRoute[Req, Resp], opts ...Option) (*Client[Req, Resp], error) {
	if err := route.validate(); err != nil {
		return nil, err
	}
	if err := route.Route.EnsureExists(ctx, t); err != nil {
		return nil, err
	}
	sub, err := t.Subscribe(ctx, route.Route.Reply)
	if err != nil {
		return nil, asTransport("subscribe", route.Route.Reply, err)
	}

	c := &Client[Req, Resp]{
		route:   route,
		t:       t,
		pending: newPendingTable(),
		opts:    buildOptions(opts),
	}
	c.router = newReplyRouter(route.Route.Reply, sub, c.pending, &c.opts)
	return c, nil
}

// Run runs the client's reply router. See ReplyRouter.Run.
func (c *Client[Req, Resp]) Run(ctx context.Context) error {
	return c.router.Run(ctx)
}

// Router returns the client's reply router.
func (c *Client[Req, Resp]) Router() *ReplyRouter {
	return c.router
}

// Pending returns the number of calls waiting for a reply.
func (c *Client[Req, Resp]) Pending() int {
	return c.pending.Len()
}

// Close stops the reply router. Calls in flight end with their deadline.
func (c *Client[Req, Resp]) Close() error {
	return c.router.Close()
}

// Send publishes req and waits for the matching reply.
//
// The wait ends at ctx's deadline, or after the client timeout when ctx has
// none. Expiry returns ErrTimeout; cancellation returns ctx's error. A
// server handler failure returns ErrRemote. The pending entry is removed on
// every path.
func (c *Client[Req, Resp]) Send(ctx context.Context, req Req) (resp Resp, err error) {
	dest := c.route.Route.Request
	start := time.Now()

	payload, err := c.route.Request.Serialize(req)
	if err != nil {
		return resp, mqerrors.Serialization("send", dest, err)
	}

	// Registered before publishing: the reply cannot beat the slot.
	id, slot := c.register()
	defer c.pending.release(id)
	cid := id.String()

	ctx, span := c.opts.spans.StartCallSpan(ctx, dest, cid)
	defer func() {
		c.opts.spans.EndSpanWithError(span, err)
		c.opts.metrics.RecordCall(ctx, dest, time.Since(start), err)
		durationMs := float64(time.Since(start).Microseconds()) / 1000
		if err != nil {
			observability.LogCallError(c.opts.logger, dest, cid, err, durationMs)
		} else {
			observability.LogCallComplete(c.opts.logger, dest, cid, durationMs)
		}
	}()

	if _, ok := ctx.Deadline(); !ok && c.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}

	msg := transport.Message{
		Payload: payload,
		Metadata: transport.Metadata{
			ReplyTo:       c.route.Route.Reply,
			CorrelationID: cid,
			Durable:       true,
		},
	}
	if err := publish(ctx, c.t, &c.opts, c.route.Route.Exchange, dest, msg); err != nil {
		// The call deadline can expire while the broker is still confirming.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return resp, mqerrors.New(mqerrors.ErrTimeout, "send", dest, err).WithCorrelation(cid)
		}
		return resp, withCorrelation(err, cid)
	}

	select {
	case reply := <-slot:
		if remote, failed := reply.Metadata.Headers[transport.HeaderError]; failed {
			return resp, mqerrors.New(mqerrors.ErrRemote, "send", dest, errors.New(remote)).WithCorrelation(cid)
		}
		resp, err = c.route.Response.Deserialize(reply.Payload)
		if err != nil {
			return resp, mqerrors.Deserialization("send", dest, err).WithCorrelation(cid)
		}
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return resp, mqerrors.New(mqerrors.ErrTimeout, "send", dest, ctx.Err()).WithCorrelation(cid)
		}
		return resp, ctx.Err()
	}
}

func (c *Client[Req, Resp]) register() (uuid.UUID, <-chan transport.Message) {
	for {
		id := uuid.New()
		if slot, ok := c.pending.register(id); ok {
			return id, slot
		}
	}
}

// withCorrelation tags an mqrpc error with a correlation id.
func withCorrelation(err error, cid string) error {
	var e *mqerrors.Error
	if errors.As(err, &e) && e.CorrelationID == "" {
		return e.WithCorrelation(cid)
	}
	return err
}
