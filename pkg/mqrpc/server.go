package mqrpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/observability"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

// HandlerFunc handles one decoded request.
// A returned error is sent back to the caller as an error reply.
type HandlerFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Server answers requests on one route.
//
// Requests are processed strictly one at a time: a request is decoded,
// handled and replied to before the next one is read. Run several servers on
// the same request destination to scale out.
type Server[Req, Resp any] struct {
	route   RPCRoute[Req, Resp]
	t       transport.Transport
	sub     transport.Subscription
	handler HandlerFunc[Req, Resp]
	opts    options
}

// NewServer declares the route's destinations and subscribes to the request
// destination.
func NewServer[Req, Resp any](ctx context.Context, t transport.Transport, route RPCRoute[Req, Resp], handler HandlerFunc[Req, Resp], opts ...Option) (*Server[Req, Resp], error) {
	if err := route.validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, mqerrors.New(mqerrors.ErrInvalidRoute, "new server", route.Route.Request, errNilHandler)
	}
	if err := route.Route.EnsureExists(ctx, t); err != nil {
		return nil, err
	}
	sub, err := t.Subscribe(ctx, route.Route.Request)
	if err != nil {
		return nil, asTransport("subscribe", route.Route.Request, err)
	}
	return &Server[Req, Resp]{
		route:   route,
		t:       t,
		sub:     sub,
		handler: handler,
		opts:    buildOptions(opts),
	}, nil
}

// Run serves requests until the subscription closes (ErrSubscriptionClosed)
// or ctx ends. A failing request never stops the loop.
func (s *Server[Req, Resp]) Run(ctx context.Context) error {
	dest := s.route.Route.Request
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, err := s.sub.Next(ctx)
		if err != nil {
			if mqerrors.IsTerminal(err) {
				observability.LogSubscriptionClosed(s.opts.logger, dest)
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			err = asTransport("receive", dest, err)
			observability.LogReceiveError(s.opts.logger, dest, err)
			s.opts.reportError(err)
			continue
		}
		if d == nil {
			continue // heartbeat
		}
		s.serve(ctx, d)
	}
}

// Close cancels the request subscription; Run then returns
// ErrSubscriptionClosed.
func (s *Server[Req, Resp]) Close() error {
	return s.sub.Close()
}

// serve processes one request with tracing, metrics and logging around it.
func (s *Server[Req, Resp]) serve(ctx context.Context, d transport.Delivery) {
	start := time.Now()
	msg := d.Message()
	dest := s.route.Route.Request
	cid := msg.Metadata.CorrelationID

	ctx = observability.ExtractHeaders(ctx, msg.Metadata.Headers)
	ctx, span := s.opts.spans.StartHandleSpan(ctx, dest, cid)

	err := s.process(ctx, d, msg)

	s.opts.spans.EndSpanWithError(span, err)
	s.opts.metrics.RecordRequest(ctx, dest, time.Since(start), err)
	if err != nil {
		observability.LogRequestFailed(s.opts.logger, dest, cid, err)
		s.opts.reportError(err)
		return
	}
	observability.LogRequestHandled(s.opts.logger, dest, cid, float64(time.Since(start).Microseconds())/1000)
}

// process runs one request through ack, decode, handle and reply in the
// order the ack policy prescribes.
//
// Settlement uses a context detached from ctx: when Run is cancelled the
// request in hand must still be acked or requeued.
func (s *Server[Req, Resp]) process(ctx context.Context, d transport.Delivery, msg transport.Message) error {
	dest := s.route.Route.Request
	cid := msg.Metadata.CorrelationID
	afterReply := s.opts.ackPolicy == AckAfterReply
	settle := context.WithoutCancel(ctx)

	requeue := func() {
		if err := d.Nack(settle, true); err != nil {
			observability.LogReceiveError(s.opts.logger, dest, asTransport("nack", dest, err))
		}
	}
	if err := ctx.Err(); err != nil {
		// Received while shutting down: hand it back untouched.
		requeue()
		return err
	}

	if !afterReply {
		if err := d.Ack(settle); err != nil {
			// Not acknowledged, so the broker redelivers it.
			return withCorrelation(asTransport("ack", dest, err), cid)
		}
	}

	// reject gives up on a request that cannot succeed on redelivery.
	reject := func(err error) error {
		deadLetter(settle, &s.opts, dest, msg, err)
		if afterReply {
			if ackErr := d.Ack(settle); ackErr != nil {
				observability.LogReceiveError(s.opts.logger, dest, asTransport("ack", dest, ackErr))
			}
		}
		return err
	}
	if afterReply && s.exhausted(d.Attempt()-1) {
		return reject(mqerrors.New(mqerrors.ErrRedeliveryLimit, "handle", dest,
			fmt.Errorf("delivery %d", d.Attempt())).WithCorrelation(cid))
	}
	if msg.Metadata.ReplyTo == "" {
		return reject(mqerrors.New(mqerrors.ErrReplyAddressMissing, "handle", dest, nil).WithCorrelation(cid))
	}
	if cid == "" {
		return reject(mqerrors.New(mqerrors.ErrCorrelationIDMissing, "handle", dest, nil))
	}

	req, err := s.route.Request.Deserialize(msg.Payload)
	if err != nil {
		return reject(mqerrors.Deserialization("handle", dest, err).WithCorrelation(cid))
	}

	resp, err := s.invoke(ctx, req)
	if ctxErr := ctx.Err(); ctxErr != nil {
		// Shutdown interrupted the handler. Its outcome is not an answer.
		interrupted := fmt.Errorf("handle %s [%s]: interrupted: %w", dest, cid, ctxErr)
		if afterReply {
			requeue()
		} else {
			deadLetter(settle, &s.opts, dest, msg, interrupted)
		}
		return interrupted
	}

	reply := transport.Message{
		Metadata: transport.Metadata{CorrelationID: cid, Durable: true},
	}
	var failure error
	if err == nil {
		reply.Payload, err = s.route.Response.Serialize(resp)
		if err != nil {
			failure = mqerrors.Serialization("handle", dest, err).WithCorrelation(cid)
		}
	} else {
		failure = mqerrors.New(mqerrors.ErrHandler, "handle", dest, err).WithCorrelation(cid)
	}
	if failure != nil {
		// The caller gets an error reply instead of waiting for its deadline.
		reply.Payload = nil
		reply.Metadata = reply.Metadata.WithHeader(transport.HeaderError, remoteMessage(err))
		deadLetter(settle, &s.opts, dest, msg, failure)
	}

	if err := publish(ctx, s.t, &s.opts, s.route.Route.Exchange, msg.Metadata.ReplyTo, reply); err != nil {
		err = withCorrelation(err, cid)
		if !afterReply {
			return err
		}
		if s.exhausted(d.Attempt()) {
			return reject(mqerrors.New(mqerrors.ErrRedeliveryLimit, "reply", dest, err).WithCorrelation(cid))
		}
		requeue()
		return err
	}

	if afterReply {
		if err := d.Ack(settle); err != nil {
			return withCorrelation(asTransport("ack", dest, err), cid)
		}
	}
	return failure
}

// exhausted reports whether a request delivered attempt times may not be
// requeued again.
func (s *Server[Req, Resp]) exhausted(attempt int) bool {
	return s.opts.maxDeliveries > 0 && attempt >= s.opts.maxDeliveries
}

// invoke calls the handler, turning a panic into an error when recovery is
// enabled.
func (s *Server[Req, Resp]) invoke(ctx context.Context, req Req) (resp Resp, err error) {
	if s.opts.recoverPanic {
		defer func() {
			if r := recover(); r != nil {
				err = &mqerrors.PanicError{
					Value: r,
					Stack: string(debug.Stack()),
				}
			}
		}()
	}
	return s.handler(ctx, req)
}

func remoteMessage(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "handler failed"
}
