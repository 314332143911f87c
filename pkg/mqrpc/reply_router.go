package mqrpc

import (
	"context"

	"github.com/google/uuid"

	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/observability"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

// ReplyRouter owns the reply subscription of a client and completes pending
// requests by correlation id.
type ReplyRouter struct {
	destination string
	sub         transport.Subscription
	pending     *pendingTable
	opts        *options
}

func newReplyRouter(destination string, sub transport.Subscription, pending *pendingTable, opts *options) *ReplyRouter {
	return &ReplyRouter{
		destination: destination,
		sub:         sub,
		pending:     pending,
		opts:        opts,
	}
}

// Run routes replies until the subscription closes or ctx ends.
//
// A reply without a usable correlation id is reported through the error
// handler and skipped. A reply that matches no pending request (late,
// duplicate or unknown) is counted and dropped. Neither stops the loop.
// Run returns ErrSubscriptionClosed once the subscription has ended; it does
// not reconnect.
func (r *ReplyRouter) Run(ctx context.Context) error {
	for {
		d, err := r.sub.Next(ctx)
		if err != nil {
			if mqerrors.IsTerminal(err) {
				observability.LogSubscriptionClosed(r.opts.logger, r.destination)
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			err = asTransport("receive", r.destination, err)
			observability.LogReceiveError(r.opts.logger, r.destination, err)
			r.opts.reportError(err)
			continue
		}
		if d == nil {
			continue // heartbeat
		}
		r.route(ctx, d)
	}
}

// route acknowledges one reply and hands it to its waiting caller.
func (r *ReplyRouter) route(ctx context.Context, d transport.Delivery) {
	msg := d.Message()

	// An unacknowledged reply would only come back as an orphan, so a failed
	// ack is reported and the reply is still routed.
	if err := d.Ack(context.WithoutCancel(ctx)); err != nil {
		err = asTransport("ack", r.destination, err)
		observability.LogReceiveError(r.opts.logger, r.destination, err)
		r.opts.reportError(err)
	}

	id, err := r.correlationID(msg)
	if err != nil {
		outcome := observability.ReplyMalformed
		if mqerrors.KindOf(err) == mqerrors.ErrCorrelationIDMissing {
			outcome = observability.ReplyMissingID
		}
		r.opts.metrics.RecordReply(ctx, r.destination, outcome)
		observability.LogReplyRejected(r.opts.logger, r.destination, err)
		r.opts.reportError(err)
		return
	}

	if r.pending.complete(id, msg) {
		r.opts.metrics.RecordReply(ctx, r.destination, observability.ReplyMatched)
		return
	}

	r.opts.metrics.RecordReply(ctx, r.destination, observability.ReplyOrphaned)
	observability.LogReplyOrphaned(r.opts.logger, r.destination, msg.Metadata.CorrelationID)
	if r.opts.onOrphan != nil {
		r.opts.onOrphan(msg)
	}
}

func (r *ReplyRouter) correlationID(msg transport.Message) (uuid.UUID, error) {
	raw := msg.Metadata.CorrelationID
	if raw == "" {
		return uuid.Nil, mqerrors.New(mqerrors.ErrCorrelationIDMissing, "route reply", r.destination, nil)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, mqerrors.New(mqerrors.ErrCorrelationIDMalformed, "route reply", r.destination, err).
			WithCorrelation(raw)
	}
	return id, nil
}

// Pending returns the number of requests waiting for a reply.
func (r *ReplyRouter) Pending() int {
	return r.pending.Len()
}

// Close cancels the reply subscription; Run then returns
// ErrSubscriptionClosed.
func (r *ReplyRouter) Close() error {
	return r.sub.Close()
}
