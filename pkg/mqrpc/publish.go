package mqrpc

import (
	"context"
	"maps"
	"time"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc/deadletter"
	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/observability"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

// publish is the confirmed publish path shared by every component.
// It injects trace context, applies the retry policy and records metrics.
func publish(ctx context.Context, t transport.Transport, o *options, exchange, destination string, msg transport.Message) error {
	start := time.Now()
	ctx, span := o.spans.StartPublishSpan(ctx, destination)

	msg.Metadata.Headers = observability.InjectHeaders(ctx, maps.Clone(msg.Metadata.Headers))

	_, err := mqerrors.Retry(ctx, o.publishRetry, func(ctx context.Context) error {
		return t.Publish(ctx, exchange, destination, msg)
	})
	err = asTransport("publish", destination, err)

	o.spans.EndSpanWithError(span, err)
	o.metrics.RecordPublish(ctx, destination, time.Since(start), err)
	return err
}

// deadLetter stores msg if a dead-letter store is configured.
func deadLetter(ctx context.Context, o *options, destination string, msg transport.Message, cause error) {
	if o.deadLetter == nil {
		return
	}
	rec := deadletter.NewRecord(destination, msg, cause)
	// The request context may already be done; the record must still land.
	if err := o.deadLetter.Put(context.WithoutCancel(ctx), rec); err != nil {
		observability.LogDeadLetterError(o.logger, destination, err)
	}
}
