package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the mqrpc tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("mqrpc")

// propagator carries W3C trace context through message headers. It is fixed
// rather than global so traces connect even when the process never
// configured a propagator.
var propagator propagation.TextMapPropagator = propagation.TraceContext{}

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartPublishSpan starts a producer span for a one-way publish.
	StartPublishSpan(ctx context.Context, destination string) (context.Context, trace.Span)

	// StartCallSpan starts a client span covering request publish to reply.
	StartCallSpan(ctx context.Context, destination, correlationID string) (context.Context, trace.Span)

	// StartHandleSpan starts a server span for processing one request.
	// ctx should already carry the remote parent extracted from headers.
	StartHandleSpan(ctx context.Context, destination, correlationID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

func (m *otelSpanManager) StartPublishSpan(ctx context.Context, destination string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mqrpc.publish",
		trace.WithAttributes(
			attribute.String("messaging.destination.name", destination),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

func (m *otelSpanManager) StartCallSpan(ctx context.Context, destination, correlationID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mqrpc.call",
		trace.WithAttributes(
			attribute.String("messaging.destination.name", destination),
			attribute.String("messaging.message.conversation_id", correlationID),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func (m *otelSpanManager) StartHandleSpan(ctx context.Context, destination, correlationID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mqrpc.handle",
		trace.WithAttributes(
			attribute.String("messaging.destination.name", destination),
			attribute.String("messaging.message.conversation_id", correlationID),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectHeaders writes the trace context of ctx into headers and returns
// them. A nil map is allocated only when there is something to write.
func InjectHeaders(ctx context.Context, headers map[string]string) map[string]string {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return headers
	}
	if headers == nil {
		headers = make(map[string]string, len(carrier))
	}
	for k, v := range carrier {
		headers[k] = v
	}
	return headers
}

// ExtractHeaders returns ctx with the remote span context found in headers.
func ExtractHeaders(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(headers))
}
