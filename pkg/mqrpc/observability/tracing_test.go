package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// setupTracingTest creates a test tracer provider with an in-memory span recorder.
func setupTracingTest(t *testing.T) (*tracetest.InMemoryExporter, func()) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)

	originalProvider := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	// Update the package-level tracer
	tracer = otel.Tracer("mqrpc")

	cleanup := func() {
		otel.SetTracerProvider(originalProvider)
		tracer = otel.Tracer("mqrpc")
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	}

	return exporter, cleanup
}

func attributeKey(k string) attribute.Key { return attribute.Key(k) }

func TestCallSpan(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	sm := NewSpanManager()
	_, span := sm.StartCallSpan(context.Background(), "hello", "corr-1")
	sm.EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)

	s := spans[0]
	assert.Equal(t, "mqrpc.call", s.Name)
	assert.Equal(t, trace.SpanKindClient, s.SpanKind)
	assert.Equal(t, codes.Ok, s.Status.Code)

	attrs := attribute.NewSet(s.Attributes...)
	dest, ok := attrs.Value("messaging.destination.name")
	require.True(t, ok)
	assert.Equal(t, "hello", dest.AsString())
	corr, ok := attrs.Value("messaging.message.conversation_id")
	require.True(t, ok)
	assert.Equal(t, "corr-1", corr.AsString())
}

func TestEndSpanWithError(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	sm := NewSpanManager()
	_, span := sm.StartPublishSpan(context.Background(), "hello")
	sm.EndSpanWithError(span, errors.New("broker nacked"))
	sm.EndSpanWithError(nil, nil) // nil-safe

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, trace.SpanKindProducer, spans[0].SpanKind)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "broker nacked", spans[0].Status.Description)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "exception", spans[0].Events[0].Name)
}

func TestHeaderPropagation(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	sm := NewSpanManager()
	ctx, callSpan := sm.StartCallSpan(context.Background(), "hello", "corr-1")

	headers := InjectHeaders(ctx, nil)
	require.Contains(t, headers, "traceparent")

	serverCtx := ExtractHeaders(context.Background(), headers)
	_, handleSpan := sm.StartHandleSpan(serverCtx, "hello", "corr-1")
	sm.EndSpanWithError(handleSpan, nil)
	sm.EndSpanWithError(callSpan, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	handle, call := spans[0], spans[1]
	assert.Equal(t, "mqrpc.handle", handle.Name)
	assert.Equal(t, trace.SpanKindServer, handle.SpanKind)
	assert.Equal(t, call.SpanContext.TraceID(), handle.SpanContext.TraceID())
	assert.Equal(t, call.SpanContext.SpanID(), handle.Parent.SpanID())
	assert.True(t, handle.Parent.IsRemote())
}

func TestInjectWithoutSpanLeavesHeadersAlone(t *testing.T) {
	assert.Nil(t, InjectHeaders(context.Background(), nil))
	assert.Equal(t, context.Background(), ExtractHeaders(context.Background(), nil))
}

func TestNoopSpanManager(t *testing.T) {
	var sm SpanManager = NoopSpanManager{}
	ctx := context.Background()

	got, span := sm.StartCallSpan(ctx, "hello", "id")
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
	assert.NotPanics(t, func() { sm.EndSpanWithError(span, errors.New("x")) })
}
