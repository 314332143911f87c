package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
)

// ReplyOutcome classifies what the reply router did with one reply.
type ReplyOutcome string

// Reply outcomes.
const (
	ReplyMatched   ReplyOutcome = "matched"
	ReplyOrphaned  ReplyOutcome = "orphaned"
	ReplyMalformed ReplyOutcome = "malformed"
	ReplyMissingID ReplyOutcome = "missing_id"
)

// MetricsRecorder records mqrpc metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records one confirmed (or failed) publish.
	RecordPublish(ctx context.Context, destination string, duration time.Duration, err error)

	// RecordCall records one client Send from request publish to reply decode.
	RecordCall(ctx context.Context, destination string, duration time.Duration, err error)

	// RecordReply records what the reply router did with one reply.
	RecordReply(ctx context.Context, destination string, outcome ReplyOutcome)

	// RecordRequest records one request processed by a server.
	RecordRequest(ctx context.Context, destination string, duration time.Duration, err error)

	// RecordDispatch records one multiplexer dispatch.
	RecordDispatch(ctx context.Context, route string, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	publishes       metric.Int64Counter
	publishLatency  metric.Float64Histogram
	calls           metric.Int64Counter
	callLatency     metric.Float64Histogram
	callErrors      metric.Int64Counter
	replyOutcomes   metric.Int64Counter
	orphanedReplies metric.Int64Counter
	requests        metric.Int64Counter
	requestLatency  metric.Float64Histogram
	requestErrors   metric.Int64Counter
	dispatches      metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("mqrpc")
	m := &otelMetrics{}
	var err error

	if m.publishes, err = meter.Int64Counter("mqrpc.publish.count",
		metric.WithDescription("Number of publishes"),
	); err != nil {
		return nil, err
	}
	if m.publishLatency, err = meter.Float64Histogram("mqrpc.publish.latency_ms",
		metric.WithDescription("Publish latency including broker confirm"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.calls, err = meter.Int64Counter("mqrpc.call.count",
		metric.WithDescription("Number of RPC calls"),
	); err != nil {
		return nil, err
	}
	if m.callLatency, err = meter.Float64Histogram("mqrpc.call.latency_ms",
		metric.WithDescription("RPC round-trip latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.callErrors, err = meter.Int64Counter("mqrpc.call.errors",
		metric.WithDescription("Number of failed RPC calls"),
	); err != nil {
		return nil, err
	}
	if m.replyOutcomes, err = meter.Int64Counter("mqrpc.reply.outcomes",
		metric.WithDescription("Replies seen by the reply router, by outcome"),
	); err != nil {
		return nil, err
	}
	if m.orphanedReplies, err = meter.Int64Counter("mqrpc.reply.orphaned",
		metric.WithDescription("Replies that arrived for no pending request"),
	); err != nil {
		return nil, err
	}
	if m.requests, err = meter.Int64Counter("mqrpc.request.count",
		metric.WithDescription("Number of requests processed by servers"),
	); err != nil {
		return nil, err
	}
	if m.requestLatency, err = meter.Float64Histogram("mqrpc.request.latency_ms",
		metric.WithDescription("Server request processing latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.requestErrors, err = meter.Int64Counter("mqrpc.request.errors",
		metric.WithDescription("Number of requests that failed on the server"),
	); err != nil {
		return nil, err
	}
	if m.dispatches, err = meter.Int64Counter("mqrpc.dispatch.count",
		metric.WithDescription("Number of multiplexer dispatches"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordPublish(ctx context.Context, destination string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("destination", destination),
		attribute.Bool("success", err == nil),
	)
	m.publishes.Add(ctx, 1, attrs)
	m.publishLatency.Record(ctx, durationMs(duration), attrs)
}

func (m *otelMetrics) RecordCall(ctx context.Context, destination string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("destination", destination))
	m.calls.Add(ctx, 1, attrs)
	m.callLatency.Record(ctx, durationMs(duration), attrs)
	if err != nil {
		m.callErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("destination", destination),
			attribute.String("kind", errorKind(err)),
		))
	}
}

func (m *otelMetrics) RecordReply(ctx context.Context, destination string, outcome ReplyOutcome) {
	m.replyOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("destination", destination),
		attribute.String("outcome", string(outcome)),
	))
	if outcome == ReplyOrphaned {
		m.orphanedReplies.Add(ctx, 1, metric.WithAttributes(
			attribute.String("destination", destination),
		))
	}
}

func (m *otelMetrics) RecordRequest(ctx context.Context, destination string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("destination", destination))
	m.requests.Add(ctx, 1, attrs)
	m.requestLatency.Record(ctx, durationMs(duration), attrs)
	if err != nil {
		m.requestErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("destination", destination),
			attribute.String("kind", errorKind(err)),
		))
	}
}

func (m *otelMetrics) RecordDispatch(ctx context.Context, route string, err error) {
	m.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.Bool("success", err == nil),
	))
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// errorKind labels err by its mqrpc kind for metric attributes.
func errorKind(err error) string {
	if k := mqerrors.KindOf(err); k != nil {
		return k.Error()
	}
	return "other"
}
