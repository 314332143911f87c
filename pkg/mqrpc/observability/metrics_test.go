package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
)

// setupMetricsTest creates a test meter provider and returns its reader.
func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	originalProvider := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	cleanup := func() {
		otel.SetMeterProvider(originalProvider)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	}

	return reader, cleanup
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the counter value of the datapoint carrying key=value.
func sumFor(t *testing.T, m *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "Expected Sum type")
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attributeKey(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetricsRecorder(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)

	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "Expected real metrics recorder, got noop")
}

func TestRecordReplyOutcomes(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordReply(ctx, "hello_response", ReplyMatched)
	m.RecordReply(ctx, "hello_response", ReplyOrphaned)
	m.RecordReply(ctx, "hello_response", ReplyOrphaned)
	m.RecordReply(ctx, "hello_response", ReplyMalformed)

	rm := collectMetrics(t, reader)

	outcomes := findMetric(rm, "mqrpc.reply.outcomes")
	require.NotNil(t, outcomes)
	assert.Equal(t, int64(1), sumFor(t, outcomes, "outcome", "matched"))
	assert.Equal(t, int64(2), sumFor(t, outcomes, "outcome", "orphaned"))
	assert.Equal(t, int64(1), sumFor(t, outcomes, "outcome", "malformed"))

	orphaned := findMetric(rm, "mqrpc.reply.orphaned")
	require.NotNil(t, orphaned)
	assert.Equal(t, int64(2), sumFor(t, orphaned, "destination", "hello_response"))
}

func TestRecordCallErrorsByKind(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordCall(ctx, "hello", 5*time.Millisecond, nil)
	m.RecordCall(ctx, "hello", 30*time.Second, mqerrors.New(mqerrors.ErrTimeout, "send", "hello", nil))
	m.RecordCall(ctx, "hello", time.Millisecond, errors.New("unclassified"))

	rm := collectMetrics(t, reader)

	calls := findMetric(rm, "mqrpc.call.count")
	require.NotNil(t, calls)
	assert.Equal(t, int64(3), sumFor(t, calls, "destination", "hello"))

	callErrors := findMetric(rm, "mqrpc.call.errors")
	require.NotNil(t, callErrors)
	assert.Equal(t, int64(1), sumFor(t, callErrors, "kind", mqerrors.ErrTimeout.Error()))
	assert.Equal(t, int64(1), sumFor(t, callErrors, "kind", "other"))

	latency := findMetric(rm, "mqrpc.call.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "Expected Histogram type")
	require.NotEmpty(t, hist.DataPoints)
}

func TestRecordRequestAndDispatch(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordRequest(ctx, "hello", time.Millisecond, nil)
	m.RecordRequest(ctx, "hello", time.Millisecond, mqerrors.New(mqerrors.ErrHandler, "handle", "hello", nil))
	m.RecordDispatch(ctx, "orders", nil)
	m.RecordPublish(ctx, "hello", time.Millisecond, nil)

	rm := collectMetrics(t, reader)

	assert.Equal(t, int64(2), sumFor(t, findMetric(rm, "mqrpc.request.count"), "destination", "hello"))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "mqrpc.request.errors"), "kind", mqerrors.ErrHandler.Error()))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "mqrpc.dispatch.count"), "route", "orders"))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "mqrpc.publish.count"), "destination", "hello"))
}

func TestNoopMetrics(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordPublish(ctx, "d", time.Second, nil)
		m.RecordCall(ctx, "d", time.Second, errors.New("x"))
		m.RecordReply(ctx, "d", ReplyOrphaned)
		m.RecordRequest(ctx, "d", time.Second, nil)
		m.RecordDispatch(ctx, "r", nil)
	})
}
