package mqrpc

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc/deadletter"
	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/observability"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

var (
	errEmptyRequest = errors.New("empty request destination")
	errEmptyReply   = errors.New("empty reply destination")
	errMissingCodec = errors.New("missing serializer or deserializer")
	errNilHandler   = errors.New("nil handler")
)

// DefaultTimeout bounds Send when the context has no deadline.
const DefaultTimeout = 30 * time.Second

// DefaultMaxDeliveries bounds how often an AckAfterReply server takes the
// same request before dead-lettering it.
const DefaultMaxDeliveries = 5

// AckPolicy decides when a server acknowledges a request.
type AckPolicy int

const (
	// AckBeforeHandle acknowledges on receipt. A crash before the reply is
	// published loses the request (at-most-once).
	AckBeforeHandle AckPolicy = iota

	// AckAfterReply acknowledges once the reply was confirmed. A crash
	// before that redelivers the request (at-least-once), so handlers must
	// be idempotent.
	AckAfterReply
)

// String returns the configuration name of the policy.
func (p AckPolicy) String() string {
	switch p {
	case AckBeforeHandle:
		return "before_handle"
	case AckAfterReply:
		return "after_reply"
	default:
		return fmt.Sprintf("AckPolicy(%d)", int(p))
	}
}

// ParseAckPolicy parses "before_handle" or "after_reply".
func ParseAckPolicy(s string) (AckPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "before_handle":
		return AckBeforeHandle, nil
	case "after_reply":
		return AckAfterReply, nil
	default:
		return 0, fmt.Errorf("unknown ack policy %q", s)
	}
}

// options holds configuration shared by producers, consumers, clients and
// servers. Each component reads only the fields that apply to it.
type options struct {
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	timeout       time.Duration
	ackPolicy     AckPolicy
	maxDeliveries int
	publishRetry  mqerrors.RetryConfig
	deadLetter    deadletter.Store
	recoverPanic  bool

	onError  func(error)
	onOrphan func(transport.Message)
}

func defaultOptions() options {
	return options{
		logger:       slog.Default(),
		metrics:      observability.NoopMetrics{},
		spans:        observability.NoopSpanManager{},
		timeout:       DefaultTimeout,
		ackPolicy:     AckBeforeHandle,
		maxDeliveries: DefaultMaxDeliveries,
		publishRetry:  mqerrors.NoRetry,
		recoverPanic:  true,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// reportError forwards err to the OnError hook.
func (o *options) reportError(err error) {
	if o.onError != nil {
		o.onError(err)
	}
}

// Option configures a Producer, Consumer, Client or Server.
type Option func(*options)

// WithLogger sets the structured logger.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics on the global meter provider.
// Default: disabled
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		if enabled {
			o.metrics = observability.NewMetricsRecorder()
		} else {
			o.metrics = observability.NoopMetrics{}
		}
	}
}

// WithTracing enables OpenTelemetry spans on the global tracer provider.
// Trace context is carried in message headers.
// Default: disabled
func WithTracing(enabled bool) Option {
	return func(o *options) {
		if enabled {
			o.spans = observability.NewSpanManager()
		} else {
			o.spans = observability.NoopSpanManager{}
		}
	}
}

// WithTimeout sets how long Send waits for a reply when ctx has no
// deadline. Zero disables the default and waits until ctx ends.
// Default: 30s
//
// Example:
//
//	client, err := mqrpc.NewClient(ctx, t, route, mqrpc.WithTimeout(5*time.Second))
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.timeout = d
		}
	}
}

// WithAckPolicy sets when a server acknowledges requests.
// Default: AckBeforeHandle
func WithAckPolicy(p AckPolicy) Option {
	return func(o *options) {
		o.ackPolicy = p
	}
}

// WithMaxDeliveries caps how many times an AckAfterReply server receives
// the same request. A request whose reply cannot be published is requeued
// until the cap, then dead-lettered and acknowledged. Zero or less removes
// the cap. Default: DefaultMaxDeliveries
func WithMaxDeliveries(n int) Option {
	return func(o *options) {
		o.maxDeliveries = n
	}
}

// WithPublishRetry retries transient publish failures.
// Default: mqerrors.NoRetry
func WithPublishRetry(cfg mqerrors.RetryConfig) Option {
	return func(o *options) {
		o.publishRetry = cfg
	}
}

// WithDeadLetter stores messages that could not be processed.
func WithDeadLetter(store deadletter.Store) Option {
	return func(o *options) {
		o.deadLetter = store
	}
}

// WithPanicRecovery controls whether a panicking handler is turned into a
// handler error. Default: true
func WithPanicRecovery(enabled bool) Option {
	return func(o *options) {
		o.recoverPanic = enabled
	}
}

// WithErrorHandler is called for every per-message failure that does not
// stop the loop: malformed replies, undecodable requests, handler errors.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}

// WithOrphanHandler is called for every reply that matched no pending
// request (late, duplicate or unknown).
func WithOrphanHandler(fn func(transport.Message)) Option {
	return func(o *options) {
		o.onOrphan = fn
	}
}
