package mux

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/codec"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/deadletter"
	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/observability"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

// HandlerFunc handles one decoded message of a route.
type HandlerFunc[T any] func(ctx context.Context, v T) error

type handlerFuncAny func(ctx context.Context, v any) error

// config holds Dispatcher settings.
type config struct {
	logger       *slog.Logger
	metrics      observability.MetricsRecorder
	deadLetter   deadletter.Store
	onError      func(error)
	failFast     bool
	recoverPanic bool
	routeOpts    []mqrpc.Option
}

func defaultConfig() config {
	return config{
		logger:       slog.Default(),
		metrics:      observability.NoopMetrics{},
		recoverPanic: true,
	}
}

// Option configures a Dispatcher.
type Option func(*config)

// WithFailFast makes Run return as soon as any route's subscription closes.
// Default: Run continues until every route has closed.
func WithFailFast() Option {
	return func(c *config) {
		c.failFast = true
	}
}

// WithLogger sets the structured logger.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry dispatch metrics.
func WithMetrics(enabled bool) Option {
	return func(c *config) {
		if enabled {
			c.metrics = observability.NewMetricsRecorder()
		} else {
			c.metrics = observability.NoopMetrics{}
		}
	}
}

// WithDeadLetter stores messages that failed to decode or whose handler
// failed.
func WithDeadLetter(store deadletter.Store) Option {
	return func(c *config) {
		c.deadLetter = store
	}
}

// WithErrorHandler is called for every message that could not be
// dispatched.
func WithErrorHandler(fn func(error)) Option {
	return func(c *config) {
		c.onError = fn
	}
}

// WithPanicRecovery controls whether a panicking handler is turned into a
// handler error. Default: true
func WithPanicRecovery(enabled bool) Option {
	return func(c *config) {
		c.recoverPanic = enabled
	}
}

// WithRouteOptions passes options to every underlying consumer.
func WithRouteOptions(opts ...mqrpc.Option) Option {
	return func(c *config) {
		c.routeOpts = append(c.routeOpts, opts...)
	}
}

// reader is the consuming side of one route.
type reader struct {
	entry    *entry
	consumer *mqrpc.Consumer[[]byte]
}

// event is one step produced by a reader.
type event struct {
	reader *reader
	value  any
	msg    *transport.Message // nil when no message was received
	err    error
	closed bool
}

// Dispatcher consumes every registered route and dispatches each message to
// the handler registered for its route.
type Dispatcher struct {
	routes  *Sealed
	readers []*reader
	cfg     config

	mu       sync.RWMutex
	handlers map[string]handlerFuncAny
}

// NewDispatcher declares and subscribes to every route.
func NewDispatcher(ctx context.Context, t transport.Transport, routes *Sealed, opts ...Option) (*Dispatcher, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &Dispatcher{
		routes:   routes,
		cfg:      cfg,
		handlers: make(map[string]handlerFuncAny, len(routes.order)),
	}
	for _, name := range routes.order {
		e := routes.entries[name]
		c, err := mqrpc.NewConsumer(ctx, t, mqrpc.Declare(e.route, codec.Bytes()), cfg.routeOpts...)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.readers = append(d.readers, &reader{entry: e, consumer: c})
	}
	return d, nil
}

// Handle registers fn for route name. T must be the route's payload type.
// Registering a route again replaces its handler.
func Handle[T any](d *Dispatcher, name string, fn HandlerFunc[T]) error {
	e, err := d.routes.lookup("handle", name)
	if err != nil {
		return err
	}
	if err := checkType[T](e, "handle"); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = func(ctx context.Context, v any) error {
		return fn(ctx, v.(T))
	}
	return nil
}

func (d *Dispatcher) handler(name string) (handlerFuncAny, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[name]
	return h, ok
}

// Run reads all routes concurrently and dispatches their messages one at a
// time until every route has closed (ErrSubscriptionClosed) or ctx ends.
// Every route must have a handler.
func (d *Dispatcher) Run(ctx context.Context) error {
	for _, r := range d.readers {
		if _, ok := d.handler(r.entry.name); !ok {
			return mqerrors.New(mqerrors.ErrInvalidRoute, "run", r.entry.name,
				fmt.Errorf("no handler for route %q", r.entry.name))
		}
	}
	if len(d.readers) == 0 {
		return mqerrors.New(mqerrors.ErrSubscriptionClosed, "run", "", nil)
	}

	ctx, cancel := context.WithCancel(ctx)
	events := make(chan event)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	for _, r := range d.readers {
		wg.Add(1)
		go func(r *reader) {
			defer wg.Done()
			d.read(ctx, r, events)
		}(r)
	}

	active := len(d.readers)
	for {
		select {
		case ev := <-events:
			if ev.closed {
				active--
				observability.LogRouteClosed(d.cfg.logger, ev.reader.entry.name, active)
				if d.cfg.failFast || active == 0 {
					return ev.err
				}
				continue
			}
			d.dispatch(ctx, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// read turns one route's consumer into events. It blocks on the shared
// channel until the dispatch loop takes each event.
func (d *Dispatcher) read(ctx context.Context, r *reader, events chan<- event) {
	for {
		item, err := r.consumer.Next(ctx)

		var ev event
		switch {
		case err != nil:
			if !mqerrors.IsTerminal(err) {
				return // ctx ended
			}
			ev = event{reader: r, err: err, closed: true}
		case item.Heartbeat:
			continue
		case item.Err != nil:
			ev = event{reader: r, err: item.Err}
		default:
			v, derr := r.entry.decode(item.Value)
			if derr != nil {
				derr = mqerrors.Deserialization("dispatch", r.entry.route.Request, derr)
			}
			msg := transport.Message{Payload: item.Value, Metadata: item.Metadata}
			ev = event{reader: r, value: v, msg: &msg, err: derr}
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
		if ev.closed {
			return
		}
	}
}

// dispatch runs the handler for one event, isolating its failure.
func (d *Dispatcher) dispatch(ctx context.Context, ev event) {
	name := ev.reader.entry.name
	err := ev.err
	if err == nil {
		h, _ := d.handler(name)
		if herr := d.invoke(ctx, h, ev.value); herr != nil {
			err = mqerrors.New(mqerrors.ErrHandler, "dispatch", name, herr)
		}
	}
	d.cfg.metrics.RecordDispatch(ctx, name, err)
	if err == nil {
		return
	}

	observability.LogDispatchFailed(d.cfg.logger, name, err)
	if d.cfg.deadLetter != nil && ev.msg != nil {
		dest := ev.reader.entry.route.Request
		rec := deadletter.NewRecord(dest, *ev.msg, err)
		if dlErr := d.cfg.deadLetter.Put(context.WithoutCancel(ctx), rec); dlErr != nil {
			observability.LogDeadLetterError(d.cfg.logger, dest, dlErr)
		}
	}
	if d.cfg.onError != nil {
		d.cfg.onError(err)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h handlerFuncAny, v any) (err error) {
	if d.cfg.recoverPanic {
		defer func() {
			if r := recover(); r != nil {
				err = &mqerrors.PanicError{
					Value: r,
					Stack: string(debug.Stack()),
				}
			}
		}()
	}
	return h(ctx, v)
}

// Close cancels every route's subscription.
func (d *Dispatcher) Close() error {
	var first error
	for _, r := range d.readers {
		if err := r.consumer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
