// Package memory is an in-process implementation of transport.Transport.
//
// Destinations behave like broker queues: every published message is
// delivered to exactly one subscriber (competing consumers), stays unacked
// until the subscriber acks it, and returns to the queue on a requeueing nack
// or when its subscription closes. Requeued messages are served before new
// ones and carry their delivery count. It is intended for tests and
// single-process deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

// Config configures the in-memory transport.
type Config struct {
	// BufferSize is the capacity of each destination queue.
	// Default: 256
	BufferSize int

	// Heartbeat makes Next return (nil, nil) after this long without a
	// message, the way a broker heartbeat wakes an idle consumer.
	// Default: 0 (disabled, Next blocks)
	Heartbeat time.Duration

	// RequireDeclare rejects Publish and Subscribe on destinations that
	// were never declared.
	// Default: false (destinations are created on first use)
	RequireDeclare bool
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	BufferSize: 256,
}

var errUndeclared = errors.New("destination not declared")

// Transport is the in-memory transport.
type Transport struct {
	config Config

	mu       sync.RWMutex
	queues   map[string]*queue
	bindings map[string][]string // exchange -> destinations

	closed  atomic.Bool
	closeCh chan struct{}
}

// New creates an in-memory transport.
func New(config Config) *Transport {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig.BufferSize
	}
	return &Transport{
		config:   config,
		queues:   make(map[string]*queue),
		bindings: make(map[string][]string),
		closeCh:  make(chan struct{}),
	}
}

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

// envelope is a queued message and how often it was delivered before.
type envelope struct {
	msg        transport.Message
	deliveries int
}

type queue struct {
	name   string
	ready  chan envelope
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	redeliver []envelope
	requeued  chan struct{} // cap 1; set while redeliver is non-empty

	published   atomic.Int64
	acked       atomic.Int64
	nacked      atomic.Int64
	unacked     atomic.Int64
	redelivered atomic.Int64
}

// requeue returns env to the front of the queue. It never blocks, so a
// settling caller cannot lose the message to a full buffer or a dead ctx.
func (q *queue) requeue(env envelope) {
	q.mu.Lock()
	q.redeliver = append(q.redeliver, env)
	q.mu.Unlock()
	q.redelivered.Add(1)
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.requeued <- struct{}{}:
	default:
	}
}

func (q *queue) popRequeued() (envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.redeliver) == 0 {
		return envelope{}, false
	}
	env := q.redeliver[0]
	q.redeliver[0] = envelope{}
	q.redeliver = q.redeliver[1:]
	if len(q.redeliver) > 0 {
		q.signal()
	}
	return env, true
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.redeliver)
}

func (q *queue) close() {
	q.once.Do(func() { close(q.closed) })
}

func (q *queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// Stats is a snapshot of one destination's counters.
type Stats struct {
	// Depth is the number of messages waiting to be received.
	Depth int
	// Published counts messages accepted by Publish (requeues excluded).
	Published int64
	// Acked counts acknowledged deliveries.
	Acked int64
	// Nacked counts rejected deliveries, requeued or not.
	Nacked int64
	// Redelivered counts messages returned to the queue by a requeueing
	// nack or a closed subscription.
	Redelivered int64
	// Unacked counts deliveries received but not yet settled.
	Unacked int64
}

// Declare creates destination if absent and records the exchange binding.
func (t *Transport) Declare(_ context.Context, exchange, destination string) error {
	if t.closed.Load() {
		return mqerrors.Transport("declare", destination, mqerrors.ErrSubscriptionClosed)
	}
	if destination == "" {
		return mqerrors.Transport("declare", destination, errors.New("empty destination"))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.queueLocked(destination)
	if exchange != "" && !slices.Contains(t.bindings[exchange], destination) {
		t.bindings[exchange] = append(t.bindings[exchange], destination)
	}
	return nil
}

func (t *Transport) queueLocked(name string) *queue {
	q, ok := t.queues[name]
	if !ok {
		q = &queue{
			name:     name,
			ready:    make(chan envelope, t.config.BufferSize),
			closed:   make(chan struct{}),
			requeued: make(chan struct{}, 1),
		}
		t.queues[name] = q
	}
	return q
}

func (t *Transport) lookup(op, name string) (*queue, error) {
	if t.closed.Load() {
		return nil, mqerrors.New(mqerrors.ErrSubscriptionClosed, op, name, nil)
	}

	t.mu.RLock()
	q, ok := t.queues[name]
	t.mu.RUnlock()
	if ok {
		return q, nil
	}
	if t.config.RequireDeclare {
		return nil, mqerrors.Transport(op, name, errUndeclared)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queueLocked(name), nil
}

// Publish enqueues msg on destination. The exchange acts as a direct
// exchange whose binding key is the destination name.
func (t *Transport) Publish(ctx context.Context, exchange, destination string, msg transport.Message) error {
	q, err := t.lookup("publish", destination)
	if err != nil {
		if mqerrors.IsTerminal(err) {
			return mqerrors.Transport("publish", destination, err)
		}
		return err
	}
	if exchange != "" && t.config.RequireDeclare {
		t.mu.RLock()
		bound := slices.Contains(t.bindings[exchange], destination)
		t.mu.RUnlock()
		if !bound {
			return mqerrors.Transport("publish", destination,
				fmt.Errorf("no binding from exchange %q", exchange))
		}
	}
	if q.isClosed() {
		return mqerrors.Transport("publish", destination, mqerrors.ErrSubscriptionClosed)
	}

	// The caller owns its buffers; the queue keeps its own copy.
	msg.Payload = slices.Clone(msg.Payload)

	select {
	case q.ready <- envelope{msg: msg}:
		q.published.Add(1)
		return nil
	case <-ctx.Done():
		return mqerrors.Transport("publish", destination, ctx.Err())
	case <-q.closed:
		return mqerrors.Transport("publish", destination, mqerrors.ErrSubscriptionClosed)
	case <-t.closeCh:
		return mqerrors.Transport("publish", destination, mqerrors.ErrSubscriptionClosed)
	}
}

// Subscribe starts consuming destination.
func (t *Transport) Subscribe(_ context.Context, destination string) (transport.Subscription, error) {
	q, err := t.lookup("subscribe", destination)
	if err != nil {
		if mqerrors.IsTerminal(err) {
			return nil, mqerrors.Transport("subscribe", destination, err)
		}
		return nil, err
	}
	return &subscription{
		t:        t,
		q:        q,
		done:     make(chan struct{}),
		inflight: make(map[*delivery]struct{}),
	}, nil
}

// CloseDestination shuts down every subscription on destination, the way a
// broker cancels consumers of a deleted queue.
func (t *Transport) CloseDestination(destination string) {
	t.mu.RLock()
	q, ok := t.queues[destination]
	t.mu.RUnlock()
	if ok {
		q.close()
	}
}

// Stats returns the counters of destination.
func (t *Transport) Stats(destination string) Stats {
	t.mu.RLock()
	q, ok := t.queues[destination]
	t.mu.RUnlock()
	if !ok {
		return Stats{}
	}
	return Stats{
		Depth:       q.depth(),
		Published:   q.published.Load(),
		Acked:       q.acked.Load(),
		Nacked:      q.nacked.Load(),
		Unacked:     q.unacked.Load(),
		Redelivered: q.redelivered.Load(),
	}
}

// Close shuts down the transport and all subscriptions.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	close(t.closeCh)
	return nil
}

// subscription is one consumer of a queue.
type subscription struct {
	t      *Transport
	q      *queue
	done   chan struct{}
	closed atomic.Bool

	mu       sync.Mutex
	inflight map[*delivery]struct{}
}

func (s *subscription) closedErr() error {
	return mqerrors.New(mqerrors.ErrSubscriptionClosed, "next", s.q.name, nil)
}

// Next implements transport.Subscription.
func (s *subscription) Next(ctx context.Context) (transport.Delivery, error) {
	if s.closed.Load() || s.q.isClosed() || s.t.closed.Load() {
		return nil, s.closedErr()
	}

	var heartbeat <-chan time.Time
	if s.t.config.Heartbeat > 0 {
		timer := time.NewTimer(s.t.config.Heartbeat)
		defer timer.Stop()
		heartbeat = timer.C
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if env, ok := s.q.popRequeued(); ok {
			return s.deliver(env), nil
		}

		select {
		case env := <-s.q.ready:
			return s.deliver(env), nil
		case <-s.q.requeued:
			continue
		case <-heartbeat:
			return nil, nil
		case <-s.done:
			return nil, s.closedErr()
		case <-s.q.closed:
			return nil, s.closedErr()
		case <-s.t.closeCh:
			return nil, s.closedErr()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *subscription) deliver(env envelope) *delivery {
	env.deliveries++
	d := &delivery{sub: s, q: s.q, env: env}

	s.mu.Lock()
	s.inflight[d] = struct{}{}
	s.mu.Unlock()
	s.q.unacked.Add(1)

	// Closed while we were receiving: hand the message straight back.
	if s.closed.Load() {
		s.returnUnsettled()
	}
	return d
}

// Close implements transport.Subscription. Deliveries that were received
// but not settled go back to the queue, as a broker does when a consumer's
// channel closes.
func (s *subscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
		s.returnUnsettled()
	}
	return nil
}

func (s *subscription) returnUnsettled() {
	s.mu.Lock()
	pending := make([]*delivery, 0, len(s.inflight))
	for d := range s.inflight {
		pending = append(pending, d)
	}
	clear(s.inflight)
	s.mu.Unlock()

	for _, d := range pending {
		if d.settled.CompareAndSwap(false, true) {
			s.q.unacked.Add(-1)
			s.q.requeue(d.env)
		}
	}
}

// delivery is a received message that can be settled once.
type delivery struct {
	sub     *subscription
	q       *queue
	env     envelope
	settled atomic.Bool
}

var errSettled = errors.New("delivery already settled")

// settle marks d settled and stops tracking it.
func (d *delivery) settle() bool {
	if !d.settled.CompareAndSwap(false, true) {
		return false
	}
	d.sub.mu.Lock()
	delete(d.sub.inflight, d)
	d.sub.mu.Unlock()
	d.q.unacked.Add(-1)
	return true
}

func (d *delivery) Message() transport.Message {
	return d.env.msg
}

// Attempt reports how many times the message has been delivered,
// counting this delivery.
func (d *delivery) Attempt() int {
	return d.env.deliveries
}

func (d *delivery) Ack(_ context.Context) error {
	if !d.settle() {
		return mqerrors.Transport("ack", d.q.name, errSettled)
	}
	d.q.acked.Add(1)
	return nil
}

// Nack rejects the delivery. A requeued message goes back to the front of
// the queue whatever the state of ctx.
func (d *delivery) Nack(_ context.Context, requeue bool) error {
	if !d.settle() {
		return mqerrors.Transport("nack", d.q.name, errSettled)
	}
	d.q.nacked.Add(1)
	if !requeue {
		return nil
	}
	if d.q.isClosed() {
		return mqerrors.Transport("nack", d.q.name, mqerrors.ErrSubscriptionClosed)
	}
	d.q.requeue(d.env)
	return nil
}
