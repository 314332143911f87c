package errors

import (
	"errors"
	"strings"
)

// Failure kinds. Apart from context cancellation, every error returned by
// mqrpc matches one of these with errors.Is.
var (
	// ErrTransport indicates the broker or network failed a publish, receive,
	// acknowledge or declare.
	ErrTransport = errors.New("transport error")

	// ErrSerialization indicates a value could not be encoded.
	ErrSerialization = errors.New("serialization error")

	// ErrDeserialization indicates a payload could not be decoded.
	ErrDeserialization = errors.New("deserialization error")

	// ErrCorrelationIDMissing indicates a message carried no correlation id.
	ErrCorrelationIDMissing = errors.New("correlation id missing")

	// ErrCorrelationIDMalformed indicates a correlation id that is not a UUID.
	ErrCorrelationIDMalformed = errors.New("correlation id malformed")

	// ErrReplyAddressMissing indicates a request carried no reply_to.
	ErrReplyAddressMissing = errors.New("reply address missing")

	// ErrTimeout indicates no reply arrived before the call deadline.
	ErrTimeout = errors.New("timeout waiting for reply")

	// ErrSubscriptionClosed indicates the underlying subscription has ended.
	// It is terminal: the subscription cannot be reopened.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrRemote indicates the server handler failed and answered with an error reply.
	ErrRemote = errors.New("remote handler error")

	// ErrHandler indicates a local handler returned an error or panicked.
	ErrHandler = errors.New("handler error")

	// ErrRouteNotFound indicates a route name that was never registered.
	ErrRouteNotFound = errors.New("route not found")

	// ErrPayloadType indicates a value whose type does not match the route.
	ErrPayloadType = errors.New("payload type mismatch")

	// ErrInvalidRoute indicates a route or codec that cannot be used.
	ErrInvalidRoute = errors.New("invalid route")

	// ErrRedeliveryLimit indicates a request was delivered too many times
	// and was dead-lettered instead of requeued again.
	ErrRedeliveryLimit = errors.New("redelivery limit reached")
)

var kinds = []error{
	ErrTransport,
	ErrSerialization,
	ErrDeserialization,
	ErrCorrelationIDMissing,
	ErrCorrelationIDMalformed,
	ErrReplyAddressMissing,
	ErrTimeout,
	ErrSubscriptionClosed,
	ErrRemote,
	ErrHandler,
	ErrRouteNotFound,
	ErrPayloadType,
	ErrInvalidRoute,
	ErrRedeliveryLimit,
}

// Error describes a failed mqrpc operation.
// It matches both its Kind and its cause with errors.Is / errors.As.
type Error struct {
	// Kind is one of the Err* sentinels.
	Kind error
	// Op is the operation that failed ("publish", "send", "ack", ...).
	Op string
	// Destination is the queue or subject involved, if known.
	Destination string
	// CorrelationID is the request correlation id, if known.
	CorrelationID string
	// Err is the underlying error, may be nil.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Destination != "" {
		b.WriteString(" ")
		b.WriteString(e.Destination)
	}
	if e.CorrelationID != "" {
		b.WriteString(" [")
		b.WriteString(e.CorrelationID)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New creates an Error of the given kind.
func New(kind error, op, destination string, err error) *Error {
	return &Error{Kind: kind, Op: op, Destination: destination, Err: err}
}

// WithCorrelation returns a copy of e tagged with a correlation id.
func (e *Error) WithCorrelation(id string) *Error {
	c := *e
	c.CorrelationID = id
	return &c
}

// Transport wraps a broker failure.
func Transport(op, destination string, err error) *Error {
	return New(ErrTransport, op, destination, err)
}

// Serialization wraps an encoding failure.
func Serialization(op, destination string, err error) *Error {
	return New(ErrSerialization, op, destination, err)
}

// Deserialization wraps a decoding failure.
func Deserialization(op, destination string, err error) *Error {
	return New(ErrDeserialization, op, destination, err)
}

// KindOf returns the kind of err, or nil if err is not an mqrpc error.
// The outermost *Error decides; its cause may carry other kinds.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != nil {
		return e.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsTerminal reports whether err ends a receive loop.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrSubscriptionClosed)
}
