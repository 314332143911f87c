/*
Package mqrpc provides request/reply RPC over a one-way publish/subscribe
message transport.

# Overview

A broker such as RabbitMQ or NATS JetStream only moves messages in one
direction. mqrpc adds the correlation engine on top: every request is tagged
with a fresh correlation id and a reply address, the caller waits on a
pending-request table, and a reply router matches each incoming reply to its
caller by id. Replies may arrive in any order.

The package is transport-agnostic. Everything it needs is the
transport.Transport contract; implementations live in transport/memory,
transport/amqp and transport/jetstream.

# Routes

A Route names the request destination, the reply destination and an optional
exchange. Routes are plain values, created once and shared:

	hello := mqrpc.RPCRoute[string, string]{
	    Route:    mqrpc.Route{Request: "hello", Reply: "hello_response"},
	    Request:  codec.String(),
	    Response: codec.String(),
	}

# Calling

	client, err := mqrpc.NewClient(ctx, t, hello, mqrpc.WithTimeout(10*time.Second))
	if err != nil {
	    log.Fatal(err)
	}
	go client.Run(ctx) // reply router

	out, err := client.Send(ctx, "This is the input")

Send registers its pending slot before publishing, so a reply can never
arrive before the caller is waiting for it. The slot is released on every
exit path: reply, timeout, cancellation or publish failure. Without a context
deadline the client's default timeout (30s) applies.

# Serving

	server, err := mqrpc.NewServer(ctx, t, hello,
	    func(ctx context.Context, in string) (string, error) {
	        return "This is the return", nil
	    })
	if err != nil {
	    log.Fatal(err)
	}
	err = server.Run(ctx)

A Server handles one request at a time. Run several servers on the same
request destination to scale out; the broker load-balances between them.

# Delivery Guarantees

By default a server acknowledges a request before handling it
(AckBeforeHandle). A crash between the ack and the reply loses the request:
delivery is at-most-once. WithAckPolicy(AckAfterReply) acknowledges only
after the reply was confirmed, giving at-least-once delivery; handlers must
then be idempotent.

Consumers always acknowledge before decoding. A payload that fails to decode
is reported once as a deserialization error and is never redelivered. Use
WithDeadLetter to keep such messages for inspection and replay.

# Errors

Every failure matches one kind from the errors subpackage with errors.Is:

	if errors.Is(err, mqerrors.ErrTimeout) {
	    // no reply in time
	}

Servers isolate failures per request. A failing handler is answered with an
error reply, which the caller sees as mqerrors.ErrRemote.

# Multiplexing

Package mux aggregates many named routes behind one publisher and one
dispatcher. See its documentation.

# Observability

Logging uses log/slog (WithLogger). Metrics and traces use OpenTelemetry
(WithMetrics, WithTracing); trace context travels in message headers so a
server span joins the caller's trace.
*/
package mqrpc
