/*
Package mux multiplexes many named one-way routes over one publisher and one
dispatcher.

Routes are declared at startup in a Registry, each with a name, a payload
type and a codec:

	reg := mux.NewRegistry()
	mux.Register(reg, "orders", mqrpc.Declare(mqrpc.Route{Request: "orders"}, codec.JSONPair[Order]()))
	mux.Register(reg, "refunds", mqrpc.Declare(mqrpc.Route{Request: "refunds"}, codec.JSONPair[Refund]()))
	routes := reg.Seal()

The Publisher exposes one publish operation per route:

	pub, err := mux.NewPublisher(ctx, t, routes)
	err = mux.Publish(ctx, pub, "orders", Order{ID: 7})

The Dispatcher reads every route concurrently and calls the handler
registered for it:

	d, err := mux.NewDispatcher(ctx, t, routes)
	mux.Handle(d, "orders", func(ctx context.Context, o Order) error { ... })
	mux.Handle(d, "refunds", func(ctx context.Context, r Refund) error { ... })
	err = d.Run(ctx)

# Fan-in

Each route has its own reader goroutine that receives, acknowledges and
decodes. Readers feed one channel consumed by a single dispatch loop, so
handlers never run concurrently and a busy route cannot starve the others.

# Route Closure

When one route's subscription closes, that route leaves the active set and
the others keep running. Run returns ErrSubscriptionClosed once every route
has closed. WithFailFast makes Run return as soon as the first route closes.
*/
package mux
