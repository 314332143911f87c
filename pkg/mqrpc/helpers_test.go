package mqrpc_test

import (
	"context"
	"sync"
	"testing"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/codec"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport/memory"
)

const (
	inputStr  = "This is the input"
	returnStr = "This is the return"
)

var helloRoute = mqrpc.RPCRoute[string, string]{
	Route:    mqrpc.Route{Request: "hello", Reply: "hello_response"},
	Request:  codec.String(),
	Response: codec.String(),
}

type greeting struct {
	Name string `json:"name"`
}

var greetRoute = mqrpc.RPCRoute[greeting, greeting]{
	Route:    mqrpc.Route{Request: "greet", Reply: "greet_response"},
	Request:  codec.JSONPair[greeting](),
	Response: codec.JSONPair[greeting](),
}

func newTransport(t *testing.T) *memory.Transport {
	t.Helper()
	tr := memory.New(memory.DefaultConfig)
	t.Cleanup(func() { tr.Close() })
	return tr
}

// runLoop runs fn in the background until the test ends.
func runLoop(t *testing.T, fn func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fn(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// errorCollector records errors passed to WithErrorHandler.
type errorCollector struct {
	mu   sync.Mutex
	errs []error
}

func (c *errorCollector) add(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *errorCollector) all() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}
