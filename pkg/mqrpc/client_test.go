package mqrpc_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc"
	mqerrors "github.com/randalmurphal/mqrpc/pkg/mqrpc/errors"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport/memory"
)

func TestSend_EndToEnd(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t)

	server, err := mqrpc.NewServer(ctx, tr, helloRoute, func(_ context.Context, in string) (string, error) {
		assert.Equal(t, inputStr, in)
		return returnStr, nil
	})
	require.NoError(t, err)
	runLoop(t, server.Run)

	client, err := mqrpc.NewClient(ctx, tr, helloRoute)
	require.NoError(t, err)
	runLoop(t, client.Run)

	out, err := client.Send(ctx, inputStr)
	require.NoError(t, err)
	assert.Equal(t, returnStr, out)
	assert.Equal(t, 0, client.Pending())
}

func TestSend_RequestMetadata(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t)

	client, err := mqrpc.NewClient(ctx, tr, helloRoute, mqrpc.WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	sub, err := tr.Subscribe(ctx, "hello")
	require.NoError(t, err)

	_, err = client.Send(ctx, inputStr)
	require.ErrorIs(t, err, mqerrors.ErrTimeout)

	d, err := sub.Next(ctx)
	require.NoError(t, err)
	md := d.Message().Metadata
	assert.Equal(t, "hello_response", md.ReplyTo)
	assert.True(t, md.Durable)
	_, err = uuid.Parse(md.CorrelationID)
	assert.NoError(t, err, "correlation id is a canonical UUID")
	assert.Equal(t, []byte(inputStr), d.Message().Payload)
}

// TestSend_OutOfOrderReplies answers N concurrent calls in reverse order and
// checks that every caller gets the reply tagged with its own id.
func TestSend_OutOfOrderReplies(t *testing.T) {
	const n = 20
	ctx := context.Background()
	tr := newTransport(t)

	client, err := mqrpc.NewClient(ctx, tr, helloRoute)
	require.NoError(t, err)
	runLoop(t, client.Run)

	sub, err := tr.Subscribe(ctx, "hello")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = client.Send(ctx, fmt.Sprintf("req-%d", i))
		}(i)
	}

	requests := make([]transport.Message, 0, n)
	for len(requests) < n {
		d, err := sub.Next(ctx)
		require.NoError(t, err)
		require.NoError(t, d.Ack(ctx))
		requests = append(requests, d.Message())
	}
	assert.Equal(t, n, client.Pending())

	for i := len(requests) - 1; i >= 0; i-- {
		req := requests[i]
		require.NoError(t, tr.Publish(ctx, "", req.Metadata.ReplyTo, transport.Message{
			Payload:  append([]byte("reply-to-"), req.Payload...),
			Metadata: transport.Metadata{CorrelationID: req.Metadata.CorrelationID},
		}))
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("reply-to-req-%d", i), results[i])
	}
	assert.Equal(t, 0, client.Pending())
}

func TestReplyRouter_OrphanTolerance(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t)

	orphans := make(chan transport.Message, 1)
	client, err := mqrpc.NewClient(ctx, tr, helloRoute,
		mqrpc.WithOrphanHandler(func(msg transport.Message) { orphans <- msg }))
	require.NoError(t, err)
	runLoop(t, client.Run)

	sub, err := tr.Subscribe(ctx, "hello")
	require.NoError(t, err)

	var (
		out     string
		sendErr error
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		out, sendErr = client.Send(ctx, inputStr)
	}()

	d, err := sub.Next(ctx)
	require.NoError(t, err)
	req := d.Message()

	unknown := uuid.NewString()
	require.NoError(t, tr.Publish(ctx, "", "hello_response", transport.Message{
		Payload:  []byte("nobody is waiting"),
		Metadata: transport.Metadata{CorrelationID: unknown},
	}))

	select {
	case msg := <-orphans:
		assert.Equal(t, unknown, msg.Metadata.CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("orphan not reported")
	}
	assert.Equal(t, 1, client.Pending(), "the live call is untouched")

	require.NoError(t, tr.Publish(ctx, "", "hello_response", transport.Message{
		Payload:  []byte(returnStr),
		Metadata: transport.Metadata{CorrelationID: req.Metadata.CorrelationID},
	}))
	<-done
	require.NoError(t, sendErr)
	assert.Equal(t, returnStr, out)
}

func TestReplyRouter_MalformedIDContinues(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t)

	server, err := mqrpc.NewServer(ctx, tr, helloRoute, func(context.Context, string) (string, error) {
		return returnStr, nil
	})
	require.NoError(t, err)
	runLoop(t, server.Run)

	var collected errorCollector
	client, err := mqrpc.NewClient(ctx, tr, helloRoute, mqrpc.WithErrorHandler(collected.add))
	require.NoError(t, err)
	runLoop(t, client.Run)

	require.NoError(t, tr.Publish(ctx, "", "hello_response", transport.Message{
		Metadata: transport.Metadata{CorrelationID: "not-a-uuid"},
	}))
	require.NoError(t, tr.Publish(ctx, "", "hello_response", transport.Message{}))

	out, err := client.Send(ctx, inputStr)
	require.NoError(t, err)
	assert.Equal(t, returnStr, out)

	errs := collected.all()
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], mqerrors.ErrCorrelationIDMalformed)
	assert.ErrorIs(t, errs[1], mqerrors.ErrCorrelationIDMissing)
}

func TestReplyRouter_EndsWhenSubscriptionCloses(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t)

	client, err := mqrpc.NewClient(ctx, tr, helloRoute)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(ctx) }()

	require.NoError(t, client.Close())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, mqerrors.ErrSubscriptionClosed)
	case <-time.After(time.Second):
		t.Fatal("router did not stop")
	}
}

func TestSend_TimeoutReleasesEntry(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t)

	client, err := mqrpc.NewClient(ctx, tr, helloRoute, mqrpc.WithTimeout(30*time.Millisecond))
	require.NoError(t, err)
	runLoop(t, client.Run)

	_, err = client.Send(ctx, inputStr)
	assert.ErrorIs(t, err, mqerrors.ErrTimeout)
	assert.Equal(t, 0, client.Pending())
}

func TestSend_ContextDeadlineWins(t *testing.T) {
	tr := newTransport(t)

	client, err := mqrpc.NewClient(context.Background(), tr, helloRoute, mqrpc.WithTimeout(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = client.Send(ctx, inputStr)
	assert.ErrorIs(t, err, mqerrors.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSend_CancelReleasesEntry(t *testing.T) {
	tr := newTransport(t)

	client, err := mqrpc.NewClient(context.Background(), tr, helloRoute, mqrpc.WithTimeout(0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = client.Send(ctx, inputStr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, mqerrors.KindOf(err))
	assert.Equal(t, 0, client.Pending())
}

func TestSend_PublishFailureReleasesEntry(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t)

	client, err := mqrpc.NewClient(ctx, tr, helloRoute)
	require.NoError(t, err)
	tr.CloseDestination("hello")

	_, err = client.Send(ctx, inputStr)
	assert.ErrorIs(t, err, mqerrors.ErrTransport)

	var e *mqerrors.Error
	require.True(t, errors.As(err, &e))
	assert.NotEmpty(t, e.CorrelationID)
	assert.Equal(t, 0, client.Pending())
}

func TestSend_DeadlineDuringPublishIsTimeout(t *testing.T) {
	ctx := context.Background()
	tr := memory.New(memory.Config{BufferSize: 1})
	t.Cleanup(func() { tr.Close() })

	client, err := mqrpc.NewClient(ctx, tr, helloRoute, mqrpc.WithTimeout(30*time.Millisecond))
	require.NoError(t, err)

	// A full queue holds the publish until the call deadline.
	require.NoError(t, tr.Publish(ctx, "", "hello", transport.Message{Payload: []byte("backlog")}))

	start := time.Now()
	_, err = client.Send(ctx, inputStr)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.ErrorIs(t, err, mqerrors.ErrTimeout)
	assert.Equal(t, mqerrors.ErrTimeout, mqerrors.KindOf(err))

	var e *mqerrors.Error
	require.True(t, errors.As(err, &e))
	assert.NotEmpty(t, e.CorrelationID)
	assert.Equal(t, 0, client.Pending())
	assert.Equal(t, int64(1), tr.Stats("hello").Published, "the timed-out request never reached the queue")
}

func TestSend_DeserializationError(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t)

	client, err := mqrpc.NewClient(ctx, tr, greetRoute)
	require.NoError(t, err)
	runLoop(t, client.Run)

	sub, err := tr.Subscribe(ctx, "greet")
	require.NoError(t, err)
	go func() {
		d, err := sub.Next(ctx)
		if err != nil {
			return
		}
		req := d.Message()
		_ = tr.Publish(ctx, "", req.Metadata.ReplyTo, transport.Message{
			Payload:  []byte("not json"),
			Metadata: transport.Metadata{CorrelationID: req.Metadata.CorrelationID},
		})
	}()

	_, err = client.Send(ctx, greeting{Name: "ada"})
	assert.ErrorIs(t, err, mqerrors.ErrDeserialization)
}
