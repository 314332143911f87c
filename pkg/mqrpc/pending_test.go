package mqrpc

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

func TestPendingTable_CompleteOnce(t *testing.T) {
	p := newPendingTable()
	id := uuid.New()

	slot, ok := p.register(id)
	require.True(t, ok)
	assert.Equal(t, 1, p.Len())

	msg := transport.Message{Payload: []byte("reply")}
	assert.True(t, p.complete(id, msg))
	assert.False(t, p.complete(id, msg), "second completion finds no entry")
	assert.Equal(t, 0, p.Len())

	got := <-slot
	assert.Equal(t, msg.Payload, got.Payload)
}

func TestPendingTable_RejectsDuplicateID(t *testing.T) {
	p := newPendingTable()
	id := uuid.New()

	_, ok := p.register(id)
	require.True(t, ok)
	_, ok = p.register(id)
	assert.False(t, ok)
	assert.Equal(t, 1, p.Len())
}

func TestPendingTable_ReleaseDropsLateReply(t *testing.T) {
	p := newPendingTable()
	id := uuid.New()

	_, ok := p.register(id)
	require.True(t, ok)
	p.release(id)
	p.release(id) // idempotent

	assert.Equal(t, 0, p.Len())
	assert.False(t, p.complete(id, transport.Message{}))
}

func TestPendingTable_Concurrent(t *testing.T) {
	p := newPendingTable()
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := uuid.New()
			slot, ok := p.register(id)
			if !assert.True(t, ok) {
				return
			}
			go p.complete(id, transport.Message{Metadata: transport.Metadata{CorrelationID: id.String()}})
			got := <-slot
			assert.Equal(t, id.String(), got.Metadata.CorrelationID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, p.Len())
}

func BenchmarkPendingTable_RegisterComplete(b *testing.B) {
	p := newPendingTable()
	msg := transport.Message{Payload: []byte("reply")}

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			id := uuid.New()
			slot, _ := p.register(id)
			p.complete(id, msg)
			<-slot
			p.release(id)
		}
	})
}
