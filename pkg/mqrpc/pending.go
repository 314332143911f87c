package mqrpc

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

// pendingTable maps correlation ids to single-use completion slots.
//
// Callers insert concurrently and one reply router removes. sync.Map keeps
// unrelated ids from contending on a shared lock.
type pendingTable struct {
	slots sync.Map // uuid.UUID -> chan transport.Message
	size  atomic.Int64
}

func newPendingTable() *pendingTable {
	return &pendingTable{}
}

// register creates the slot for id. It reports false if id is already
// pending, which the caller treats as a collision and retries with a new id.
func (p *pendingTable) register(id uuid.UUID) (<-chan transport.Message, bool) {
	slot := make(chan transport.Message, 1)
	if _, loaded := p.slots.LoadOrStore(id, slot); loaded {
		return nil, false
	}
	p.size.Add(1)
	return slot, true
}

// complete removes the slot for id and hands it msg. It reports whether a
// slot was pending. The send never blocks: the slot has capacity one and
// only the remover may fill it.
func (p *pendingTable) complete(id uuid.UUID, msg transport.Message) bool {
	v, ok := p.slots.LoadAndDelete(id)
	if !ok {
		return false
	}
	p.size.Add(-1)
	v.(chan transport.Message) <- msg
	return true
}

// release removes the slot for id if it is still pending.
func (p *pendingTable) release(id uuid.UUID) {
	if _, ok := p.slots.LoadAndDelete(id); ok {
		p.size.Add(-1)
	}
}

// Len returns the number of pending requests.
func (p *pendingTable) Len() int {
	return int(p.size.Load())
}
