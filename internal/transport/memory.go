// Package transport implements the message-bus interface the core
// requires: non-blocking Send, probe Receive, FIFO delivery within an
// ordered (source, destination) pair. The core never talks to net.Conn
// directly — it only sees Bus, so MemoryBus (used by the launcher and every
// test) and TCPBus (a real-process deployment) are interchangeable.
package transport

import (
	"sync"

	"github.com/mathdee/raftlab/internal/wire"
)

// Bus is the capability interface the replica, client and controller loops
// consume. Send never blocks and never reports failure to the caller — a
// dropped send is indistinguishable from a dropped message in flight.
type Bus interface {
	Send(msg wire.Envelope)
	Receive(from wire.NodeId) (wire.Envelope, bool)
}

type pairKey struct {
	src, dst wire.NodeId
}

// MemoryBus is a shared switchboard: every node obtains an Endpoint bound
// to its own id, and endpoints exchange envelopes through per-pair FIFO
// queues guarded by one mutex. This is the in-process stand-in for a
// rank-based fabric a real deployment would run over a network.
type MemoryBus struct {
	mu     sync.Mutex
	queues map[pairKey][]wire.Envelope
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{queues: make(map[pairKey][]wire.Envelope)}
}

// Endpoint returns the Bus view of this switchboard for node id.
func (b *MemoryBus) Endpoint(id wire.NodeId) Bus {
	return &memoryEndpoint{bus: b, self: id}
}

func (b *MemoryBus) enqueue(msg wire.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := pairKey{src: msg.SourceID, dst: msg.DestID}
	b.queues[key] = append(b.queues[key], msg)
}

func (b *MemoryBus) dequeue(from, to wire.NodeId) (wire.Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := pairKey{src: from, dst: to}
	q := b.queues[key]
	if len(q) == 0 {
		return wire.Envelope{}, false
	}
	msg := q[0]
	b.queues[key] = q[1:]
	return msg, true
}

type memoryEndpoint struct {
	bus  *MemoryBus
	self wire.NodeId
}

func (e *memoryEndpoint) Send(msg wire.Envelope) {
	e.bus.enqueue(msg)
}

func (e *memoryEndpoint) Receive(from wire.NodeId) (wire.Envelope, bool) {
	return e.bus.dequeue(from, e.self)
}
