package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mathdee/raftlab/internal/wire"
)

func TestMemoryBusFIFOPerPair(t *testing.T) {
	bus := NewMemoryBus()
	a := bus.Endpoint(1)
	b := bus.Endpoint(2)

	a.Send(wire.Envelope{SourceID: 1, DestID: 2, Type: wire.VoteRequest, Term: 1})
	a.Send(wire.Envelope{SourceID: 1, DestID: 2, Type: wire.VoteRequest, Term: 2})

	first, ok := b.Receive(1)
	assert.True(t, ok)
	assert.Equal(t, wire.Term(1), first.Term)

	second, ok := b.Receive(1)
	assert.True(t, ok)
	assert.Equal(t, wire.Term(2), second.Term)

	_, ok = b.Receive(1)
	assert.False(t, ok)
}

func TestMemoryBusSeparatesPairs(t *testing.T) {
	bus := NewMemoryBus()
	a := bus.Endpoint(1)
	b := bus.Endpoint(2)
	c := bus.Endpoint(3)

	a.Send(wire.Envelope{SourceID: 1, DestID: 3, Type: wire.VoteRequest})

	_, ok := b.Receive(1)
	assert.False(t, ok, "message addressed to 3 must not appear on 2's queue")

	_, ok = c.Receive(1)
	assert.True(t, ok)
}
