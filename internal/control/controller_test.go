package control

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mathdee/raftlab/internal/transport"
	"github.com/mathdee/raftlab/internal/wire"
)

func newTestController(bus *transport.MemoryBus) *Controller {
	return New(Config{
		ID:        0,
		ServerIDs: []wire.NodeId{1, 2},
		NodeIDs:   []wire.NodeId{1, 2, 3},
		Bus:       bus.Endpoint(0),
		Log:       zap.NewNop().Sugar(),
	})
}

func TestStartServersBroadcastsToEveryServer(t *testing.T) {
	bus := transport.NewMemoryBus()
	c := newTestController(bus)

	c.Run(strings.NewReader("START_SERVERS\n"))

	for _, id := range []wire.NodeId{1, 2} {
		env, ok := bus.Endpoint(id).Receive(0)
		require.True(t, ok)
		assert.Equal(t, wire.StartRequest, env.Type)
	}
}

func TestExitBroadcastsToAllNodesAndStops(t *testing.T) {
	bus := transport.NewMemoryBus()
	c := newTestController(bus)

	c.Run(strings.NewReader("EXIT\nSTART_SERVERS\n"))

	for _, id := range []wire.NodeId{1, 2, 3} {
		env, ok := bus.Endpoint(id).Receive(0)
		require.True(t, ok)
		assert.Equal(t, wire.Exit, env.Type)
	}
	// The line after EXIT must never be processed.
	_, ok := bus.Endpoint(1).Receive(0)
	assert.False(t, ok)
}

func TestCrashAndStartAndRecoverVerbs(t *testing.T) {
	bus := transport.NewMemoryBus()
	c := newTestController(bus)

	c.Run(strings.NewReader("CRASH 1\nSTART 1\nRECOVER 2\n"))

	env, ok := bus.Endpoint(1).Receive(0)
	require.True(t, ok)
	assert.Equal(t, wire.CrashRequest, env.Type)

	env, ok = bus.Endpoint(1).Receive(0)
	require.True(t, ok)
	assert.Equal(t, wire.StartRequest, env.Type)

	env, ok = bus.Endpoint(2).Receive(0)
	require.True(t, ok)
	assert.Equal(t, wire.StartRequest, env.Type)
}

func TestSendCommandCarriesTheCommandString(t *testing.T) {
	bus := transport.NewMemoryBus()
	c := newTestController(bus)

	c.Run(strings.NewReader("SEND_COMMAND 1 hello\n"))

	env, ok := bus.Endpoint(1).Receive(0)
	require.True(t, ok)
	require.Equal(t, wire.CommandEntryRequest, env.Type)

	var payload wire.CommandEntryRequestPayload
	require.NoError(t, wire.Unpack(env, &payload))
	assert.Equal(t, "hello", payload.Command)
}

func TestSetElectionTimeoutParsesMillis(t *testing.T) {
	bus := transport.NewMemoryBus()
	c := newTestController(bus)

	c.Run(strings.NewReader("SET_ELECTION_TIMEOUT 2 275\n"))

	env, ok := bus.Endpoint(2).Receive(0)
	require.True(t, ok)
	var payload wire.ElectionTimeoutRequestPayload
	require.NoError(t, wire.Unpack(env, &payload))
	assert.EqualValues(t, 275, payload.TimeoutMillis)
}

func TestSpeedVerbRejectsUnknownValue(t *testing.T) {
	bus := transport.NewMemoryBus()
	c := newTestController(bus)

	c.Run(strings.NewReader("SPEED 1 WARP\nSPEED 1 HIGH\n"))

	env, ok := bus.Endpoint(1).Receive(0)
	require.True(t, ok, "the valid SPEED line must still be processed")
	var payload wire.SpeedRequestPayload
	require.NoError(t, wire.Unpack(env, &payload))
	assert.Equal(t, wire.SpeedHigh, payload.Speed)
}

func TestMalformedLinesAreIgnored(t *testing.T) {
	bus := transport.NewMemoryBus()
	c := newTestController(bus)

	c.Run(strings.NewReader("\nNOT_A_VERB\nCRASH notanumber\n"))

	_, ok := bus.Endpoint(1).Receive(0)
	assert.False(t, ok)
}
