package raftclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mathdee/raftlab/internal/clock"
	"github.com/mathdee/raftlab/internal/transport"
	"github.com/mathdee/raftlab/internal/wire"
)

const (
	controllerID = wire.NodeId(0)
	clientID     = wire.NodeId(10)
	replicaA     = wire.NodeId(1)
	replicaB     = wire.NodeId(2)
)

func newTestClient(bus *transport.MemoryBus, v *clock.Virtual) *Client {
	return New(Config{
		ID:           clientID,
		ControllerID: controllerID,
		ReplicaIDs:   []wire.NodeId{replicaA, replicaB},
		Bus:          bus.Endpoint(clientID),
		Clock:        v,
		Log:          zap.NewNop().Sugar(),
	})
}

func TestClientStaysDeadUntilStarted(t *testing.T) {
	bus := transport.NewMemoryBus()
	v := clock.NewVirtual()
	c := newTestClient(bus, v)

	c.drainControllerMessages()
	assert.Equal(t, StateDead, c.state)
}

func TestClientSearchesLeaderOnceStarted(t *testing.T) {
	bus := transport.NewMemoryBus()
	v := clock.NewVirtual()
	c := newTestClient(bus, v)

	env, _ := wire.Pack(controllerID, clientID, wire.StartRequest, 0, struct{}{})
	bus.Endpoint(controllerID).Send(env)
	c.drainControllerMessages()
	require.Equal(t, StateAlive, c.state)

	// The search is broadcast once per leader timeout interval.
	v.Advance(leaderTimeoutMillis * time.Millisecond)
	c.searchLeader()

	_, ok := bus.Endpoint(replicaA).Receive(clientID)
	assert.True(t, ok)
	_, ok = bus.Endpoint(replicaB).Receive(clientID)
	assert.True(t, ok)
}

func TestClientLocksOntoFirstLeaderResponse(t *testing.T) {
	bus := transport.NewMemoryBus()
	v := clock.NewVirtual()
	c := newTestClient(bus, v)
	c.state = StateAlive

	resp := wire.SearchLeaderResponsePayload{LeaderID: replicaB}
	env, _ := wire.Pack(replicaB, clientID, wire.SearchLeaderResponse, 0, resp)
	c.handleServerMessage(env)

	require.True(t, c.leaderID.Set)
	assert.Equal(t, replicaB, c.leaderID.Value)
}

func TestClientSendsQueuedCommandToLeader(t *testing.T) {
	bus := transport.NewMemoryBus()
	v := clock.NewVirtual()
	c := newTestClient(bus, v)
	c.state = StateAlive
	c.leaderID = wire.SomeNode(replicaA)
	c.commandsToSend = []string{"SET a 1"}

	c.sendNextCommand()
	assert.False(t, c.nextCommandSent)

	env, ok := bus.Endpoint(replicaA).Receive(clientID)
	require.True(t, ok)
	var req wire.CommandEntryRequestPayload
	require.NoError(t, wire.Unpack(env, &req))
	assert.Equal(t, "SET a 1", req.Command)
}

func TestCommittedResponsePopsQueue(t *testing.T) {
	bus := transport.NewMemoryBus()
	v := clock.NewVirtual()
	c := newTestClient(bus, v)
	c.commandsToSend = []string{"SET a 1", "SET b 2"}
	c.nextCommandSent = false

	resp := wire.CommandEntryResponsePayload{Committed: true}
	env, _ := wire.Pack(replicaA, clientID, wire.CommandEntryResponse, 0, resp)
	c.handleServerMessage(env)

	require.Len(t, c.commandsToSend, 1)
	assert.Equal(t, "SET b 2", c.commandsToSend[0])
	assert.True(t, c.nextCommandSent)
}

func TestRejectedResponseForgetsLeader(t *testing.T) {
	bus := transport.NewMemoryBus()
	v := clock.NewVirtual()
	c := newTestClient(bus, v)
	c.leaderID = wire.SomeNode(replicaA)
	c.commandsToSend = []string{"SET a 1"}
	c.nextCommandSent = false

	resp := wire.CommandEntryResponsePayload{Committed: false}
	env, _ := wire.Pack(replicaA, clientID, wire.CommandEntryResponse, 0, resp)
	c.handleServerMessage(env)

	assert.False(t, c.leaderID.Set)
	assert.Len(t, c.commandsToSend, 1, "an uncommitted command stays queued for retry")
}

func TestCrashClearsQueueAndLeader(t *testing.T) {
	bus := transport.NewMemoryBus()
	v := clock.NewVirtual()
	c := newTestClient(bus, v)
	c.state = StateAlive
	c.leaderID = wire.SomeNode(replicaA)
	c.commandsToSend = []string{"SET a 1"}
	c.nextCommandSent = false

	c.crash()

	assert.Equal(t, StateDead, c.state)
	assert.False(t, c.leaderID.Set)
	assert.Empty(t, c.commandsToSend)
	assert.True(t, c.nextCommandSent)
}
