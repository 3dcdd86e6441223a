package raft_test

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/mathdee/raftlab/internal/clock"
	"github.com/mathdee/raftlab/internal/control"
	"github.com/mathdee/raftlab/internal/metrics"
	"github.com/mathdee/raftlab/internal/raft"
	"github.com/mathdee/raftlab/internal/raftclient"
	"github.com/mathdee/raftlab/internal/transport"
	"github.com/mathdee/raftlab/internal/wire"
)

// TestClusterEndToEndCommandCommits spins up three replicas, one client and
// a controller over a shared MemoryBus, all on real goroutines with the
// real monotonic clock, and drives the whole thing exactly the way an
// operator would: start the servers, queue a command on the client, then
// exit. It exercises election, replication, commit notification and clean
// shutdown together instead of each in isolation.
func TestClusterEndToEndCommandCommits(t *testing.T) {
	defer goleak.VerifyNone(t)

	const (
		controllerID = wire.NodeId(0)
		clientID     = wire.NodeId(4)
	)
	replicaIDs := []wire.NodeId{1, 2, 3}
	nodeIDs := append(append([]wire.NodeId{}, replicaIDs...), clientID)

	bus := transport.NewMemoryBus()
	log := zap.NewNop().Sugar()

	replicas := make(map[wire.NodeId]*raft.Replica, len(replicaIDs))
	for _, id := range replicaIDs {
		r := raft.New(raft.Config{
			ID:           id,
			ControllerID: controllerID,
			ReplicaIDs:   replicaIDs,
			NodeIDs:      nodeIDs,
			Bus:          bus.Endpoint(id),
			Clock:        clock.New(),
			Rand:         rand.New(rand.NewSource(int64(id))),
			Log:          log,
			Metrics:      metrics.NewReplica(uint32(id)),
		})
		replicas[id] = r
		go r.Run()
	}

	client := raftclient.New(raftclient.Config{
		ID:           clientID,
		ControllerID: controllerID,
		ReplicaIDs:   replicaIDs,
		Bus:          bus.Endpoint(clientID),
		Clock:        clock.New(),
		Log:          log,
	})
	go client.Run()

	ctrl := control.New(control.Config{
		ID:        controllerID,
		ServerIDs: replicaIDs,
		NodeIDs:   nodeIDs,
		Bus:       bus.Endpoint(controllerID),
		Log:       log,
	})

	for _, id := range replicaIDs {
		env, _ := wire.Pack(controllerID, id, wire.StartRequest, 0, struct{}{})
		bus.Endpoint(controllerID).Send(env)
	}
	startEnv, _ := wire.Pack(controllerID, clientID, wire.StartRequest, 0, struct{}{})
	bus.Endpoint(controllerID).Send(startEnv)

	require.Eventually(t, func() bool {
		for _, r := range replicas {
			if r.Status().Role == "leader" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "expected a leader to emerge")

	cmdEnv, _ := wire.Pack(controllerID, clientID, wire.CommandEntryRequest, 0,
		wire.CommandEntryRequestPayload{Command: "SET x 1"})
	bus.Endpoint(controllerID).Send(cmdEnv)

	require.Eventually(t, func() bool {
		for _, r := range replicas {
			if r.Status().CommitIndex >= 0 {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "expected the command to commit somewhere in the cluster")

	ctrl.Run(strings.NewReader("EXIT\n"))

	require.Eventually(t, func() bool {
		for _, r := range replicas {
			if r.IsRunning() {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "replicas must stop after Exit")

	assert.False(t, client.IsRunning())
}
