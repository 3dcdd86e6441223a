package raft

import (
	"math/rand"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mathdee/raftlab/internal/clock"
	"github.com/mathdee/raftlab/internal/metrics"
	"github.com/mathdee/raftlab/internal/storage"
	"github.com/mathdee/raftlab/internal/transport"
	"github.com/mathdee/raftlab/internal/wire"
)

const testControllerID = wire.NodeId(0)

type testCluster struct {
	t          *testing.T
	bus        *transport.MemoryBus
	clk        *clock.Virtual
	replicaIDs []wire.NodeId
	replicas   map[wire.NodeId]*Replica
}

func newTestCluster(t *testing.T, n int, persistent bool) *testCluster {
	t.Helper()
	replicaIDs := make([]wire.NodeId, n)
	for i := 0; i < n; i++ {
		replicaIDs[i] = wire.NodeId(i + 1)
	}

	bus := transport.NewMemoryBus()
	clk := clock.NewVirtual()

	tc := &testCluster{t: t, bus: bus, clk: clk, replicaIDs: replicaIDs, replicas: map[wire.NodeId]*Replica{}}

	for _, id := range replicaIDs {
		var store *storage.Store
		if persistent {
			s, err := storage.New(t.TempDir(), id)
			if err != nil {
				t.Fatalf("storage.New: %v", err)
			}
			store = s
		}

		r := New(Config{
			ID:           id,
			ControllerID: testControllerID,
			ReplicaIDs:   replicaIDs,
			NodeIDs:      replicaIDs,
			Bus:          bus.Endpoint(id),
			Store:        store,
			Clock:        clk,
			Rand:         rand.New(rand.NewSource(int64(id) * 99991)),
			Log:          zap.NewNop().Sugar(),
			Metrics:      metrics.NewReplica(uint32(id)),
		})
		tc.replicas[id] = r
	}
	return tc
}

// start sends StartRequest to every replica and drains one controller tick
// each so they leave DEAD.
func (tc *testCluster) start() {
	ctrl := tc.bus.Endpoint(testControllerID)
	for _, id := range tc.replicaIDs {
		env, _ := wire.Pack(testControllerID, id, wire.StartRequest, 0, struct{}{})
		ctrl.Send(env)
	}
	for _, r := range tc.replicas {
		r.tick()
	}
}

// runUntil advances the cluster in small time increments, ticking every
// replica each round, until cond returns true or maxRounds is exhausted.
func (tc *testCluster) runUntil(maxRounds int, stepMillis int64, cond func() bool) bool {
	for i := 0; i < maxRounds; i++ {
		if cond() {
			return true
		}
		for _, id := range tc.replicaIDs {
			tc.replicas[id].tick()
		}
		tc.clk.Advance(time.Duration(stepMillis) * time.Millisecond)
	}
	return cond()
}

func (tc *testCluster) leader() *Replica {
	for _, r := range tc.replicas {
		if r.roleSnapshot() == RoleLeader {
			return r
		}
	}
	return nil
}

