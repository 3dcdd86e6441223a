// Command raftlab launches a cluster of replicas, clients, and a
// controller in one process, wired together either through an in-memory
// bus or loopback TCP. Node ids are assigned by role: id 0 is the
// controller, the next serverCount ids are replicas, and the remaining
// ids are clients.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mathdee/raftlab/internal/clock"
	"github.com/mathdee/raftlab/internal/control"
	"github.com/mathdee/raftlab/internal/logging"
	"github.com/mathdee/raftlab/internal/metrics"
	"github.com/mathdee/raftlab/internal/raft"
	"github.com/mathdee/raftlab/internal/raftclient"
	"github.com/mathdee/raftlab/internal/storage"
	"github.com/mathdee/raftlab/internal/transport"
	"github.com/mathdee/raftlab/internal/wire"
)

const (
	tcpBasePort  = 20000
	httpBasePort = 9000
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "raftlab",
		Short: "Run a raftlab cluster in one process",
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		servers int
		clients int
		useTCP  bool
		dataDir string
		runSeed int64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start servers, clients and the controller, then read control verbs from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			if servers < 0 {
				return fmt.Errorf("invalid number of servers: %d", servers)
			}
			if clients < 0 {
				return fmt.Errorf("invalid number of clients: %d", clients)
			}
			return runCluster(clusterConfig{
				servers: servers,
				clients: clients,
				useTCP:  useTCP,
				dataDir: dataDir,
				runSeed: runSeed,
			})
		},
	}

	cmd.Flags().IntVarP(&servers, "servers", "s", 1, "number of replicas")
	cmd.Flags().IntVarP(&clients, "clients", "c", 1, "number of clients")
	cmd.Flags().BoolVar(&useTCP, "tcp", false, "bind each node to a loopback TCP port instead of using an in-process bus")
	cmd.Flags().StringVar(&dataDir, "data-dir", "logs", "directory for replica persistent state")
	cmd.Flags().Int64Var(&runSeed, "seed", time.Now().UnixNano(), "base seed for per-node election timeout randomness")

	return cmd
}

type clusterConfig struct {
	servers int
	clients int
	useTCP  bool
	dataDir string
	runSeed int64
}

// runCluster assigns node ids the way mpi_process.cc assigned ranks:
// controller=0, replicas=1..N, clients=N+1..N+M.
func runCluster(cc clusterConfig) error {
	controllerID := wire.NodeId(0)

	replicaIDs := make([]wire.NodeId, cc.servers)
	for i := 0; i < cc.servers; i++ {
		replicaIDs[i] = wire.NodeId(i + 1)
	}

	clientIDs := make([]wire.NodeId, cc.clients)
	for i := 0; i < cc.clients; i++ {
		clientIDs[i] = wire.NodeId(cc.servers + i + 1)
	}

	nodeIDs := append(append([]wire.NodeId{}, replicaIDs...), clientIDs...)

	log := logging.New("launcher", uint32(controllerID))
	log.Infow("starting cluster", "servers", cc.servers, "clients", cc.clients, "tcp", cc.useTCP)

	buses, err := buildBuses(cc, controllerID, nodeIDs)
	if err != nil {
		return err
	}

	for _, id := range replicaIDs {
		id := id
		store, err := storage.New(cc.dataDir, id)
		if err != nil {
			return fmt.Errorf("replica %d: init storage: %w", id, err)
		}

		repLog := logging.New("replica", uint32(id))
		repMetrics := metrics.NewReplica(uint32(id))

		replica := raft.New(raft.Config{
			ID:           id,
			ControllerID: controllerID,
			ReplicaIDs:   replicaIDs,
			NodeIDs:      nodeIDs,
			Bus:          buses.For(id),
			Store:        store,
			Clock:        clock.New(),
			Rand:         clock.NewSeededRand(cc.runSeed, uint32(id)),
			Log:          repLog,
			Metrics:      repMetrics,
		})

		go replica.Run()

		statusSrv := metrics.NewServer(replica, repMetrics, repLog)
		addr := fmt.Sprintf("127.0.0.1:%d", httpBasePort+int(id))
		go func() {
			if err := statusSrv.Start(addr); err != nil {
				repLog.Warnw("status server stopped", "error", err)
			}
		}()
	}

	for _, id := range clientIDs {
		id := id
		cliLog := logging.New("client", uint32(id))
		client := raftclient.New(raftclient.Config{
			ID:           id,
			ControllerID: controllerID,
			ReplicaIDs:   replicaIDs,
			Bus:          buses.For(id),
			Clock:        clock.New(),
			Log:          cliLog,
		})
		go client.Run()
	}

	ctrl := control.New(control.Config{
		ID:        controllerID,
		ServerIDs: replicaIDs,
		NodeIDs:   nodeIDs,
		Bus:       buses.For(controllerID),
		Log:       log,
	})
	ctrl.Run(os.Stdin)

	log.Infow("controller stopped, cluster shutting down")
	return nil
}

// clusterBuses abstracts over "one shared MemoryBus" vs. "one TCPBus per
// node" so runCluster doesn't need to know which transport it picked.
type clusterBuses struct {
	memory *transport.MemoryBus
	tcp    map[wire.NodeId]*transport.TCPBus
}

func (b *clusterBuses) For(id wire.NodeId) transport.Bus {
	if b.memory != nil {
		return b.memory.Endpoint(id)
	}
	return b.tcp[id]
}

func buildBuses(cc clusterConfig, controllerID wire.NodeId, nodeIDs []wire.NodeId) (*clusterBuses, error) {
	if !cc.useTCP {
		return &clusterBuses{memory: transport.NewMemoryBus()}, nil
	}

	allIDs := append([]wire.NodeId{controllerID}, nodeIDs...)
	addrOf := make(map[wire.NodeId]string, len(allIDs))
	for _, id := range allIDs {
		addrOf[id] = fmt.Sprintf("127.0.0.1:%d", tcpBasePort+int(id))
	}

	tcpBuses := make(map[wire.NodeId]*transport.TCPBus, len(allIDs))
	for _, id := range allIDs {
		b, err := transport.NewTCPBus(id, addrOf[id], addrOf, logging.New("transport", uint32(id)))
		if err != nil {
			return nil, fmt.Errorf("node %d: listen: %w", id, err)
		}
		tcpBuses[id] = b
	}
	return &clusterBuses{tcp: tcpBuses}, nil
}
