// Package raft implements the replica state machine: leader election, log
// replication, commit advancement and durable persistence. It is the core
// of the cluster; everything else (transport, storage backend, wire codec)
// is a capability this package consumes through an interface, never a
// concrete dependency.
package raft

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mathdee/raftlab/internal/clock"
	"github.com/mathdee/raftlab/internal/metrics"
	"github.com/mathdee/raftlab/internal/storage"
	"github.com/mathdee/raftlab/internal/transport"
	"github.com/mathdee/raftlab/internal/wire"
)

// Role is the replica's position in the election/replication protocol.
type Role uint8

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
	RoleDead
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	case RoleDead:
		return "dead"
	default:
		return "unknown"
	}
}

// leaderState holds the volatile, leader-only bookkeeping, kept in its own
// type so it cannot be read or mutated outside LEADER.
type leaderState struct {
	nextIndex   map[wire.NodeId]wire.LogIndex
	matchIndex  map[wire.NodeId]wire.OptionalIndex
	pendingAcks []wire.LogEntry
	sentAt      map[wire.NodeId]int64 // last AppendEntries send time, for latency metrics
}

// Config wires a Replica to its collaborators. Everything here is supplied
// by the launcher (cmd/raftlab), never constructed internally, so tests can
// substitute fakes freely.
type Config struct {
	ID           wire.NodeId
	ControllerID wire.NodeId
	// ReplicaIDs lists every replica in the cluster, self included; its
	// length determines quorum size.
	ReplicaIDs []wire.NodeId
	// NodeIDs lists every non-controller node (replicas and clients) in
	// the fixed order peer inboxes are polled each tick.
	NodeIDs []wire.NodeId
	Bus     transport.Bus
	Store   *storage.Store
	Clock   clock.Clock
	Rand    *rand.Rand
	Log     *zap.SugaredLogger
	Metrics *metrics.Replica
	// InitialElectionTimeoutMillis, if non-zero, overrides the random
	// [150,300] draw for the first election after the replica starts.
	InitialElectionTimeoutMillis int64
}

// Replica is one node's Raft state machine. All mutation happens from
// within Run's single goroutine; mu only guards the fields Status() (and
// therefore the HTTP metrics endpoint, on a different goroutine) reads.
type Replica struct {
	id           wire.NodeId
	controllerID wire.NodeId
	replicaIDs   []wire.NodeId
	nodeIDs      []wire.NodeId

	bus     transport.Bus
	store   *storage.Store
	clock   clock.Clock
	rng     *rand.Rand
	log     *zap.SugaredLogger
	metrics *metrics.Replica

	mu          sync.Mutex
	role        Role
	currentTerm wire.Term
	votedFor    wire.OptionalNode
	entries     []wire.LogEntry

	commitIndex wire.OptionalIndex
	lastApplied wire.OptionalIndex

	votesReceived int

	electionDeadline          *clock.Deadline
	heartbeatDeadline         *clock.Deadline
	throttleDeadline          *clock.Deadline
	pendingElectionTimeoutMs  int64
	hasPendingElectionTimeout bool

	speed wire.Speed

	controllerInbox []wire.Envelope
	peerInbox       []wire.Envelope

	leader *leaderState

	running bool
}

// New constructs a Replica in the DEAD role: persistent state (if any) is
// restored immediately, but the replica stays DEAD until a StartRequest
// arrives.
func New(cfg Config) *Replica {
	r := &Replica{
		id:           cfg.ID,
		controllerID: cfg.ControllerID,
		replicaIDs:   cfg.ReplicaIDs,
		nodeIDs:      cfg.NodeIDs,
		bus:          cfg.Bus,
		store:        cfg.Store,
		clock:        cfg.Clock,
		rng:          cfg.Rand,
		log:          cfg.Log,
		metrics:      cfg.Metrics,
		role:         RoleDead,
		running:      true,
	}
	r.electionDeadline = clock.NewDeadline(cfg.Clock, clock.ElectionTimeoutMillis(cfg.Rand))
	r.heartbeatDeadline = clock.NewDeadline(cfg.Clock, clock.HeartbeatIntervalMillis)
	r.throttleDeadline = clock.NewDeadline(cfg.Clock, 0)

	if cfg.InitialElectionTimeoutMillis > 0 {
		r.pendingElectionTimeoutMs = cfg.InitialElectionTimeoutMillis
		r.hasPendingElectionTimeout = true
	}

	if r.store != nil && r.store.HasData() {
		r.restoreState()
	}

	r.metrics.RoleGauge.Set(metrics.RoleDead)
	return r
}

func (r *Replica) restoreState() {
	state, err := r.store.Get()
	if err != nil {
		r.log.Errorw("failed to restore persistent state", "error", err)
		return
	}
	r.currentTerm = state.CurrentTerm
	r.votedFor = state.VotedFor
	r.entries = state.Log
	r.log.Infow("restored persistent state",
		"current_term", r.currentTerm, "voted_for", r.votedFor, "log_len", len(r.entries))
}

// persist flushes current_term, voted_for and log to stable storage. A
// failure is fatal to the current term: the replica logs it and drops to
// DEAD rather than proceed on unpersisted state that an outgoing message
// might depend on.
func (r *Replica) persist() bool {
	if r.store == nil {
		return true
	}
	state := wire.PersistentState{
		CurrentTerm: r.currentTerm,
		VotedFor:    r.votedFor,
		Log:         append([]wire.LogEntry(nil), r.entries...),
	}
	if err := r.store.Save(state); err != nil {
		r.log.Errorw("persist failed, crashing replica", "term", r.currentTerm, "error", err)
		r.crashLocked()
		return false
	}
	return true
}

// Run loops until an Exit control message is processed. Each iteration
// drains and processes one controller message, then (if not DEAD) drains
// peer/client messages, processes at most one per throttle tick, evaluates
// commit progress, and performs the role-specific periodic action.
func (r *Replica) Run() {
	for {
		r.mu.Lock()
		running := r.running
		r.mu.Unlock()
		if !running {
			return
		}
		r.tick()
		time.Sleep(time.Millisecond)
	}
}

func (r *Replica) tick() {
	r.drainControllerInbox()
	r.processOneControllerMessage()

	r.mu.Lock()
	dead := r.role == RoleDead
	r.mu.Unlock()
	if dead {
		return
	}

	r.drainPeerInbox()
	if r.throttleDeadline.Elapsed() {
		r.throttleDeadline.Reset()
		r.processOnePeerMessage()
	}
	r.checkCommitProgress()
	r.handleRoleTick()
}

func (r *Replica) drainControllerInbox() {
	for {
		msg, ok := r.bus.Receive(r.controllerID)
		if !ok {
			return
		}
		r.controllerInbox = append(r.controllerInbox, msg)
	}
}

func (r *Replica) drainPeerInbox() {
	for _, id := range r.nodeIDs {
		if id == r.id {
			continue
		}
		for {
			msg, ok := r.bus.Receive(id)
			if !ok {
				break
			}
			r.peerInbox = append(r.peerInbox, msg)
		}
	}
}

func (r *Replica) handleRoleTick() {
	r.mu.Lock()
	role := r.role
	r.mu.Unlock()

	switch role {
	case RoleFollower:
		if r.electionDeadline.Elapsed() {
			r.beginElection()
		}
	case RoleCandidate:
		if r.electionDeadline.Elapsed() {
			r.beginElection()
		}
	case RoleLeader:
		if r.heartbeatDeadline.Elapsed() {
			r.leaderSendAppendEntries()
			r.heartbeatDeadline.Reset()
		}
	}
}

// IsRunning reports whether Run's loop is still active; it stays true
// while the replica is DEAD and only goes false after Exit.
func (r *Replica) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// roleSnapshot reads the current role under lock, for callers outside
// Run's own goroutine (or that otherwise need a consistent point-in-time
// read rather than holding mu across other work).
func (r *Replica) roleSnapshot() Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

// quorum is floor(N/2)+1 over every replica, self included.
func (r *Replica) quorum() int {
	return len(r.replicaIDs)/2 + 1
}

func (r *Replica) lastLogTermAndLen() (wire.Term, uint64) {
	if len(r.entries) == 0 {
		return 0, 0
	}
	last := r.entries[len(r.entries)-1]
	return last.Term, uint64(len(r.entries))
}

// becomeFollower adopts term and resets election-related volatile state,
// the transition fired whenever any non-DEAD role observes a higher term.
func (r *Replica) becomeFollower(term wire.Term) {
	r.mu.Lock()
	r.role = RoleFollower
	r.currentTerm = term
	r.votedFor = wire.OptionalNode{}
	r.votesReceived = 0
	r.leader = nil
	r.mu.Unlock()

	r.electionDeadline.Reset()
	r.metrics.RoleGauge.Set(metrics.RoleFollower)
	r.metrics.TermGauge.Set(float64(term))
}

func (r *Replica) crashLocked() {
	r.role = RoleDead
	r.peerInbox = nil
	r.controllerInbox = nil
	r.leader = nil
	r.running = true // process keeps running; only the role goes DEAD
	r.metrics.RoleGauge.Set(metrics.RoleDead)
}
