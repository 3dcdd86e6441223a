package raft

import (
	"github.com/mathdee/raftlab/internal/clock"
	"github.com/mathdee/raftlab/internal/metrics"
	"github.com/mathdee/raftlab/internal/wire"
)

// beginElection fires on entering CANDIDATE, whether from FOLLOWER after an
// election timeout or from CANDIDATE again after a failed election.
func (r *Replica) beginElection() {
	r.mu.Lock()
	r.role = RoleCandidate
	r.currentTerm++
	r.votedFor = wire.SomeNode(r.id)
	r.votesReceived = 1
	term := r.currentTerm
	lastLogTerm, lastLogLen := r.lastLogTermAndLen()
	wonAlready := r.votesReceived >= r.quorum()
	r.mu.Unlock()

	if !r.persist() {
		return
	}

	r.electionDeadline.Reset()
	r.applyPendingElectionTimeout()
	r.metrics.ElectionsTotal.Inc()
	r.metrics.RoleGauge.Set(metrics.RoleCandidate)
	r.metrics.TermGauge.Set(float64(term))
	r.log.Infow("became candidate", "term", term)

	// A one-replica cluster wins its own vote outright; nothing else will
	// ever reply to the broadcast below.
	if wonAlready {
		r.becomeLeader()
		return
	}

	payload := wire.VoteRequestPayload{
		CandidateID: r.id,
		LastLogLen:  lastLogLen,
		LastLogTerm: lastLogTerm,
	}
	for _, peer := range r.replicaIDs {
		if peer == r.id {
			continue
		}
		env, err := wire.Pack(r.id, peer, wire.VoteRequest, term, payload)
		if err != nil {
			r.log.Warnw("failed to encode VoteRequest", "error", err)
			continue
		}
		r.bus.Send(env)
	}
}

// applyPendingElectionTimeout draws a fresh random timeout in [150,300]ms,
// unless an operator-supplied override (ElectionTimeoutRequest, accepted
// only while DEAD) is pending for exactly one use.
func (r *Replica) applyPendingElectionTimeout() {
	if r.hasPendingElectionTimeout {
		r.electionDeadline.SetTimeout(r.pendingElectionTimeoutMs)
		r.hasPendingElectionTimeout = false
		return
	}
	r.electionDeadline.SetTimeout(clock.ElectionTimeoutMillis(r.rng))
}

// upToDate implements the Up-To-Date predicate from the GLOSSARY: A is at
// least as fresh as B iff A's last-entry term is higher, or equal terms
// with A at least as long.
func upToDate(candidateLen uint64, candidateTerm wire.Term, selfLen uint64, selfTerm wire.Term) bool {
	if candidateTerm != selfTerm {
		return candidateTerm > selfTerm
	}
	return candidateLen >= selfLen
}

func (r *Replica) handleVoteRequest(msg wire.Envelope) {
	var req wire.VoteRequestPayload
	if err := wire.Unpack(msg, &req); err != nil {
		r.log.Warnw("dropped malformed VoteRequest", "error", err)
		return
	}

	steppedDown := false
	if msg.Term > r.currentTermSnapshot() {
		r.becomeFollower(msg.Term)
		steppedDown = true
	}

	r.mu.Lock()
	term := r.currentTerm
	selfLastTerm, selfLastLen := r.lastLogTermAndLen()
	canGrant := msg.Term == term &&
		(!r.votedFor.Set || r.votedFor.Value == req.CandidateID) &&
		upToDate(req.LastLogLen, req.LastLogTerm, selfLastLen, selfLastTerm)

	granted := false
	if canGrant {
		r.votedFor = wire.SomeNode(req.CandidateID)
		granted = true
	}
	r.mu.Unlock()

	if granted {
		r.electionDeadline.Reset()
	}
	if granted || steppedDown {
		if !r.persist() {
			return
		}
	}

	resp := wire.VoteResponsePayload{Granted: granted}
	env, err := wire.Pack(r.id, req.CandidateID, wire.VoteResponse, r.currentTermSnapshot(), resp)
	if err != nil {
		r.log.Warnw("failed to encode VoteResponse", "error", err)
		return
	}
	r.bus.Send(env)
	r.log.Debugw("handled VoteRequest", "candidate", req.CandidateID, "term", msg.Term, "granted", granted)
}

func (r *Replica) handleVoteResponse(msg wire.Envelope) {
	if msg.Term > r.currentTermSnapshot() {
		r.becomeFollower(msg.Term)
		return
	}

	r.mu.Lock()
	if r.role != RoleCandidate || msg.Term != r.currentTerm {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	var resp wire.VoteResponsePayload
	if err := wire.Unpack(msg, &resp); err != nil {
		r.log.Warnw("dropped malformed VoteResponse", "error", err)
		return
	}
	if !resp.Granted {
		return
	}

	r.mu.Lock()
	r.votesReceived++
	becomeLeader := r.votesReceived >= r.quorum()
	r.mu.Unlock()

	if becomeLeader {
		r.becomeLeader()
	}
}

func (r *Replica) currentTermSnapshot() wire.Term {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTerm
}

func (r *Replica) becomeLeader() {
	r.mu.Lock()
	r.role = RoleLeader
	term := r.currentTerm
	ls := &leaderState{
		nextIndex:  make(map[wire.NodeId]wire.LogIndex),
		matchIndex: make(map[wire.NodeId]wire.OptionalIndex),
		sentAt:     make(map[wire.NodeId]int64),
	}
	logLen := wire.LogIndex(len(r.entries))
	for _, peer := range r.replicaIDs {
		ls.nextIndex[peer] = logLen
		ls.matchIndex[peer] = wire.OptionalIndex{}
	}
	r.leader = ls
	r.mu.Unlock()

	r.metrics.RoleGauge.Set(metrics.RoleLeader)
	r.log.Infow("became leader", "term", term)
	r.heartbeatDeadline.Reset()
	r.leaderSendAppendEntries()
}
