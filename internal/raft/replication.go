package raft

import (
	"time"

	"github.com/mathdee/raftlab/internal/wire"
)

// leaderSendAppendEntries sends one AppendEntriesRequest to every peer,
// carrying log[next_index[peer]..end] plus prev-log metadata and the
// leader's commit index. It doubles as the initial heartbeat on becoming
// leader and as the immediate broadcast a CommandEntryRequest triggers.
func (r *Replica) leaderSendAppendEntries() {
	r.mu.Lock()
	if r.role != RoleLeader || r.leader == nil {
		r.mu.Unlock()
		return
	}
	term := r.currentTerm
	entries := r.entries
	commitIndex := r.commitIndex
	ls := r.leader
	sentAt := r.clock.NowMillis()
	r.mu.Unlock()

	for _, peer := range r.replicaIDs {
		if peer == r.id {
			continue
		}

		nextIdx := ls.nextIndex[peer]
		var toSend []wire.LogEntry
		if int(nextIdx) < len(entries) {
			toSend = append(toSend, entries[nextIdx:]...)
		}

		payload := wire.AppendEntriesRequestPayload{
			LeaderID:          r.id,
			Entries:           toSend,
			LeaderCommitIndex: commitIndex,
		}
		if nextIdx > 0 {
			prevIdx := nextIdx - 1
			if int(prevIdx) < len(entries) {
				payload.HasPrevLogMeta = true
				payload.PrevLogMetadata = wire.PrevLogMetadata{
					PrevLogIndex: prevIdx,
					PrevLogTerm:  entries[prevIdx].Term,
				}
			}
		}

		env, err := wire.Pack(r.id, peer, wire.AppendEntriesRequest, term, payload)
		if err != nil {
			r.log.Warnw("failed to encode AppendEntriesRequest", "error", err)
			continue
		}
		r.bus.Send(env)
		ls.sentAt[peer] = sentAt
	}
}

// applyNewLogEntries reconciles the follower's log against the incoming
// entries starting at beginIndex: scan forward while terms match, and at
// the first mismatch truncate the local log from that point to the end
// before appending the remainder of the incoming entries. If every incoming
// entry matches, the local log is left untouched.
func applyNewLogEntries(local []wire.LogEntry, beginIndex int, incoming []wire.LogEntry) ([]wire.LogEntry, uint32) {
	oldIdx := beginIndex
	newIdx := 0
	for oldIdx < len(local) && newIdx < len(incoming) {
		if local[oldIdx].Term != incoming[newIdx].Term {
			break
		}
		oldIdx++
		newIdx++
	}

	if newIdx == len(incoming) {
		return local, 0
	}
	local = local[:oldIdx]
	appended := uint32(0)
	for ; newIdx < len(incoming); newIdx++ {
		local = append(local, incoming[newIdx])
		appended++
	}
	return local, appended
}

func (r *Replica) handleAppendEntriesRequest(msg wire.Envelope) {
	r.electionDeadline.Reset()

	var req wire.AppendEntriesRequestPayload
	if err := wire.Unpack(msg, &req); err != nil {
		r.log.Warnw("dropped malformed AppendEntriesRequest", "error", err)
		return
	}

	r.mu.Lock()
	if msg.Term > r.currentTerm || r.role != RoleFollower {
		if msg.Term >= r.currentTerm {
			if msg.Term > r.currentTerm {
				r.votedFor = wire.OptionalNode{}
			}
			r.role = RoleFollower
			r.currentTerm = msg.Term
			r.votesReceived = 0
			r.leader = nil
		}
	}
	term := r.currentTerm
	r.mu.Unlock()

	resp := wire.AppendEntriesResponsePayload{}

	if msg.Term < term {
		resp.Success = false
	} else {
		r.mu.Lock()
		ok := true
		if req.HasPrevLogMeta {
			idx := int(req.PrevLogMetadata.PrevLogIndex)
			ok = idx < len(r.entries) && r.entries[idx].Term == req.PrevLogMetadata.PrevLogTerm
		}

		if ok {
			beginIndex := 0
			if req.HasPrevLogMeta {
				beginIndex = int(req.PrevLogMetadata.PrevLogIndex) + 1
			}
			r.entries, _ = applyNewLogEntries(r.entries, beginIndex, req.Entries)
			resp.Success = true
			resp.NbLogEntries = uint32(len(req.Entries))

			if req.LeaderCommitIndex.Set && len(r.entries) > 0 {
				lastIdx := len(r.entries) - 1
				newCommit := req.LeaderCommitIndex.Value
				if uint64(lastIdx) < uint64(newCommit) {
					newCommit = wire.LogIndex(lastIdx)
				}
				if !r.commitIndex.Set || newCommit > r.commitIndex.Value {
					r.commitIndex = wire.SomeIndex(newCommit)
				}
			}
		} else {
			resp.Success = false
		}
		r.mu.Unlock()
	}

	if !r.persist() {
		return
	}

	r.metrics.LogLengthGauge.Set(float64(len(r.entriesSnapshot())))

	env, err := wire.Pack(r.id, req.LeaderID, wire.AppendEntriesResponse, r.currentTermSnapshot(), resp)
	if err != nil {
		r.log.Warnw("failed to encode AppendEntriesResponse", "error", err)
		return
	}
	r.bus.Send(env)
}

func (r *Replica) entriesSnapshot() []wire.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries
}

func (r *Replica) handleAppendEntriesResponse(msg wire.Envelope) {
	if msg.Term > r.currentTermSnapshot() {
		r.becomeFollower(msg.Term)
		return
	}

	r.mu.Lock()
	if r.role != RoleLeader || msg.Term != r.currentTerm || r.leader == nil {
		r.mu.Unlock()
		return
	}
	ls := r.leader
	r.mu.Unlock()

	var resp wire.AppendEntriesResponsePayload
	if err := wire.Unpack(msg, &resp); err != nil {
		r.log.Warnw("dropped malformed AppendEntriesResponse", "error", err)
		return
	}

	if sentAt, ok := ls.sentAt[msg.SourceID]; ok {
		r.metrics.ObserveRoundTrip(time.Duration(r.clock.NowMillis()-sentAt) * time.Millisecond)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if resp.Success {
		nextIdx := ls.nextIndex[msg.SourceID] + wire.LogIndex(resp.NbLogEntries)
		ls.nextIndex[msg.SourceID] = nextIdx
		if nextIdx > 0 {
			ls.matchIndex[msg.SourceID] = wire.SomeIndex(nextIdx - 1)
		} else {
			ls.matchIndex[msg.SourceID] = wire.OptionalIndex{}
		}
		r.advanceCommitIndexLocked(ls)
	} else if ls.nextIndex[msg.SourceID] > 0 {
		ls.nextIndex[msg.SourceID]--
	}
}

// advanceCommitIndexLocked walks every index above the current commit
// index, in order, and commits the highest one that both belongs to the
// current term and is held by a majority of replicas. r.mu must be held.
func (r *Replica) advanceCommitIndexLocked(ls *leaderState) {
	begin := 0
	if r.commitIndex.Set {
		begin = int(r.commitIndex.Value) + 1
	}

	for i := begin; i < len(r.entries); i++ {
		if r.entries[i].Term != r.currentTerm {
			continue
		}
		matchCount := 1 // self
		for _, peer := range r.replicaIDs {
			if peer == r.id {
				continue
			}
			if mi := ls.matchIndex[peer]; mi.Set && uint64(mi.Value) >= uint64(i) {
				matchCount++
			}
		}
		if matchCount >= r.quorum() {
			r.commitIndex = wire.SomeIndex(wire.LogIndex(i))
		}
	}
}

// handleCommandEntryRequest appends the command to the leader's log and
// broadcasts immediately, without waiting for the next heartbeat tick.
// Non-leaders silently ignore it; the client must relocate the leader.
func (r *Replica) handleCommandEntryRequest(msg wire.Envelope) {
	r.mu.Lock()
	if r.role != RoleLeader || r.leader == nil {
		r.mu.Unlock()
		return
	}

	var req wire.CommandEntryRequestPayload
	if err := wire.Unpack(msg, &req); err != nil {
		r.mu.Unlock()
		r.log.Warnw("dropped malformed CommandEntryRequest", "error", err)
		return
	}

	entry := wire.LogEntry{
		Term:     r.currentTerm,
		Index:    wire.LogIndex(len(r.entries)),
		Command:  req.Command,
		ClientID: msg.SourceID,
		LeaderID: r.id,
	}
	r.entries = append(r.entries, entry)
	r.leader.pendingAcks = append(r.leader.pendingAcks, entry)
	// Re-evaluate commit progress immediately: in a one-replica cluster the
	// leader's own vote is already a majority and nothing will ever send it
	// an AppendEntriesResponse to trigger this otherwise.
	r.advanceCommitIndexLocked(r.leader)
	r.mu.Unlock()

	if !r.persist() {
		return
	}
	r.metrics.LogLengthGauge.Set(float64(len(r.entriesSnapshot())))
	r.leaderSendAppendEntries()
}

// handleSearchLeaderRequest: only a LEADER replies, so followers and
// candidates stay silent and the client retries.
func (r *Replica) handleSearchLeaderRequest(msg wire.Envelope) {
	r.mu.Lock()
	isLeader := r.role == RoleLeader
	term := r.currentTerm
	r.mu.Unlock()
	if !isLeader {
		return
	}

	resp := wire.SearchLeaderResponsePayload{LeaderID: r.id}
	env, err := wire.Pack(r.id, msg.SourceID, wire.SearchLeaderResponse, term, resp)
	if err != nil {
		r.log.Warnw("failed to encode SearchLeaderResponse", "error", err)
		return
	}
	r.bus.Send(env)
}

// checkCommitProgress advances last_applied while it trails commit_index
// and, if this replica is LEADER with a non-empty pending-ack FIFO, pops
// the head entry and notifies its originating client. The committed
// payload is never interpreted.
func (r *Replica) checkCommitProgress() {
	for {
		r.mu.Lock()
		if !r.commitIndex.Set {
			r.mu.Unlock()
			return
		}
		if r.lastApplied.Set && r.lastApplied.Value >= r.commitIndex.Value {
			r.mu.Unlock()
			return
		}

		if !r.lastApplied.Set {
			r.lastApplied = wire.SomeIndex(0)
		} else {
			r.lastApplied = wire.SomeIndex(r.lastApplied.Value + 1)
		}
		r.metrics.LastAppliedGauge.Set(float64(r.lastApplied.Value))
		r.metrics.CommitIndexGauge.Set(float64(r.commitIndex.Value))

		var (
			entry     wire.LogEntry
			shouldAck bool
		)
		if r.role == RoleLeader && r.leader != nil && len(r.leader.pendingAcks) > 0 {
			entry = r.leader.pendingAcks[0]
			r.leader.pendingAcks = r.leader.pendingAcks[1:]
			shouldAck = true
		}
		selfID := r.id
		term := r.currentTerm
		r.mu.Unlock()

		if shouldAck {
			resp := wire.CommandEntryResponsePayload{Committed: entry.LeaderID == selfID}
			env, err := wire.Pack(selfID, entry.ClientID, wire.CommandEntryResponse, term, resp)
			if err != nil {
				r.log.Warnw("failed to encode CommandEntryResponse", "error", err)
				continue
			}
			r.bus.Send(env)
			r.log.Infow("log committed", "index", entry.Index, "client", entry.ClientID)
		}
	}
}

func (r *Replica) processOnePeerMessage() {
	if len(r.peerInbox) == 0 {
		return
	}
	msg := r.peerInbox[0]
	r.peerInbox = r.peerInbox[1:]

	switch msg.Type {
	case wire.VoteRequest:
		r.handleVoteRequest(msg)
	case wire.VoteResponse:
		r.handleVoteResponse(msg)
	case wire.AppendEntriesRequest:
		r.handleAppendEntriesRequest(msg)
	case wire.AppendEntriesResponse:
		r.handleAppendEntriesResponse(msg)
	case wire.CommandEntryRequest:
		r.handleCommandEntryRequest(msg)
	case wire.SearchLeaderRequest:
		r.handleSearchLeaderRequest(msg)
	default:
		// Unrecognized peer message type: dropped silently.
	}
}
