package raft

import "github.com/mathdee/raftlab/internal/metrics"

// Status satisfies metrics.StatusProvider for the operator HTTP endpoint.
// It takes the same lock Run's goroutine uses, so a concurrent scrape never
// observes a torn read.
func (r *Replica) Status() metrics.StatusSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := metrics.StatusSnapshot{
		NodeID:      uint32(r.id),
		Role:        r.role.String(),
		Term:        uint64(r.currentTerm),
		LogLength:   len(r.entries),
		CommitIndex: -1,
		LastApplied: -1,
	}
	if r.commitIndex.Set {
		snap.CommitIndex = int64(r.commitIndex.Value)
	}
	if r.lastApplied.Set {
		snap.LastApplied = int64(r.lastApplied.Value)
	}
	return snap
}
