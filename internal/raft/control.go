package raft

import (
	"github.com/mathdee/raftlab/internal/metrics"
	"github.com/mathdee/raftlab/internal/wire"
)

// processOneControllerMessage drains exactly one pending controller command
// per tick, ahead of any peer/client traffic; the controller channel is
// serviced first and unthrottled.
func (r *Replica) processOneControllerMessage() {
	if len(r.controllerInbox) == 0 {
		return
	}
	msg := r.controllerInbox[0]
	r.controllerInbox = r.controllerInbox[1:]

	switch msg.Type {
	case wire.CrashRequest:
		r.handleCrashRequest()
	case wire.StartRequest:
		r.handleStartRequest()
	case wire.ElectionTimeoutRequest:
		r.handleElectionTimeoutRequest(msg)
	case wire.SpeedRequest:
		r.handleSpeedRequest(msg)
	case wire.Exit:
		r.handleExit()
	default:
		// Controller verbs outside this set are not addressed to replicas.
	}
}

// handleCrashRequest drops the replica to DEAD regardless of its current
// role, discarding volatile state but keeping whatever was last persisted.
func (r *Replica) handleCrashRequest() {
	r.mu.Lock()
	r.crashLocked()
	r.mu.Unlock()
	r.log.Infow("crashed by controller request")
}

// handleStartRequest brings a DEAD replica back as FOLLOWER, restoring
// whatever persistent state survived the crash. Non-DEAD replicas ignore
// it; a running replica cannot be "started" twice.
func (r *Replica) handleStartRequest() {
	r.mu.Lock()
	if r.role != RoleDead {
		r.mu.Unlock()
		return
	}
	if r.store != nil && r.store.HasData() {
		r.mu.Unlock()
		r.restoreState()
		r.mu.Lock()
	}
	r.role = RoleFollower
	r.mu.Unlock()

	r.electionDeadline.Reset()
	r.applyPendingElectionTimeout()
	r.metrics.RoleGauge.Set(metrics.RoleFollower)
	r.log.Infow("started by controller request")
}

// handleElectionTimeoutRequest overrides the next randomized election
// timeout, queued for one use. Accepted only while DEAD; once the replica
// has started, its timers are already running and an override could not
// be applied cleanly.
func (r *Replica) handleElectionTimeoutRequest(msg wire.Envelope) {
	if r.roleSnapshot() != RoleDead {
		r.log.Debugw("ElectionTimeoutRequest ignored, replica is not DEAD")
		return
	}

	var req wire.ElectionTimeoutRequestPayload
	if err := wire.Unpack(msg, &req); err != nil {
		r.log.Warnw("dropped malformed ElectionTimeoutRequest", "error", err)
		return
	}
	r.pendingElectionTimeoutMs = req.TimeoutMillis
	r.hasPendingElectionTimeout = true
	r.log.Debugw("election timeout override queued", "millis", req.TimeoutMillis)
}

// handleSpeedRequest sets the artificial processing delay applied to peer
// and client messages.
func (r *Replica) handleSpeedRequest(msg wire.Envelope) {
	var req wire.SpeedRequestPayload
	if err := wire.Unpack(msg, &req); err != nil {
		r.log.Warnw("dropped malformed SpeedRequest", "error", err)
		return
	}
	r.speed = req.Speed
	r.throttleDeadline.SetTimeout(req.Speed.DelayMillis())
	r.log.Debugw("speed changed", "speed", req.Speed)
}

func (r *Replica) handleExit() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.log.Infow("exiting")
}
