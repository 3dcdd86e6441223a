// Package raftclient implements the client half of the protocol: locate
// the current leader, submit commands one at a time, and recover by
// re-searching whenever a command stalls or is rejected. It mirrors
// internal/raft's shape (single-threaded cooperative loop over a
// probe-style bus) but carries none of the consensus logic.
package raftclient

import (
	"time"

	"go.uber.org/zap"

	"github.com/mathdee/raftlab/internal/clock"
	"github.com/mathdee/raftlab/internal/transport"
	"github.com/mathdee/raftlab/internal/wire"
)

// State is the client's lifecycle position, starting DEAD until the
// controller sends a StartRequest.
type State uint8

const (
	StateDead State = iota
	StateAlive
)

func (s State) String() string {
	if s == StateAlive {
		return "alive"
	}
	return "dead"
}

// leaderTimeoutMillis is the fixed interval both for re-broadcasting
// SearchLeaderRequest and for giving up on a submitted command.
const leaderTimeoutMillis = 50

// Config wires a Client to its collaborators, mirroring raft.Config.
type Config struct {
	ID           wire.NodeId
	ControllerID wire.NodeId
	ReplicaIDs   []wire.NodeId
	Bus          transport.Bus
	Clock        clock.Clock
	Log          *zap.SugaredLogger
}

// Client is one client node's state machine.
type Client struct {
	id           wire.NodeId
	controllerID wire.NodeId
	replicaIDs   []wire.NodeId
	bus          transport.Bus
	clock        clock.Clock
	log          *zap.SugaredLogger

	state State

	leaderDeadline  *clock.Deadline
	commandDeadline *clock.Deadline

	leaderID wire.OptionalNode

	commandsToSend  []string
	nextCommandSent bool

	running bool
}

func New(cfg Config) *Client {
	c := &Client{
		id:              cfg.ID,
		controllerID:    cfg.ControllerID,
		replicaIDs:      cfg.ReplicaIDs,
		bus:             cfg.Bus,
		clock:           cfg.Clock,
		log:             cfg.Log,
		state:           StateDead,
		nextCommandSent: true,
		running:         true,
	}
	c.leaderDeadline = clock.NewDeadline(cfg.Clock, leaderTimeoutMillis)
	c.commandDeadline = clock.NewDeadline(cfg.Clock, leaderTimeoutMillis)
	return c
}

// IsRunning reports whether Run's loop is still active.
func (c *Client) IsRunning() bool { return c.running }

// Run loops until an Exit control message is processed.
func (c *Client) Run() {
	for c.running {
		c.drainControllerMessages()

		if c.state == StateAlive {
			c.drainServerMessages()

			switch {
			case !c.leaderID.Set:
				c.searchLeader()
			case c.nextCommandSent:
				c.sendNextCommand()
			default:
				c.checkCommandTimeout()
			}
		}
		time.Sleep(time.Millisecond)
	}
	c.log.Infow("client exiting")
}

func (c *Client) drainControllerMessages() {
	for {
		msg, ok := c.bus.Receive(c.controllerID)
		if !ok {
			return
		}
		c.handleControllerMessage(msg)
	}
}

func (c *Client) drainServerMessages() {
	for _, id := range c.replicaIDs {
		for {
			msg, ok := c.bus.Receive(id)
			if !ok {
				break
			}
			c.handleServerMessage(msg)
		}
	}
}

func (c *Client) handleControllerMessage(msg wire.Envelope) {
	switch msg.Type {
	case wire.CrashRequest:
		if c.state == StateAlive {
			c.crash()
		}
	case wire.StartRequest:
		if c.state != StateAlive {
			c.state = StateAlive
			c.log.Infow("client started")
		}
	case wire.CommandEntryRequest:
		if c.state == StateAlive {
			var req wire.CommandEntryRequestPayload
			if err := wire.Unpack(msg, &req); err != nil {
				c.log.Warnw("dropped malformed CommandEntryRequest", "error", err)
				return
			}
			c.commandsToSend = append(c.commandsToSend, req.Command)
		}
	case wire.Exit:
		c.running = false
	}
}

// crash clears the outgoing queue and leader memory.
func (c *Client) crash() {
	c.state = StateDead
	c.resetLeader()
	c.commandsToSend = nil
	c.nextCommandSent = true
	c.log.Infow("client crashed")
}

func (c *Client) handleServerMessage(msg wire.Envelope) {
	switch msg.Type {
	case wire.SearchLeaderResponse:
		var resp wire.SearchLeaderResponsePayload
		if err := wire.Unpack(msg, &resp); err != nil {
			c.log.Warnw("dropped malformed SearchLeaderResponse", "error", err)
			return
		}
		if c.leaderID.Set {
			return
		}
		c.leaderID = wire.SomeNode(resp.LeaderID)
		c.log.Debugw("found leader", "leader_id", resp.LeaderID)
	case wire.CommandEntryResponse:
		var resp wire.CommandEntryResponsePayload
		if err := wire.Unpack(msg, &resp); err != nil {
			c.log.Warnw("dropped malformed CommandEntryResponse", "error", err)
			return
		}
		if resp.Committed {
			if len(c.commandsToSend) > 0 {
				c.commandsToSend = c.commandsToSend[1:]
			}
		} else {
			c.resetLeader()
		}
		c.nextCommandSent = true
	}
}

func (c *Client) searchLeader() {
	if !c.leaderDeadline.Elapsed() {
		return
	}
	c.leaderDeadline.Reset()

	for _, id := range c.replicaIDs {
		env, err := wire.Pack(c.id, id, wire.SearchLeaderRequest, 0, struct{}{})
		if err != nil {
			c.log.Warnw("failed to encode SearchLeaderRequest", "error", err)
			continue
		}
		c.bus.Send(env)
	}
}

func (c *Client) resetLeader() {
	if c.leaderID.Set {
		c.leaderID = wire.OptionalNode{}
		c.leaderDeadline.Reset()
	}
}

func (c *Client) sendNextCommand() {
	if len(c.commandsToSend) == 0 || !c.leaderID.Set {
		return
	}

	payload := wire.CommandEntryRequestPayload{Command: c.commandsToSend[0]}
	env, err := wire.Pack(c.id, c.leaderID.Value, wire.CommandEntryRequest, 0, payload)
	if err != nil {
		c.log.Warnw("failed to encode CommandEntryRequest", "error", err)
		return
	}
	c.bus.Send(env)

	c.nextCommandSent = false
	c.commandDeadline.Reset()
}

// checkCommandTimeout gives up on the in-flight command once its own
// deadline elapses, independent of the leader-search deadline, and forgets
// the leader, so a fresh leader search is broadcast once the restarted
// leader-search deadline elapses.
func (c *Client) checkCommandTimeout() {
	if len(c.commandsToSend) > 0 && c.commandDeadline.Elapsed() {
		c.nextCommandSent = true
		c.resetLeader()
	}
}
