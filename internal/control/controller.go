// Package control implements the operator-facing Controller node: a
// line-oriented stdin protocol that maps 1:1 onto control messages sent to
// replicas and clients over the bus.
package control

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mathdee/raftlab/internal/transport"
	"github.com/mathdee/raftlab/internal/wire"
)

// Config wires a Controller to its collaborators.
type Config struct {
	ID        wire.NodeId
	ServerIDs []wire.NodeId
	NodeIDs   []wire.NodeId
	Bus       transport.Bus
	Log       *zap.SugaredLogger
}

// Controller reads verbs from an input stream and turns each into a
// control message addressed to one or more nodes.
type Controller struct {
	id        wire.NodeId
	serverIDs []wire.NodeId
	nodeIDs   []wire.NodeId
	bus       transport.Bus
	log       *zap.SugaredLogger
}

func New(cfg Config) *Controller {
	return &Controller{
		id:        cfg.ID,
		serverIDs: cfg.ServerIDs,
		nodeIDs:   cfg.NodeIDs,
		bus:       cfg.Bus,
		log:       cfg.Log,
	}
}

// Run consumes r line by line until EOF or an EXIT verb, silently ignoring
// unrecognized or malformed lines.
func (c *Controller) Run(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if !c.handleLine(scanner.Text()) {
			return
		}
	}
	c.log.Infow("controller stopping", "reason", "input closed")
}

// handleLine returns false when the controller should stop reading input.
func (c *Controller) handleLine(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	verb := fields[0]

	switch {
	case len(fields) == 1 && verb == "START_SERVERS":
		for _, id := range c.serverIDs {
			c.send(id, wire.StartRequest, struct{}{})
		}
		c.log.Infow("sent start request to all servers")
		return true

	case len(fields) == 1 && verb == "EXIT":
		for _, id := range c.nodeIDs {
			c.send(id, wire.Exit, struct{}{})
		}
		c.log.Infow("exiting, broadcast Exit to all nodes")
		return false
	}

	if len(fields) < 2 {
		return true
	}
	nodeID, err := parseNodeID(fields[1])
	if err != nil {
		return true
	}

	switch {
	case len(fields) == 2 && verb == "CRASH":
		c.send(nodeID, wire.CrashRequest, struct{}{})
		c.log.Infow("sent crash request", "node", nodeID)

	case len(fields) == 2 && (verb == "START" || verb == "RECOVER"):
		c.send(nodeID, wire.StartRequest, struct{}{})
		c.log.Infow("sent start request", "node", nodeID)

	case len(fields) == 3 && verb == "SEND_COMMAND":
		c.send(nodeID, wire.CommandEntryRequest, wire.CommandEntryRequestPayload{Command: fields[2]})
		c.log.Infow("sent command", "node", nodeID)

	case len(fields) == 3 && verb == "SET_ELECTION_TIMEOUT":
		ms, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return true
		}
		c.send(nodeID, wire.ElectionTimeoutRequest, wire.ElectionTimeoutRequestPayload{TimeoutMillis: ms})

	case len(fields) == 3 && verb == "SPEED":
		speed, ok := wire.ParseSpeed(fields[2])
		if !ok {
			c.log.Debugw("unknown speed", "value", fields[2])
			return true
		}
		c.send(nodeID, wire.SpeedRequest, wire.SpeedRequestPayload{Speed: speed})
	}

	return true
}

func parseNodeID(s string) (wire.NodeId, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return wire.NodeId(n), nil
}

func (c *Controller) send(dest wire.NodeId, typ wire.MessageType, payload any) {
	env, err := wire.Pack(c.id, dest, typ, 0, payload)
	if err != nil {
		c.log.Warnw("failed to encode control message", "type", typ, "error", err)
		return
	}
	c.bus.Send(env)
}
