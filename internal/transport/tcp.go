package transport

import (
	"encoding/gob"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/mathdee/raftlab/internal/wire"
)

// TCPBus is a real-process Bus: each node listens on a loopback port and
// keeps one outbound gob stream per peer it has sent to, a typed gob
// stream in place of a hand-parsed text protocol.
type TCPBus struct {
	self    wire.NodeId
	addrOf  map[wire.NodeId]string
	log     *zap.SugaredLogger
	ln      net.Listener
	closeCh chan struct{}

	mu     sync.Mutex
	queues map[wire.NodeId][]wire.Envelope

	connMu sync.Mutex
	conns  map[wire.NodeId]*gob.Encoder
}

// NewTCPBus binds listenAddr and starts accepting peer connections. addrOf
// maps every other node id this bus will ever Send to, to its TCP address.
func NewTCPBus(self wire.NodeId, listenAddr string, addrOf map[wire.NodeId]string, log *zap.SugaredLogger) (*TCPBus, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	b := &TCPBus{
		self:    self,
		addrOf:  addrOf,
		log:     log,
		ln:      ln,
		closeCh: make(chan struct{}),
		queues:  make(map[wire.NodeId][]wire.Envelope),
		conns:   make(map[wire.NodeId]*gob.Encoder),
	}
	go b.acceptLoop()
	return b, nil
}

func (b *TCPBus) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			select {
			case <-b.closeCh:
				return
			default:
				b.log.Warnw("tcp accept error", "error", err)
				continue
			}
		}
		go b.readLoop(conn)
	}
}

func (b *TCPBus) readLoop(conn net.Conn) {
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	for {
		var msg wire.Envelope
		if err := dec.Decode(&msg); err != nil {
			return
		}
		b.mu.Lock()
		b.queues[msg.SourceID] = append(b.queues[msg.SourceID], msg)
		b.mu.Unlock()
	}
}

func (b *TCPBus) encoderFor(dest wire.NodeId) (*gob.Encoder, error) {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if enc, ok := b.conns[dest]; ok {
		return enc, nil
	}

	addr, ok := b.addrOf[dest]
	if !ok {
		return nil, net.UnknownNetworkError("no address for destination node")
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	enc := gob.NewEncoder(conn)
	b.conns[dest] = enc
	return enc, nil
}

// Send never surfaces failure to the caller: a dial or encode error is
// logged and the message is silently lost, same as an unreliable link
// dropping a packet.
func (b *TCPBus) Send(msg wire.Envelope) {
	enc, err := b.encoderFor(msg.DestID)
	if err != nil {
		b.log.Debugw("tcp send failed", "dest", msg.DestID, "error", err)
		return
	}
	if err := enc.Encode(msg); err != nil {
		b.log.Debugw("tcp encode failed", "dest", msg.DestID, "error", err)
		b.connMu.Lock()
		delete(b.conns, msg.DestID)
		b.connMu.Unlock()
	}
}

func (b *TCPBus) Receive(from wire.NodeId) (wire.Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[from]
	if len(q) == 0 {
		return wire.Envelope{}, false
	}
	msg := q[0]
	b.queues[from] = q[1:]
	return msg, true
}

func (b *TCPBus) Close() error {
	close(b.closeCh)
	return b.ln.Close()
}
