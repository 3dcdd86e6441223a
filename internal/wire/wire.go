// Package wire defines the message envelope and payload types that flow
// across the bus (internal/transport) between controller, replicas and
// clients. The core treats the wire format as pluggable: Envelope carries a
// type tag plus an opaque encoded payload, and Codec is the seam a
// production deployment would swap for protobuf or a hand-rolled binary
// format. The default Codec here is encoding/gob.
package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/google/uuid"
)

// NodeId identifies a controller, replica or client. Stable for a run.
type NodeId uint32

// Term is a Raft election epoch, monotonically non-decreasing.
type Term uint64

// LogIndex is a zero-based position in a replica's local log.
type LogIndex uint64

// OptionalNode models an optional NodeId without resorting to pointers,
// so zero values stay meaningful and comparisons stay cheap.
type OptionalNode struct {
	Value NodeId
	Set   bool
}

func SomeNode(id NodeId) OptionalNode { return OptionalNode{Value: id, Set: true} }

// OptionalIndex models an optional LogIndex (commit_index, match_index, ...).
type OptionalIndex struct {
	Value LogIndex
	Set   bool
}

func SomeIndex(i LogIndex) OptionalIndex { return OptionalIndex{Value: i, Set: true} }

// LogEntry is immutable once appended, except via conflict truncation.
type LogEntry struct {
	Term     Term
	Index    LogIndex
	Command  string
	ClientID NodeId
	LeaderID NodeId
}

// PersistentState is what must survive a restart, and must be flushed
// before any outgoing message that relies on it is sent.
type PersistentState struct {
	CurrentTerm Term
	VotedFor    OptionalNode
	Log         []LogEntry
}

// MessageType tags the payload carried by an Envelope.
type MessageType uint8

const (
	VoteRequest MessageType = iota + 1
	VoteResponse
	AppendEntriesRequest
	AppendEntriesResponse
	CommandEntryRequest
	CommandEntryResponse
	SearchLeaderRequest
	SearchLeaderResponse
	CrashRequest
	StartRequest
	ElectionTimeoutRequest
	SpeedRequest
	Exit
)

func (t MessageType) String() string {
	switch t {
	case VoteRequest:
		return "VoteRequest"
	case VoteResponse:
		return "VoteResponse"
	case AppendEntriesRequest:
		return "AppendEntriesRequest"
	case AppendEntriesResponse:
		return "AppendEntriesResponse"
	case CommandEntryRequest:
		return "CommandEntryRequest"
	case CommandEntryResponse:
		return "CommandEntryResponse"
	case SearchLeaderRequest:
		return "SearchLeaderRequest"
	case SearchLeaderResponse:
		return "SearchLeaderResponse"
	case CrashRequest:
		return "CrashRequest"
	case StartRequest:
		return "StartRequest"
	case ElectionTimeoutRequest:
		return "ElectionTimeoutRequest"
	case SpeedRequest:
		return "SpeedRequest"
	case Exit:
		return "Exit"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Speed is the throttle bucket a SpeedRequest selects.
type Speed uint8

const (
	SpeedNone Speed = iota
	SpeedLow
	SpeedMedium
	SpeedHigh
)

// DelayMillis is the minimum gap between processed peer/client messages.
func (s Speed) DelayMillis() int64 {
	switch s {
	case SpeedLow:
		return 50
	case SpeedMedium:
		return 25
	case SpeedHigh:
		return 10
	default:
		return 0
	}
}

func ParseSpeed(s string) (Speed, bool) {
	switch s {
	case "NONE":
		return SpeedNone, true
	case "LOW":
		return SpeedLow, true
	case "MEDIUM":
		return SpeedMedium, true
	case "HIGH":
		return SpeedHigh, true
	default:
		return SpeedNone, false
	}
}

// Envelope is the message passed over the bus. Term is the sender's
// current_term where applicable; CorrelationID is a fresh random id that
// Pack gives every envelope. A response gets its own id, not the id of the
// request it answers, and no protocol logic reads it.
type Envelope struct {
	SourceID      NodeId
	DestID        NodeId
	Type          MessageType
	Term          Term
	Payload       []byte
	CorrelationID string
}

func NewCorrelationID() string {
	return uuid.New().String()
}

// Payload bodies. None of these interpret `Command`; the application
// state machine that would is a separate concern entirely.

// VoteRequestPayload carries the candidate's log-freshness metadata so the
// receiver can enforce the Up-To-Date predicate: LastLogLen is len(log)
// and LastLogTerm is the term of its final entry (0 for an empty log).
type VoteRequestPayload struct {
	CandidateID NodeId
	LastLogLen  uint64
	LastLogTerm Term
}

type VoteResponsePayload struct {
	Granted bool
}

type PrevLogMetadata struct {
	PrevLogIndex LogIndex
	PrevLogTerm  Term
}

type AppendEntriesRequestPayload struct {
	LeaderID          NodeId
	Entries           []LogEntry
	PrevLogMetadata   PrevLogMetadata
	HasPrevLogMeta    bool
	LeaderCommitIndex OptionalIndex
}

type AppendEntriesResponsePayload struct {
	Success      bool
	NbLogEntries uint32
}

type CommandEntryRequestPayload struct {
	Command string
}

type CommandEntryResponsePayload struct {
	Committed bool
}

type SearchLeaderResponsePayload struct {
	LeaderID NodeId
}

type ElectionTimeoutRequestPayload struct {
	TimeoutMillis int64
}

type SpeedRequestPayload struct {
	Speed Speed
}

// Codec encodes/decodes payload bodies into the opaque Envelope.Payload
// bytes. The production default is gobCodec; tests may swap in a fake to
// exercise malformed-message handling.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

type gobCodec struct{}

// DefaultCodec is the byte-oriented codec the core assumes exists;
// encoding/gob is the concrete ecosystem choice here.
var DefaultCodec Codec = gobCodec{}

func (gobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Pack builds an Envelope, encoding payload with the DefaultCodec.
func Pack(src, dst NodeId, typ MessageType, term Term, payload any) (Envelope, error) {
	body, err := DefaultCodec.Encode(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		SourceID:      src,
		DestID:        dst,
		Type:          typ,
		Term:          term,
		Payload:       body,
		CorrelationID: NewCorrelationID(),
	}, nil
}

// Unpack decodes an Envelope's payload into v. A decode failure means a
// malformed message: callers must drop it and keep their state.
func Unpack(e Envelope, v any) error {
	return DefaultCodec.Decode(e.Payload, v)
}
