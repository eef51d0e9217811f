// Package wire defines the envelope that distio multiplexes over every
// transport, the small set of reserved task symbols used for session
// control, and the codec that frames one envelope per message boundary.
//
// The codec is deliberately symmetric: encode(decode(b)) == b for any
// well-formed envelope, and the relay never has to know anything about
// Payload beyond its length — only the header fields (RequestID, Kind,
// TaskName, Meta) are ever interpreted by anything other than the slave
// and the caller that issued the request.
package wire

import (
	"encoding/gob"
	"fmt"
	"io"
	"time"
)

// Kind tags the purpose of an Envelope.
type Kind uint8

const (
	// KindRequest is a task invocation sent to a slave.
	KindRequest Kind = iota
	// KindResponse is a reply to exactly one prior KindRequest.
	KindResponse
	// KindControl carries a reserved task symbol (NULL, REMOTE_KILL, ...).
	KindControl
	// KindAck answers a control frame.
	KindAck
	// KindExit is the graceful-shutdown request sent to a slave.
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindControl:
		return "control"
	case KindAck:
		return "ack"
	case KindExit:
		return "exit"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Reserved task symbols. A user task name may be anything else.
const (
	TaskExit       = "EXIT"
	TaskNull       = "NULL"
	TaskAck        = "ACK"
	TaskRemoteKill = "REMOTE_KILL"
)

// IsReserved reports whether name collides with a reserved task symbol.
func IsReserved(name string) bool {
	switch name {
	case TaskExit, TaskNull, TaskAck, TaskRemoteKill:
		return true
	default:
		return false
	}
}

// Meta carries envelope metadata that isn't part of request/response
// correlation but is useful for diagnostics and control frames.
type Meta struct {
	SentAt time.Time
	// SenderID is the process-wide slave id of whoever last touched this
	// envelope; the relay rewrites it as it bridges frames so the master
	// always sees the logical slave id rather than the relay's own id.
	SenderID uint64
	// Signal carries the POSIX signal name for a REMOTE_KILL control frame.
	Signal string
	// LocalID addresses one of potentially many slaves multiplexed over a
	// single relay connection. Other transports carry the slave's local
	// id here too, but nothing routes on it.
	LocalID uint64
	// Nonce is used only during the handshake exchange.
	Nonce uint64
}

// Envelope is the unit of transport: one request, response, or control
// frame. Payload is opaque to everything except the slave handle that
// built it and the caller that eventually decodes it.
type Envelope struct {
	RequestID uint64
	Kind      Kind
	TaskName  string
	Payload   []byte
	Meta      Meta
}

// EncodeEnvelope gob-encodes env onto w. It is the caller's responsibility
// to ensure w represents exactly one message boundary (see
// transport.FrameIO), since gob's own stream framing is not used here.
func EncodeEnvelope(w io.Writer, env *Envelope) error {
	if err := gob.NewEncoder(w).Encode(env); err != nil {
		return fmt.Errorf("wire: encode envelope: %w", err)
	}
	return nil
}

// DecodeEnvelope gob-decodes a single Envelope from r, which must yield
// exactly the bytes of one previously-encoded envelope.
func DecodeEnvelope(r io.Reader) (*Envelope, error) {
	var env Envelope
	if err := gob.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return &env, nil
}
