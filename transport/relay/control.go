package relay

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// These are relay-connection-level control messages. They are distinct
// from wire.Envelope: the auth exchange happens before the connection
// has any notion of a logical slave at all, the same two-phase way the
// teacher's Session does a raw HelloMsg exchange before any <rpc> ever
// flows (session.go's handshake, before recvLoop starts demultiplexing).
type authFrame struct {
	User       string
	Pass       string
	Passphrase string
}

type authReply struct {
	OK     bool
	Reason string
}

// spawnFrame is the Payload of a wire.Envelope{Kind: KindControl,
// TaskName: opSpawn} requesting the relay fork a child slave.
type spawnFrame struct {
	Script string
	Args   []string
}

type spawnReply struct {
	OK     bool
	Reason string
}

// opSpawn is a relay-private control task name. It is not one of the
// four protocol-reserved symbols in wire (EXIT/NULL/ACK/REMOTE_KILL)
// because spawning is a relay concept, not a slave one — no slave ever
// receives a "spawn" envelope.
const opSpawn = "RELAY_SPAWN"

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("distio: relay: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return fmt.Errorf("distio: relay: decode: %w", err)
	}
	return nil
}
