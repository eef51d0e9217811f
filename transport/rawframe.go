package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// WriteFrame writes payload as one length-prefixed frame. It performs
// exactly the two writes FrameIO's frameWriter.Close does, exposed as a
// free function so transports that must interleave many logical streams
// over one physical connection (transport/relay) can serialize whole
// frames atomically under their own lock instead of going through
// FrameIO's single-active-writer restriction.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > 0xFFFFFFFF {
		return fmt.Errorf("transport: message too large (%d bytes)", len(payload))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from a buffered reader.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
