// Package transport defines the message-oriented byte-stream interface
// that every distio transport adapter (child-process, relay, loopback)
// implements, and a small length-prefixed framer shared by the adapters
// that sit on top of a real byte stream (stdio pipes, a TCP socket).
//
// Transport deliberately knows nothing about wire.Envelope: it delimits
// message boundaries on an otherwise arbitrary byte stream, the same way
// the adapters' own framing has to. Encoding and decoding Envelopes onto
// the readers/writers handed out here is the Slave handle's job.
package transport

import (
	"errors"
	"io"
)

// ErrInvalidIO is returned from a read/write on a MsgReader/MsgWriter
// obtained from a Transport that has since moved on to a new one.
var ErrInvalidIO = errors.New("transport: read/write on invalid io")

// ErrStreamBusy is returned by MsgReader/MsgWriter when the previous one
// hasn't been closed yet; only one reader and one writer may be active
// on a Transport at a time.
var ErrStreamBusy = errors.New("transport: stream already active")

// Transport is the interface every slave transport adapter implements.
// Implementations provide ordered delivery within one session and
// surface connection loss as an error from MsgReader/MsgWriter/Close.
type Transport interface {
	// MsgReader returns a reader bounded to exactly one incoming message.
	// The caller must Close it before calling MsgReader again.
	MsgReader() (io.ReadCloser, error)

	// MsgWriter returns a writer for one outgoing message. Close finalizes
	// framing and flushes it to the underlying stream.
	MsgWriter() (io.WriteCloser, error)

	// Close tears down the transport. graceful=true gives the peer a
	// chance to notice (e.g. half-close); graceful=false closes the
	// underlying connection immediately.
	Close(graceful bool) error
}
