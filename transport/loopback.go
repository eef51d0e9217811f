package transport

import (
	"bytes"
	"io"
	"sync"
)

// LoopbackTransport is an in-process Transport with no encoding: messages
// written on one side arrive verbatim as messages read on the other. It
// backs both the "in-process transport" kind in spec §4.2 and package
// tests that need a Transport without a real byte stream, the same role
// transport.TestTransport plays for the teacher's session tests.
type LoopbackTransport struct {
	mu     sync.Mutex
	cond   *sync.Cond
	inbox  [][]byte
	closed bool

	peer *LoopbackTransport
}

// NewLoopbackPair returns two LoopbackTransports wired to each other:
// a message written on one is read on the other.
func NewLoopbackPair() (a, b *LoopbackTransport) {
	a = &LoopbackTransport{}
	b = &LoopbackTransport{}
	a.cond = sync.NewCond(&a.mu)
	b.cond = sync.NewCond(&b.mu)
	a.peer = b
	b.peer = a
	return a, b
}

func (l *LoopbackTransport) deliver(msg []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.inbox = append(l.inbox, msg)
	l.cond.Signal()
}

func (l *LoopbackTransport) MsgReader() (io.ReadCloser, error) {
	l.mu.Lock()
	for len(l.inbox) == 0 && !l.closed {
		l.cond.Wait()
	}
	if len(l.inbox) == 0 {
		l.mu.Unlock()
		return nil, io.EOF
	}
	msg := l.inbox[0]
	l.inbox = l.inbox[1:]
	l.mu.Unlock()

	return io.NopCloser(bytes.NewReader(msg)), nil
}

type loopbackWriter struct {
	l   *LoopbackTransport
	buf bytes.Buffer
}

func (w *loopbackWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *loopbackWriter) Close() error {
	w.l.mu.Lock()
	closed := w.l.closed
	w.l.mu.Unlock()
	if closed {
		return ErrInvalidIO
	}
	w.l.peer.deliver(w.buf.Bytes())
	return nil
}

func (l *LoopbackTransport) MsgWriter() (io.WriteCloser, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrInvalidIO
	}
	return &loopbackWriter{l: l}, nil
}

// Close marks this side closed; a blocked MsgReader returns io.EOF.
func (l *LoopbackTransport) Close(graceful bool) error {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
	return nil
}
