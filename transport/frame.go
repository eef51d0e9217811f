package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// FrameIO implements Transport's MsgReader/MsgWriter over a raw
// io.Reader/io.Writer pair using a 4-byte big-endian length prefix per
// message (spec §6). It is not a Transport on its own (no Close) and is
// meant to be embedded by transports that sit on a real byte stream,
// exactly as transport.Framer is embedded by the teacher's ssh and tls
// transports.
type FrameIO struct {
	br *bufio.Reader
	bw *bufio.Writer

	mu           sync.Mutex
	activeReader bool
	activeWriter bool
}

// NewFrameIO wraps r/w with length-prefix framing.
func NewFrameIO(r io.Reader, w io.Writer) *FrameIO {
	return &FrameIO{
		br: bufio.NewReader(r),
		bw: bufio.NewWriter(w),
	}
}

func (f *FrameIO) closeReader() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeReader = false
}

func (f *FrameIO) closeWriter() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeWriter = false
}

// MsgReader returns a reader bounded to the next framed message.
func (f *FrameIO) MsgReader() (io.ReadCloser, error) {
	f.mu.Lock()
	if f.activeReader {
		f.mu.Unlock()
		return nil, ErrStreamBusy
	}
	f.activeReader = true
	f.mu.Unlock()

	var lenBuf [4]byte
	if _, err := io.ReadFull(f.br, lenBuf[:]); err != nil {
		f.closeReader()
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])

	return &frameReader{
		f: f,
		r: io.LimitReader(f.br, int64(n)),
	}, nil
}

// MsgWriter returns a writer that, once Closed, flushes one framed
// message to the underlying stream.
func (f *FrameIO) MsgWriter() (io.WriteCloser, error) {
	f.mu.Lock()
	if f.activeWriter {
		f.mu.Unlock()
		return nil, ErrStreamBusy
	}
	f.activeWriter = true
	f.mu.Unlock()

	return &frameWriter{f: f}, nil
}

type frameReader struct {
	f    *FrameIO
	r    io.Reader
	done bool
}

func (fr *frameReader) Read(p []byte) (int, error) {
	if fr.done {
		return 0, ErrInvalidIO
	}
	return fr.r.Read(p)
}

func (fr *frameReader) Close() error {
	if fr.done {
		return nil
	}
	fr.done = true
	// Drain any unread remainder of the frame so the next MsgReader call
	// starts aligned on the next length prefix.
	_, err := io.Copy(io.Discard, fr.r)
	fr.f.closeReader()
	return err
}

type frameWriter struct {
	f    *FrameIO
	buf  []byte
	done bool
}

func (fw *frameWriter) Write(p []byte) (int, error) {
	if fw.done {
		return 0, ErrInvalidIO
	}
	fw.buf = append(fw.buf, p...)
	return len(p), nil
}

func (fw *frameWriter) Close() error {
	if fw.done {
		return nil
	}
	fw.done = true
	defer fw.f.closeWriter()

	if len(fw.buf) > 0xFFFFFFFF {
		return fmt.Errorf("transport: message too large (%d bytes)", len(fw.buf))
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(fw.buf)))
	if _, err := fw.f.bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := fw.f.bw.Write(fw.buf); err != nil {
		return err
	}
	return fw.f.bw.Flush()
}
