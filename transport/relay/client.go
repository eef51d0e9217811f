// Package relay implements the remote relay transport: a client dialer
// that authenticates and multiplexes N logical slaves over one TCP
// connection, and a Server that accepts such connections and hosts
// child-process slaves on their behalf.
//
// It is the structural generalization of the teacher's
// transport/tls.Transport (client dial over one connection) and
// callhome.go's CallHomeServer (accept loop, per-connection bridging) —
// generalized from "one connection is one netconf session" to "one
// connection multiplexes many logical slave sessions by local_id".
package relay

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"go.distio.dev/distio/transport"
	"go.distio.dev/distio/wire"
)

// DialOption configures Dial.
type DialOption interface{ apply(*dialConfig) }

type dialConfig struct {
	passphrase string
}

type passphraseOpt string

func (o passphraseOpt) apply(c *dialConfig) { c.passphrase = string(o) }

// WithPassphrase sets the shared passphrase presented to the relay.
func WithPassphrase(p string) DialOption { return passphraseOpt(p) }

// Conn is one authenticated TCP connection to a relay, multiplexing
// however many logical slaves the caller spawns on it.
type Conn struct {
	conn    net.Conn
	br      *bufio.Reader
	writeMu sync.Mutex

	mu        sync.Mutex
	inboxes   map[uint64]chan []byte
	spawnAcks map[uint64]chan *wire.Envelope
	closed    bool
	closeErr  error
}

// Dial connects to addr (spec §6 host-address grammar), authenticates,
// and returns a Conn ready to Spawn slaves on.
func Dial(ctx context.Context, addr string, opts ...DialOption) (*Conn, error) {
	host, err := ParseHostAddr(addr)
	if err != nil {
		return nil, err
	}

	var cfg dialConfig
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", host.String())
	if err != nil {
		return nil, fmt.Errorf("distio: dial relay %s: %w", host, err)
	}

	c := &Conn{
		conn:      nc,
		br:        bufio.NewReader(nc),
		inboxes:   make(map[uint64]chan []byte),
		spawnAcks: make(map[uint64]chan *wire.Envelope),
	}

	if err := c.authenticate(host.User, host.Pass, cfg.passphrase); err != nil {
		_ = nc.Close()
		return nil, err
	}

	go c.recvLoop()
	return c, nil
}

func (c *Conn) authenticate(user, pass, passphrase string) error {
	b, err := encodeGob(authFrame{User: user, Pass: pass, Passphrase: passphrase})
	if err != nil {
		return err
	}
	if err := transport.WriteFrame(c.conn, b); err != nil {
		return fmt.Errorf("distio: send relay auth: %w", err)
	}

	raw, err := transport.ReadFrame(c.br)
	if err != nil {
		return fmt.Errorf("distio: read relay auth reply: %w", err)
	}
	var reply authReply
	if err := decodeGob(raw, &reply); err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("distio: relay rejected authentication: %s", reply.Reason)
	}
	return nil
}

// Spawn asks the relay to fork a child running script, reachable
// thereafter through Slave(localID).
func (c *Conn) Spawn(ctx context.Context, script string, args []string, localID uint64) error {
	payload, err := encodeGob(spawnFrame{Script: script, Args: args})
	if err != nil {
		return err
	}
	env := &wire.Envelope{
		Kind:     wire.KindControl,
		TaskName: opSpawn,
		Payload:  payload,
		Meta:     wire.Meta{LocalID: localID},
	}

	ackCh := make(chan *wire.Envelope, 1)
	c.mu.Lock()
	c.spawnAcks[localID] = ackCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.spawnAcks, localID)
		c.mu.Unlock()
	}()

	var buf bytes.Buffer
	if err := wire.EncodeEnvelope(&buf, env); err != nil {
		return err
	}
	if err := c.writeFrame(buf.Bytes()); err != nil {
		return err
	}

	select {
	case ack, ok := <-ackCh:
		if !ok {
			return fmt.Errorf("distio: relay connection closed waiting for spawn reply")
		}
		var sr spawnReply
		if err := decodeGob(ack.Payload, &sr); err != nil {
			return err
		}
		if !sr.OK {
			return fmt.Errorf("distio: relay failed to spawn %q: %s", script, sr.Reason)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) writeFrame(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return transport.WriteFrame(c.conn, b)
}

func (c *Conn) inbox(localID uint64) chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.inboxes[localID]
	if !ok {
		ch = make(chan []byte, 32)
		if c.closed {
			close(ch)
		}
		c.inboxes[localID] = ch
	}
	return ch
}

func (c *Conn) recvLoop() {
	for {
		raw, err := transport.ReadFrame(c.br)
		if err != nil {
			c.fail(err)
			return
		}

		env, err := wire.DecodeEnvelope(bytes.NewReader(raw))
		if err != nil {
			log.Printf("distio: relay: dropping malformed frame: %v", err)
			continue
		}

		if env.Kind == wire.KindAck {
			c.mu.Lock()
			ackCh, ok := c.spawnAcks[env.Meta.LocalID]
			c.mu.Unlock()
			if ok {
				ackCh <- env
				continue
			}
		}

		ch := c.inbox(env.Meta.LocalID)
		select {
		case ch <- raw:
		default:
			log.Printf("distio: relay: dropping frame for local_id %d: inbox full", env.Meta.LocalID)
		}
	}
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	for _, ch := range c.inboxes {
		close(ch)
	}
	for _, ch := range c.spawnAcks {
		close(ch)
	}
	_ = c.conn.Close()
}

// Close tears down the whole relay connection; every slave multiplexed
// over it fails with a transport error.
func (c *Conn) Close() error {
	c.fail(io.ErrClosedPipe)
	return nil
}

// Slave returns a transport.Transport view of the logical slave
// identified by localID, suitable for constructing a distio.Slave.
func (c *Conn) Slave(localID uint64) transport.Transport {
	return &slaveConn{c: c, localID: localID}
}

type slaveConn struct {
	c       *Conn
	localID uint64
}

func (s *slaveConn) MsgReader() (io.ReadCloser, error) {
	ch := s.c.inbox(s.localID)
	raw, ok := <-ch
	if !ok {
		return nil, io.EOF
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

type relayMsgWriter struct {
	s   *slaveConn
	buf bytes.Buffer
}

func (w *relayMsgWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *relayMsgWriter) Close() error {
	return w.s.c.writeFrame(w.buf.Bytes())
}

func (s *slaveConn) MsgWriter() (io.WriteCloser, error) {
	return &relayMsgWriter{s: s}, nil
}

// Close on a per-slave view doesn't tear down the shared relay
// connection — other slaves may still be multiplexed over it. Tearing
// down the whole Conn is Conn.Close.
func (s *slaveConn) Close(graceful bool) error {
	return nil
}
