package relay

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"go.distio.dev/distio/transport"
	"go.distio.dev/distio/transport/childproc"
	"go.distio.dev/distio/wire"
	"golang.org/x/crypto/bcrypt"
)

// signaler is implemented by transports that can deliver an OS signal
// directly, currently only childproc.Transport. It's how the relay turns
// a REMOTE_KILL control envelope into a real process signal instead of
// forwarding it to the child's stdin.
type signaler interface {
	Signal(name string) error
}

// Server accepts relay connections (spec §4.9), authenticates them, and
// forks childproc slaves on their behalf, bridging envelopes between
// each child and the owning master connection.
//
// It generalizes callhome.go's CallHomeServer: instead of matching an
// inbound connection to a pre-registered client config by source IP, it
// authenticates the connection itself and then services an arbitrary
// number of spawn requests over it.
type Server struct {
	Addr string

	// Users authenticates HTTP-basic-style credentials; nil/empty
	// disables credential checking.
	Users map[string]string

	// PassphraseHash, if set, is a bcrypt hash that an incoming
	// connection's passphrase must match.
	PassphraseHash []byte

	// ForceCloseTimeout bounds how long a dropped master connection's
	// children are given to ack a graceful EXIT before being SIGKILLed.
	ForceCloseTimeout time.Duration

	ln net.Listener
}

const defaultForceCloseTimeout = 5 * time.Second

// Listen runs the accept loop until the listener is closed or Accept
// otherwise errors. It does not return until then.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("distio: relay listen: %w", err)
	}
	s.ln = ln
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

type serverConn struct {
	s       *Server
	conn    net.Conn
	br      *bufio.Reader
	writeMu sync.Mutex

	mu       sync.Mutex
	children map[uint64]*childproc.Transport
}

func (s *Server) handleConn(conn net.Conn) {
	sc := &serverConn{
		s:        s,
		conn:     conn,
		br:       bufio.NewReader(conn),
		children: make(map[uint64]*childproc.Transport),
	}
	defer sc.shutdownChildren()
	defer conn.Close()

	if err := sc.authenticate(); err != nil {
		log.Printf("distio: relay: rejecting connection from %s: %v", conn.RemoteAddr(), err)
		return
	}

	sc.serve()
}

func (sc *serverConn) authenticate() error {
	raw, err := readFrame(sc.br)
	if err != nil {
		return fmt.Errorf("read auth frame: %w", err)
	}
	var af authFrame
	if err := decodeGob(raw, &af); err != nil {
		_ = sc.writeAuthReply(false, "malformed auth frame")
		return err
	}

	if len(sc.s.Users) > 0 {
		want, ok := sc.s.Users[af.User]
		if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(af.Pass)) != 1 {
			_ = sc.writeAuthReply(false, "invalid credentials")
			return fmt.Errorf("invalid credentials for user %q", af.User)
		}
	}

	if len(sc.s.PassphraseHash) > 0 {
		if err := bcrypt.CompareHashAndPassword(sc.s.PassphraseHash, []byte(af.Passphrase)); err != nil {
			_ = sc.writeAuthReply(false, "invalid passphrase")
			return fmt.Errorf("invalid passphrase: %w", err)
		}
	}

	return sc.writeAuthReply(true, "")
}

func (sc *serverConn) writeAuthReply(ok bool, reason string) error {
	b, err := encodeGob(authReply{OK: ok, Reason: reason})
	if err != nil {
		return err
	}
	return sc.writeFrame(b)
}

func (sc *serverConn) writeFrame(b []byte) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return writeFrame(sc.conn, b)
}

// serve is the per-connection multiplex loop: every subsequent frame is
// a wire.Envelope, either a spawn control frame or data addressed to an
// already-spawned child.
func (sc *serverConn) serve() {
	for {
		raw, err := readFrame(sc.br)
		if err != nil {
			return
		}

		env, err := wire.DecodeEnvelope(bytes.NewReader(raw))
		if err != nil {
			log.Printf("distio: relay: dropping malformed frame: %v", err)
			continue
		}

		switch {
		case env.Kind == wire.KindControl && env.TaskName == opSpawn:
			sc.handleSpawn(env)
		case env.Kind == wire.KindControl && env.TaskName == wire.TaskRemoteKill:
			sc.handleRemoteKill(env)
		default:
			sc.forwardToChild(env, raw)
		}
	}
}

func (sc *serverConn) handleSpawn(env *wire.Envelope) {
	var req spawnFrame
	if err := decodeGob(env.Payload, &req); err != nil {
		sc.replySpawn(env.Meta.LocalID, false, err.Error())
		return
	}

	ctx := context.Background()
	child, err := childproc.Spawn(ctx, req.Script, req.Args...)
	if err != nil {
		sc.replySpawn(env.Meta.LocalID, false, err.Error())
		return
	}

	sc.mu.Lock()
	sc.children[env.Meta.LocalID] = child
	sc.mu.Unlock()

	go sc.bridgeChild(env.Meta.LocalID, child)

	sc.replySpawn(env.Meta.LocalID, true, "")
}

func (sc *serverConn) replySpawn(localID uint64, ok bool, reason string) {
	payload, err := encodeGob(spawnReply{OK: ok, Reason: reason})
	if err != nil {
		return
	}
	ack := &wire.Envelope{
		Kind:    wire.KindAck,
		Meta:    wire.Meta{LocalID: localID},
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := wire.EncodeEnvelope(&buf, ack); err != nil {
		return
	}
	_ = sc.writeFrame(buf.Bytes())
}

// handleRemoteKill intercepts a REMOTE_KILL request rather than
// forwarding it to the child: only the relay, which forked the process,
// can actually signal it.
func (sc *serverConn) handleRemoteKill(env *wire.Envelope) {
	sc.mu.Lock()
	child, ok := sc.children[env.Meta.LocalID]
	sc.mu.Unlock()

	var result wire.Result
	switch {
	case !ok:
		result = wire.Result{ErrMsg: fmt.Sprintf("no child for local_id %d", env.Meta.LocalID)}
	case !wire.ValidSignal(env.Meta.Signal):
		result = wire.Result{ErrMsg: fmt.Sprintf("invalid signal %q", env.Meta.Signal)}
	default:
		sig, ok := any(child).(signaler)
		if !ok {
			result = wire.Result{ErrMsg: "child transport cannot be signalled"}
			break
		}
		if err := sig.Signal(env.Meta.Signal); err != nil {
			result = wire.Result{ErrMsg: err.Error()}
		} else {
			result = wire.Result{OK: true}
		}
	}

	payload, err := wire.EncodeResult(result)
	if err != nil {
		return
	}
	resp := &wire.Envelope{
		RequestID: env.RequestID,
		Kind:      wire.KindResponse,
		TaskName:  env.TaskName,
		Payload:   payload,
		Meta:      wire.Meta{LocalID: env.Meta.LocalID},
	}
	var buf bytes.Buffer
	if err := wire.EncodeEnvelope(&buf, resp); err != nil {
		return
	}
	_ = sc.writeFrame(buf.Bytes())
}

// forwardToChild passes a request-direction envelope through verbatim to
// the addressed child's stdin.
func (sc *serverConn) forwardToChild(env *wire.Envelope, raw []byte) {
	sc.mu.Lock()
	child, ok := sc.children[env.Meta.LocalID]
	sc.mu.Unlock()
	if !ok {
		log.Printf("distio: relay: dropping frame for unknown local_id %d", env.Meta.LocalID)
		return
	}

	w, err := child.MsgWriter()
	if err != nil {
		log.Printf("distio: relay: child %d write: %v", env.Meta.LocalID, err)
		return
	}
	if _, err := w.Write(raw); err != nil {
		log.Printf("distio: relay: child %d write: %v", env.Meta.LocalID, err)
		return
	}
	_ = w.Close()
}

// bridgeChild reads every message the child sends and forwards it up to
// the master connection, rewriting SenderID to the local_id the master
// addresses this slave by.
func (sc *serverConn) bridgeChild(localID uint64, child *childproc.Transport) {
	for {
		r, err := child.MsgReader()
		if err != nil {
			return
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			_ = r.Close()
			return
		}
		_ = r.Close()

		env, err := wire.DecodeEnvelope(bytes.NewReader(buf.Bytes()))
		if err != nil {
			log.Printf("distio: relay: child %d sent malformed frame: %v", localID, err)
			continue
		}
		env.Meta.SenderID = localID
		env.Meta.LocalID = localID

		var out bytes.Buffer
		if err := wire.EncodeEnvelope(&out, env); err != nil {
			continue
		}
		_ = sc.writeFrame(out.Bytes())
	}
}

// shutdownChildren gracefully EXITs every child this connection spawned,
// force-killing any that don't wind down within ForceCloseTimeout (spec
// §4.9: "a dropped master connection triggers graceful EXIT to all
// children spawned on its behalf").
func (sc *serverConn) shutdownChildren() {
	sc.mu.Lock()
	children := make([]*childproc.Transport, 0, len(sc.children))
	for _, c := range sc.children {
		children = append(children, c)
	}
	sc.mu.Unlock()

	timeout := sc.s.ForceCloseTimeout
	if timeout <= 0 {
		timeout = defaultForceCloseTimeout
	}

	var wg sync.WaitGroup
	for _, c := range children {
		wg.Add(1)
		go func(c *childproc.Transport) {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				exit := &wire.Envelope{Kind: wire.KindExit, TaskName: wire.TaskExit, Meta: wire.Meta{SentAt: time.Now()}}
				if w, err := c.MsgWriter(); err == nil {
					_ = wire.EncodeEnvelope(w, exit)
					_ = w.Close()
				}
				_ = c.Close(true)
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(timeout):
				_ = c.Close(false)
			}
		}(c)
	}
	wg.Wait()
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	return transport.ReadFrame(r)
}

func writeFrame(w net.Conn, b []byte) error {
	return transport.WriteFrame(w, b)
}
