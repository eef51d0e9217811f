package distio

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.distio.dev/distio/transport"
	"go.distio.dev/distio/wire"
)

// State is a Slave's position in its lifecycle state machine (spec §4.3).
type State uint8

const (
	Pending State = iota
	Ready
	Busy
	Closing
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// DefaultHandshakeTimeout bounds how long a Slave waits for its NULL/ACK
// handshake before moving to Errored.
var DefaultHandshakeTimeout = 5 * time.Second

// requestSeq numbers requests across every Slave in the process, so ids
// are strictly increasing within each slave session and never shared
// between two slaves.
var requestSeq atomic.Uint64

type pendingSlot struct {
	taskName string
	sentAt   time.Time
	reply    chan Response
}

// Slave is the master-side handle for one worker, the structural
// analogue of netconf.Session: it owns a transport.Transport, a
// pending-request table keyed by request id, and a background recvLoop
// that demultiplexes incoming envelopes onto that table.
type Slave struct {
	id      uint64
	localID uint64
	group   string
	tr      transport.Transport

	wasProxied bool

	// writeMu is the slave's send_queue (spec §3): it serializes every
	// MsgWriter/encode/Close sequence so concurrent Dispatch/RemoteKill/
	// sendExit callers drain onto the wire in FIFO acquire order instead
	// of racing transport.FrameIO's single-active-writer constraint.
	writeMu sync.Mutex

	mu       sync.Mutex
	state    State
	pending  map[uint64]*pendingSlot
	lastSeen time.Time

	exitAck     chan struct{}
	exitAckOnce sync.Once

	handshakeTimeout time.Duration
}

// SlaveOption configures newSlave.
type SlaveOption interface{ apply(*Slave) }

type groupOpt string

func (o groupOpt) apply(s *Slave) { s.group = string(o) }

// WithGroup tags the slave with a group name for Registry.ByGroup.
func WithGroup(group string) SlaveOption { return groupOpt(group) }

type handshakeTimeoutOpt time.Duration

func (o handshakeTimeoutOpt) apply(s *Slave) { s.handshakeTimeout = time.Duration(o) }

// WithHandshakeTimeout overrides DefaultHandshakeTimeout for one slave.
func WithHandshakeTimeout(d time.Duration) SlaveOption { return handshakeTimeoutOpt(d) }

type proxiedOpt bool

func (o proxiedOpt) apply(s *Slave) { s.wasProxied = bool(o) }

// withProxied marks the slave as reached via a relay (spec's
// was_proxied field); set internally by Registry.CreateRemote.
func withProxied() SlaveOption { return proxiedOpt(true) }

// newSlave opens tr, performs the NULL/ACK handshake, and returns a
// Ready slave, or an Errored one if the handshake failed/timed out.
func newSlave(id uint64, localID uint64, tr transport.Transport, opts ...SlaveOption) (*Slave, error) {
	s := &Slave{
		id:               id,
		localID:          localID,
		tr:               tr,
		state:            Pending,
		pending:          make(map[uint64]*pendingSlot),
		exitAck:          make(chan struct{}),
		handshakeTimeout: DefaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt.apply(s)
	}

	if err := s.handshake(); err != nil {
		s.mu.Lock()
		s.state = Errored
		s.mu.Unlock()
		_ = s.tr.Close(false)
		return s, err
	}

	s.mu.Lock()
	s.state = Ready
	s.lastSeen = time.Now()
	s.mu.Unlock()

	go s.recvLoop()
	return s, nil
}

// writeEnvelope serializes one MsgWriter/encode/Close round trip behind
// writeMu, the per-slave send_queue. A transport that rejects a second
// concurrent writer (transport.FrameIO's ErrStreamBusy) never sees one:
// callers queue for writeMu instead of racing the transport directly.
func (s *Slave) writeEnvelope(env *wire.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	w, err := s.tr.MsgWriter()
	if err != nil {
		return err
	}
	if err := wire.EncodeEnvelope(w, env); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func randomNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// handshake sends a NULL control frame carrying a nonce and requires the
// peer to reply ACK with the identical nonce (spec §4.2). An unmatched
// or absent nonce is treated the same as a missing reply: handshake
// failure, because the spec requires nonce validation to close a
// cross-connection mis-delivery hole (Open Question, resolved).
func (s *Slave) handshake() error {
	nonce, err := randomNonce()
	if err != nil {
		return wrapErr(HandshakeTimeout, err, "generate handshake nonce")
	}

	env := &wire.Envelope{
		Kind:     wire.KindControl,
		TaskName: wire.TaskNull,
		Meta:     wire.Meta{Nonce: nonce, SentAt: time.Now()},
	}
	if err := s.writeEnvelope(env); err != nil {
		return wrapErr(HandshakeTimeout, err, "write handshake")
	}

	type result struct {
		env *wire.Envelope
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := s.tr.MsgReader()
		if err != nil {
			done <- result{err: err}
			return
		}
		defer r.Close()
		env, err := wire.DecodeEnvelope(r)
		done <- result{env: env, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return wrapErr(HandshakeTimeout, res.err, "read handshake reply")
		}
		if res.env.Kind != wire.KindAck || res.env.TaskName != wire.TaskAck {
			return newErr(HandshakeTimeout, "unexpected handshake reply kind %s", res.env.Kind)
		}
		if res.env.Meta.Nonce != nonce {
			return newErr(HandshakeTimeout, "handshake nonce mismatch")
		}
		if res.env.Meta.LocalID != 0 {
			s.localID = res.env.Meta.LocalID
		}
		return nil
	case <-time.After(s.handshakeTimeout):
		return newErr(HandshakeTimeout, "no handshake reply within %s", s.handshakeTimeout)
	}
}

// ID is the process-wide unique identifier assigned by the Registry.
func (s *Slave) ID() uint64 { return s.id }

// LocalID is the identifier unique within this slave's relay host. It
// starts out equal to ID and is replaced by the local_id the peer
// declares in its handshake ACK, when that is non-zero.
func (s *Slave) LocalID() uint64 { return s.localID }

// Group is the optional tag used by Registry.ByGroup.
func (s *Slave) Group() string { return s.group }

// WasProxied reports whether this slave was reached via a relay.
func (s *Slave) WasProxied() bool { return s.wasProxied }

// State returns the slave's current lifecycle state.
func (s *Slave) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InFlight returns the number of pending (not yet fulfilled) requests,
// the figure a Workpool uses for least-busy assignment.
func (s *Slave) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Dispatch sends task with payload to the slave and blocks until a
// response arrives, the context is cancelled, or the slave fails first
// (spec §4.3 dispatch contract).
func (s *Slave) Dispatch(ctx context.Context, taskName string, payload any) (Response, error) {
	if wire.IsReserved(taskName) {
		return Response{}, newErr(InvalidArgument, "task name %q is reserved", taskName)
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == Closing || state == Closed || state == Errored {
		return Response{}, newErr(InvalidState, "dispatch to slave %d in state %s", s.id, state)
	}

	reqID := requestSeq.Add(1)
	encPayload, err := wire.EncodeValue(payload)
	if err != nil {
		return Response{}, wrapErr(InvalidArgument, err, "encode payload")
	}

	slot := &pendingSlot{taskName: taskName, sentAt: time.Now(), reply: make(chan Response, 1)}
	s.mu.Lock()
	s.pending[reqID] = slot
	s.state = Busy
	s.mu.Unlock()

	env := &wire.Envelope{
		RequestID: reqID,
		Kind:      wire.KindRequest,
		TaskName:  taskName,
		Payload:   encPayload,
		Meta:      wire.Meta{SenderID: s.id, LocalID: s.localID, SentAt: slot.sentAt},
	}

	if err := s.writeEnvelope(env); err != nil {
		s.dropPending(reqID)
		return Response{}, wrapErr(TransportError, err, "write request")
	}

	select {
	case resp, ok := <-slot.reply:
		if !ok {
			return Response{}, newErr(TransportError, "slave %d closed before responding", s.id)
		}
		if IsKind(resp.Err, TransportError) {
			return resp, resp.Err
		}
		return resp, nil
	case <-ctx.Done():
		s.dropPending(reqID)
		return Response{}, ctx.Err()
	}
}

func (s *Slave) dropPending(reqID uint64) {
	s.mu.Lock()
	delete(s.pending, reqID)
	if len(s.pending) == 0 && s.state == Busy {
		s.state = Ready
	}
	s.mu.Unlock()
}

// recvLoop is the background reader: every incoming envelope is either
// a response fulfilling a pending slot or a control frame.
func (s *Slave) recvLoop() {
	for {
		r, err := s.tr.MsgReader()
		if err != nil {
			s.fail(err)
			return
		}
		env, err := wire.DecodeEnvelope(r)
		_ = r.Close()
		if err != nil {
			log.Printf("distio: slave %d: dropping malformed envelope: %v", s.id, err)
			continue
		}

		s.mu.Lock()
		s.lastSeen = time.Now()
		s.mu.Unlock()

		switch env.Kind {
		case wire.KindResponse:
			s.fulfil(env)
		case wire.KindAck:
			if env.TaskName == wire.TaskAck {
				// The only ack a slave can see after the handshake
				// loop has started is the worker's EXIT ack; wake up
				// whoever is waiting in Close (a no-op if nobody is).
				s.signalExitAck()
				continue
			}
		default:
			log.Printf("distio: slave %d: unhandled envelope kind %s", s.id, env.Kind)
		}
	}
}

func (s *Slave) fulfil(env *wire.Envelope) {
	s.mu.Lock()
	slot, ok := s.pending[env.RequestID]
	if ok {
		delete(s.pending, env.RequestID)
		if len(s.pending) == 0 && s.state == Busy {
			s.state = Ready
		}
	}
	s.mu.Unlock()
	if !ok {
		log.Printf("distio: slave %d: response for unknown request_id %d", s.id, env.RequestID)
		return
	}

	result, err := wire.DecodeResult(env.Payload)
	resp := Response{
		RequestID:  env.RequestID,
		SlaveID:    s.id,
		TaskName:   slot.taskName,
		SentAt:     slot.sentAt,
		ReceivedAt: time.Now(),
	}
	switch {
	case err != nil:
		resp.Err = wrapErr(TransportError, err, "decode result")
	case !result.OK:
		resp.Err = newErr(TaskError, "%s", result.ErrMsg)
	default:
		var v any
		if len(result.Value) > 0 {
			if decErr := wire.DecodeValue(result.Value, &v); decErr == nil {
				resp.Value = v
			}
		}
	}
	slot.reply <- resp
}

// fail moves the slave to Errored and fails every pending request with
// a TransportError; it does not affect sibling slaves (spec §4.9
// failure semantics).
func (s *Slave) fail(err error) {
	s.mu.Lock()
	if s.state == Closed || s.state == Errored {
		s.mu.Unlock()
		return
	}
	s.state = Errored
	pending := s.pending
	s.pending = make(map[uint64]*pendingSlot)
	s.mu.Unlock()

	terr := wrapErr(TransportError, err, "slave %d transport failed", s.id)
	for id, slot := range pending {
		slot.reply <- Response{RequestID: id, SlaveID: s.id, TaskName: slot.taskName, Err: terr}
	}
}

// signalExitAck wakes up a Close call waiting on the worker's EXIT ack
// (spec §4.3's Closing --ACK--> Closed edge). Safe to call any number
// of times, including when nobody is waiting.
func (s *Slave) signalExitAck() {
	s.exitAckOnce.Do(func() { close(s.exitAck) })
}

// Close sends an EXIT control frame and awaits the worker's ACK, up to
// DefaultForceCloseTimeout or ctx's deadline, before finalizing the
// Closed transition (spec §4.3's Closing --ACK--> Closed edge, §4.4's
// close_all resolving on ACK-or-force-close-timeout); graceful=false
// skips the handshake and force-closes the transport immediately. Any
// pending requests are failed with a TransportError either way. Close
// is idempotent: closing an already-Closed slave is a no-op.
func (s *Slave) Close(ctx context.Context, graceful bool) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closing
	s.mu.Unlock()

	if graceful {
		if err := s.sendExit(ctx); err != nil {
			log.Printf("distio: slave %d: graceful exit failed, forcing close: %v", s.id, err)
		} else {
			select {
			case <-s.exitAck:
			case <-ctx.Done():
				log.Printf("distio: slave %d: exit ack wait cancelled, forcing close", s.id)
			case <-time.After(DefaultForceCloseTimeout):
				log.Printf("distio: slave %d: exit ack timed out, forcing close", s.id)
			}
		}
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[uint64]*pendingSlot)
	s.state = Closed
	s.mu.Unlock()

	terr := newErr(TransportError, "slave %d closed", s.id)
	for id, slot := range pending {
		slot.reply <- Response{RequestID: id, SlaveID: s.id, TaskName: slot.taskName, Err: terr}
	}

	return s.tr.Close(graceful)
}

func (s *Slave) sendExit(ctx context.Context) error {
	env := &wire.Envelope{
		Kind:     wire.KindExit,
		TaskName: wire.TaskExit,
		Meta:     wire.Meta{SenderID: s.id, LocalID: s.localID, SentAt: time.Now()},
	}
	return s.writeEnvelope(env)
}

// signaler is implemented by transports that can deliver an OS signal
// directly — currently only transport/childproc.Transport. A local
// slave's RemoteKill takes this path with zero network round-trip;
// relay-backed slaves have no local process handle and fall back to
// sending a REMOTE_KILL control frame that the relay server intercepts
// and answers on the child's behalf.
type signaler interface {
	Signal(name string) error
}

// RemoteKill validates sigName synchronously against the reserved
// signal set (spec §4.9/§8: an unknown signal never reaches the wire)
// and, if valid, either signals the local child process directly or
// sends a REMOTE_KILL control frame and awaits the synthesized
// response, depending on the transport kind.
func (s *Slave) RemoteKill(ctx context.Context, sigName string) error {
	if !wire.ValidSignal(sigName) {
		return newErr(InvalidArgument, "unsupported signal %q", sigName)
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == Closing || state == Closed || state == Errored {
		return newErr(InvalidState, "remote_kill on slave %d in state %s", s.id, state)
	}

	if sig, ok := s.tr.(signaler); ok {
		if err := sig.Signal(sigName); err != nil {
			return wrapErr(TransportError, err, "signal slave %d", s.id)
		}
		return nil
	}

	reqID := requestSeq.Add(1)
	slot := &pendingSlot{taskName: wire.TaskRemoteKill, sentAt: time.Now(), reply: make(chan Response, 1)}
	s.mu.Lock()
	s.pending[reqID] = slot
	s.mu.Unlock()

	env := &wire.Envelope{
		RequestID: reqID,
		Kind:      wire.KindControl,
		TaskName:  wire.TaskRemoteKill,
		Meta:      wire.Meta{SenderID: s.id, LocalID: s.localID, Signal: sigName, SentAt: slot.sentAt},
	}
	if err := s.writeEnvelope(env); err != nil {
		s.dropPending(reqID)
		return wrapErr(TransportError, err, "write remote_kill")
	}

	select {
	case resp, ok := <-slot.reply:
		if !ok {
			return newErr(TransportError, "slave %d closed before responding", s.id)
		}
		return resp.Err
	case <-ctx.Done():
		s.dropPending(reqID)
		return ctx.Err()
	}
}
