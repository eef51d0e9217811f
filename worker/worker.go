// Package worker implements the slave side of the dispatch protocol: a
// bare task-name-to-handler map and a serve loop that performs the
// NULL/ACK handshake and then answers requests until EXIT.
//
// Task registration ergonomics are explicitly out of scope for the
// spec this library implements — this package is deliberately thin,
// just enough to drive transport/childproc and transport/relay
// end-to-end in tests and to give cmd/distio-serve's spawned children
// something real to run.
package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.distio.dev/distio/transport"
	"go.distio.dev/distio/wire"
)

// Handler is a task body: given a decoded payload, it returns a result
// value or an error. The framework encodes the return into a response
// envelope (spec §9, "replace done(value) callback with a handler
// return value").
type Handler func(payload any) (any, error)

// Worker answers dispatch requests over one transport.Transport.
type Worker struct {
	tr       transport.Transport
	localID  uint64
	handlers map[string]Handler

	mu sync.RWMutex

	// writeMu serializes every MsgWriter/encode/Close round trip.
	// serveLoop answers each request in its own goroutine (the
	// concurrency the spec's dispatch contract requires), so respond
	// and replyAck would otherwise race on the transport's single
	// active writer (transport.FrameIO's ErrStreamBusy) instead of
	// queuing onto it in turn.
	writeMu sync.Mutex
}

// New returns a Worker that will serve over tr, identifying itself with
// localID in the handshake ack.
func New(tr transport.Transport, localID uint64) *Worker {
	return &Worker{
		tr:       tr,
		localID:  localID,
		handlers: make(map[string]Handler),
	}
}

// writeEnvelope serializes one MsgWriter/encode/Close round trip behind
// writeMu so concurrent handleRequest goroutines drain onto the wire
// one at a time instead of racing the transport's writer.
func (w *Worker) writeEnvelope(env *wire.Envelope) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	wtr, err := w.tr.MsgWriter()
	if err != nil {
		return err
	}
	if err := wire.EncodeEnvelope(wtr, env); err != nil {
		_ = wtr.Close()
		return err
	}
	return wtr.Close()
}

// Handle registers fn for task name. Registering a reserved name panics
// at setup time — it is a programming error, not a runtime condition.
func (w *Worker) Handle(name string, fn Handler) {
	if wire.IsReserved(name) {
		panic(fmt.Sprintf("worker: %q is a reserved task name", name))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = fn
}

// Serve blocks, answering the handshake and then every request until
// EXIT is received, the transport errors, or ctx is cancelled.
func (w *Worker) Serve(ctx context.Context) error {
	if err := w.handshake(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = w.tr.Close(false)
		close(done)
	}()

	err := w.serveLoop()
	select {
	case <-done:
	default:
	}
	return err
}

// handshake waits for the master's NULL+nonce and replies ACK with the
// same nonce plus this worker's local_id (spec §4.2).
func (w *Worker) handshake() error {
	r, err := w.tr.MsgReader()
	if err != nil {
		return fmt.Errorf("worker: handshake: read: %w", err)
	}
	env, err := wire.DecodeEnvelope(r)
	_ = r.Close()
	if err != nil {
		return fmt.Errorf("worker: handshake: decode: %w", err)
	}
	if env.Kind != wire.KindControl || env.TaskName != wire.TaskNull {
		return fmt.Errorf("worker: handshake: expected NULL control frame, got %s/%s", env.Kind, env.TaskName)
	}

	ack := &wire.Envelope{
		Kind:     wire.KindAck,
		TaskName: wire.TaskAck,
		Meta:     wire.Meta{Nonce: env.Meta.Nonce, LocalID: w.localID, SentAt: time.Now()},
	}
	if err := w.writeEnvelope(ack); err != nil {
		return fmt.Errorf("worker: handshake: write ack: %w", err)
	}
	return nil
}

func (w *Worker) serveLoop() error {
	for {
		r, err := w.tr.MsgReader()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		env, err := wire.DecodeEnvelope(r)
		_ = r.Close()
		if err != nil {
			log.Printf("worker: dropping malformed envelope: %v", err)
			continue
		}

		switch {
		case env.Kind == wire.KindExit:
			w.replyAck(env)
			return nil
		case env.Kind == wire.KindRequest:
			go w.handleRequest(env)
		default:
			log.Printf("worker: unhandled envelope kind %s", env.Kind)
		}
	}
}

func (w *Worker) replyAck(env *wire.Envelope) {
	ack := &wire.Envelope{
		RequestID: env.RequestID,
		Kind:      wire.KindAck,
		TaskName:  wire.TaskAck,
		Meta:      wire.Meta{LocalID: w.localID, SentAt: time.Now()},
	}
	if err := w.writeEnvelope(ack); err != nil {
		log.Printf("worker: exit ack: %v", err)
	}
}

func (w *Worker) handleRequest(env *wire.Envelope) {
	var payload any
	if len(env.Payload) > 0 {
		if err := wire.DecodeValue(env.Payload, &payload); err != nil {
			w.respond(env, wire.Result{ErrMsg: fmt.Sprintf("decode payload: %v", err)})
			return
		}
	}

	w.mu.RLock()
	handler, ok := w.handlers[env.TaskName]
	w.mu.RUnlock()
	if !ok {
		w.respond(env, wire.Result{ErrMsg: fmt.Sprintf("unknown task %q", env.TaskName)})
		return
	}

	value, err := handler(payload)
	if err != nil {
		w.respond(env, wire.Result{ErrMsg: err.Error()})
		return
	}

	encoded, err := wire.EncodeValue(value)
	if err != nil {
		w.respond(env, wire.Result{ErrMsg: fmt.Sprintf("encode result: %v", err)})
		return
	}
	w.respond(env, wire.Result{OK: true, Value: encoded})
}

func (w *Worker) respond(req *wire.Envelope, result wire.Result) {
	payload, err := wire.EncodeResult(result)
	if err != nil {
		return
	}
	resp := &wire.Envelope{
		RequestID: req.RequestID,
		Kind:      wire.KindResponse,
		TaskName:  req.TaskName,
		Payload:   payload,
		Meta:      wire.Meta{LocalID: w.localID, SentAt: time.Now()},
	}
	if err := w.writeEnvelope(resp); err != nil {
		log.Printf("worker: respond to request %d: %v", req.RequestID, err)
	}
}
