package distio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.distio.dev/distio/transport"
	"go.distio.dev/distio/transport/childproc"
	"go.distio.dev/distio/transport/relay"
)

// DefaultForceCloseTimeout bounds how long Registry.CloseAll waits for
// outstanding slaves to ACK their EXIT before giving up on them.
var DefaultForceCloseTimeout = 5 * time.Second

// Registry is the process-wide directory of slaves, the structural
// analogue of session.go's atomic sequence counter generalized to a
// whole fleet (spec §4.4): it owns the single monotonic id counter and
// the lifecycle ("close_all") used to tear every slave down together.
type Registry struct {
	idSeq atomic.Uint64

	mu     sync.Mutex
	slaves map[uint64]*Slave
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{slaves: make(map[uint64]*Slave)}
}

func (r *Registry) nextID() uint64 { return r.idSeq.Add(1) }

// CreateLocal spawns count (default 1) child-process slaves running
// script and registers them.
func (r *Registry) CreateLocal(ctx context.Context, script string, count int, args ...string) ([]*Slave, error) {
	if count <= 0 {
		count = 1
	}
	out := make([]*Slave, 0, count)
	for i := 0; i < count; i++ {
		ct, err := childproc.Spawn(ctx, script, args...)
		if err != nil {
			return out, wrapErr(TransportError, err, "spawn local slave %d/%d", i+1, count)
		}
		id := r.nextID()
		s, err := newSlave(id, id, ct)
		if err != nil {
			return out, err
		}
		r.register(s)
		out = append(out, s)
	}
	return out, nil
}

// RemoteSpec describes one relay host to dial for CreateRemote.
type RemoteSpec struct {
	Host       string
	Script     string
	Args       []string
	Passphrase string
	User       string
	Pass       string
}

// CreateRemote dials spec.Host, asks the relay to spawn count children
// running spec.Script, and registers a slave per spawned child.
func (r *Registry) CreateRemote(ctx context.Context, count int, spec RemoteSpec) ([]*Slave, error) {
	if count <= 0 {
		count = 1
	}

	var opts []relay.DialOption
	if spec.Passphrase != "" {
		opts = append(opts, relay.WithPassphrase(spec.Passphrase))
	}
	addr := spec.Host
	if spec.User != "" {
		addr = fmt.Sprintf("%s:%s@%s", spec.User, spec.Pass, spec.Host)
	}

	conn, err := relay.Dial(ctx, addr, opts...)
	if err != nil {
		return nil, wrapErr(TransportError, err, "dial relay %s", spec.Host)
	}

	out := make([]*Slave, 0, count)
	for i := 0; i < count; i++ {
		id := r.nextID()
		if err := conn.Spawn(ctx, spec.Script, spec.Args, id); err != nil {
			return out, wrapErr(TransportError, err, "spawn remote slave %d/%d", i+1, count)
		}
		tr := conn.Slave(id)
		s, err := newSlave(id, id, tr, withProxied())
		if err != nil {
			return out, err
		}
		r.register(s)
		out = append(out, s)
	}
	return out, nil
}

// CreateInProcess registers an already-open in-process transport pair
// (typically *transport.LoopbackTransport) as a slave, for tests and
// same-process workers.
func (r *Registry) CreateInProcess(tr transport.Transport, opts ...SlaveOption) (*Slave, error) {
	id := r.nextID()
	s, err := newSlave(id, id, tr, opts...)
	if err != nil {
		return nil, err
	}
	r.register(s)
	return s, nil
}

func (r *Registry) register(s *Slave) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slaves[s.id] = s
}

// ByID looks up a slave by its registry id.
func (r *Registry) ByID(id uint64) (*Slave, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slaves[id]
	return s, ok
}

// ByGroup returns every registered slave tagged with group, in
// registry-insertion order.
func (r *Registry) ByGroup(group string) []*Slave {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Slave, 0)
	for id := uint64(1); id <= r.idSeq.Load(); id++ {
		if s, ok := r.slaves[id]; ok && s.group == group {
			out = append(out, s)
		}
	}
	return out
}

// All returns every registered slave in registry-insertion order.
func (r *Registry) All() []*Slave {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Slave, 0, len(r.slaves))
	for id := uint64(1); id <= r.idSeq.Load(); id++ {
		if s, ok := r.slaves[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll fans an EXIT to every registered non-closed slave and
// returns once each is Closed or has exceeded the force-close timeout.
// A second call is a no-op and returns immediately (spec §8
// idempotence).
func (r *Registry) CloseAll(ctx context.Context) error {
	slaves := r.All()

	var wg sync.WaitGroup
	for _, s := range slaves {
		if s.State() == Closed {
			continue
		}
		wg.Add(1)
		go func(s *Slave) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, DefaultForceCloseTimeout)
			defer cancel()
			_ = s.Close(cctx, true)
		}(s)
	}
	wg.Wait()
	return nil
}
