package distio

import "context"

// Workpool holds an ordered set of slaves and dispatches individual
// do() calls to whichever is least busy, ties broken by registry order
// (spec §4.7, Open Question resolved in favor of least-in-flight).
type Workpool struct {
	slaves []*Slave
}

// NewWorkpool returns a Workpool operating over slaves, in the given
// order (used as the tie-break for assignment).
func NewWorkpool(slaves ...*Slave) *Workpool {
	return &Workpool{slaves: slaves}
}

// pickSlave returns the least-busy live slave, preferring the earliest
// in registry order on ties. Stale in-flight reads are acceptable: they
// affect fairness, not correctness (spec §5).
func (wp *Workpool) pickSlave() (*Slave, error) {
	var best *Slave
	bestLoad := -1
	for _, s := range wp.slaves {
		switch s.State() {
		case Closed, Errored:
			continue
		}
		load := s.InFlight()
		if best == nil || load < bestLoad {
			best = s
			bestLoad = load
		}
	}
	if best == nil {
		return nil, newErr(NoAvailableSlaves, "workpool has no live slaves")
	}
	return best, nil
}

// Do assigns one (task, payload) dispatch to the currently least-busy
// slave.
func (wp *Workpool) Do(ctx context.Context, task string, payload any) (Response, error) {
	slave, err := wp.pickSlave()
	if err != nil {
		return Response{}, err
	}
	return slave.Dispatch(ctx, task, payload)
}

// While repeatedly calls Do(task, payload) for i = 0, 1, 2, … while
// predicate(i) holds, evaluated before each dispatch, and collects
// Responses in order. A false predicate on i=0 resolves to an empty
// ResponseArray with zero dispatches (spec §8 boundary behavior).
func (wp *Workpool) While(ctx context.Context, predicate func(i int) bool, task string, payload any) (ResponseArray, error) {
	var out ResponseArray
	for i := 0; predicate(i); i++ {
		resp, err := wp.Do(ctx, task, payload)
		if err != nil {
			return out, err
		}
		out = append(out, resp)
	}
	return out, nil
}
