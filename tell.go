package distio

import (
	"context"
	"sync"
)

// Dispatcher implements Tell: one-shot or broadcast dispatch with
// optional catch_all semantics (spec §4.5).
type Dispatcher struct {
	// CatchAll, when true, converts a failed dispatch within a
	// collection into an error-carrying Response instead of aborting
	// the whole call.
	CatchAll bool
}

// NewDispatcher returns a Dispatcher with the given catch_all setting.
func NewDispatcher(catchAll bool) *Dispatcher {
	return &Dispatcher{CatchAll: catchAll}
}

// Tell dispatches task/payload to exactly one slave.
func (d *Dispatcher) Tell(ctx context.Context, slave *Slave, task string, payload any) (Response, error) {
	return slave.Dispatch(ctx, task, payload)
}

// TellAll dispatches task/payload to every slave in target concurrently
// and returns a ResponseArray in target's original order. If CatchAll is
// false, the first error aborts the call with that error; if true,
// failures are represented as error-carrying Responses.
func (d *Dispatcher) TellAll(ctx context.Context, target []*Slave, task string, payload any) (ResponseArray, error) {
	live := 0
	for _, s := range target {
		switch s.State() {
		case Closed, Errored:
		default:
			live++
		}
	}
	if live == 0 {
		return nil, newErr(NoAvailableSlaves, "tell has no live target slaves")
	}

	out := make(ResponseArray, len(target))
	errs := make([]error, len(target))

	var wg sync.WaitGroup
	for i, s := range target {
		wg.Add(1)
		go func(i int, s *Slave) {
			defer wg.Done()
			resp, err := s.Dispatch(ctx, task, payload)
			if err != nil {
				errs[i] = err
				resp = Response{SlaveID: s.id, TaskName: task, Err: err}
			}
			out[i] = resp
		}(i, s)
	}
	wg.Wait()

	if !d.CatchAll {
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}
