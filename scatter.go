package distio

import (
	"context"
	"sync"
)

// Scatter fans a list of data across a slave set, one dispatch per
// datum, assigned to the slaves round-robin (spec §4.6).
type Scatter struct {
	task string
	data []any
}

// NewScatter starts a scatter builder for the given task.
func NewScatter(task string) *Scatter {
	return &Scatter{task: task}
}

// Data appends data to be distributed.
func (s *Scatter) Data(values ...any) *Scatter {
	s.data = append(s.data, values...)
	return s
}

// Gather assigns the i-th datum to the (i mod len(slaves))-th slave,
// issues all dispatches before awaiting any, and returns a
// ResponseArray preserving input-datum order.
func (s *Scatter) Gather(ctx context.Context, slaves ...*Slave) (ResponseArray, error) {
	if len(s.data) == 0 {
		return ResponseArray{}, nil
	}
	if len(slaves) == 0 {
		return nil, newErr(NoAvailableSlaves, "scatter has no slaves to gather from")
	}

	out := make(ResponseArray, len(s.data))

	var wg sync.WaitGroup
	for i, datum := range s.data {
		slave := slaves[i%len(slaves)]
		wg.Add(1)
		go func(i int, slave *Slave, datum any) {
			defer wg.Done()
			resp, err := slave.Dispatch(ctx, s.task, datum)
			if err != nil {
				resp = Response{SlaveID: slave.id, TaskName: s.task, Err: err}
			}
			out[i] = resp
		}(i, slave, datum)
	}
	wg.Wait()

	return out, nil
}
