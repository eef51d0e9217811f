package distio

import "context"

// Interceptor inspects a stage's Response and may short-circuit the
// pipeline by calling end with a sentinel value (spec §4.8).
type Interceptor func(resp Response, end func(value any))

// Stage is one step of a Pipeline: dispatch task to slave, optionally
// passed through interceptor before continuing.
type Stage struct {
	Task        string
	Slave       *Slave
	Interceptor Interceptor
}

// Pipeline threads a value through an ordered list of stages. Pipelines
// are reusable: concurrent Execute calls are independent.
type Pipeline struct {
	stages []Stage
}

// NewPipeline returns a Pipeline running stages in order.
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Execute threads initial through every stage and returns the final
// Response. On any transport/slave error in a stage, execution stops
// immediately with that error and no downstream stages run. If an
// interceptor short-circuits via end(v), execution stops immediately
// and the returned Response's Value is v — per the Response invariant
// that exactly one of Value/Err is set, a short-circuited Response
// carries no error; PipelineAborted is reserved for callers that want
// to wrap the synthesized Response as an error of their own.
func (p *Pipeline) Execute(ctx context.Context, initial any) (Response, error) {
	value := initial
	var last Response

	for _, stage := range p.stages {
		resp, err := stage.Slave.Dispatch(ctx, stage.Task, value)
		if err != nil {
			return Response{}, err
		}
		last = resp

		if stage.Interceptor != nil {
			var ended bool
			var shortValue any
			stage.Interceptor(resp, func(v any) {
				ended = true
				shortValue = v
			})
			if ended {
				return Response{
					RequestID: resp.RequestID,
					SlaveID:   resp.SlaveID,
					TaskName:  resp.TaskName,
					SentAt:    resp.SentAt,
					ReceivedAt: resp.ReceivedAt,
					Value:     shortValue,
				}, nil
			}
		}

		value = resp.Value
	}

	return last, nil
}
