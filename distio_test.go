package distio_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.distio.dev/distio"
	"go.distio.dev/distio/transport"
	"go.distio.dev/distio/worker"
)

// newLoopbackSlave spins up an in-process worker on one end of a
// loopback pair, registers the other end as a Slave on reg, and
// returns the Slave plus a cancel func that stops the worker.
func newLoopbackSlave(t *testing.T, reg *distio.Registry, localID uint64, register func(w *worker.Worker)) *distio.Slave {
	t.Helper()
	master, child := transport.NewLoopbackPair()

	w := worker.New(child, localID)
	register(w)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Serve(ctx) }()
	t.Cleanup(cancel)

	s, err := reg.CreateInProcess(master)
	require.NoError(t, err)
	return s
}

func echoHandler(payload any) (any, error) { return payload, nil }

func helloHandler(payload any) (any, error) { return "hello", nil }

// 1. Hello collection.
func TestHelloCollection(t *testing.T) {
	reg := distio.NewRegistry()
	s0 := newLoopbackSlave(t, reg, 1, func(w *worker.Worker) { w.Handle("say hello", helloHandler) })
	s1 := newLoopbackSlave(t, reg, 2, func(w *worker.Worker) { w.Handle("say hello", helloHandler) })

	d := distio.NewDispatcher(false)
	ctx := context.Background()
	resps, err := d.TellAll(ctx, []*distio.Slave{s0, s1}, "say hello", nil)
	require.NoError(t, err)
	require.Len(t, resps, 2)

	assert.Equal(t, "hello", resps[0].Value)
	assert.Equal(t, "hello", resps[1].Value)
	assert.Equal(t, s0.ID(), resps[0].SlaveID)
	assert.Equal(t, s1.ID(), resps[1].SlaveID)
	assert.NotEqual(t, resps[0].RequestID, resps[1].RequestID)
}

// 2. Scatter echo.
func TestScatterEcho(t *testing.T) {
	reg := distio.NewRegistry()
	s0 := newLoopbackSlave(t, reg, 1, func(w *worker.Worker) { w.Handle("echo", echoHandler) })
	s1 := newLoopbackSlave(t, reg, 2, func(w *worker.Worker) { w.Handle("echo", echoHandler) })

	ctx := context.Background()
	resps, err := distio.NewScatter("echo").Data("hello", "world").Gather(ctx, s0, s1)
	require.NoError(t, err)
	require.Len(t, resps, 2)
	assert.Equal(t, []any{"hello", "world"}, []any{resps[0].Value, resps[1].Value})

	desc := resps.SortBy(distio.SortByValue, distio.Descending)
	assert.Equal(t, "world", desc[0].Value)
	assert.Equal(t, "hello", desc[1].Value)

	asc := resps.SortBy(distio.SortByValue, distio.Ascending)
	assert.Equal(t, "hello, world", asc.JoinValues(", "))
}

// 3. Workpool while-loop.
func TestWorkpoolWhileLoop(t *testing.T) {
	reg := distio.NewRegistry()
	slaves := make([]*distio.Slave, 4)
	for i := range slaves {
		slaves[i] = newLoopbackSlave(t, reg, uint64(i+1), func(w *worker.Worker) { w.Handle("echo", echoHandler) })
	}

	wp := distio.NewWorkpool(slaves...)
	ctx := context.Background()
	resps, err := wp.While(ctx, func(i int) bool { return i < 3 }, "echo", "x")
	require.NoError(t, err)
	require.Len(t, resps, 3)
	for _, r := range resps {
		assert.Equal(t, "x", r.Value)
	}

	for _, s := range slaves {
		assert.Equal(t, 0, s.InFlight())
	}
}

// 4. Pipeline short-circuit.
func TestPipelineShortCircuit(t *testing.T) {
	reg := distio.NewRegistry()
	authSlave := newLoopbackSlave(t, reg, 1, func(w *worker.Worker) {
		w.Handle("authenticate token", func(payload any) (any, error) {
			if payload == "token-1" {
				return 123, nil
			}
			return false, nil
		})
	})

	dbCalled := false
	dbSlave := newLoopbackSlave(t, reg, 2, func(w *worker.Worker) {
		w.Handle("get user info", func(payload any) (any, error) {
			dbCalled = true
			return "user-info", nil
		})
	})

	interceptor := func(resp distio.Response, end func(value any)) {
		if resp.Value == false {
			end("bad token")
		}
	}

	pipe := distio.NewPipeline(
		distio.Stage{Task: "authenticate token", Slave: authSlave, Interceptor: interceptor},
		distio.Stage{Task: "get user info", Slave: dbSlave},
	)

	ctx := context.Background()

	resp, err := pipe.Execute(ctx, "token-1")
	require.NoError(t, err)
	assert.Equal(t, "user-info", resp.Value)
	assert.True(t, dbCalled)

	dbCalled = false
	resp, err = pipe.Execute(ctx, "token-unknown")
	require.NoError(t, err)
	assert.Equal(t, "bad token", resp.Value)
	assert.False(t, dbCalled)
}

// 5. Remote kill with bad signal.
func TestRemoteKillBadSignal(t *testing.T) {
	reg := distio.NewRegistry()
	s := newLoopbackSlave(t, reg, 1, func(w *worker.Worker) {})

	err := s.RemoteKill(context.Background(), "SIGFOO")
	require.Error(t, err)
	assert.True(t, distio.IsKind(err, distio.InvalidArgument))
}

// 6. Close cancels pending.
func TestCloseCancelsPending(t *testing.T) {
	reg := distio.NewRegistry()
	master, child := transport.NewLoopbackPair()

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	w := worker.New(child, 1)
	w.Handle("never replies", func(payload any) (any, error) {
		<-block
		return nil, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Serve(ctx) }()
	t.Cleanup(cancel)

	s, err := reg.CreateInProcess(master)
	require.NoError(t, err)

	type result struct {
		resp distio.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.Dispatch(context.Background(), "never replies", nil)
		done <- result{resp, err}
	}()

	// Give the dispatch a moment to register its pending slot.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Close(context.Background(), false))

	select {
	case res := <-done:
		require.Error(t, res.err)
		assert.True(t, distio.IsKind(res.err, distio.TransportError))
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not fail after close")
	}

	_, err = s.Dispatch(context.Background(), "never replies", nil)
	require.Error(t, err)
	assert.True(t, distio.IsKind(err, distio.InvalidState))
}

// Boundary: empty scatter data.
func TestScatterEmptyData(t *testing.T) {
	reg := distio.NewRegistry()
	s0 := newLoopbackSlave(t, reg, 1, func(w *worker.Worker) { w.Handle("echo", echoHandler) })

	resps, err := distio.NewScatter("echo").Gather(context.Background(), s0)
	require.NoError(t, err)
	assert.Empty(t, resps)
}

// Boundary: workpool while(false) does zero dispatches.
func TestWorkpoolWhileFalse(t *testing.T) {
	reg := distio.NewRegistry()
	s0 := newLoopbackSlave(t, reg, 1, func(w *worker.Worker) { w.Handle("echo", echoHandler) })

	wp := distio.NewWorkpool(s0)
	resps, err := wp.While(context.Background(), func(i int) bool { return false }, "echo", "x")
	require.NoError(t, err)
	assert.Empty(t, resps)
}
