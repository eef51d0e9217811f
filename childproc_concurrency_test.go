package distio_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.distio.dev/distio"
	"go.distio.dev/distio/transport"
	"go.distio.dev/distio/transport/childproc"
	"go.distio.dev/distio/worker"
)

// TestMain lets this test binary double as a real child worker process,
// the same re-exec trick transport/childproc's own tests use, so the
// tests below drive a real transport.FrameIO stream (stdin/stdout of an
// actual subprocess) instead of transport.LoopbackTransport. Loopback
// gives every writer its own buffer and never exercises FrameIO's
// single-active-writer constraint (ErrStreamBusy); a real childproc
// stream does, which is exactly what a concurrent Dispatch/respond
// regression needs to surface.
func TestMain(m *testing.M) {
	if os.Getenv("DISTIO_WANT_HELPER_WORKER") == "1" {
		runHelperWorker()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// stdioWorkerTransport adapts a bare FrameIO (no process handle of its
// own, this binary's own stdio) into a transport.Transport for the
// helper-process side; Close is a no-op since the process exits right
// after Serve returns.
type stdioWorkerTransport struct {
	*transport.FrameIO
}

func (stdioWorkerTransport) Close(graceful bool) error { return nil }

func runHelperWorker() {
	tr := stdioWorkerTransport{transport.NewFrameIO(os.Stdin, os.Stdout)}
	w := worker.New(tr, 1)
	w.Handle("echo", func(payload any) (any, error) { return payload, nil })
	_ = w.Serve(context.Background())
}

// spawnHelperWorkerSlave re-execs this test binary as a helper worker
// process and registers the resulting childproc transport as a Slave.
func spawnHelperWorkerSlave(t *testing.T, reg *distio.Registry) *distio.Slave {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)

	t.Setenv("DISTIO_WANT_HELPER_WORKER", "1")

	ctx := context.Background()
	ct, err := childproc.Spawn(ctx, exe, "-test.run=TestMain")
	require.NoError(t, err)

	s, err := reg.CreateInProcess(ct)
	require.NoError(t, err)
	return s
}

// TestScatterConcurrentDispatchOverRealStream reproduces the review's
// exact scenario: more data than slaves, so Scatter fans multiple
// concurrent Dispatch calls at the same slave (scatter.go's
// i%len(slaves) assignment). Over a real FrameIO stream this used to
// surface transport.ErrStreamBusy as a spurious TransportError for all
// but one concurrent writer; the per-slave send_queue mutex in
// Slave.writeEnvelope must now queue them instead.
func TestScatterConcurrentDispatchOverRealStream(t *testing.T) {
	reg := distio.NewRegistry()
	s0 := spawnHelperWorkerSlave(t, reg)
	t.Cleanup(func() { _ = s0.Close(context.Background(), false) })

	ctx := context.Background()
	resps, err := distio.NewScatter("echo").Data("a", "b", "c", "d", "e").Gather(ctx, s0)
	require.NoError(t, err)
	require.Len(t, resps, 5)
	for i, want := range []string{"a", "b", "c", "d", "e"} {
		assert.NoError(t, resps[i].Err)
		assert.Equal(t, want, resps[i].Value)
	}
}

// TestGracefulCloseOverRealStream exercises Close(ctx, true) against a
// real childproc-backed worker: it must wait for the worker's EXIT ack
// (worker.replyAck) rather than tearing the transport down the instant
// EXIT is written, and must still return cleanly once the ack arrives.
func TestGracefulCloseOverRealStream(t *testing.T) {
	reg := distio.NewRegistry()
	s0 := spawnHelperWorkerSlave(t, reg)

	ctx := context.Background()
	resp, err := s0.Dispatch(ctx, "echo", "warm-up")
	require.NoError(t, err)
	assert.Equal(t, "warm-up", resp.Value)

	require.NoError(t, s0.Close(ctx, true))
	assert.Equal(t, distio.Closed, s0.State())
}
