package distio_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.distio.dev/distio"
	"go.distio.dev/distio/transport"
	"go.distio.dev/distio/worker"
)

func TestRegistryByGroupAndAll(t *testing.T) {
	reg := distio.NewRegistry()
	s0 := newLoopbackSlave(t, reg, 1, func(w *worker.Worker) {})
	s1 := newGroupedLoopbackSlave(t, reg, 2, "workers")
	s2 := newGroupedLoopbackSlave(t, reg, 3, "workers")

	all := reg.All()
	require.Len(t, all, 3)
	assert.Equal(t, []uint64{s0.ID(), s1.ID(), s2.ID()}, []uint64{all[0].ID(), all[1].ID(), all[2].ID()})

	group := reg.ByGroup("workers")
	require.Len(t, group, 2)
	assert.Equal(t, s1.ID(), group[0].ID())
	assert.Equal(t, s2.ID(), group[1].ID())

	got, ok := reg.ByID(s0.ID())
	require.True(t, ok)
	assert.Same(t, s0, got)
}

func newGroupedLoopbackSlave(t *testing.T, reg *distio.Registry, localID uint64, group string) *distio.Slave {
	t.Helper()
	master, child := transport.NewLoopbackPair()
	w := worker.New(child, localID)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Serve(ctx) }()
	t.Cleanup(cancel)

	s, err := reg.CreateInProcess(master, distio.WithGroup(group))
	require.NoError(t, err)
	return s
}

func TestCloseAllIsIdempotent(t *testing.T) {
	reg := distio.NewRegistry()
	_ = newLoopbackSlave(t, reg, 1, func(w *worker.Worker) {})
	_ = newLoopbackSlave(t, reg, 2, func(w *worker.Worker) {})

	ctx := context.Background()
	require.NoError(t, reg.CloseAll(ctx))
	require.NoError(t, reg.CloseAll(ctx))

	for _, s := range reg.All() {
		assert.Equal(t, distio.Closed, s.State())
	}
}
