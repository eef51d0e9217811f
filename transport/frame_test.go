package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameIORoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := NewFrameIO(&buf, &buf)

	w, err := f.MsgWriter()
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := f.MsgReader()
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	require.NoError(t, r.Close())
}

func TestFrameIOMultipleMessages(t *testing.T) {
	var buf bytes.Buffer
	f := NewFrameIO(&buf, &buf)

	for _, msg := range []string{"one", "two", "three"} {
		w, err := f.MsgWriter()
		require.NoError(t, err)
		_, _ = w.Write([]byte(msg))
		require.NoError(t, w.Close())
	}

	for _, want := range []string{"one", "two", "three"} {
		r, err := f.MsgReader()
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
		require.NoError(t, r.Close())
	}
}

func TestFrameIOBusy(t *testing.T) {
	var buf bytes.Buffer
	f := NewFrameIO(&buf, &buf)

	w1, err := f.MsgWriter()
	require.NoError(t, err)
	_, err = f.MsgWriter()
	assert.ErrorIs(t, err, ErrStreamBusy)
	require.NoError(t, w1.Close())

	w2, err := f.MsgWriter()
	require.NoError(t, err)
	require.NoError(t, w2.Close())
}

func TestLoopbackTransportRoundTrip(t *testing.T) {
	a, b := NewLoopbackPair()

	w, err := a.MsgWriter()
	require.NoError(t, err)
	_, _ = w.Write([]byte("ping"))
	require.NoError(t, w.Close())

	r, err := b.MsgReader()
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	require.NoError(t, a.Close(true))
	require.NoError(t, b.Close(true))
}
