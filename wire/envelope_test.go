package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		RequestID: 42,
		Kind:      KindRequest,
		TaskName:  "echo",
		Payload:   []byte("hello"),
		Meta: Meta{
			SentAt:   time.Now().Truncate(time.Second),
			SenderID: 7,
			LocalID:  3,
			Nonce:    99,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeEnvelope(&buf, env))

	got, err := DecodeEnvelope(&buf)
	require.NoError(t, err)
	assert.Equal(t, env.RequestID, got.RequestID)
	assert.Equal(t, env.Kind, got.Kind)
	assert.Equal(t, env.TaskName, got.TaskName)
	assert.Equal(t, env.Payload, got.Payload)
	assert.Equal(t, env.Meta.SentAt.Unix(), got.Meta.SentAt.Unix())
	assert.Equal(t, env.Meta.SenderID, got.Meta.SenderID)
	assert.Equal(t, env.Meta.LocalID, got.Meta.LocalID)
	assert.Equal(t, env.Meta.Nonce, got.Meta.Nonce)
}

func TestIsReserved(t *testing.T) {
	for _, name := range []string{TaskExit, TaskNull, TaskAck, TaskRemoteKill} {
		assert.True(t, IsReserved(name))
	}
	assert.False(t, IsReserved("say hello"))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "request", KindRequest.String())
	assert.Equal(t, "response", KindResponse.String())
	assert.Equal(t, "control", KindControl.String())
	assert.Equal(t, "ack", KindAck.String())
	assert.Equal(t, "exit", KindExit.String())
}
