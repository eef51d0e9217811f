package distio_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.distio.dev/distio"
)

func TestErrorIsKind(t *testing.T) {
	err := error(&distio.Error{Kind: distio.InvalidState, Message: "dispatch to closed slave"})
	assert.True(t, distio.IsKind(err, distio.InvalidState))
	assert.False(t, distio.IsKind(err, distio.TransportError))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &distio.Error{Kind: distio.TransportError, Message: "dial failed", Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestErrKindString(t *testing.T) {
	assert.Equal(t, "invalid state", distio.InvalidState.String())
	assert.Equal(t, "no available slaves", distio.NoAvailableSlaves.String())
}
