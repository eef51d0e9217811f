package distio_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.distio.dev/distio"
)

func TestResponseArraySortByValue(t *testing.T) {
	ra := distio.ResponseArray{
		{RequestID: 1, Value: "banana"},
		{RequestID: 2, Value: "apple"},
		{RequestID: 3, Value: "cherry"},
	}

	asc := ra.SortBy(distio.SortByValue, distio.Ascending)
	assert.Equal(t, []any{"apple", "banana", "cherry"}, valuesOf(asc))

	// original order is untouched
	assert.Equal(t, []any{"banana", "apple", "cherry"}, valuesOf(ra))
}

func TestResponseArraySortByReceivedAt(t *testing.T) {
	now := time.Now()
	ra := distio.ResponseArray{
		{RequestID: 1, ReceivedAt: now.Add(2 * time.Second)},
		{RequestID: 2, ReceivedAt: now},
		{RequestID: 3, ReceivedAt: now.Add(1 * time.Second)},
	}

	sorted := ra.SortBy(distio.SortByReceivedAt, distio.Ascending)
	assert.Equal(t, []uint64{2, 3, 1}, requestIDsOf(sorted))
}

func TestResponseArrayJoinValues(t *testing.T) {
	ra := distio.ResponseArray{{Value: "hello"}, {Value: "world"}}
	assert.Equal(t, "hello, world", ra.JoinValues(", "))
}

func valuesOf(ra distio.ResponseArray) []any {
	out := make([]any, len(ra))
	for i, r := range ra {
		out[i] = r.Value
	}
	return out
}

func requestIDsOf(ra distio.ResponseArray) []uint64 {
	out := make([]uint64, len(ra))
	for i, r := range ra {
		out[i] = r.RequestID
	}
	return out
}
