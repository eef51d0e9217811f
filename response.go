package distio

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Response is the observable result of one dispatch. Exactly one of
// Value/Err is meaningful.
type Response struct {
	RequestID  uint64
	SlaveID    uint64
	TaskName   string
	SentAt     time.Time
	ReceivedAt time.Time
	Value      any
	Err        error
}

// Duration is the round-trip time of this dispatch.
func (r Response) Duration() time.Duration {
	if r.ReceivedAt.IsZero() || r.SentAt.IsZero() {
		return 0
	}
	return r.ReceivedAt.Sub(r.SentAt)
}

// ResponseArray is an ordered collection of Response, as returned by
// Tell over a collection and by Scatter. It preserves dispatch order
// until explicitly sorted.
type ResponseArray []Response

// SortField selects which Response field ResponseArray.SortBy orders by.
type SortField string

const (
	SortByValue      SortField = "value"
	SortByRequestID  SortField = "request_id"
	SortBySlaveID    SortField = "slave_id"
	SortByReceivedAt SortField = "received_at"
	SortByDuration   SortField = "duration"
)

// SortOrder is ascending or descending.
type SortOrder int

const (
	Ascending SortOrder = iota
	Descending
)

// SortBy returns a new ResponseArray ordered by field; the receiver is
// left untouched.
func (ra ResponseArray) SortBy(field SortField, order SortOrder) ResponseArray {
	out := make(ResponseArray, len(ra))
	copy(out, ra)

	less := func(i, j int) bool {
		switch field {
		case SortByRequestID:
			return out[i].RequestID < out[j].RequestID
		case SortBySlaveID:
			return out[i].SlaveID < out[j].SlaveID
		case SortByReceivedAt:
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		case SortByDuration:
			return out[i].Duration() < out[j].Duration()
		case SortByValue:
			fallthrough
		default:
			return compareValues(out[i].Value, out[j].Value) < 0
		}
	}

	if order == Descending {
		sort.SliceStable(out, func(i, j int) bool { return less(j, i) })
	} else {
		sort.SliceStable(out, less)
	}
	return out
}

// compareValues provides a best-effort ordering over the any-typed
// Value field: strings compare lexically, everything else falls back
// to its formatted string form so SortBy never panics on mixed types.
func compareValues(a, b any) int {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	return strings.Compare(formatValue(a), formatValue(b))
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// JoinValues joins every Response's Value (formatted as a string) with
// sep, in the array's current order.
func (ra ResponseArray) JoinValues(sep string) string {
	parts := make([]string, len(ra))
	for i, r := range ra {
		parts[i] = formatValue(r.Value)
	}
	return strings.Join(parts, sep)
}
