package wireproto

import "sync/atomic"

var requestIDCounter atomic.Int32

// nextRequestID hands out a monotonically increasing request id for
// server-initiated messages (replies), matching the teacher's convention
// of a single per-process sequence rather than per-connection sequences.
func nextRequestID() int32 {
	return requestIDCounter.Add(1)
}
