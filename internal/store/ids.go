package store

import (
	"fmt"
	"sync/atomic"
	"time"
)

// idCounter breaks ties between IDs minted in the same nanosecond.
var idCounter atomic.Uint64

// mintID returns a prefixed, lexicographically ordered identifier: 16 hex
// digits of unix nanoseconds followed by 8 hex digits of a process-local
// counter. Ordering across processes is only as good as their clocks.
func mintID(prefix string) string {
	ts := uint64(time.Now().UnixNano())
	seq := idCounter.Add(1) & 0xffffffff
	return fmt.Sprintf("%s_%016x%08x", prefix, ts, seq)
}

// NewJobID mints a queue job identifier.
func NewJobID() string { return mintID("job") }

// NewAnswerID mints an answer-cache row identifier.
func NewAnswerID() string { return mintID("ans") }
