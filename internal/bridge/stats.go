package bridge

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// engineStats is the per-engine counter registry backing DumpStats. Counters
// are charged from the network-processing goroutine but may be read from any
// goroutine, hence the atomics.
type engineStats struct {
	streamsStarted   atomic.Uint64
	streamsCompleted atomic.Uint64
	streamsErrored   atomic.Uint64
	streamsCancelled atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
}

func newEngineStats() *engineStats {
	return &engineStats{}
}

// dump writes the counters as "name: value" lines, mirroring the snapshot
// format the engine control surface exposes.
func (st *engineStats) dump(b *strings.Builder) {
	fmt.Fprintf(b, "bridge.streams_started: %d\n", st.streamsStarted.Load())
	fmt.Fprintf(b, "bridge.streams_completed: %d\n", st.streamsCompleted.Load())
	fmt.Fprintf(b, "bridge.streams_errored: %d\n", st.streamsErrored.Load())
	fmt.Fprintf(b, "bridge.streams_cancelled: %d\n", st.streamsCancelled.Load())
	fmt.Fprintf(b, "bridge.bytes_sent: %d\n", st.bytesSent.Load())
	fmt.Fprintf(b, "bridge.bytes_received: %d\n", st.bytesReceived.Load())
}
