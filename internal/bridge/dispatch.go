package bridge

import (
	"sync"

	"golang.org/x/net/http2/hpack"
)

// operationKind identifies an application-issued stream operation.
type operationKind uint8

const (
	opRegister operationKind = iota // binds a freshly started stream to the engine
	opSendHeaders
	opSendData
	opCloseStream // send trailers / end the request
	opReadData
	opCancel
)

// String returns the string representation of the operationKind.
func (k operationKind) String() string {
	switch k {
	case opRegister:
		return "register"
	case opSendHeaders:
		return "send_headers"
	case opSendData:
		return "send_data"
	case opCloseStream:
		return "close"
	case opReadData:
		return "read_data"
	case opCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// operation is an application-issued request to change a stream's state.
// Immutable once enqueued. seq is the per-stream sequence number assigned at
// enqueue time; it preserves the issue order across caller goroutines.
type operation struct {
	kind      operationKind
	seq       uint64
	headers   []hpack.HeaderField
	data      []byte
	trailers  []hpack.HeaderField
	endStream bool
	readBytes uint64
}

// eventKind identifies a transport-emitted response event.
type eventKind uint8

const (
	evHeaders eventKind = iota
	evData
	evTrailers
	evError
	evComplete
)

// streamEvent is one transport-emitted response event, queued for processing
// on the network goroutine.
type streamEvent struct {
	kind      eventKind
	headers   []hpack.HeaderField
	trailers  []hpack.HeaderField
	data      []byte
	endStream bool
	errKind   ErrorKind
	errMsg    string
	stats     FinalStreamStats
}

// task is one unit of work for the network-processing goroutine: either an
// application operation, a transport event, or the internal terminate marker.
type task struct {
	stream    *Stream
	op        *operation
	ev        *streamEvent
	terminate bool
}

// dispatchQueue is the cross-goroutine handoff serializing stream operations
// and transport events onto the single network-processing goroutine.
//
// Guarantees: FIFO delivery overall (and therefore per stream, since there is
// exactly one consumer); enqueue never blocks beyond the critical section; no
// ordering is promised across distinct streams beyond arrival order.
// Backpressure is not this queue's job - that belongs to the ReadWindow.
type dispatchQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []task
	draining bool // application operations rejected
	closed   bool // everything rejected, consumer drains out
}

func newDispatchQueue() *dispatchQueue {
	q := &dispatchQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// enqueue adds an application operation. It fails with KindQueueDraining once
// the engine has begun terminating, performing no side effect.
func (q *dispatchQueue) enqueue(t task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining || q.closed {
		return NewBridgeError(KindQueueDraining, "engine is terminating; operation rejected")
	}
	q.items = append(q.items, t)
	q.cond.Signal()
	return nil
}

// enqueueEvent adds a transport event. Events are accepted during the drain
// (so in-flight streams can still resolve naturally) and silently dropped once
// the queue is closed - by then every stream has already received its terminal
// callback and the event could only be absorbed anyway.
func (q *dispatchQueue) enqueueEvent(t task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, t)
	q.cond.Signal()
}

// beginDrain rejects application operations from now on and enqueues the
// terminate marker behind everything already queued, so operations in flight
// at the moment of termination still execute.
func (q *dispatchQueue) beginDrain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining {
		return
	}
	q.draining = true
	q.items = append(q.items, task{terminate: true})
	q.cond.Signal()
}

// close rejects all further input and wakes the consumer so it can run out the
// remaining items and exit.
func (q *dispatchQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// dequeue blocks until an item is available or the queue is closed and empty.
// The second return is false only in the latter case.
func (q *dispatchQueue) dequeue() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return task{}, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}
