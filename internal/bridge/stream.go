package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http2/hpack"

	"example.com/httpbridge/internal/logger"
)

// StreamState represents the lifecycle state of a bridge stream.
type StreamState uint8

const (
	// StateCreated indicates the stream has been started but no request
	// headers have been sent yet.
	StateCreated StreamState = iota

	// StateHeadersSent indicates request headers are on their way to the
	// transport and the request body is still open.
	StateHeadersSent

	// StateRequestStreaming indicates at least one request body chunk has been
	// sent and the request is still open.
	StateRequestStreaming

	// StateRequestComplete indicates the request has been fully sent
	// (end-of-stream on headers, a final write, or trailers).
	StateRequestComplete

	// StateResponseHeadersReceived indicates response headers have been
	// delivered to the application.
	StateResponseHeadersReceived

	// StateResponseDataStreaming indicates response body or trailer delivery
	// is in progress.
	StateResponseDataStreaming

	// StateCompleted is the successful terminal state; on-complete has fired.
	StateCompleted

	// StateErrored is the failure terminal state; on-error has fired.
	StateErrored

	// StateCancelled is the cancellation terminal state; on-cancel has fired.
	StateCancelled
)

// String returns a string representation of the StreamState.
func (s StreamState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateHeadersSent:
		return "headers-sent"
	case StateRequestStreaming:
		return "request-streaming"
	case StateRequestComplete:
		return "request-complete"
	case StateResponseHeadersReceived:
		return "response-headers-received"
	case StateResponseDataStreaming:
		return "response-data-streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is one of the three terminal states.
func (s StreamState) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateCancelled
}

// callbacks is the fixed set of handler slots for one stream. The set is
// frozen when StreamPrototype.Start returns and is never mutated afterwards,
// which is what makes the per-stream happens-before ordering enforceable.
type callbacks struct {
	onHeaders  func(headers []hpack.HeaderField, endStream bool)
	onData     func(data []byte, endStream bool)
	onTrailers func(trailers []hpack.HeaderField)
	onComplete func(stats FinalStreamStats)
	onError    func(err *BridgeError, stats FinalStreamStats)
	onCancel   func(stats FinalStreamStats)
}

// bodyChunk is one received-but-undelivered piece of response body.
type bodyChunk struct {
	data      []byte
	endStream bool
}

// Stream is one logical request/response exchange bound to a running Engine.
//
// The handle's operation methods (SendHeaders, SendData, Close, ReadData,
// Cancel) are safe to call from any goroutine: each is a fire-and-forget
// enqueue onto the engine's dispatch queue, and per-stream issue order is
// preserved end to end. All state transitions and callback dispatch execute on
// the engine's network-processing goroutine; callbacks for one stream never
// run concurrently with each other.
//
// Exactly one of on-complete, on-error, on-cancel fires per stream, and no
// other callback fires after it. Operations issued after the terminal state is
// reached are absorbed silently.
type Stream struct {
	id     uint64
	engine *Engine
	window *ReadWindow
	cb     callbacks

	mu    sync.Mutex
	state StreamState

	seq atomic.Uint64 // per-stream operation sequence numbers

	// Everything below is touched only by the network-processing goroutine.
	ref             StreamRef
	cancelTransport context.CancelFunc
	pending         []bodyChunk
	pendingTrailers []hpack.HeaderField
	respEnded       bool
	completeStats   *FinalStreamStats
	bytesSent       uint64
	bytesReceived   uint64
}

// ID returns the process-unique stream identifier.
func (s *Stream) ID() uint64 {
	return s.id
}

// State returns the current lifecycle state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState is called only from the network-processing goroutine.
func (s *Stream) setState(st StreamState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// SendHeaders enqueues the request headers. endStream marks a bodyless
// request. Valid only while the stream is in the created state; in any other
// state the operation is executed as a silent no-op.
func (s *Stream) SendHeaders(headers []hpack.HeaderField, endStream bool) error {
	op := &operation{
		kind:      opSendHeaders,
		headers:   append([]hpack.HeaderField(nil), headers...),
		endStream: endStream,
	}
	return s.submit(op)
}

// SendData enqueues one request body chunk. The bytes are copied; the caller
// may reuse the slice immediately.
func (s *Stream) SendData(data []byte) error {
	op := &operation{
		kind: opSendData,
		data: append([]byte(nil), data...),
	}
	return s.submit(op)
}

// Close enqueues the end of the request. A nil or empty trailer set closes the
// body without trailers.
func (s *Stream) Close(trailers []hpack.HeaderField) error {
	op := &operation{
		kind:     opCloseStream,
		trailers: append([]hpack.HeaderField(nil), trailers...),
	}
	return s.submit(op)
}

// ReadData authorizes delivery of up to n additional response-body bytes.
// Meaningful only in explicit flow-control mode; in automatic mode it is
// accepted and ignored.
func (s *Stream) ReadData(n uint64) error {
	op := &operation{kind: opReadData, readBytes: n}
	return s.submit(op)
}

// Cancel requests cancellation of the stream. Safe to call any number of
// times from any goroutine and at any lifecycle point; after the terminal
// callback has fired it is a no-op. If the engine is already terminating the
// drain protocol guarantees the stream a terminal callback regardless, so the
// rejected enqueue is deliberately ignored.
func (s *Stream) Cancel() {
	_ = s.submit(&operation{kind: opCancel})
}

func (s *Stream) submit(op *operation) error {
	op.seq = s.seq.Add(1)
	return s.engine.queue.enqueue(task{stream: s, op: op})
}

// --- network-processing goroutine below this line ---

// processOperation executes one application-issued operation. Operations
// arriving after a terminal state must never crash, never deliver a second
// terminal callback, and never touch freed stream resources; they are
// absorbed here.
func (s *Stream) processOperation(op *operation) {
	if s.State().Terminal() {
		s.engine.log.Debug("operation absorbed on terminal stream", logger.LogFields{
			"stream_id": s.id,
			"operation": op.kind.String(),
			"seq":       op.seq,
		})
		return
	}

	switch op.kind {
	case opRegister:
		s.engine.registerStream(s)
	case opSendHeaders:
		s.processSendHeaders(op)
	case opSendData:
		s.processSendData(op)
	case opCloseStream:
		s.processClose(op)
	case opReadData:
		s.window.Authorize(op.readBytes)
		s.drainResponse()
	case opCancel:
		s.finishCancel()
	}
}

func (s *Stream) processSendHeaders(op *operation) {
	if s.State() != StateCreated {
		// Double SendHeaders is a caller bug; the contract makes it a no-op.
		s.engine.log.Warn("SendHeaders ignored outside created state", logger.LogFields{
			"stream_id": s.id,
			"state":     s.State().String(),
		})
		return
	}

	desc := &RequestDescriptor{Headers: op.headers}
	if hint := s.engine.lookupAddressHint(op.headers); hint != "" {
		desc.AddressHint = hint
	}

	ctx, cancel := context.WithCancel(s.engine.baseCtx)
	s.cancelTransport = cancel

	ref, err := s.engine.transport.Open(ctx, desc, &engineEventSink{stream: s})
	if err != nil {
		s.engine.log.Error("transport open failed", logger.LogFields{
			"stream_id": s.id,
			"error":     err.Error(),
		})
		kind := KindTransportReset
		if be, ok := err.(*BridgeError); ok {
			kind = be.Kind
		}
		s.finishError(NewBridgeErrorWithCause(kind, "transport open failed", err))
		return
	}
	s.ref = ref

	if op.endStream {
		s.setState(StateRequestComplete)
		if werr := ref.Write(nil, true); werr != nil {
			s.engine.log.Warn("transport end-of-request write failed", logger.LogFields{
				"stream_id": s.id,
				"error":     werr.Error(),
			})
		}
	} else {
		s.setState(StateHeadersSent)
	}
}

func (s *Stream) processSendData(op *operation) {
	st := s.State()
	if st != StateHeadersSent && st != StateRequestStreaming {
		s.engine.log.Warn("SendData ignored in invalid state", logger.LogFields{
			"stream_id": s.id,
			"state":     st.String(),
		})
		return
	}
	s.setState(StateRequestStreaming)
	s.bytesSent += uint64(len(op.data))
	if err := s.ref.Write(op.data, false); err != nil {
		s.engine.log.Warn("transport body write failed", logger.LogFields{
			"stream_id": s.id,
			"error":     err.Error(),
		})
	}
}

func (s *Stream) processClose(op *operation) {
	st := s.State()
	if st != StateHeadersSent && st != StateRequestStreaming {
		s.engine.log.Warn("Close ignored in invalid state", logger.LogFields{
			"stream_id": s.id,
			"state":     st.String(),
		})
		return
	}
	s.setState(StateRequestComplete)
	var err error
	if len(op.trailers) > 0 {
		err = s.ref.SendTrailers(op.trailers)
	} else {
		err = s.ref.Write(nil, true)
	}
	if err != nil {
		s.engine.log.Warn("transport close failed", logger.LogFields{
			"stream_id": s.id,
			"error":     err.Error(),
		})
	}
}

// processEvent executes one transport-emitted response event. Events racing a
// terminal transition (e.g. completion racing an application cancel) resolve
// here: whichever task the network goroutine processed first won, the loser is
// absorbed.
func (s *Stream) processEvent(ev *streamEvent) {
	if s.State().Terminal() {
		return
	}

	switch ev.kind {
	case evHeaders:
		s.setState(StateResponseHeadersReceived)
		if ev.endStream {
			s.respEnded = true
		}
		if s.cb.onHeaders != nil {
			headers := ev.headers
			endStream := ev.endStream
			s.engine.deliver(s, func() { s.cb.onHeaders(headers, endStream) })
		}
		s.drainResponse()
	case evData:
		s.setState(StateResponseDataStreaming)
		s.bytesReceived += uint64(len(ev.data))
		if ev.endStream {
			s.respEnded = true
		}
		s.pending = append(s.pending, bodyChunk{data: ev.data, endStream: ev.endStream})
		s.drainResponse()
	case evTrailers:
		s.setState(StateResponseDataStreaming)
		s.respEnded = true
		s.pendingTrailers = ev.trailers
		s.drainResponse()
	case evComplete:
		s.respEnded = true
		stats := ev.stats
		s.completeStats = &stats
		s.drainResponse()
	case evError:
		s.finishError(NewBridgeError(ev.errKind, ev.errMsg))
	}
}

// drainResponse delivers buffered response body, trailers and - once the
// transport has reported completion and everything has been handed over -
// the on-complete callback. In explicit flow-control mode delivery is capped
// by the outstanding authorized bytes; a chunk larger than the remaining
// authorization is split and the tail waits for the next ReadData.
func (s *Stream) drainResponse() {
	for len(s.pending) > 0 {
		chunk := s.pending[0]
		if !s.window.Automatic() {
			avail := s.window.Outstanding()
			if avail == 0 {
				return
			}
			if avail < uint64(len(chunk.data)) {
				head := chunk.data[:avail]
				s.pending[0] = bodyChunk{data: chunk.data[avail:], endStream: chunk.endStream}
				s.window.Consume(avail)
				if s.cb.onData != nil {
					s.engine.deliver(s, func() { s.cb.onData(head, false) })
				}
				continue
			}
		}
		s.window.Consume(uint64(len(chunk.data)))
		s.pending = s.pending[1:]
		if s.cb.onData != nil {
			data := chunk.data
			endStream := chunk.endStream
			s.engine.deliver(s, func() { s.cb.onData(data, endStream) })
		}
	}

	if s.pendingTrailers != nil {
		trailers := s.pendingTrailers
		s.pendingTrailers = nil
		if s.cb.onTrailers != nil {
			s.engine.deliver(s, func() { s.cb.onTrailers(trailers) })
		}
	}

	if s.respEnded && s.completeStats != nil {
		s.finishComplete()
	}
}

// finishComplete transitions to the successful terminal state and fires
// on-complete exactly once, carrying final transfer statistics.
func (s *Stream) finishComplete() {
	stats := *s.completeStats
	if stats.BytesSent == 0 {
		stats.BytesSent = s.bytesSent
	}
	if stats.BytesReceived == 0 {
		stats.BytesReceived = s.bytesReceived
	}
	s.setState(StateCompleted)
	s.release()
	s.engine.finishStream(s, StateCompleted)
	if s.cb.onComplete != nil {
		s.engine.deliver(s, func() { s.cb.onComplete(stats) })
	}
}

// finishError transitions to the errored terminal state and fires on-error
// exactly once. Transport classifications pass through unmodified; the bridge
// never retries.
func (s *Stream) finishError(err *BridgeError) {
	s.setState(StateErrored)
	if s.ref != nil {
		s.ref.Reset()
	}
	s.release()
	s.engine.finishStream(s, StateErrored)
	stats := s.currentStats()
	if s.cb.onError != nil {
		s.engine.deliver(s, func() { s.cb.onError(err, stats) })
	}
}

// finishCancel transitions to the cancelled terminal state and fires
// on-cancel exactly once. Reached both from an application Cancel operation
// and from the engine's synthesized cancellation during drain.
func (s *Stream) finishCancel() {
	s.setState(StateCancelled)
	if s.ref != nil {
		s.ref.Cancel()
	}
	s.release()
	s.engine.finishStream(s, StateCancelled)
	stats := s.currentStats()
	if s.cb.onCancel != nil {
		s.engine.deliver(s, func() { s.cb.onCancel(stats) })
	}
}

// release drops buffered response state and cancels outstanding transport
// work. Called on every terminal transition, before the terminal callback is
// queued, so no later callback can reference freed stream state.
func (s *Stream) release() {
	s.pending = nil
	s.pendingTrailers = nil
	if s.cancelTransport != nil {
		s.cancelTransport()
	}
}

func (s *Stream) currentStats() FinalStreamStats {
	stats := FinalStreamStats{BytesSent: s.bytesSent, BytesReceived: s.bytesReceived}
	if s.completeStats != nil {
		stats.Protocol = s.completeStats.Protocol
	}
	return stats
}

// engineEventSink funnels transport events for one stream into the engine's
// dispatch queue. Transports call it from their own goroutines; the sink never
// executes bridge logic inline.
type engineEventSink struct {
	stream *Stream
}

func (es *engineEventSink) OnHeaders(headers []hpack.HeaderField, endStream bool) {
	es.push(&streamEvent{kind: evHeaders, headers: headers, endStream: endStream})
}

func (es *engineEventSink) OnData(data []byte, endStream bool) {
	es.push(&streamEvent{kind: evData, data: data, endStream: endStream})
}

func (es *engineEventSink) OnTrailers(trailers []hpack.HeaderField) {
	es.push(&streamEvent{kind: evTrailers, trailers: trailers})
}

func (es *engineEventSink) OnError(kind ErrorKind, msg string) {
	es.push(&streamEvent{kind: evError, errKind: kind, errMsg: msg})
}

func (es *engineEventSink) OnComplete(stats FinalStreamStats) {
	es.push(&streamEvent{kind: evComplete, stats: stats})
}

func (es *engineEventSink) push(ev *streamEvent) {
	es.stream.engine.queue.enqueueEvent(task{stream: es.stream, ev: ev})
}
