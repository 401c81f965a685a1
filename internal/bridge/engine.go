package bridge

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/net/http2/hpack"

	"example.com/httpbridge/internal/kvstore"
	"example.com/httpbridge/internal/logger"
)

// EngineState represents the lifecycle state of an Engine.
type EngineState uint8

const (
	// EngineCreated indicates the engine has been constructed but not started.
	EngineCreated EngineState = iota
	// EngineRunning indicates the network-processing goroutine is live and
	// streams may be created.
	EngineRunning
	// EngineTerminating indicates Terminate has been called and the drain is
	// in progress; new streams and operations are rejected.
	EngineTerminating
	// EngineTerminated is the terminal state; no callback fires after it is
	// reached.
	EngineTerminated
)

// String returns a string representation of the EngineState.
func (s EngineState) String() string {
	switch s {
	case EngineCreated:
		return "created"
	case EngineRunning:
		return "running"
	case EngineTerminating:
		return "terminating"
	case EngineTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Options configures an Engine.
type Options struct {
	// Transport is the wire-protocol collaborator. Required.
	Transport Transport
	// Store is the address-resolution cache, consulted opportunistically at
	// stream creation. Optional; a miss or a nil store only skips the
	// cache shortcut.
	Store kvstore.KeyValueStore
	// Log receives structured diagnostics. Optional; defaults to a no-op
	// logger.
	Log *logger.Logger
	// CallbackBuffer sizes the callback-delivery channel. Zero selects the
	// default of 128.
	CallbackBuffer int
}

// Engine owns the dispatch queue, the set of live streams, the
// network-processing goroutine and the callback-delivery goroutine. It is an
// explicit resource handle: multiple engines coexist in one process with fully
// isolated state.
//
// Lifecycle: Created -> Running -> Terminating -> Terminated. Once Terminated,
// no further operation may be enqueued and no callback fires.
type Engine struct {
	transport Transport
	store     kvstore.KeyValueStore
	log       *logger.Logger
	stats     *engineStats

	queue     *dispatchQueue
	callbacks chan func()

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu    sync.Mutex
	state EngineState

	nextStreamID uint64 // engine.mu

	// live is the set of non-terminal streams. Mutated only by the
	// network-processing goroutine.
	live map[uint64]*Stream

	netDone chan struct{}
	cbDone  chan struct{}
}

// NewEngine creates an engine in the Created state.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, NewBridgeError(KindEngineNotRunning, "engine requires a transport")
	}
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	buf := opts.CallbackBuffer
	if buf <= 0 {
		buf = 128
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		transport:  opts.Transport,
		store:      opts.Store,
		log:        log,
		stats:      newEngineStats(),
		queue:      newDispatchQueue(),
		callbacks:  make(chan func(), buf),
		baseCtx:    ctx,
		cancelBase: cancel,
		live:       make(map[uint64]*Stream),
		netDone:    make(chan struct{}),
		cbDone:     make(chan struct{}),
	}, nil
}

// State returns the current engine lifecycle state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// StreamClient returns the stream-creation surface. Valid for the engine's
// lifetime; stream creation itself requires the Running state.
func (e *Engine) StreamClient() *StreamClient {
	return &StreamClient{engine: e}
}

// Start transitions Created -> Running and spawns the network-processing and
// callback-delivery goroutines.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != EngineCreated {
		return NewBridgeError(KindEngineNotRunning, "engine already started")
	}
	e.state = EngineRunning
	go e.runNetwork()
	go e.runCallbacks()
	e.log.Info("engine started", nil)
	return nil
}

// Terminate transitions Running -> Terminating, stops accepting new streams
// and operations, synthesizes a cancellation for every stream not yet in a
// terminal state, and returns once the drain has finished and the engine is
// Terminated.
//
// Operations and transport events already in flight when Terminate is called
// are allowed to resolve naturally if they reach a terminal state before the
// drain marker is processed; only that lower bound - and the terminal
// callback for every stream - is guaranteed, not deterministic natural
// completion of all in-flight work.
func (e *Engine) Terminate() error {
	e.mu.Lock()
	if e.state != EngineRunning {
		st := e.state
		e.mu.Unlock()
		return NewBridgeError(KindEngineNotRunning, "terminate called in state "+st.String())
	}
	e.state = EngineTerminating
	e.mu.Unlock()

	e.log.Info("engine terminating", nil)
	e.queue.beginDrain()
	<-e.netDone
	close(e.callbacks)
	<-e.cbDone
	e.cancelBase()

	e.mu.Lock()
	e.state = EngineTerminated
	e.mu.Unlock()
	e.log.Info("engine terminated", nil)
	return nil
}

// DumpStats returns a diagnostic snapshot of the engine's counters, one
// "name: value" per line.
func (e *Engine) DumpStats() string {
	var b strings.Builder
	b.WriteString("bridge.engine_state: " + e.State().String() + "\n")
	e.stats.dump(&b)
	return b.String()
}

// startStream implements StreamPrototype.Start.
func (e *Engine) startStream(cb callbacks, explicitFlowControl bool) (*Stream, error) {
	e.mu.Lock()
	if e.state != EngineRunning {
		st := e.state
		e.mu.Unlock()
		return nil, NewBridgeError(KindEngineNotRunning, "cannot create stream in engine state "+st.String())
	}
	e.nextStreamID++
	id := e.nextStreamID
	e.mu.Unlock()

	s := &Stream{
		id:     id,
		engine: e,
		window: NewReadWindow(!explicitFlowControl),
		cb:     cb,
		state:  StateCreated,
	}
	if err := s.submit(&operation{kind: opRegister}); err != nil {
		return nil, err
	}
	return s, nil
}

// runNetwork is the engine's single network-processing goroutine: it drains
// the dispatch queue one task at a time, so stream state transitions never
// run concurrently with themselves.
func (e *Engine) runNetwork() {
	defer close(e.netDone)
	for {
		t, ok := e.queue.dequeue()
		if !ok {
			return
		}
		switch {
		case t.terminate:
			e.drainStreams()
			e.queue.close()
		case t.op != nil:
			t.stream.processOperation(t.op)
		case t.ev != nil:
			t.stream.processEvent(t.ev)
		}
	}
}

// drainStreams synthesizes a Cancelled transition for every stream still
// live when the terminate marker is processed.
func (e *Engine) drainStreams() {
	if len(e.live) == 0 {
		return
	}
	e.log.Info("drain: cancelling in-flight streams", logger.LogFields{"count": len(e.live)})
	remaining := make([]*Stream, 0, len(e.live))
	for _, s := range e.live {
		remaining = append(remaining, s)
	}
	for _, s := range remaining {
		s.finishCancel()
	}
}

// runCallbacks is the callback-delivery goroutine. A single consumer reading
// in FIFO order preserves per-stream callback order and guarantees callbacks
// for one stream never run concurrently.
func (e *Engine) runCallbacks() {
	defer close(e.cbDone)
	for fn := range e.callbacks {
		fn()
	}
}

// deliver queues one callback invocation. Only the network-processing
// goroutine calls this, so the terminal callback for a stream is always the
// last entry queued for it.
func (e *Engine) deliver(s *Stream, fn func()) {
	e.callbacks <- fn
}

// registerStream adds a freshly started stream to the live set.
// Network-processing goroutine only.
func (e *Engine) registerStream(s *Stream) {
	e.live[s.id] = s
	e.stats.streamsStarted.Add(1)
	e.log.Debug("stream registered", logger.LogFields{"stream_id": s.id})
}

// finishStream removes a stream from the live set on its terminal transition
// and charges the outcome counters. Network-processing goroutine only.
func (e *Engine) finishStream(s *Stream, outcome StreamState) {
	delete(e.live, s.id)
	switch outcome {
	case StateCompleted:
		e.stats.streamsCompleted.Add(1)
	case StateErrored:
		e.stats.streamsErrored.Add(1)
	case StateCancelled:
		e.stats.streamsCancelled.Add(1)
	}
	e.stats.bytesSent.Add(s.bytesSent)
	e.stats.bytesReceived.Add(s.bytesReceived)
	e.log.Debug("stream finished", logger.LogFields{
		"stream_id": s.id,
		"outcome":   outcome.String(),
	})
}

// lookupAddressHint consults the address-resolution cache for the request
// authority. Misses and nil stores skip the shortcut; they never fail
// stream creation.
func (e *Engine) lookupAddressHint(headers []hpack.HeaderField) string {
	if e.store == nil {
		return ""
	}
	for _, hf := range headers {
		if hf.Name == ":authority" {
			if v, ok := e.store.Read(hf.Value); ok {
				return v
			}
			return ""
		}
	}
	return ""
}
