package bridge

import (
	"golang.org/x/net/http2/hpack"
)

// StreamClient is the stream-creation surface of a running Engine.
type StreamClient struct {
	engine *Engine
}

// NewStreamPrototype returns a fresh prototype bound to this client's engine.
func (c *StreamClient) NewStreamPrototype() *StreamPrototype {
	return &StreamPrototype{engine: c.engine}
}

// StreamPrototype accumulates the callback registrations for a stream before
// it starts. All Set* calls must happen before Start; Start freezes the set,
// so the "registered before start, never mutated afterwards" invariant holds
// by construction. A prototype may be started multiple times; each Start
// yields an independent stream with a snapshot of the current registrations.
//
// Callbacks fire on the engine's callback-delivery goroutine, in per-stream
// order, and never concurrently with each other for the same stream.
type StreamPrototype struct {
	engine *Engine
	cb     callbacks
}

// SetOnHeaders registers the response-headers callback. endStream is true when
// the headers complete the response.
func (p *StreamPrototype) SetOnHeaders(fn func(headers []hpack.HeaderField, endStream bool)) *StreamPrototype {
	p.cb.onHeaders = fn
	return p
}

// SetOnData registers the response-body callback. In explicit flow-control
// mode it fires only for bytes the application has authorized via ReadData.
func (p *StreamPrototype) SetOnData(fn func(data []byte, endStream bool)) *StreamPrototype {
	p.cb.onData = fn
	return p
}

// SetOnTrailers registers the response-trailers callback.
func (p *StreamPrototype) SetOnTrailers(fn func(trailers []hpack.HeaderField)) *StreamPrototype {
	p.cb.onTrailers = fn
	return p
}

// SetOnComplete registers the successful-completion terminal callback.
func (p *StreamPrototype) SetOnComplete(fn func(stats FinalStreamStats)) *StreamPrototype {
	p.cb.onComplete = fn
	return p
}

// SetOnError registers the failure terminal callback.
func (p *StreamPrototype) SetOnError(fn func(err *BridgeError, stats FinalStreamStats)) *StreamPrototype {
	p.cb.onError = fn
	return p
}

// SetOnCancel registers the cancellation terminal callback.
func (p *StreamPrototype) SetOnCancel(fn func(stats FinalStreamStats)) *StreamPrototype {
	p.cb.onCancel = fn
	return p
}

// Start creates a stream bound to the engine with the callbacks registered so
// far. explicitFlowControl selects the flow-control mode for the stream's
// lifetime. Engine-not-running is a precondition violation on the caller's
// side and is reported as a KindEngineNotRunning error.
func (p *StreamPrototype) Start(explicitFlowControl bool) (*Stream, error) {
	return p.engine.startStream(p.cb, explicitFlowControl)
}
