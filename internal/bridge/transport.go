package bridge

import (
	"context"

	"golang.org/x/net/http2/hpack"
)

// RequestDescriptor describes one request handed to the transport collaborator.
// Pseudo-headers (:method, :scheme, :authority, :path) travel inside Headers,
// mirroring the HTTP/2 request representation; HTTP/1 transports reconstruct a
// request line from them.
type RequestDescriptor struct {
	Headers []hpack.HeaderField
	// AddressHint, when non-empty, is a pre-resolved endpoint address obtained
	// from the address-resolution cache. Transports may use it to skip name
	// resolution; they are free to ignore it.
	AddressHint string
}

// FinalStreamStats is the transfer summary carried by the on-complete callback.
type FinalStreamStats struct {
	BytesSent     uint64
	BytesReceived uint64
	// Protocol is the transport-selected protocol for the exchange,
	// e.g. "HTTP/1.1", "HTTP/2.0" or "HTTP/3".
	Protocol string
}

// EventSink receives the asynchronous response events for one transport
// stream. Implementations are provided by the engine; transports must emit
// events for a given stream sequentially (never concurrently), and must emit
// exactly one of OnError/OnComplete last. After an end-of-stream flag on
// OnHeaders or OnData, the only permitted further event is OnComplete.
//
// Sinks never block on application work: the engine routes every event through
// its dispatch queue onto the network-processing goroutine.
type EventSink interface {
	OnHeaders(headers []hpack.HeaderField, endStream bool)
	OnData(data []byte, endStream bool)
	OnTrailers(trailers []hpack.HeaderField)
	OnError(kind ErrorKind, msg string)
	OnComplete(stats FinalStreamStats)
}

// StreamRef is the engine's handle on one transport-level stream. All methods
// are invoked only from the network-processing goroutine and must not block on
// network I/O.
type StreamRef interface {
	// Write appends request body bytes; endStream marks the request complete.
	// Writing after endStream is a transport usage error.
	Write(data []byte, endStream bool) error
	// SendTrailers attaches request trailers and marks the request complete.
	SendTrailers(trailers []hpack.HeaderField) error
	// Cancel abandons the stream. The transport stops emitting events for it
	// (a final event already in flight may still be delivered and is absorbed
	// by the bridge) and resets the underlying protocol stream where the
	// protocol supports explicit resets.
	Cancel()
	// Reset tears the stream down after a transport-detected error. Protocols
	// without explicit stream resets close the underlying connection instead.
	Reset()
}

// Transport is the narrow interface the bridge consumes from the wire-protocol
// engine. Open must return promptly: connection establishment, TLS and request
// transmission happen on transport-owned goroutines, with results fed back
// through the sink.
type Transport interface {
	Open(ctx context.Context, desc *RequestDescriptor, sink EventSink) (StreamRef, error)
}
