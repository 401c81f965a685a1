// Package transport provides concrete implementations of the bridge's
// transport contract. The wire protocols themselves are out of the bridge's
// scope; this adapter delegates all framing, TLS and connection management to
// net/http and only translates between the bridge's event model and the
// http.Client request/response model.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2/hpack"

	"example.com/httpbridge/internal/bridge"
	"example.com/httpbridge/internal/logger"
)

// HTTPOptions configures an HTTPTransport.
type HTTPOptions struct {
	// CleartextPermitted allows http:// requests. When false, a cleartext
	// request receives a synthesized 400 response followed by a
	// POLICY_REJECTED error, without any network activity.
	CleartextPermitted bool
	// StreamIdleTimeout bounds inactivity on one stream; zero disables it.
	// Expiry surfaces as a TIMEOUT error and resets the underlying work.
	StreamIdleTimeout time.Duration
	// ConnectTimeout bounds connection establishment; zero means no bound.
	ConnectTimeout time.Duration
	// Client overrides the http.Client used for requests. Optional; mainly
	// for tests that need custom TLS or dial behavior.
	Client *http.Client
	// Log receives structured diagnostics. Optional.
	Log *logger.Logger
}

// HTTPTransport implements bridge.Transport over net/http.
type HTTPTransport struct {
	opts   HTTPOptions
	client *http.Client
	log    *logger.Logger
}

// NewHTTPTransport creates the adapter.
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	client := opts.Client
	if client == nil {
		tr := &http.Transport{}
		if opts.ConnectTimeout > 0 {
			tr.DialContext = (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext
		}
		client = &http.Client{Transport: tr}
	}
	return &HTTPTransport{opts: opts, client: client, log: log}
}

// Open validates the request description, enforces the cleartext policy and
// launches the transport-side goroutines. It never blocks on network I/O.
func (t *HTTPTransport) Open(ctx context.Context, desc *bridge.RequestDescriptor, sink bridge.EventSink) (bridge.StreamRef, error) {
	method, scheme, authority, path, regular, err := splitPseudoHeaders(desc.Headers)
	if err != nil {
		return nil, err
	}

	if scheme == "http" && !t.opts.CleartextPermitted {
		t.log.Warn("cleartext request rejected by policy", logger.LogFields{"authority": authority})
		sink.OnHeaders([]hpack.HeaderField{
			{Name: ":status", Value: "400"},
			{Name: "content-type", Value: "text/plain"},
		}, false)
		sink.OnData([]byte("Cleartext is not permitted"), true)
		sink.OnError(bridge.KindPolicyRejected, "cleartext is not permitted")
		return noopRef{}, nil
	}

	host := authority
	if desc.AddressHint != "" {
		host = desc.AddressHint
	}
	u := &url.URL{Scheme: scheme, Host: host, Path: path}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		u.Path = path[:i]
		u.RawQuery = path[i+1:]
	}

	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	req, rerr := http.NewRequestWithContext(ctx, method, u.String(), pr)
	if rerr != nil {
		cancel()
		return nil, bridge.NewBridgeErrorWithCause(bridge.KindMalformedMessage, "failed to build request", rerr)
	}
	req.Host = authority
	for _, hf := range regular {
		req.Header.Add(hf.Name, hf.Value)
	}

	hs := &httpStream{
		transport: t,
		sink:      sink,
		cancelCtx: cancel,
		bodyW:     pw,
	}
	hs.writeCond = sync.NewCond(&hs.mu)
	if t.opts.StreamIdleTimeout > 0 {
		hs.idleTimer = time.AfterFunc(t.opts.StreamIdleTimeout, hs.onIdleTimeout)
	}

	go hs.writeLoop()
	go hs.pump(req)
	return hs, nil
}

// httpStream is one in-flight exchange. The pump goroutine is the only event
// emitter, so per-stream events are naturally sequential.
type httpStream struct {
	transport *HTTPTransport
	sink      bridge.EventSink
	cancelCtx context.CancelFunc
	bodyW     *io.PipeWriter
	idleTimer *time.Timer

	mu        sync.Mutex
	writeCond *sync.Cond
	writes    []writeOp
	writeEnd  bool
	cancelled bool
	timedOut  bool
	bytesSent uint64
}

type writeOp struct {
	data []byte
	end  bool
}

// Write queues request body bytes for the writer goroutine. It never blocks
// on the HTTP client consuming the body.
func (hs *httpStream) Write(data []byte, endStream bool) error {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.writeEnd {
		return fmt.Errorf("write after request end")
	}
	if endStream {
		hs.writeEnd = true
	}
	hs.writes = append(hs.writes, writeOp{data: data, end: endStream})
	hs.writeCond.Signal()
	return nil
}

// SendTrailers ends the request body. net/http requires trailers to be
// declared before the request starts, so late trailer values cannot be put on
// the wire by this adapter; they are dropped with a debug log and the request
// is completed.
func (hs *httpStream) SendTrailers(trailers []hpack.HeaderField) error {
	if len(trailers) > 0 {
		hs.transport.log.Debug("dropping undeclared request trailers", logger.LogFields{
			"count": len(trailers),
		})
	}
	return hs.Write(nil, true)
}

// Cancel abandons the exchange. Events already in flight may still be
// delivered; the bridge absorbs them.
func (hs *httpStream) Cancel() {
	hs.mu.Lock()
	hs.cancelled = true
	hs.mu.Unlock()
	hs.shutdown()
}

// Reset tears the exchange down after an error. HTTP/1 has no stream-level
// reset; cancelling the request context makes net/http close the underlying
// connection, which is the protocol's closest equivalent.
func (hs *httpStream) Reset() {
	hs.shutdown()
}

func (hs *httpStream) shutdown() {
	if hs.idleTimer != nil {
		hs.idleTimer.Stop()
	}
	hs.cancelCtx()
	hs.mu.Lock()
	hs.writeEnd = true
	hs.writeCond.Broadcast()
	hs.mu.Unlock()
	_ = hs.bodyW.CloseWithError(context.Canceled)
}

func (hs *httpStream) touch() {
	if hs.idleTimer != nil {
		hs.idleTimer.Reset(hs.transport.opts.StreamIdleTimeout)
	}
}

func (hs *httpStream) onIdleTimeout() {
	hs.mu.Lock()
	hs.timedOut = true
	hs.mu.Unlock()
	// The pump goroutine observes the cancelled context and reports TIMEOUT.
	hs.cancelCtx()
	_ = hs.bodyW.CloseWithError(context.DeadlineExceeded)
}

// writeLoop feeds queued body chunks into the request pipe. Pipe writes block
// until net/http consumes them, which is why this runs off the bridge's
// network goroutine.
func (hs *httpStream) writeLoop() {
	for {
		hs.mu.Lock()
		for len(hs.writes) == 0 {
			if hs.writeEnd {
				hs.mu.Unlock()
				_ = hs.bodyW.Close()
				return
			}
			hs.writeCond.Wait()
		}
		op := hs.writes[0]
		hs.writes = hs.writes[1:]
		hs.mu.Unlock()

		if len(op.data) > 0 {
			if _, err := hs.bodyW.Write(op.data); err != nil {
				return
			}
			hs.mu.Lock()
			hs.bytesSent += uint64(len(op.data))
			hs.mu.Unlock()
			hs.touch()
		}
		if op.end {
			_ = hs.bodyW.Close()
			return
		}
	}
}

// pump performs the blocking request and translates the response into bridge
// events: headers, zero or more data chunks (the final one flagged
// end-of-stream), optional trailers, then exactly one of error or complete.
func (hs *httpStream) pump(req *http.Request) {
	res, err := hs.transport.client.Do(req)
	if err != nil {
		hs.finishError(err)
		return
	}
	defer res.Body.Close()
	hs.touch()

	headers := make([]hpack.HeaderField, 0, len(res.Header)+1)
	headers = append(headers, hpack.HeaderField{Name: ":status", Value: strconv.Itoa(res.StatusCode)})
	for name, values := range res.Header {
		lower := strings.ToLower(name)
		for _, v := range values {
			headers = append(headers, hpack.HeaderField{Name: lower, Value: v})
		}
	}
	hs.sink.OnHeaders(headers, false)

	var received uint64
	buf := make([]byte, 32*1024)
	endSent := false
	for {
		n, rerr := res.Body.Read(buf)
		if n > 0 {
			hs.touch()
			received += uint64(n)
			chunk := append([]byte(nil), buf[:n]...)
			if rerr == io.EOF {
				hs.sink.OnData(chunk, true)
				endSent = true
			} else {
				hs.sink.OnData(chunk, false)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			hs.finishError(rerr)
			return
		}
	}
	if !endSent {
		hs.sink.OnData(nil, true)
	}

	if len(res.Trailer) > 0 {
		trailers := make([]hpack.HeaderField, 0, len(res.Trailer))
		for name, values := range res.Trailer {
			lower := strings.ToLower(name)
			for _, v := range values {
				trailers = append(trailers, hpack.HeaderField{Name: lower, Value: v})
			}
		}
		hs.sink.OnTrailers(trailers)
	}

	if hs.idleTimer != nil {
		hs.idleTimer.Stop()
	}
	hs.mu.Lock()
	sent := hs.bytesSent
	hs.mu.Unlock()
	hs.sink.OnComplete(bridge.FinalStreamStats{
		BytesSent:     sent,
		BytesReceived: received,
		Protocol:      res.Proto,
	})
}

// finishError classifies a transport failure and emits the terminal error
// event. Cancellation emits nothing: the bridge has already resolved the
// stream and would absorb the event anyway.
func (hs *httpStream) finishError(err error) {
	if hs.idleTimer != nil {
		hs.idleTimer.Stop()
	}
	hs.mu.Lock()
	cancelled := hs.cancelled
	timedOut := hs.timedOut
	hs.mu.Unlock()

	switch {
	case cancelled:
		return
	case timedOut:
		hs.sink.OnError(bridge.KindTimeout, "stream idle timeout exceeded")
	case strings.Contains(err.Error(), "malformed"):
		hs.sink.OnError(bridge.KindMalformedMessage, err.Error())
	default:
		hs.sink.OnError(bridge.KindTransportReset, err.Error())
	}
}

// noopRef is the StreamRef handed back for requests resolved locally (policy
// rejections); every operation on it is a no-op.
type noopRef struct{}

func (noopRef) Write(data []byte, endStream bool) error         { return nil }
func (noopRef) SendTrailers(trailers []hpack.HeaderField) error { return nil }
func (noopRef) Cancel()                                         {}
func (noopRef) Reset()                                          {}

// splitPseudoHeaders separates the :method/:scheme/:authority/:path
// pseudo-headers from the regular request headers.
func splitPseudoHeaders(headers []hpack.HeaderField) (method, scheme, authority, path string, regular []hpack.HeaderField, err error) {
	for _, hf := range headers {
		switch hf.Name {
		case ":method":
			method = hf.Value
		case ":scheme":
			scheme = hf.Value
		case ":authority":
			authority = hf.Value
		case ":path":
			path = hf.Value
		default:
			regular = append(regular, hf)
		}
	}
	if method == "" || scheme == "" || authority == "" || path == "" {
		err = bridge.NewBridgeError(bridge.KindMalformedMessage,
			"request requires :method, :scheme, :authority and :path pseudo-headers")
	}
	return
}
