package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2/hpack"
)

// mockTransport is the in-process transport used by the bridge tests. It
// records every opened stream and can optionally auto-respond with a canned
// 200 response, mimicking an autonomous upstream.
type mockTransport struct {
	mu          sync.Mutex
	openErr     error
	autoRespond bool
	autoBody    []byte
	opened      chan *mockStream
}

func newMockTransport() *mockTransport {
	return &mockTransport{opened: make(chan *mockStream, 256)}
}

func (m *mockTransport) setOpenErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

func (m *mockTransport) setAutoRespond(body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoRespond = true
	m.autoBody = body
}

func (m *mockTransport) Open(ctx context.Context, desc *RequestDescriptor, sink EventSink) (StreamRef, error) {
	m.mu.Lock()
	openErr := m.openErr
	auto := m.autoRespond
	body := m.autoBody
	m.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}
	ms := &mockStream{sink: sink, desc: desc}
	select {
	case m.opened <- ms:
	default:
	}
	if auto {
		go func() {
			sink.OnHeaders([]hpack.HeaderField{{Name: ":status", Value: "200"}}, false)
			sink.OnData(append([]byte(nil), body...), true)
			sink.OnComplete(FinalStreamStats{Protocol: "HTTP/1.1", BytesReceived: uint64(len(body))})
		}()
	}
	return ms, nil
}

// waitOpened blocks until the transport has accepted a stream.
func (m *mockTransport) waitOpened(t *testing.T) *mockStream {
	t.Helper()
	select {
	case ms := <-m.opened:
		return ms
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transport open")
		return nil
	}
}

type mockWrite struct {
	data []byte
	end  bool
}

// mockStream records the engine-side operations performed on one transport
// stream and exposes its sink so tests can emit response events.
type mockStream struct {
	sink EventSink
	desc *RequestDescriptor

	mu       sync.Mutex
	writes   []mockWrite
	trailers []hpack.HeaderField
	cancels  int
	resets   int
}

func (ms *mockStream) Write(data []byte, endStream bool) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.writes = append(ms.writes, mockWrite{data: append([]byte(nil), data...), end: endStream})
	return nil
}

func (ms *mockStream) SendTrailers(trailers []hpack.HeaderField) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.trailers = trailers
	ms.writes = append(ms.writes, mockWrite{end: true})
	return nil
}

func (ms *mockStream) Cancel() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.cancels++
}

func (ms *mockStream) Reset() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.resets++
}

func (ms *mockStream) cancelCount() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cancels
}

func (ms *mockStream) resetCount() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.resets
}

func (ms *mockStream) recordedWrites() []mockWrite {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]mockWrite, len(ms.writes))
	copy(out, ms.writes)
	return out
}

// callCounter tallies the callbacks delivered to one stream, in the manner of
// the usual client-test callback bookkeeping. terminal is closed when the
// stream's terminal callback fires; a second terminal callback would close it
// twice and fail the test loudly.
type callCounter struct {
	mu        sync.Mutex
	headers   int
	data      int
	trailers  int
	completes int
	errors    int
	cancels   int
	status    string
	body      []byte
	endSeen   bool
	lastErr   *BridgeError
	lastStats FinalStreamStats
	terminal  chan struct{}
}

func newCallCounter() *callCounter {
	return &callCounter{terminal: make(chan struct{})}
}

// bind registers the counter's callbacks on the prototype.
func (cc *callCounter) bind(p *StreamPrototype) *StreamPrototype {
	return p.
		SetOnHeaders(func(headers []hpack.HeaderField, endStream bool) {
			cc.mu.Lock()
			defer cc.mu.Unlock()
			cc.headers++
			for _, hf := range headers {
				if hf.Name == ":status" {
					cc.status = hf.Value
				}
			}
		}).
		SetOnData(func(data []byte, endStream bool) {
			cc.mu.Lock()
			defer cc.mu.Unlock()
			cc.data++
			cc.body = append(cc.body, data...)
			if endStream {
				cc.endSeen = true
			}
		}).
		SetOnTrailers(func(trailers []hpack.HeaderField) {
			cc.mu.Lock()
			defer cc.mu.Unlock()
			cc.trailers++
		}).
		SetOnComplete(func(stats FinalStreamStats) {
			cc.mu.Lock()
			cc.completes++
			cc.lastStats = stats
			cc.mu.Unlock()
			close(cc.terminal)
		}).
		SetOnError(func(err *BridgeError, stats FinalStreamStats) {
			cc.mu.Lock()
			cc.errors++
			cc.lastErr = err
			cc.lastStats = stats
			cc.mu.Unlock()
			close(cc.terminal)
		}).
		SetOnCancel(func(stats FinalStreamStats) {
			cc.mu.Lock()
			cc.cancels++
			cc.lastStats = stats
			cc.mu.Unlock()
			close(cc.terminal)
		})
}

func (cc *callCounter) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-cc.terminal:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal callback")
	}
}

func (cc *callCounter) terminalCount() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.completes + cc.errors + cc.cancels
}

// newTestEngine builds a started engine over a fresh mock transport and
// registers cleanup.
func newTestEngine(t *testing.T) (*Engine, *mockTransport) {
	t.Helper()
	mt := newMockTransport()
	e, err := NewEngine(Options{Transport: mt})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		_ = e.Terminate()
	})
	return e, mt
}

// requestHeaders builds a minimal valid request header block.
func requestHeaders() []hpack.HeaderField {
	return []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "www.example.com"},
		{Name: ":path", Value: "/"},
	}
}
