// Package testutil provides the shared harness for the end-to-end tests: it
// wires a real engine over the net/http transport the way cmd/fetch does, and
// records the callback sequence a stream delivers.
package testutil

import (
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2/hpack"

	"example.com/httpbridge/internal/bridge"
	"example.com/httpbridge/internal/config"
	"example.com/httpbridge/internal/kvstore"
	"example.com/httpbridge/internal/logger"
	"example.com/httpbridge/internal/transport"
)

// NewEngineFromConfig builds and starts an engine from a parsed configuration,
// mirroring the CLI wiring. The caller owns termination; tests that do not
// terminate explicitly get a cleanup-time Terminate.
func NewEngineFromConfig(t *testing.T, cfg *config.Config, store kvstore.KeyValueStore) *bridge.Engine {
	t.Helper()

	idle, err := config.ParseDuration(cfg.Engine.StreamIdleTimeout)
	if err != nil {
		t.Fatalf("bad stream_idle_timeout: %v", err)
	}
	connect, err := config.ParseDuration(cfg.Engine.ConnectTimeout)
	if err != nil {
		t.Fatalf("bad connect_timeout: %v", err)
	}

	tr := transport.NewHTTPTransport(transport.HTTPOptions{
		CleartextPermitted: cfg.Engine.CleartextPermitted != nil && *cfg.Engine.CleartextPermitted,
		StreamIdleTimeout:  idle,
		ConnectTimeout:     connect,
		Log:                logger.Nop(),
	})
	e, err := bridge.NewEngine(bridge.Options{
		Transport: tr,
		Store:     store,
		Log:       logger.Nop(),
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("engine Start failed: %v", err)
	}
	t.Cleanup(func() {
		if e.State() == bridge.EngineRunning {
			_ = e.Terminate()
		}
	})
	return e
}

// CleartextConfig returns a default configuration with cleartext requests
// permitted, which is what talking to an httptest.Server requires.
func CleartextConfig() *config.Config {
	cfg := config.DefaultConfig()
	permitted := true
	cfg.Engine.CleartextPermitted = &permitted
	noIdle := ""
	cfg.Engine.StreamIdleTimeout = &noIdle
	return cfg
}

// PseudoHeaders builds a request header block with the four required
// pseudo-headers.
func PseudoHeaders(method, scheme, authority, path string) []hpack.HeaderField {
	return []hpack.HeaderField{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: scheme},
		{Name: ":authority", Value: authority},
		{Name: ":path", Value: path},
	}
}

// Authority extracts host:port from a test server's URL.
func Authority(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("bad test server URL %q: %v", ts.URL, err)
	}
	return u.Host
}

// Recorder collects the callbacks delivered to one stream.
type Recorder struct {
	mu        sync.Mutex
	status    string
	headers   []hpack.HeaderField
	body      []byte
	trailers  []hpack.HeaderField
	endSeen   bool
	completes int
	errors    int
	cancels   int
	err       *bridge.BridgeError
	stats     bridge.FinalStreamStats

	terminal chan struct{}

	// OnDataHook, when set, runs inside the on-data callback before the bytes
	// are recorded. Used by flow-control tests to issue the next ReadData.
	OnDataHook func(data []byte, endStream bool)
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{terminal: make(chan struct{})}
}

// Bind registers the recorder on all six callback slots.
func (r *Recorder) Bind(p *bridge.StreamPrototype) *bridge.StreamPrototype {
	return p.
		SetOnHeaders(func(headers []hpack.HeaderField, endStream bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.headers = headers
			for _, hf := range headers {
				if hf.Name == ":status" {
					r.status = hf.Value
				}
			}
			if endStream {
				r.endSeen = true
			}
		}).
		SetOnData(func(data []byte, endStream bool) {
			if r.OnDataHook != nil {
				r.OnDataHook(data, endStream)
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			r.body = append(r.body, data...)
			if endStream {
				r.endSeen = true
			}
		}).
		SetOnTrailers(func(trailers []hpack.HeaderField) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.trailers = trailers
		}).
		SetOnComplete(func(stats bridge.FinalStreamStats) {
			r.mu.Lock()
			r.completes++
			r.stats = stats
			r.mu.Unlock()
			close(r.terminal)
		}).
		SetOnError(func(err *bridge.BridgeError, stats bridge.FinalStreamStats) {
			r.mu.Lock()
			r.errors++
			r.err = err
			r.stats = stats
			r.mu.Unlock()
			close(r.terminal)
		}).
		SetOnCancel(func(stats bridge.FinalStreamStats) {
			r.mu.Lock()
			r.cancels++
			r.stats = stats
			r.mu.Unlock()
			close(r.terminal)
		})
}

// WaitTerminal blocks until the stream's terminal callback has fired.
func (r *Recorder) WaitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-r.terminal:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for terminal callback")
	}
}

// TerminalFired reports whether a terminal callback has been delivered.
func (r *Recorder) TerminalFired() bool {
	select {
	case <-r.terminal:
		return true
	default:
		return false
	}
}

func (r *Recorder) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Recorder) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.body...)
}

func (r *Recorder) Trailers() []hpack.HeaderField {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trailers
}

func (r *Recorder) EndSeen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endSeen
}

func (r *Recorder) Outcome() (completes, errors, cancels int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completes, r.errors, r.cancels
}

func (r *Recorder) Err() *bridge.BridgeError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Recorder) Stats() bridge.FinalStreamStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
