package bridge

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngineRequiresTransport(t *testing.T) {
	_, err := NewEngine(Options{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindEngineNotRunning))
}

func TestEngineLifecycleStates(t *testing.T) {
	e, err := NewEngine(Options{Transport: newMockTransport()})
	require.NoError(t, err)
	assert.Equal(t, EngineCreated, e.State())

	require.NoError(t, e.Start())
	assert.Equal(t, EngineRunning, e.State())

	require.NoError(t, e.Terminate())
	assert.Equal(t, EngineTerminated, e.State())
}

func TestEngineDoubleStartRejected(t *testing.T) {
	e, err := NewEngine(Options{Transport: newMockTransport()})
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Terminate() })

	err = e.Start()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindEngineNotRunning))
}

func TestTerminateBeforeStartRejected(t *testing.T) {
	e, err := NewEngine(Options{Transport: newMockTransport()})
	require.NoError(t, err)
	err = e.Terminate()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindEngineNotRunning))
}

func TestStartStreamBeforeEngineStart(t *testing.T) {
	e, err := NewEngine(Options{Transport: newMockTransport()})
	require.NoError(t, err)
	_, err = e.StreamClient().NewStreamPrototype().Start(false)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindEngineNotRunning))
}

func TestStartStreamAfterTerminate(t *testing.T) {
	e, err := NewEngine(Options{Transport: newMockTransport()})
	require.NoError(t, err)
	require.NoError(t, e.Start())
	require.NoError(t, e.Terminate())

	_, err = e.StreamClient().NewStreamPrototype().Start(false)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindEngineNotRunning))
}

func TestOperationsAfterTerminateRejected(t *testing.T) {
	mt := newMockTransport()
	e, err := NewEngine(Options{Transport: mt})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	cc := newCallCounter()
	s, err := cc.bind(e.StreamClient().NewStreamPrototype()).Start(false)
	require.NoError(t, err)
	require.NoError(t, s.SendHeaders(requestHeaders(), false))
	mt.waitOpened(t)

	require.NoError(t, e.Terminate())
	cc.waitTerminal(t)
	assert.Equal(t, 1, cc.cancels)

	err = s.SendData([]byte("too late"))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindQueueDraining))
	err = s.Close(nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindQueueDraining))
}

// TestTerminateCancelsInFlightStreams verifies the drain protocol: every
// stream still live when Terminate is called receives exactly one terminal
// callback, on-cancel, and Terminate does not return before all of them have
// been delivered.
func TestTerminateCancelsInFlightStreams(t *testing.T) {
	mt := newMockTransport()
	e, err := NewEngine(Options{Transport: mt})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	const n = 8
	counters := make([]*callCounter, n)
	for i := 0; i < n; i++ {
		cc := newCallCounter()
		counters[i] = cc
		s, serr := cc.bind(e.StreamClient().NewStreamPrototype()).Start(false)
		require.NoError(t, serr)
		require.NoError(t, s.SendHeaders(requestHeaders(), false))
		mt.waitOpened(t)
	}

	require.NoError(t, e.Terminate())

	// Terminate has returned, so the terminal callbacks are already in.
	for _, cc := range counters {
		select {
		case <-cc.terminal:
		default:
			t.Fatal("Terminate returned before a stream's terminal callback fired")
		}
		assert.Equal(t, 1, cc.cancels)
		assert.Equal(t, 1, cc.terminalCount())
	}
}

func TestTerminateAfterNaturalCompletion(t *testing.T) {
	mt := newMockTransport()
	mt.setAutoRespond([]byte("ok"))
	e, err := NewEngine(Options{Transport: mt})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	cc := newCallCounter()
	s, err := cc.bind(e.StreamClient().NewStreamPrototype()).Start(false)
	require.NoError(t, err)
	require.NoError(t, s.SendHeaders(requestHeaders(), true))
	cc.waitTerminal(t)
	require.Equal(t, 1, cc.completes)

	require.NoError(t, e.Terminate())
	assert.Equal(t, 0, cc.cancels)
	assert.Equal(t, 1, cc.terminalCount())
}

func TestEnginesAreIsolated(t *testing.T) {
	mtA := newMockTransport()
	mtA.setAutoRespond([]byte("a"))
	a, err := NewEngine(Options{Transport: mtA})
	require.NoError(t, err)
	require.NoError(t, a.Start())

	mtB := newMockTransport()
	b, err := NewEngine(Options{Transport: mtB})
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(func() { _ = b.Terminate() })

	ccA := newCallCounter()
	sa, err := ccA.bind(a.StreamClient().NewStreamPrototype()).Start(false)
	require.NoError(t, err)
	require.NoError(t, sa.SendHeaders(requestHeaders(), true))
	ccA.waitTerminal(t)

	// Terminating one engine leaves the other fully usable.
	require.NoError(t, a.Terminate())

	ccB := newCallCounter()
	sb, err := ccB.bind(b.StreamClient().NewStreamPrototype()).Start(false)
	require.NoError(t, err)
	require.NoError(t, sb.SendHeaders(requestHeaders(), false))
	ms := mtB.waitOpened(t)
	assert.Equal(t, 0, ms.cancelCount())
	assert.Equal(t, EngineRunning, b.State())
}

func TestTransportOpenFailureErrorsStream(t *testing.T) {
	e, mt := newTestEngine(t)
	mt.setOpenErr(NewBridgeError(KindPolicyRejected, "certificate validation failed"))
	cc := newCallCounter()

	s, err := cc.bind(e.StreamClient().NewStreamPrototype()).Start(false)
	require.NoError(t, err)
	require.NoError(t, s.SendHeaders(requestHeaders(), true))

	cc.waitTerminal(t)
	assert.Equal(t, 1, cc.errors)
	require.NotNil(t, cc.lastErr)
	assert.Equal(t, KindPolicyRejected, cc.lastErr.Kind)
	assert.Equal(t, StateErrored, s.State())
}

func TestDumpStats(t *testing.T) {
	mt := newMockTransport()
	mt.setAutoRespond([]byte("stats body"))
	e, err := NewEngine(Options{Transport: mt})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	done := newCallCounter()
	s1, err := done.bind(e.StreamClient().NewStreamPrototype()).Start(false)
	require.NoError(t, err)
	require.NoError(t, s1.SendHeaders(requestHeaders(), true))
	done.waitTerminal(t)

	hung := newCallCounter()
	s2, err := hung.bind(e.StreamClient().NewStreamPrototype()).Start(true)
	require.NoError(t, err)
	require.NoError(t, s2.SendHeaders(requestHeaders(), true))
	require.NoError(t, e.Terminate())
	hung.waitTerminal(t)

	out := e.DumpStats()
	assert.Contains(t, out, "bridge.engine_state: terminated")
	assert.Contains(t, out, "bridge.streams_started: 2")
	assert.Contains(t, out, "bridge.streams_completed: 1")
	assert.Contains(t, out, "bridge.streams_cancelled: 1")
	assert.Contains(t, out, "bridge.streams_errored: 0")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestCallbacksDoNotRunOnCallerGoroutine(t *testing.T) {
	e, mt := newTestEngine(t)
	mt.setAutoRespond(nil)

	delivered := make(chan struct{})
	p := e.StreamClient().NewStreamPrototype().
		SetOnComplete(func(stats FinalStreamStats) { close(delivered) })
	s, err := p.Start(false)
	require.NoError(t, err)

	// SendHeaders returns before any callback work happens; delivery follows
	// asynchronously on the engine's callback goroutine.
	require.NoError(t, s.SendHeaders(requestHeaders(), true))
	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("on-complete never delivered")
	}
}
