package bridge

import "sync"

// ReadWindow tracks how many response-body bytes the application has authorized
// for delivery on one stream. In explicit flow-control mode the stream may hand
// the application at most Outstanding() bytes before delivery suspends; the
// application extends the window by calling Stream.ReadData, which lands here
// as Authorize. In automatic mode the window is ignored entirely and every
// received chunk is delivered as it arrives.
//
// Authorization is monotonically consumed: delivering k bytes decrements the
// counter by k, floored at zero, so a short final chunk that completes the
// stream never stalls on a partially-covered authorization. Authorizing more
// bytes than will ever arrive is harmless; the excess simply has no effect.
type ReadWindow struct {
	mu        sync.Mutex
	automatic bool
	available uint64
}

// NewReadWindow creates a read window. If automatic is true the window is
// unbounded and Authorize/Consume are no-ops.
func NewReadWindow(automatic bool) *ReadWindow {
	return &ReadWindow{automatic: automatic}
}

// Automatic reports whether this window is in automatic (unbounded) mode.
func (w *ReadWindow) Automatic() bool {
	return w.automatic
}

// Authorize increases the outstanding authorized byte count by n.
func (w *ReadWindow) Authorize(n uint64) {
	if w.automatic {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.available += n
}

// Outstanding returns the number of bytes currently authorized for delivery.
func (w *ReadWindow) Outstanding() uint64 {
	if w.automatic {
		return ^uint64(0)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.available
}

// Consume records delivery of k bytes, decrementing the outstanding count
// floored at zero.
func (w *ReadWindow) Consume(k uint64) {
	if w.automatic {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if k >= w.available {
		w.available = 0
		return
	}
	w.available -= k
}
