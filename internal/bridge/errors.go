package bridge

import "fmt"

// ErrorKind classifies a terminal stream failure or a rejected bridge operation.
type ErrorKind uint8

const (
	// KindTransportReset indicates a peer- or protocol-level stream reset.
	KindTransportReset ErrorKind = iota
	// KindTimeout indicates the stream idle deadline was exceeded.
	KindTimeout
	// KindPolicyRejected indicates a policy rejection (e.g. cleartext disallowed,
	// certificate validation failure). Where the protocol expects a response, a
	// synthesized 400-class response is delivered through the normal header/data
	// callbacks before the error fires.
	KindPolicyRejected
	// KindMalformedMessage indicates a protocol framing violation in the response.
	KindMalformedMessage
	// KindCancelled is the classification carried by cancellation-induced
	// teardown of transport work. It is not surfaced through on-error; a
	// cancelled stream receives on-cancel instead.
	KindCancelled
	// KindEngineNotRunning indicates an operation was attempted while the engine
	// was not in the Running state.
	KindEngineNotRunning
	// KindQueueDraining indicates an operation was rejected because the engine
	// has begun terminating.
	KindQueueDraining
)

// String returns the string representation of the ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransportReset:
		return "TRANSPORT_RESET"
	case KindTimeout:
		return "TIMEOUT"
	case KindPolicyRejected:
		return "POLICY_REJECTED"
	case KindMalformedMessage:
		return "MALFORMED_MESSAGE"
	case KindCancelled:
		return "CANCELLED"
	case KindEngineNotRunning:
		return "ENGINE_NOT_RUNNING"
	case KindQueueDraining:
		return "QUEUE_DRAINING"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_KIND_%d", uint8(k))
	}
}

// BridgeError is the error type surfaced by bridge operations and by the
// on-error terminal callback. It implements the standard Go error interface.
type BridgeError struct {
	Kind  ErrorKind
	Msg   string
	Cause error // Optional underlying cause
}

// Error returns a string representation of the BridgeError.
func (e *BridgeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bridge error: %s (kind %s): %s", e.Msg, e.Kind.String(), e.Cause)
	}
	return fmt.Sprintf("bridge error: %s (kind %s)", e.Msg, e.Kind.String())
}

// Unwrap returns the underlying cause of the error, if any.
func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// NewBridgeError creates a new BridgeError.
func NewBridgeError(kind ErrorKind, msg string) *BridgeError {
	return &BridgeError{Kind: kind, Msg: msg}
}

// NewBridgeErrorWithCause creates a new BridgeError with an underlying cause.
func NewBridgeErrorWithCause(kind ErrorKind, msg string, cause error) *BridgeError {
	return &BridgeError{Kind: kind, Msg: msg, Cause: cause}
}

// IsKind reports whether err is a *BridgeError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	be, ok := err.(*BridgeError)
	return ok && be.Kind == kind
}
