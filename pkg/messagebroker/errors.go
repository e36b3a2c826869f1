package messagebroker

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyEventType is returned by Publish when no event type is given.
	ErrEmptyEventType = errors.New("messagebroker: event type cannot be empty")
	// ErrDecode marks a delivered body that is not a JSON object.
	ErrDecode = errors.New("messagebroker: message body is not a JSON object")
	// ErrNoHandler marks a delivery whose event type has no registered handler.
	ErrNoHandler = errors.New("messagebroker: no callback registered for event")
	// ErrNotListening is returned by Stop when the subscription was never started.
	ErrNotListening = errors.New("messagebroker: subscription is not listening")
	// ErrListenerExited is reported by Ready when the receive loop stopped
	// without a call to Stop.
	ErrListenerExited = errors.New("messagebroker: receive loop exited")
	// ErrDeliveryInProgress is returned by Deduplicate when another delivery of
	// the same message is still being handled.
	ErrDeliveryInProgress = errors.New("messagebroker: delivery already in progress")
)

// maxBacktraceBytes bounds the stack captured for a panicking handler.
const maxBacktraceBytes = 4096

// HandlerError wraps a failure raised while a handler processed a message,
// whether returned as an error or recovered from a panic.
type HandlerError struct {
	Subscription string
	EventType    string
	Err          error
	// Backtrace is set for recovered panics and truncated to a few KiB.
	Backtrace string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for event %q on subscription %s failed: %v", e.EventType, e.Subscription, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// errorType names the concrete type of the innermost wrapped error.
func errorType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
