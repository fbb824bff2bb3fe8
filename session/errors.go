package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrChannelGone indicates a primitive was invoked on, or resolved
	// against, a session whose channel already ended. Primitives fail
	// fast with this rather than suspending forever.
	ErrChannelGone = errors.New("channel gone")

	// ErrTimeout indicates a pending operation's deadline expired before
	// a completion event arrived.
	ErrTimeout = errors.New("operation timed out")

	// ErrOperationPending indicates a second primitive was invoked while
	// one is already suspended. A session supports exactly one
	// suspension point at a time.
	ErrOperationPending = errors.New("another operation is already pending")

	// ErrOriginateFailed indicates the PBX rejected an originate before
	// the channel reached the active state.
	ErrOriginateFailed = errors.New("originate failed")

	// ErrNotVoice indicates a voice-only primitive was called on a text
	// session.
	ErrNotVoice = errors.New("primitive requires a voice session")

	// ErrNotText indicates a text-only primitive was called on a voice
	// session.
	ErrNotText = errors.New("primitive requires a text session")
)

// ProtocolError indicates the control plane failed while an operation was
// outstanding. It is surfaced to the affected session only and never
// retried by the core.
type ProtocolError struct {
	// Op is the operation that was in flight.
	Op string

	// Reason is the control-plane failure description.
	Reason string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error during %s: %s: %v", e.Op, e.Reason, e.Cause)
	}
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}
