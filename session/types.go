package session

import (
	"context"
	"time"

	"github.com/sebas/callscript/event"
)

// Kind distinguishes voice calls from text conversations. One Session type
// serves both; kind-specific primitives are exposed through the Voice and
// Text interfaces.
type Kind string

const (
	KindVoice Kind = "voice"
	KindText  Kind = "text"
)

// State is the session lifecycle state.
type State int

const (
	// StateCreated means the session exists but its handler has not been
	// scheduled yet (or an originate is still pending).
	StateCreated State = iota
	// StateActive means handler logic is running between primitives.
	StateActive
	// StateSuspended means the handler is blocked inside a primitive
	// waiting for its completion event.
	StateSuspended
	// StateEnding means a terminal event arrived or the handler called
	// Hangup; any outstanding operation has been resolved with a
	// termination result.
	StateEnding
	// StateEnded is terminal; the session is out of the registry and
	// receives no further events.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Commander issues outbound control commands against the PBX. The real
// implementation drives the manager/REST APIs; tests substitute a fake.
// Completion is reported back through the event feed, not return values.
type Commander interface {
	// Answer accepts an inbound channel.
	Answer(ctx context.Context, channelID string) error

	// Play starts playback of a media resource on a channel. The caller
	// picks the playback id so the completion event can be correlated.
	Play(ctx context.Context, channelID, playbackID, media string) error

	// Record starts recording a channel into the named resource.
	Record(ctx context.Context, channelID, name string, maxDuration time.Duration, terminator string) error

	// Hangup terminates a channel with a Q.850 cause code.
	Hangup(ctx context.Context, channelID string, cause int) error

	// SendText sends a text message from one number to another.
	SendText(ctx context.Context, from, to, body string) error
}

// Speech maps arbitrary text to a playable media resource reference. Audio
// synthesis itself lives behind this seam.
type Speech interface {
	Resolve(ctx context.Context, text string) (string, error)
}

// Agent is an externally supplied capability that takes over a session's
// inbound events during delegation (ConnectAgent). Return done=true to
// yield control back to the handler.
type Agent interface {
	HandleEvent(ctx context.Context, ev event.Event) (done bool, err error)
}

// Recording references a captured audio resource.
type Recording struct {
	// ID is the recording name on the PBX.
	ID string
	// URI is the playable resource reference for the capture.
	URI string
	// Duration is the captured length as reported by the PBX.
	Duration time.Duration
}

// Common is the primitive surface shared by both session kinds.
type Common interface {
	ID() string
	Kind() Kind
	CallerID() string
	Destination() string
	Context() context.Context

	// Say speaks (voice) or sends (text) the given text, suspending
	// until delivery completes.
	Say(ctx context.Context, text string) error

	// Menu runs the bounded-retry prompted menu protocol.
	Menu(ctx context.Context, def MenuDefinition) error

	// Select runs the menu protocol and returns the chosen key.
	Select(ctx context.Context, prompt string, options []string, timeout time.Duration, maxRetries int) (string, error)

	// AskYesNo asks a yes/no question and reports the answer.
	AskYesNo(ctx context.Context, question string) (bool, error)

	// Hangup terminates the session. Idempotent; calling it on an
	// already-ending session is a no-op.
	Hangup(ctx context.Context) error

	// ConnectAgent forwards all inbound events to the agent until it
	// yields control back or the channel ends.
	ConnectAgent(ctx context.Context, agent Agent) error
}

// Voice is the primitive surface available to call handlers.
type Voice interface {
	Common

	// Answer accepts the call. Resolves once the PBX reports the channel
	// up. Fails with ErrChannelGone if the channel already ended.
	Answer(ctx context.Context) error

	// Play plays an already-resolved media resource to completion.
	Play(ctx context.Context, media string) error

	// Gather plays the prompt and collects up to numDigits DTMF digits.
	// Collection stops early on the '#' terminator. The inter-digit
	// timeout starts when the prompt finishes and resets on each digit;
	// on expiry the digits collected so far are returned without error.
	Gather(ctx context.Context, prompt string, numDigits int, timeout time.Duration) (string, error)

	// Record captures audio until natural stop, the terminator digit,
	// maxDuration, or channel end.
	Record(ctx context.Context, maxDuration time.Duration, terminator string) (Recording, error)
}

// Text is the primitive surface available to text handlers.
type Text interface {
	Common

	// Prompt sends the prompt and suspends until the next inbound
	// message on this conversation. A zero timeout waits until the
	// conversation ends.
	Prompt(ctx context.Context, prompt string, timeout time.Duration) (string, error)

	// InitialText returns the message that opened the conversation.
	InitialText() string
}

// CallHandler is application logic bound to an inbound or originated call.
type CallHandler func(ctx context.Context, call Voice) error

// TextHandler is application logic bound to a text conversation.
type TextHandler func(ctx context.Context, conv Text) error
