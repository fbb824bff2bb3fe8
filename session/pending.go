package session

import "time"

// opKind identifies the primitive a pending operation belongs to.
type opKind int

const (
	opAnswer opKind = iota
	opPlay
	opGather
	opRecord
	opPrompt
	opOriginate
	opDelegate
)

func (k opKind) String() string {
	switch k {
	case opAnswer:
		return "answer"
	case opPlay:
		return "play"
	case opGather:
		return "gather"
	case opRecord:
		return "record"
	case opPrompt:
		return "prompt"
	case opOriginate:
		return "originate"
	case opDelegate:
		return "delegate"
	}
	return "unknown"
}

// result carries the outcome of a resolved pending operation back to the
// suspended primitive call.
type result struct {
	digits    string
	text      string
	recording Recording
	channelID string
	err       error
}

// pending is the single in-flight suspension record for a session. It is
// created by a primitive, stored in the session's one pending slot, and
// resolved exactly once: by a correlated event, by deadline expiry, or by
// session termination. All mutation happens under the session mutex.
type pending struct {
	kind opKind

	// key correlates completion events: playback id for play/gather
	// prompts, recording name for record, originate id for originate.
	key string

	// result is buffered so the resolver never blocks. Exactly one value
	// is ever sent.
	result chan result

	// timer drives deadline expiry through the same resolve path events
	// use. For gather it is armed when the prompt finishes.
	timer   *time.Timer
	timeout time.Duration

	// gather accumulation state
	digits     []byte
	numDigits  int
	terminator byte
	collecting bool
}

func newPending(kind opKind, key string) *pending {
	return &pending{
		kind:   kind,
		key:    key,
		result: make(chan result, 1),
	}
}

func (p *pending) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
	}
}
