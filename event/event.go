// Package event defines the canonical control-plane event shape shared by
// the manager-protocol and channel-control feeds, plus the normalizer that
// translates raw feed payloads into it.
package event

import (
	"time"
)

// Source identifies which control-plane feed produced an event.
type Source string

const (
	// SourceManager is the manager-protocol (AMI) event stream: call
	// signaling, hangups, DTMF, text messages, originate responses.
	SourceManager Source = "manager"

	// SourceChannelControl is the REST/event-stream (ARI) feed: stasis
	// entry/exit, playback and recording completion.
	SourceChannelControl Source = "channel-control"
)

// Kind identifies the type of canonical event.
type Kind string

const (
	// ChannelStarted fires when a channel or conversation enters our
	// control (stasis start for voice, first inbound message for text).
	// This is the only voice kind allowed to create a session.
	ChannelStarted Kind = "channel.started"
	// Answered fires when the remote end picks up.
	Answered Kind = "channel.answered"
	// DtmfReceived fires for each keypad digit pressed on a channel.
	DtmfReceived Kind = "channel.dtmf"
	// PlaybackFinished fires when a queued playback completes.
	PlaybackFinished Kind = "playback.finished"
	// RecordingFinished fires when a recording stops for any reason.
	RecordingFinished Kind = "recording.finished"
	// ChannelEnded fires when the channel or conversation terminates.
	ChannelEnded Kind = "channel.ended"
	// TextReceived fires for each inbound text message. May create a
	// session when the conversation is unknown.
	TextReceived Kind = "text.received"
	// OriginateResult reports the outcome of an outbound originate.
	OriginateResult Kind = "originate.result"
	// ErrorEvent reports a control-plane failure scoped to one channel.
	ErrorEvent Kind = "error"
)

// Event is the canonical event consumed by sessions. Produced by the
// Normalizer, delivered exactly once to the owning session, never mutated
// after construction. Kind-specific fields are zero for other kinds.
type Event struct {
	// ChannelID is the channel name (voice) or conversation id (text)
	// this event belongs to. For OriginateResult it is the originate
	// correlation id chosen at submit time.
	ChannelID string
	Kind      Kind
	Source    Source
	// SourceOrder is a per-feed monotonic arrival index.
	SourceOrder uint64
	Timestamp   time.Time

	// ChannelStarted
	Destination string // dialed extension
	CallerID    string
	CallerName  string
	// OriginateID correlates a started channel back to the originate
	// request that created it. Empty for inbound channels.
	OriginateID string

	// DtmfReceived
	Digit string

	// PlaybackFinished
	PlaybackID string

	// RecordingFinished
	RecordingID  string
	RecordingDur time.Duration

	// TextReceived
	From string
	Body string

	// OriginateResult
	Success bool
	// NewChannelID is the channel created by a successful originate.
	NewChannelID string

	// ChannelEnded / ErrorEvent
	Cause  int
	Reason string
}

// Terminal reports whether this event ends the session it belongs to.
func (e Event) Terminal() bool {
	return e.Kind == ChannelEnded
}

// CreatesSession reports whether this kind may create a new session when
// its channel id is unknown. Everything else for an unknown id is dropped.
func (e Event) CreatesSession() bool {
	return e.Kind == ChannelStarted || e.Kind == TextReceived
}
