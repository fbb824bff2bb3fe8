package event

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Normalizer translates raw feed payloads into canonical Events. It is
// stateless apart from per-feed arrival counters and holds no session
// awareness. Unknown or malformed raw events are dropped with a logged
// diagnostic so a single bad event never affects unrelated sessions.
type Normalizer struct {
	logger *slog.Logger

	managerOrder atomic.Uint64
	controlOrder atomic.Uint64
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger}
}

// FromManager normalizes a manager-protocol event (flat key/value fields).
// Returns false for event types the core does not consume.
func (n *Normalizer) FromManager(fields map[string]string) (Event, bool) {
	name := fields["Event"]
	if name == "" {
		n.logger.Debug("[Normalizer] Manager frame without Event header dropped")
		return Event{}, false
	}

	ev := Event{
		Source:      SourceManager,
		SourceOrder: n.managerOrder.Add(1),
		Timestamp:   time.Now(),
	}

	switch name {
	case "Hangup":
		ev.Kind = ChannelEnded
		ev.ChannelID = fields["Uniqueid"]
		ev.Cause, _ = strconv.Atoi(fields["Cause"])
		ev.Reason = fields["Cause-txt"]
		if ev.Reason == "" {
			ev.Reason = CauseDescription(ev.Cause)
		}

	case "MessageReceived":
		ev.Kind = TextReceived
		ev.From = uriUser(fields["From"])
		ev.Destination = uriUser(fields["To"])
		ev.ChannelID = ConversationID(ev.From)
		ev.Body = fields["Body"]
		if b64 := fields["Base64Body"]; ev.Body == "" && b64 != "" {
			decoded, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				n.logger.Warn("[Normalizer] Undecodable message body dropped", "from", ev.From, "error", err)
				return Event{}, false
			}
			ev.Body = string(decoded)
		}

	case "OriginateResponse":
		ev.Kind = OriginateResult
		ev.ChannelID = fields["ActionID"]
		ev.NewChannelID = fields["Uniqueid"]
		ev.Success = fields["Response"] == "Success"
		ev.Reason = fields["Reason"]

	default:
		// Signaling chatter (Newchannel, NewConnectedLine, RTCP stats,
		// registry events) that the session core has no use for.
		return Event{}, false
	}

	if ev.ChannelID == "" {
		n.logger.Warn("[Normalizer] Manager event without channel identity dropped", "event", name)
		return Event{}, false
	}
	return ev, true
}

// controlMessage mirrors the subset of the channel-control JSON feed the
// core consumes.
type controlMessage struct {
	Type    string `json:"type"`
	Channel struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		State string `json:"state"`
		Caller struct {
			Number string `json:"number"`
			Name   string `json:"name"`
		} `json:"caller"`
		Dialplan struct {
			Exten string `json:"exten"`
		} `json:"dialplan"`
	} `json:"channel"`
	Args     []string `json:"args"`
	Digit    string   `json:"digit"`
	Cause    int      `json:"cause"`
	CauseTxt string   `json:"cause_txt"`
	Playback struct {
		ID        string `json:"id"`
		TargetURI string `json:"target_uri"`
	} `json:"playback"`
	Recording struct {
		Name      string  `json:"name"`
		TargetURI string  `json:"target_uri"`
		Duration  float64 `json:"duration"`
	} `json:"recording"`
}

// FromChannelControl normalizes a channel-control (REST event-stream) JSON
// payload. Returns false for event types the core does not consume.
func (n *Normalizer) FromChannelControl(data []byte) (Event, bool) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		n.logger.Warn("[Normalizer] Malformed channel-control payload dropped", "error", err)
		return Event{}, false
	}
	if msg.Type == "" {
		n.logger.Debug("[Normalizer] Channel-control payload without type dropped")
		return Event{}, false
	}

	ev := Event{
		Source:      SourceChannelControl,
		SourceOrder: n.controlOrder.Add(1),
		Timestamp:   time.Now(),
	}

	switch msg.Type {
	case "StasisStart":
		ev.Kind = ChannelStarted
		ev.ChannelID = msg.Channel.ID
		ev.Destination = msg.Channel.Dialplan.Exten
		ev.CallerID = msg.Channel.Caller.Number
		ev.CallerName = msg.Channel.Caller.Name
		// Originated channels enter stasis with args ["originate", <id>]
		// so the dispatcher can hand them to the waiting session.
		if len(msg.Args) >= 2 && msg.Args[0] == "originate" {
			ev.OriginateID = msg.Args[1]
		}

	case "ChannelStateChange":
		if msg.Channel.State != "Up" {
			return Event{}, false
		}
		ev.Kind = Answered
		ev.ChannelID = msg.Channel.ID

	case "ChannelDtmfReceived":
		ev.Kind = DtmfReceived
		ev.ChannelID = msg.Channel.ID
		ev.Digit = msg.Digit
		if ev.Digit == "" {
			n.logger.Warn("[Normalizer] DTMF event without digit dropped", "channel", ev.ChannelID)
			return Event{}, false
		}

	case "PlaybackFinished":
		ev.Kind = PlaybackFinished
		ev.ChannelID = targetChannel(msg.Playback.TargetURI)
		ev.PlaybackID = msg.Playback.ID

	case "RecordingFinished":
		ev.Kind = RecordingFinished
		ev.ChannelID = targetChannel(msg.Recording.TargetURI)
		ev.RecordingID = msg.Recording.Name
		ev.RecordingDur = time.Duration(msg.Recording.Duration * float64(time.Second))

	case "StasisEnd", "ChannelDestroyed":
		ev.Kind = ChannelEnded
		ev.ChannelID = msg.Channel.ID
		ev.Cause = msg.Cause
		ev.Reason = msg.CauseTxt
		if ev.Reason == "" {
			ev.Reason = CauseDescription(ev.Cause)
		}

	default:
		return Event{}, false
	}

	if ev.ChannelID == "" {
		n.logger.Warn("[Normalizer] Channel-control event without channel identity dropped", "type", msg.Type)
		return Event{}, false
	}
	return ev, true
}

// ConversationID derives the canonical conversation id for a text peer.
func ConversationID(peer string) string {
	return "text:" + peer
}

// uriUser extracts the user part from a URI like "sip:15551234567@gw" or
// returns the input unchanged when it is already a bare number.
func uriUser(uri string) string {
	s := strings.TrimPrefix(uri, "pjsip:")
	s = strings.TrimPrefix(s, "sip:")
	s = strings.TrimPrefix(s, "<")
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(s, ">")
}

// targetChannel extracts the channel id from a playback/recording target
// URI like "channel:1717000000.42".
func targetChannel(uri string) string {
	return strings.TrimPrefix(uri, "channel:")
}
