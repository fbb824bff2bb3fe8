package event

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestFromManagerHangup(t *testing.T) {
	n := NewNormalizer(nil)

	ev, ok := n.FromManager(map[string]string{
		"Event":    "Hangup",
		"Uniqueid": "1717000000.42",
		"Cause":    "16",
	})
	if !ok {
		t.Fatal("FromManager() dropped a hangup event")
	}
	if ev.Kind != ChannelEnded {
		t.Errorf("Kind = %q, want %q", ev.Kind, ChannelEnded)
	}
	if ev.ChannelID != "1717000000.42" {
		t.Errorf("ChannelID = %q, want \"1717000000.42\"", ev.ChannelID)
	}
	if ev.Cause != 16 {
		t.Errorf("Cause = %d, want 16", ev.Cause)
	}
	if ev.Reason == "" {
		t.Error("Reason empty, want cause description")
	}
	if !ev.Terminal() {
		t.Error("Terminal() = false for channel end")
	}
}

func TestFromManagerMessageReceived(t *testing.T) {
	n := NewNormalizer(nil)

	body := base64.StdEncoding.EncodeToString([]byte("hello there"))
	ev, ok := n.FromManager(map[string]string{
		"Event":      "MessageReceived",
		"From":       "pjsip:15550001111@gateway",
		"To":         "sip:15559990000@gateway",
		"Base64Body": body,
	})
	if !ok {
		t.Fatal("FromManager() dropped an inbound message")
	}
	if ev.Kind != TextReceived {
		t.Errorf("Kind = %q, want %q", ev.Kind, TextReceived)
	}
	if ev.From != "15550001111" {
		t.Errorf("From = %q, want bare number", ev.From)
	}
	if ev.Destination != "15559990000" {
		t.Errorf("Destination = %q, want bare number", ev.Destination)
	}
	if ev.ChannelID != ConversationID("15550001111") {
		t.Errorf("ChannelID = %q, want conversation id", ev.ChannelID)
	}
	if ev.Body != "hello there" {
		t.Errorf("Body = %q, want decoded text", ev.Body)
	}
	if !ev.CreatesSession() {
		t.Error("CreatesSession() = false for inbound text")
	}
}

func TestFromManagerUndecodableBodyDropped(t *testing.T) {
	n := NewNormalizer(nil)

	_, ok := n.FromManager(map[string]string{
		"Event":      "MessageReceived",
		"From":       "15550001111",
		"Base64Body": "!!!not-base64!!!",
	})
	if ok {
		t.Error("FromManager() accepted an undecodable message body")
	}
}

func TestFromManagerOriginateResponse(t *testing.T) {
	n := NewNormalizer(nil)

	tests := []struct {
		name    string
		fields  map[string]string
		success bool
	}{
		{
			name: "success",
			fields: map[string]string{
				"Event":    "OriginateResponse",
				"ActionID": "orig-abc",
				"Uniqueid": "1717000001.5",
				"Response": "Success",
			},
			success: true,
		},
		{
			name: "failure",
			fields: map[string]string{
				"Event":    "OriginateResponse",
				"ActionID": "orig-abc",
				"Response": "Failure",
				"Reason":   "5",
			},
			success: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := n.FromManager(tt.fields)
			if !ok {
				t.Fatal("FromManager() dropped an originate response")
			}
			if ev.Kind != OriginateResult {
				t.Errorf("Kind = %q, want %q", ev.Kind, OriginateResult)
			}
			if ev.ChannelID != "orig-abc" {
				t.Errorf("ChannelID = %q, want the action id", ev.ChannelID)
			}
			if ev.Success != tt.success {
				t.Errorf("Success = %v, want %v", ev.Success, tt.success)
			}
			if tt.success && ev.NewChannelID != "1717000001.5" {
				t.Errorf("NewChannelID = %q, want the channel uniqueid", ev.NewChannelID)
			}
		})
	}
}

func TestFromManagerIgnoresChatter(t *testing.T) {
	n := NewNormalizer(nil)

	for _, name := range []string{"Newchannel", "NewConnectedLine", "RTCPSent", "PeerStatus"} {
		if _, ok := n.FromManager(map[string]string{"Event": name, "Uniqueid": "x"}); ok {
			t.Errorf("FromManager() consumed %s, want dropped", name)
		}
	}
	if _, ok := n.FromManager(map[string]string{"Uniqueid": "x"}); ok {
		t.Error("FromManager() consumed a frame without an Event header")
	}
}

func TestFromChannelControlStasisStart(t *testing.T) {
	n := NewNormalizer(nil)

	payload := []byte(`{
		"type": "StasisStart",
		"args": [],
		"channel": {
			"id": "1717000002.9",
			"state": "Ring",
			"caller": {"number": "15550001111", "name": "Alice"},
			"dialplan": {"exten": "15559990000"}
		}
	}`)
	ev, ok := n.FromChannelControl(payload)
	if !ok {
		t.Fatal("FromChannelControl() dropped a stasis start")
	}
	if ev.Kind != ChannelStarted {
		t.Errorf("Kind = %q, want %q", ev.Kind, ChannelStarted)
	}
	if ev.ChannelID != "1717000002.9" {
		t.Errorf("ChannelID = %q", ev.ChannelID)
	}
	if ev.CallerID != "15550001111" || ev.CallerName != "Alice" {
		t.Errorf("caller = %q/%q, want 15550001111/Alice", ev.CallerID, ev.CallerName)
	}
	if ev.Destination != "15559990000" {
		t.Errorf("Destination = %q, want the dialed exten", ev.Destination)
	}
	if ev.OriginateID != "" {
		t.Errorf("OriginateID = %q, want empty for inbound", ev.OriginateID)
	}
	if !ev.CreatesSession() {
		t.Error("CreatesSession() = false for channel start")
	}
}

func TestFromChannelControlOriginatedStart(t *testing.T) {
	n := NewNormalizer(nil)

	payload := []byte(`{
		"type": "StasisStart",
		"args": ["originate", "orig-def"],
		"channel": {"id": "1717000003.1"}
	}`)
	ev, ok := n.FromChannelControl(payload)
	if !ok {
		t.Fatal("FromChannelControl() dropped an originated stasis start")
	}
	if ev.OriginateID != "orig-def" {
		t.Errorf("OriginateID = %q, want \"orig-def\"", ev.OriginateID)
	}
}

func TestFromChannelControlStateChange(t *testing.T) {
	n := NewNormalizer(nil)

	up := []byte(`{"type": "ChannelStateChange", "channel": {"id": "c1", "state": "Up"}}`)
	ev, ok := n.FromChannelControl(up)
	if !ok || ev.Kind != Answered {
		t.Errorf("FromChannelControl(Up) = (%q, %v), want Answered", ev.Kind, ok)
	}

	ringing := []byte(`{"type": "ChannelStateChange", "channel": {"id": "c1", "state": "Ringing"}}`)
	if _, ok := n.FromChannelControl(ringing); ok {
		t.Error("FromChannelControl() consumed a non-Up state change")
	}
}

func TestFromChannelControlPlaybackFinished(t *testing.T) {
	n := NewNormalizer(nil)

	payload := []byte(`{
		"type": "PlaybackFinished",
		"playback": {"id": "pb-123", "target_uri": "channel:1717000004.2"}
	}`)
	ev, ok := n.FromChannelControl(payload)
	if !ok {
		t.Fatal("FromChannelControl() dropped a playback finish")
	}
	if ev.Kind != PlaybackFinished || ev.PlaybackID != "pb-123" {
		t.Errorf("event = %+v, want playback pb-123", ev)
	}
	if ev.ChannelID != "1717000004.2" {
		t.Errorf("ChannelID = %q, want the target channel", ev.ChannelID)
	}
}

func TestFromChannelControlRecordingFinished(t *testing.T) {
	n := NewNormalizer(nil)

	payload := []byte(`{
		"type": "RecordingFinished",
		"recording": {"name": "rec-9", "target_uri": "channel:c5", "duration": 12.5}
	}`)
	ev, ok := n.FromChannelControl(payload)
	if !ok {
		t.Fatal("FromChannelControl() dropped a recording finish")
	}
	if ev.RecordingID != "rec-9" || ev.ChannelID != "c5" {
		t.Errorf("event = %+v", ev)
	}
	if ev.RecordingDur != 12500*time.Millisecond {
		t.Errorf("RecordingDur = %v, want 12.5s", ev.RecordingDur)
	}
}

func TestFromChannelControlStasisEnd(t *testing.T) {
	n := NewNormalizer(nil)

	payload := []byte(`{"type": "StasisEnd", "channel": {"id": "c6"}, "cause": 17}`)
	ev, ok := n.FromChannelControl(payload)
	if !ok || ev.Kind != ChannelEnded || ev.Cause != 17 {
		t.Errorf("FromChannelControl(StasisEnd) = (%+v, %v)", ev, ok)
	}
}

func TestFromChannelControlMalformed(t *testing.T) {
	n := NewNormalizer(nil)

	for _, payload := range []string{"not json", "{}", `{"type": "SomethingElse"}`} {
		if _, ok := n.FromChannelControl([]byte(payload)); ok {
			t.Errorf("FromChannelControl(%q) consumed, want dropped", payload)
		}
	}
}

func TestSourceOrderMonotonic(t *testing.T) {
	n := NewNormalizer(nil)

	var last uint64
	for i := 0; i < 5; i++ {
		ev, ok := n.FromManager(map[string]string{"Event": "Hangup", "Uniqueid": "c", "Cause": "16"})
		if !ok {
			t.Fatal("hangup dropped")
		}
		if ev.SourceOrder <= last {
			t.Fatalf("SourceOrder %d not increasing past %d", ev.SourceOrder, last)
		}
		last = ev.SourceOrder
	}
}

func TestURIUser(t *testing.T) {
	tests := []struct{ in, want string }{
		{"pjsip:15550001111@gateway", "15550001111"},
		{"sip:100@pbx.local", "100"},
		{"<sip:100@pbx.local>", "100"},
		{"15550001111", "15550001111"},
	}
	for _, tt := range tests {
		if got := uriUser(tt.in); got != tt.want {
			t.Errorf("uriUser(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
