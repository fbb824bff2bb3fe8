package ami

import (
	"bufio"
	"strings"
	"testing"
)

func TestEncodeAction(t *testing.T) {
	got := string(encodeAction(Action{
		Name: "Originate",
		Fields: map[string]string{
			"Channel":  "PJSIP/15550001111@pstn",
			"ActionID": "orig-1",
			"Async":    "true",
		},
	}))

	want := "Action: Originate\r\n" +
		"ActionID: orig-1\r\n" +
		"Async: true\r\n" +
		"Channel: PJSIP/15550001111@pstn\r\n" +
		"\r\n"
	if got != want {
		t.Errorf("encodeAction() =\n%q\nwant\n%q", got, want)
	}
}

func TestEncodeActionNoFields(t *testing.T) {
	got := string(encodeAction(Action{Name: "Ping"}))
	if got != "Action: Ping\r\n\r\n" {
		t.Errorf("encodeAction() = %q", got)
	}
}

func TestReadFrame(t *testing.T) {
	raw := "Event: Hangup\r\n" +
		"Uniqueid: 1717000000.42\r\n" +
		"Cause: 16\r\n" +
		"Cause-txt: Normal Clearing\r\n" +
		"\r\n"
	frame, err := readFrame(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("readFrame() = %v", err)
	}
	want := map[string]string{
		"Event":     "Hangup",
		"Uniqueid":  "1717000000.42",
		"Cause":     "16",
		"Cause-txt": "Normal Clearing",
	}
	for k, v := range want {
		if frame[k] != v {
			t.Errorf("frame[%q] = %q, want %q", k, frame[k], v)
		}
	}
}

func TestReadFrameSkipsStrayBlanksAndJunk(t *testing.T) {
	raw := "\r\n\r\n" + // keep-alive blanks before the frame
		"Response: Success\r\n" +
		"line without separator\r\n" +
		"Message: Authentication accepted\r\n" +
		"\r\n"
	frame, err := readFrame(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("readFrame() = %v", err)
	}
	if frame["Response"] != "Success" || frame["Message"] != "Authentication accepted" {
		t.Errorf("frame = %v", frame)
	}
	if len(frame) != 2 {
		t.Errorf("frame has %d fields, want 2", len(frame))
	}
}

func TestReadFrameValueWithColon(t *testing.T) {
	raw := "From: sip:100@pbx.local:5060\r\n\r\n"
	frame, err := readFrame(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("readFrame() = %v", err)
	}
	if frame["From"] != "sip:100@pbx.local:5060" {
		t.Errorf("frame[From] = %q, want full URI", frame["From"])
	}
}

func TestReadFrameEOF(t *testing.T) {
	if _, err := readFrame(bufio.NewReader(strings.NewReader(""))); err == nil {
		t.Error("readFrame() on empty input = nil error")
	}
}

func TestResponseSuccess(t *testing.T) {
	ok := Response{Fields: map[string]string{"Response": "Success"}}
	if !ok.Success() {
		t.Error("Success() = false for a Success response")
	}
	bad := Response{Fields: map[string]string{"Response": "Error", "Message": "Permission denied"}}
	if bad.Success() {
		t.Error("Success() = true for an Error response")
	}
	if bad.Message() != "Permission denied" {
		t.Errorf("Message() = %q", bad.Message())
	}
}

func TestValidateBanner(t *testing.T) {
	if err := validateBanner("Asterisk Call Manager/9.0.0\r\n"); err != nil {
		t.Errorf("validateBanner() = %v, want nil", err)
	}
	if err := validateBanner("HTTP/1.1 400 Bad Request\r\n"); err == nil {
		t.Error("validateBanner() accepted a non-manager greeting")
	}
}
