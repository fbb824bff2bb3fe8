package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sebas/callscript/event"
	"github.com/sebas/callscript/session"
)

type hangupCall struct {
	channelID string
	cause     int
}

type textCall struct {
	from, to, body string
}

type fakeCommander struct {
	mu      sync.Mutex
	answers []string
	hangups []hangupCall
	texts   []textCall
}

func (f *fakeCommander) Answer(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, channelID)
	return nil
}

func (f *fakeCommander) Play(ctx context.Context, channelID, playbackID, media string) error {
	return nil
}

func (f *fakeCommander) Record(ctx context.Context, channelID, name string, maxDuration time.Duration, terminator string) error {
	return nil
}

func (f *fakeCommander) Hangup(ctx context.Context, channelID string, cause int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, hangupCall{channelID: channelID, cause: cause})
	return nil
}

func (f *fakeCommander) SendText(ctx context.Context, from, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, textCall{from: from, to: to, body: body})
	return nil
}

func (f *fakeCommander) hangupList() []hangupCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hangupCall(nil), f.hangups...)
}

func (f *fakeCommander) textList() []textCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]textCall(nil), f.texts...)
}

type fakeSpeech struct{}

func (fakeSpeech) Resolve(_ context.Context, text string) (string, error) {
	return "sound:" + text, nil
}

type serverFixture struct {
	srv      *Server
	cmd      *fakeCommander
	registry *session.Registry
	feed     chan event.Event
	served   chan error
	cancel   context.CancelFunc
}

func startServer(t *testing.T) *serverFixture {
	t.Helper()
	cmd := &fakeCommander{}
	registry := session.NewRegistry(session.RegistryConfig{
		SessionTTL:    time.Hour,
		SweepInterval: time.Hour,
	})
	feed := make(chan event.Event, 16)
	srv, err := New(Config{
		Registry:  registry,
		Commander: cmd,
		Speech:    fakeSpeech{},
		Feed:      feed,
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.ServeForever(ctx) }()

	t.Cleanup(func() {
		cancel()
		registry.Stop()
	})
	return &serverFixture{srv: srv, cmd: cmd, registry: registry, feed: feed, served: served, cancel: cancel}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterExtensionValidation(t *testing.T) {
	f := startServer(t)

	if err := f.srv.RegisterExtension("", func(context.Context, session.Voice) error { return nil }, nil); err == nil {
		t.Error("RegisterExtension(\"\") = nil, want error")
	}
	if err := f.srv.RegisterExtension("100", nil, nil); err == nil {
		t.Error("RegisterExtension with no handlers = nil, want error")
	}
	if err := f.srv.RegisterExtension("100", func(context.Context, session.Voice) error { return nil }, nil); err != nil {
		t.Errorf("RegisterExtension() = %v, want nil", err)
	}
}

func TestInboundCallRunsHandler(t *testing.T) {
	f := startServer(t)

	type seen struct {
		caller, dest string
	}
	got := make(chan seen, 1)
	err := f.srv.RegisterExtension("15559990000", func(ctx context.Context, call session.Voice) error {
		got <- seen{caller: call.CallerID(), dest: call.Destination()}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("RegisterExtension() = %v", err)
	}

	f.feed <- event.Event{
		Kind:        event.ChannelStarted,
		ChannelID:   "chan-1",
		Destination: "15559990000",
		CallerID:    "15550001111",
	}

	select {
	case s := <-got:
		if s.caller != "15550001111" || s.dest != "15559990000" {
			t.Errorf("handler saw %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	// Handler returned, so the session tears down and leaves the
	// registry.
	waitUntil(t, "session removed", func() bool { return f.registry.Count() == 0 })
}

func TestUnregisteredCallRejected(t *testing.T) {
	f := startServer(t)

	f.feed <- event.Event{
		Kind:        event.ChannelStarted,
		ChannelID:   "chan-2",
		Destination: "15550009999",
	}

	waitUntil(t, "reject hangup", func() bool { return len(f.cmd.hangupList()) == 1 })
	h := f.cmd.hangupList()[0]
	if h.channelID != "chan-2" || h.cause != causeUnallocated {
		t.Errorf("rejected with %+v, want chan-2 cause %d", h, causeUnallocated)
	}
	if f.registry.Count() != 0 {
		t.Errorf("registry count = %d, want 0", f.registry.Count())
	}
}

func TestUnregisteredTextGetsReply(t *testing.T) {
	f := startServer(t)

	f.feed <- event.Event{
		Kind:        event.TextReceived,
		ChannelID:   event.ConversationID("15550001111"),
		Destination: "15550009999",
		From:        "15550001111",
		Body:        "hello?",
	}

	waitUntil(t, "reject reply", func() bool { return len(f.cmd.textList()) == 1 })
	reply := f.cmd.textList()[0]
	if reply.to != "15550001111" {
		t.Errorf("reject reply sent to %q, want the sender", reply.to)
	}
}

func TestEventsRouteToRunningSession(t *testing.T) {
	f := startServer(t)

	answered := make(chan error, 1)
	err := f.srv.RegisterExtension("15559990000", func(ctx context.Context, call session.Voice) error {
		err := call.Answer(ctx)
		answered <- err
		return err
	}, nil)
	if err != nil {
		t.Fatalf("RegisterExtension() = %v", err)
	}

	f.feed <- event.Event{
		Kind:        event.ChannelStarted,
		ChannelID:   "chan-3",
		Destination: "15559990000",
	}
	waitUntil(t, "answer command", func() bool {
		f.cmd.mu.Lock()
		defer f.cmd.mu.Unlock()
		return len(f.cmd.answers) == 1
	})

	f.feed <- event.Event{Kind: event.Answered, ChannelID: "chan-3"}
	select {
	case err := <-answered:
		if err != nil {
			t.Errorf("Answer() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Answer never resolved through the feed")
	}
}

func TestTextSessionSeesInitialBody(t *testing.T) {
	f := startServer(t)

	got := make(chan string, 1)
	err := f.srv.RegisterExtension("15559990000", nil, func(ctx context.Context, conv session.Text) error {
		got <- conv.InitialText()
		return nil
	})
	if err != nil {
		t.Fatalf("RegisterExtension() = %v", err)
	}

	f.feed <- event.Event{
		Kind:        event.TextReceived,
		ChannelID:   event.ConversationID("15550001111"),
		Destination: "15559990000",
		From:        "15550001111",
		Body:        "order status",
	}

	select {
	case body := <-got:
		if body != "order status" {
			t.Errorf("InitialText() = %q, want \"order status\"", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("text handler never ran")
	}
}

func TestDuplicateStartRunsHandlerOnce(t *testing.T) {
	f := startServer(t)

	runs := make(chan struct{}, 4)
	release := make(chan struct{})
	err := f.srv.RegisterExtension("15559990000", func(ctx context.Context, call session.Voice) error {
		runs <- struct{}{}
		<-release
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("RegisterExtension() = %v", err)
	}

	start := event.Event{Kind: event.ChannelStarted, ChannelID: "chan-4", Destination: "15559990000"}
	f.feed <- start
	f.feed <- start

	<-runs
	time.Sleep(50 * time.Millisecond)
	select {
	case <-runs:
		t.Error("duplicate start spawned a second handler")
	default:
	}
	close(release)
}

func TestReRegisterReplacesHandler(t *testing.T) {
	f := startServer(t)

	which := make(chan string, 2)
	reg := func(name string) error {
		return f.srv.RegisterExtension("15559990000", func(ctx context.Context, call session.Voice) error {
			which <- name
			return nil
		}, nil)
	}
	if err := reg("old"); err != nil {
		t.Fatalf("RegisterExtension() = %v", err)
	}
	if err := reg("new"); err != nil {
		t.Fatalf("re-RegisterExtension() = %v", err)
	}

	f.feed <- event.Event{Kind: event.ChannelStarted, ChannelID: "chan-5", Destination: "15559990000"}
	select {
	case name := <-which:
		if name != "new" {
			t.Errorf("handler %q ran, want the replacement", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestServeStopsOnFeedClose(t *testing.T) {
	f := startServer(t)

	close(f.feed)
	select {
	case err := <-f.served:
		if err != nil {
			t.Errorf("ServeForever() = %v, want nil on feed close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeForever did not return on feed close")
	}
}

func TestFeedErrorFailsSuspendedOperations(t *testing.T) {
	f := startServer(t)

	answered := make(chan error, 1)
	err := f.srv.RegisterExtension("15559990000", func(ctx context.Context, call session.Voice) error {
		answered <- call.Answer(ctx)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("RegisterExtension() = %v", err)
	}

	f.feed <- event.Event{
		Kind:        event.ChannelStarted,
		ChannelID:   "chan-9",
		Destination: "15559990000",
	}
	waitUntil(t, "answer command", func() bool {
		f.cmd.mu.Lock()
		defer f.cmd.mu.Unlock()
		return len(f.cmd.answers) == 1
	})

	// A channel-less error event means the control plane dropped;
	// every suspended operation must fail rather than wait forever.
	f.feed <- event.Event{Kind: event.ErrorEvent, Reason: "event feed lost"}
	select {
	case err := <-answered:
		var perr *session.ProtocolError
		if !errors.As(err, &perr) {
			t.Errorf("Answer() = %v, want ProtocolError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Answer never failed after the feed error")
	}
}
