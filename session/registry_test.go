package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sebas/callscript/event"
)

func newTestRegistry() *Registry {
	return NewRegistry(RegistryConfig{
		SessionTTL:    time.Hour,
		SweepInterval: time.Hour,
	})
}

func registrySession(id string) *Session {
	return New(Config{
		ID:        id,
		Kind:      KindVoice,
		Commander: &fakeCommander{},
		Speech:    fakeSpeech{},
	})
}

func TestGetOrCreateSingleWinner(t *testing.T) {
	r := newTestRegistry()
	defer r.Stop()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var createdCount int
	sessions := make(map[*Session]bool)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, created := r.GetOrCreate("chan-race", func() *Session {
				return registrySession("chan-race")
			})
			mu.Lock()
			if created {
				createdCount++
			}
			sessions[s] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("created %d sessions, want 1", createdCount)
	}
	if len(sessions) != 1 {
		t.Errorf("observed %d distinct sessions, want 1", len(sessions))
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}

func TestDispatchDeliversToSession(t *testing.T) {
	r := newTestRegistry()
	defer r.Stop()

	s, _ := r.GetOrCreate("chan-1", func() *Session { return registrySession("chan-1") })
	defer s.Close()

	if !r.Dispatch(event.Event{Kind: event.DtmfReceived, ChannelID: "chan-1", Digit: "1"}) {
		t.Error("Dispatch() = false for known session, want true")
	}
	if r.Dispatch(event.Event{Kind: event.DtmfReceived, ChannelID: "chan-unknown", Digit: "1"}) {
		t.Error("Dispatch() = true for unknown channel, want false")
	}
}

func TestDispatchRekeysOnOriginateResult(t *testing.T) {
	r := newTestRegistry()
	defer r.Stop()

	s, _ := r.GetOrCreate("orig-1", func() *Session { return registrySession("orig-1") })
	defer s.Close()

	ok := r.Dispatch(event.Event{
		Kind:         event.OriginateResult,
		ChannelID:    "orig-1",
		Success:      true,
		NewChannelID: "chan-42",
	})
	if !ok {
		t.Fatal("Dispatch() = false for originate result, want true")
	}

	if s.ID() != "chan-42" {
		t.Errorf("session ID = %q, want \"chan-42\"", s.ID())
	}
	if got, found := r.Lookup("chan-42"); !found || got != s {
		t.Error("Lookup by new channel id failed")
	}
	// The originate id stays routable as an alias.
	if got, found := r.Lookup("orig-1"); !found || got != s {
		t.Error("Lookup by originate alias failed")
	}
}

func TestDispatchCorrelatesByOriginateID(t *testing.T) {
	r := newTestRegistry()
	defer r.Stop()

	s, _ := r.GetOrCreate("orig-2", func() *Session { return registrySession("orig-2") })
	defer s.Close()

	// The channel-start event can beat the originate result; its stasis
	// args carry the originate id.
	ok := r.Dispatch(event.Event{
		Kind:        event.ChannelStarted,
		ChannelID:   "chan-99",
		OriginateID: "orig-2",
	})
	if !ok {
		t.Fatal("Dispatch() = false for originate-correlated start, want true")
	}
	if s.ID() != "chan-99" {
		t.Errorf("session ID = %q, want \"chan-99\"", s.ID())
	}

	// The later originate result still routes through the alias.
	if !r.Dispatch(event.Event{Kind: event.OriginateResult, ChannelID: "orig-2", Success: true, NewChannelID: "chan-99"}) {
		t.Error("Dispatch() = false for late originate result, want true")
	}
}

func TestRemoveDropsSessionAndAliases(t *testing.T) {
	r := newTestRegistry()
	defer r.Stop()

	s, _ := r.GetOrCreate("orig-3", func() *Session { return registrySession("orig-3") })
	r.Dispatch(event.Event{Kind: event.OriginateResult, ChannelID: "orig-3", Success: true, NewChannelID: "chan-7"})

	r.Remove("chan-7")
	s.Close()

	if _, found := r.Lookup("chan-7"); found {
		t.Error("session still found after Remove")
	}
	if _, found := r.Lookup("orig-3"); found {
		t.Error("alias still routable after Remove")
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestEvictionClosesSession(t *testing.T) {
	r := NewRegistry(RegistryConfig{
		SessionTTL:    20 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	})
	defer r.Stop()

	s, _ := r.GetOrCreate("chan-idle", func() *Session { return registrySession("chan-idle") })

	waitUntil(t, "idle session evicted", func() bool { return s.State() == StateEnded })
	if _, found := r.Lookup("chan-idle"); found {
		t.Error("evicted session still in registry")
	}
}

func TestDispatchTouchExtendsLifetime(t *testing.T) {
	r := NewRegistry(RegistryConfig{
		SessionTTL:    60 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	defer r.Stop()

	s, _ := r.GetOrCreate("chan-busy", func() *Session { return registrySession("chan-busy") })
	defer s.Close()

	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		r.Dispatch(event.Event{Kind: event.DtmfReceived, ChannelID: "chan-busy", Digit: fmt.Sprint(i)})
	}
	if s.State() == StateEnded {
		t.Error("active session evicted despite traffic")
	}
}

func TestBroadcastReachesEverySession(t *testing.T) {
	r := newTestRegistry()
	defer r.Stop()

	errs := make(chan error, 2)
	for _, id := range []string{"chan-b1", "chan-b2"} {
		s, _ := r.GetOrCreate(id, func() *Session { return registrySession(id) })
		go func() {
			_, err := s.WaitOriginate(context.Background(), s.ID(), time.Second)
			errs <- err
		}()
		waitUntil(t, "pending on "+id, s.HasPending)
	}

	r.Broadcast(event.Event{Kind: event.ErrorEvent, Reason: "event feed lost"})

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Errorf("WaitOriginate() = %v, want ProtocolError", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast never resolved a suspended session")
		}
	}
}
