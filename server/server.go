// Package server accepts inbound PBX events and binds registered
// extension handlers to newly created sessions.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sebas/callscript/event"
	"github.com/sebas/callscript/session"
)

// causeUnallocated is Q.850 "unallocated number", used to reject calls to
// extensions with no registration.
const causeUnallocated = 1

// ConfigurationError indicates a malformed extension/handler binding,
// raised at registration time.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// binding associates a destination number with its handlers. Immutable
// once stored; re-registration swaps the whole value.
type binding struct {
	call session.CallHandler
	text session.TextHandler
}

// Config contains dependencies for creating a Server.
type Config struct {
	Registry  *session.Registry
	Commander session.Commander
	Speech    session.Speech
	Feed      <-chan event.Event
	Logger    *slog.Logger
}

// Server dispatches the normalized event feed: events for known sessions
// go to their queues, session-creating events for registered numbers spawn
// a session bound to the matching handler, and everything else is rejected
// or dropped.
type Server struct {
	registry *session.Registry
	cmd      session.Commander
	speech   session.Speech
	feed     <-chan event.Event
	logger   *slog.Logger

	mu         sync.RWMutex
	extensions map[string]binding
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, &ConfigurationError{Field: "Registry", Reason: "required"}
	}
	if cfg.Commander == nil {
		return nil, &ConfigurationError{Field: "Commander", Reason: "required"}
	}
	if cfg.Feed == nil {
		return nil, &ConfigurationError{Field: "Feed", Reason: "required"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:   cfg.Registry,
		cmd:        cfg.Commander,
		speech:     cfg.Speech,
		feed:       cfg.Feed,
		logger:     logger,
		extensions: make(map[string]binding),
	}, nil
}

// RegisterExtension associates a destination number with handler logic.
// Either handler may be nil when that kind is not served. Re-registering
// a number replaces the prior association; subsequent inbound events use
// only the latest binding.
func (s *Server) RegisterExtension(number string, call session.CallHandler, text session.TextHandler) error {
	if number == "" {
		return &ConfigurationError{Field: "number", Reason: "must not be empty"}
	}
	if call == nil && text == nil {
		return &ConfigurationError{Field: "handlers", Reason: "at least one of call or text handler is required"}
	}
	s.mu.Lock()
	_, replaced := s.extensions[number]
	s.extensions[number] = binding{call: call, text: text}
	s.mu.Unlock()

	if replaced {
		s.logger.Info("[Server] Extension re-registered", "number", number)
	} else {
		s.logger.Info("[Server] Extension registered", "number", number)
	}
	return nil
}

// lookup returns the binding for a destination number.
func (s *Server) lookup(number string) (binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.extensions[number]
	return b, ok
}

// ServeForever consumes the event feed until the context is canceled or
// the feed closes. Each new inbound session's handler runs as its own
// goroutine so a slow handler never delays another session's events.
func (s *Server) ServeForever(ctx context.Context) error {
	s.logger.Info("[Server] Serving inbound sessions")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.feed:
			if !ok {
				return nil
			}
			if ev.Kind == event.ErrorEvent && ev.ChannelID == "" {
				s.logger.Warn("[Server] Control-plane failure, failing suspended operations", "reason", ev.Reason)
				s.registry.Broadcast(ev)
				continue
			}
			if s.registry.Dispatch(ev) {
				continue
			}
			if !ev.CreatesSession() {
				s.logger.Debug("[Server] Event for inactive session discarded",
					"channel", ev.ChannelID, "kind", ev.Kind)
				continue
			}
			s.accept(ctx, ev)
		}
	}
}

// accept handles a session-creating event with no active session.
func (s *Server) accept(ctx context.Context, ev event.Event) {
	switch ev.Kind {
	case event.ChannelStarted:
		s.acceptCall(ctx, ev)
	case event.TextReceived:
		s.acceptText(ctx, ev)
	}
}

func (s *Server) acceptCall(ctx context.Context, ev event.Event) {
	b, ok := s.lookup(ev.Destination)
	if !ok || b.call == nil {
		s.logger.Warn("[Server] No handler for call, rejecting",
			"destination", ev.Destination, "channel", ev.ChannelID)
		if err := s.cmd.Hangup(ctx, ev.ChannelID, causeUnallocated); err != nil {
			s.logger.Warn("[Server] Reject hangup failed", "channel", ev.ChannelID, "error", err)
		}
		return
	}

	sess, created := s.registry.GetOrCreate(ev.ChannelID, func() *session.Session {
		return session.New(session.Config{
			ID:          ev.ChannelID,
			Kind:        session.KindVoice,
			Commander:   s.cmd,
			Speech:      s.speech,
			Logger:      s.logger,
			CallerID:    ev.CallerID,
			CallerName:  ev.CallerName,
			Destination: ev.Destination,
			OnClosed:    s.sessionClosed,
		})
	})
	if !created {
		// Duplicate start event lost the creation race; the winner's
		// session already handles this channel.
		s.logger.Debug("[Server] Duplicate channel start ignored", "channel", ev.ChannelID)
		return
	}

	s.logger.Info("[Server] Inbound call",
		"channel", ev.ChannelID, "destination", ev.Destination, "caller", ev.CallerID)
	handler := b.call
	sess.Start(func(ctx context.Context) error {
		return handler(ctx, sess)
	})
}

func (s *Server) acceptText(ctx context.Context, ev event.Event) {
	b, ok := s.lookup(ev.Destination)
	if !ok || b.text == nil {
		s.logger.Warn("[Server] No handler for text, rejecting",
			"destination", ev.Destination, "from", ev.From)
		if err := s.cmd.SendText(ctx, ev.Destination, ev.From, "No service is available at this number."); err != nil {
			s.logger.Warn("[Server] Reject reply failed", "from", ev.From, "error", err)
		}
		return
	}

	sess, created := s.registry.GetOrCreate(ev.ChannelID, func() *session.Session {
		return session.New(session.Config{
			ID:          ev.ChannelID,
			Kind:        session.KindText,
			Commander:   s.cmd,
			Speech:      s.speech,
			Logger:      s.logger,
			CallerID:    ev.From,
			Destination: ev.Destination,
			InitialBody: ev.Body,
			OnClosed:    s.sessionClosed,
		})
	})
	if !created {
		s.logger.Debug("[Server] Duplicate conversation start ignored", "conversation", ev.ChannelID)
		return
	}

	s.logger.Info("[Server] Inbound conversation",
		"conversation", ev.ChannelID, "destination", ev.Destination, "from", ev.From)
	handler := b.text
	sess.Start(func(ctx context.Context) error {
		return handler(ctx, sess)
	})
}

func (s *Server) sessionClosed(sess *session.Session) {
	s.registry.Remove(sess.ID())
	s.logger.Info("[Server] Session closed", "session", sess.ID(), "kind", sess.Kind())
}
