package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/callscript/event"
	"github.com/sebas/callscript/internal/store"
)

// RegistryConfig holds registry tuning knobs.
type RegistryConfig struct {
	Logger *slog.Logger

	// SessionTTL bounds how long a session may go without events before
	// the sweeper force-ends it. Covers sessions whose terminal event
	// was lost. Zero means 1 hour.
	SessionTTL time.Duration

	// SweepInterval is how often the leak sweeper runs. Zero means 1
	// minute.
	SweepInterval time.Duration
}

// Registry is the process-wide table of active sessions, keyed by channel
// or conversation id. It is the only state shared across sessions; safe
// for concurrent get-or-create, lookup, and removal.
type Registry struct {
	logger   *slog.Logger
	ttl      time.Duration
	sessions *store.TTLStore[string, *Session]

	amu     sync.Mutex
	aliases map[string]string // originate id -> current channel id
}

// NewRegistry creates a registry and starts its leak sweeper.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	r := &Registry{
		logger:  logger,
		ttl:     ttl,
		aliases: make(map[string]string),
	}
	r.sessions = store.NewTTLStore[string, *Session](interval, func(id string, s *Session) {
		logger.Warn("[Registry] Sweeping leaked session", "session", id, "state", s.State().String())
		s.Close()
	})
	return r
}

// GetOrCreate returns the session for id, creating it with the factory
// when absent. Concurrent creation attempts for the same id resolve to
// exactly one winner; losers get the winner's session and created=false.
func (r *Registry) GetOrCreate(id string, create func() *Session) (s *Session, created bool) {
	return r.sessions.GetOrCreate(id, r.ttl, create)
}

// Lookup returns the active session for a channel/conversation id,
// following originate aliases.
func (r *Registry) Lookup(id string) (*Session, bool) {
	if s, ok := r.sessions.Get(id); ok {
		return s, true
	}
	r.amu.Lock()
	target, ok := r.aliases[id]
	r.amu.Unlock()
	if !ok {
		return nil, false
	}
	return r.sessions.Get(target)
}

// Remove drops a session from the registry along with any aliases that
// point at it. Late events for the id are then discarded by Dispatch.
func (r *Registry) Remove(id string) {
	r.sessions.Delete(id)
	r.amu.Lock()
	for alias, target := range r.aliases {
		if target == id || alias == id {
			delete(r.aliases, alias)
		}
	}
	r.amu.Unlock()
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	return r.sessions.Len()
}

// Stop terminates the leak sweeper.
func (r *Registry) Stop() {
	r.sessions.Stop()
}

// Dispatch routes one canonical event to its session's private queue.
// Returns false when no session matches; the caller decides whether the
// event may create one. Events for unknown ids never create sessions
// here.
func (r *Registry) Dispatch(ev event.Event) bool {
	if s, ok := r.Lookup(ev.ChannelID); ok {
		r.sessions.Touch(s.ID(), r.ttl)
		if ev.Kind == event.OriginateResult && ev.Success && ev.NewChannelID != "" && s.ID() != ev.NewChannelID {
			r.rekey(s, ev.NewChannelID)
		}
		s.Deliver(ev)
		return true
	}

	// Channel events for an originated channel can arrive before the
	// session learns its real channel id; the stasis args carry the
	// originate id for exactly this correlation.
	if ev.OriginateID != "" {
		if s, ok := r.Lookup(ev.OriginateID); ok {
			if s.ID() != ev.ChannelID {
				r.rekey(s, ev.ChannelID)
			}
			r.sessions.Touch(s.ID(), r.ttl)
			s.Deliver(ev)
			return true
		}
	}
	return false
}

// Broadcast delivers a feed-wide event to every active session. Used
// for control-plane failures that are not scoped to one channel;
// sessions with nothing pending discard it.
func (r *Registry) Broadcast(ev event.Event) {
	r.sessions.Range(func(id string, s *Session) bool {
		s.Deliver(ev)
		return true
	})
}

// rekey moves a session to its real channel id, keeping the old id as an
// alias so in-flight correlations still route.
func (r *Registry) rekey(s *Session, newID string) {
	oldID := s.ID()
	if !r.sessions.Rename(oldID, newID) {
		r.logger.Warn("[Registry] Rekey failed", "session", oldID, "new_id", newID)
		return
	}
	s.SetID(newID)
	r.amu.Lock()
	r.aliases[oldID] = newID
	// Repoint any aliases that referenced the old id.
	for alias, target := range r.aliases {
		if target == oldID {
			r.aliases[alias] = newID
		}
	}
	r.amu.Unlock()
	r.logger.Debug("[Registry] Session rekeyed", "old_id", oldID, "new_id", newID)
}
