// Package session implements the per-call/per-conversation interaction
// state machine: a private ordered inbound event queue, a single-slot
// pending operation, and blocking-style primitives that suspend the
// handler goroutine until the PBX reports completion, timeout, or channel
// termination.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/callscript/event"
)

// Config contains dependencies for creating a Session.
type Config struct {
	ID          string
	Kind        Kind
	Commander   Commander
	Speech      Speech // required for voice Say
	Logger      *slog.Logger
	CallerID    string
	CallerName  string
	Destination string

	// InitialBody is the message that opened a text conversation, kept
	// so handler logic can act on it before the first Prompt.
	InitialBody string

	// OnClosed is called exactly once after the session reaches Ended.
	// The registry uses it to drop its entry.
	OnClosed func(s *Session)
}

// Session owns all state for one active call or text conversation. Events
// are routed through its private FIFO queue and consumed only by its own
// run loop; handler logic runs in a separate goroutine and touches the
// session only through the suspending primitives. No other component
// mutates session state.
type Session struct {
	kind   Kind
	cmd    Commander
	speech Speech
	logger *slog.Logger

	mu          sync.Mutex
	id          string
	callerID    string
	callerName  string
	destination string
	initialBody string
	state       State
	pending     *pending
	agent       Agent
	answered    bool
	hungUp      bool // terminate command already issued

	// inbound queue: unbounded FIFO drained only by the run loop
	qmu    sync.Mutex
	queue  []event.Event
	closed bool // no further deliveries accepted
	wake   chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{} // closed when the run loop must exit
	doneOnce sync.Once
	onClosed func(s *Session)
}

// New creates a session and starts its run loop. The handler is scheduled
// separately with Start; originate-pending sessions stay in Created until
// the originator activates them.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		kind:        cfg.Kind,
		cmd:         cfg.Commander,
		speech:      cfg.Speech,
		logger:      logger,
		id:          cfg.ID,
		callerID:    cfg.CallerID,
		callerName:  cfg.CallerName,
		destination: cfg.Destination,
		initialBody: cfg.InitialBody,
		state:       StateCreated,
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		onClosed:    cfg.OnClosed,
	}
	go s.run()
	return s
}

// ID returns the session's channel/conversation id. It changes once for
// originated sessions, when the PBX reports the real channel.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// SetID rebinds the session to a new channel id. Called by the registry
// when an originated channel gets its real id.
func (s *Session) SetID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

func (s *Session) Kind() Kind { return s.kind }

func (s *Session) CallerID() string { return s.callerID }

func (s *Session) CallerName() string { return s.callerName }

func (s *Session) Destination() string { return s.destination }

// InitialText returns the message that opened a text conversation, or ""
// for voice sessions and originated conversations.
func (s *Session) InitialText() string { return s.initialBody }

// Context returns the session context. Canceled when the channel ends.
func (s *Session) Context() context.Context { return s.ctx }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasPending reports whether an operation is currently suspended.
func (s *Session) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Start transitions Created -> Active and schedules fn as the session's
// handler goroutine. When fn returns (or panics) the session is torn down:
// hangup is attempted as the last cleanup action, the state moves to
// Ended, and OnClosed fires.
func (s *Session) Start(fn func(ctx context.Context) error) {
	s.mu.Lock()
	if s.state == StateCreated {
		s.state = StateActive
	}
	s.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("[Session] Handler panicked", "session", s.ID(), "panic", r)
			}
			s.shutdown()
		}()
		if err := fn(s.ctx); err != nil && !errors.Is(err, ErrChannelGone) && !errors.Is(err, context.Canceled) {
			s.logger.Warn("[Session] Handler failed", "session", s.ID(), "error", err)
		}
	}()
}

// Activate transitions Created -> Active without scheduling a handler.
// Used by the originator, which runs caller-supplied logic itself.
func (s *Session) Activate() {
	s.mu.Lock()
	if s.state == StateCreated {
		s.state = StateActive
	}
	s.mu.Unlock()
}

// Deliver appends an event to the session's private inbound queue. Events
// delivered after the session closed are discarded.
func (s *Session) Deliver(ev event.Event) {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		s.logger.Debug("[Session] Event for closed session discarded", "session", s.ID(), "kind", ev.Kind)
		return
	}
	s.queue = append(s.queue, ev)
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the session's event loop: the only consumer of the inbound queue
// and, with the primitives' resolve paths, the only mutator of session
// state.
func (s *Session) run() {
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
		for {
			s.qmu.Lock()
			if len(s.queue) == 0 {
				s.qmu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.qmu.Unlock()
			s.handle(ev)
		}
	}
}

// handle consumes one inbound event: terminal events tear the session
// down, delegated sessions forward to the agent, and everything else
// either resolves the pending operation or is discarded as stale.
func (s *Session) handle(ev event.Event) {
	if ev.Terminal() {
		s.mu.Lock()
		agent := s.agent
		s.mu.Unlock()
		if agent != nil {
			// Let the agent observe the end before control returns.
			if _, err := agent.HandleEvent(s.ctx, ev); err != nil {
				s.logger.Debug("[Session] Agent errored on terminal event", "session", s.ID(), "error", err)
			}
		}
		s.logger.Info("[Session] Channel ended", "session", s.ID(), "cause", ev.Cause, "reason", ev.Reason)
		s.terminate()
		return
	}

	s.mu.Lock()

	if ev.Kind == event.Answered {
		s.answered = true
	}

	// Control-plane failures fail the suspended primitive outright,
	// agent delegation included.
	if ev.Kind == event.ErrorEvent {
		p := s.pending
		if p == nil {
			s.mu.Unlock()
			s.logger.Debug("[Session] Control-plane error with nothing pending", "session", s.ID(), "reason", ev.Reason)
			return
		}
		s.agent = nil
		s.resolveLocked(p, result{err: &ProtocolError{Op: p.kind.String(), Reason: ev.Reason}})
		return
	}

	if s.agent != nil {
		agent := s.agent
		p := s.pending
		s.mu.Unlock()
		done, err := agent.HandleEvent(s.ctx, ev)
		if done || err != nil {
			s.resolve(p, result{err: err})
			s.mu.Lock()
			if s.agent == agent {
				s.agent = nil
			}
			s.mu.Unlock()
		}
		return
	}

	p := s.pending
	if p == nil {
		s.mu.Unlock()
		s.logger.Debug("[Session] Unsolicited event discarded", "session", s.ID(), "kind", ev.Kind)
		return
	}

	switch {
	case p.kind == opAnswer && ev.Kind == event.Answered:
		s.resolveLocked(p, result{})

	case p.kind == opPlay && ev.Kind == event.PlaybackFinished && ev.PlaybackID == p.key:
		s.resolveLocked(p, result{})

	case p.kind == opGather && ev.Kind == event.PlaybackFinished && ev.PlaybackID == p.key:
		// Prompt finished: start the no-input window.
		p.collecting = true
		if p.timeout > 0 {
			p.timer = s.newExpiryTimer(p)
		}
		s.mu.Unlock()

	case p.kind == opGather && ev.Kind == event.DtmfReceived:
		s.gatherDigitLocked(p, ev.Digit)

	case p.kind == opRecord && ev.Kind == event.RecordingFinished && ev.RecordingID == p.key:
		s.resolveLocked(p, result{recording: Recording{
			ID:       ev.RecordingID,
			URI:      "recording:" + ev.RecordingID,
			Duration: ev.RecordingDur,
		}})

	case p.kind == opPrompt && ev.Kind == event.TextReceived:
		s.resolveLocked(p, result{text: ev.Body})

	case p.kind == opOriginate && ev.Kind == event.OriginateResult:
		if ev.Success {
			// The dialed party picked up before the channel entered
			// the control application, so no Answered event follows.
			s.answered = true
			s.resolveLocked(p, result{channelID: ev.NewChannelID})
		} else {
			s.resolveLocked(p, result{err: &ProtocolError{Op: "originate", Reason: ev.Reason, Cause: ErrOriginateFailed}})
		}

	default:
		s.mu.Unlock()
		s.logger.Debug("[Session] Stale event discarded",
			"session", s.ID(), "kind", ev.Kind, "pending", p.kind.String())
	}
}

// gatherDigitLocked accumulates one DTMF digit into a pending gather.
// Caller holds s.mu; this releases it.
func (s *Session) gatherDigitLocked(p *pending, digit string) {
	if digit == "" {
		s.mu.Unlock()
		return
	}
	d := digit[0]
	if p.terminator != 0 && d == p.terminator {
		s.resolveLocked(p, result{digits: string(p.digits)})
		return
	}
	p.digits = append(p.digits, d)
	if p.numDigits > 0 && len(p.digits) >= p.numDigits {
		s.resolveLocked(p, result{digits: string(p.digits)})
		return
	}
	// Reset the inter-digit window.
	if p.collecting && p.timer != nil {
		p.timer.Reset(p.timeout)
	}
	s.mu.Unlock()
}

// arm installs a pending operation, enforcing the one-suspension-point
// invariant. Fails fast with ErrChannelGone once the session is ending.
func (s *Session) arm(kind opKind, key string) (*pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnding || s.state == StateEnded {
		return nil, ErrChannelGone
	}
	if s.pending != nil || s.agent != nil {
		return nil, ErrOperationPending
	}
	p := newPending(kind, key)
	s.pending = p
	if s.state == StateActive {
		s.state = StateSuspended
	}
	return p, nil
}

// disarm retracts a pending operation whose command failed to issue.
func (s *Session) disarm(p *pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == p {
		s.pending = nil
		p.stopTimer()
		if s.state == StateSuspended {
			s.state = StateActive
		}
	}
}

// resolve completes a pending operation if it is still the current one.
// Resolving and clearing the slot is one atomic transition; duplicate or
// stale resolutions are discarded here.
func (s *Session) resolve(p *pending, res result) bool {
	if p == nil {
		return false
	}
	s.mu.Lock()
	if s.pending != p {
		s.mu.Unlock()
		return false
	}
	s.resolveLocked(p, res)
	return true
}

// resolveLocked completes the current pending operation. Caller holds
// s.mu and has verified p == s.pending; this releases the lock.
func (s *Session) resolveLocked(p *pending, res result) {
	s.pending = nil
	p.stopTimer()
	if s.state == StateSuspended {
		s.state = StateActive
	}
	s.mu.Unlock()
	p.result <- res
}

// newExpiryTimer arms deadline expiry for p through the same resolve path
// completion events use.
func (s *Session) newExpiryTimer(p *pending) *time.Timer {
	return time.AfterFunc(p.timeout, func() { s.expire(p) })
}

// expire resolves a pending operation whose deadline passed. Gather
// returns the digits collected so far; everything else gets ErrTimeout.
func (s *Session) expire(p *pending) {
	s.mu.Lock()
	if s.pending != p {
		s.mu.Unlock()
		return
	}
	res := result{err: ErrTimeout}
	if p.kind == opGather {
		res = result{digits: string(p.digits)}
	}
	s.resolveLocked(p, res)
}

// wait blocks the calling handler until the pending operation resolves.
// Caller context cancellation races the real resolution through the same
// atomic path, so exactly one outcome wins.
func (s *Session) wait(ctx context.Context, p *pending) result {
	select {
	case res := <-p.result:
		return res
	case <-ctx.Done():
		if s.resolve(p, result{err: ctx.Err()}) {
			return result{err: ctx.Err()}
		}
		return <-p.result
	}
}

// terminate moves the session to Ending: the context is canceled and any
// outstanding operation resolves with a termination result so the handler
// is guaranteed to unblock. Idempotent.
func (s *Session) terminate() {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnding
	p := s.pending
	s.pending = nil
	s.agent = nil
	s.mu.Unlock()

	s.cancel()
	if p != nil {
		p.stopTimer()
		p.result <- result{err: ErrChannelGone}
	}
}

// shutdown finalizes the session after its handler returned: hangup is
// attempted as the last cleanup action, the run loop stops, and OnClosed
// fires exactly once.
func (s *Session) shutdown() {
	if err := s.Hangup(context.Background()); err != nil {
		s.logger.Debug("[Session] Cleanup hangup failed", "session", s.ID(), "error", err)
	}
	s.terminate()
	s.close()
}

// Close force-ends a session that never got a terminal event (registry
// leak sweeping). Outstanding operations resolve with termination.
func (s *Session) Close() {
	s.terminate()
	s.close()
}

func (s *Session) close() {
	s.doneOnce.Do(func() {
		s.qmu.Lock()
		s.closed = true
		s.queue = nil
		s.qmu.Unlock()

		s.mu.Lock()
		s.state = StateEnded
		s.mu.Unlock()

		close(s.done)
		if s.onClosed != nil {
			s.onClosed(s)
		}
	})
}
