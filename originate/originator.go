// Package originate implements the outbound path: creating calls and
// text conversations on demand rather than in response to inbound events.
// Originated sessions share all session machinery with inbound ones.
package originate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sebas/callscript/event"
	"github.com/sebas/callscript/session"
)

// OriginationError indicates an outbound origination failed before the
// session reached the active state.
type OriginationError struct {
	Target string
	Reason string
	Cause  error
}

func (e *OriginationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("originate to %s failed: %s", e.Target, e.Reason)
	}
	return fmt.Sprintf("originate to %s failed: %v", e.Target, e.Cause)
}

func (e *OriginationError) Unwrap() error {
	return e.Cause
}

// Spec describes one outbound call origination for the driver.
type Spec struct {
	// OriginateID correlates the eventual OriginateResult and the
	// started channel back to this request. The driver must use it as
	// the manager action id and pass it in the stasis app args.
	OriginateID string
	Target      string
	CallerID    string
	CallerName  string
}

// Driver issues originate commands against the PBX. The real
// implementation knows how to build the channel expression for a target
// number.
type Driver interface {
	Originate(ctx context.Context, spec Spec) error
}

// Config contains dependencies for creating an Originator.
type Config struct {
	Registry  *session.Registry
	Driver    Driver
	Commander session.Commander
	Speech    session.Speech
	Logger    *slog.Logger

	// CallerID and CallerName identify this system on outbound calls
	// and messages.
	CallerID   string
	CallerName string

	// Timeout bounds how long an originate may stay pending. Zero
	// means 45 seconds.
	Timeout time.Duration
}

// Originator creates outbound sessions.
type Originator struct {
	registry   *session.Registry
	driver     Driver
	cmd        session.Commander
	speech     session.Speech
	logger     *slog.Logger
	callerID   string
	callerName string
	timeout    time.Duration
}

// New creates an Originator.
func New(cfg Config) *Originator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Originator{
		registry:   cfg.Registry,
		driver:     cfg.Driver,
		cmd:        cfg.Commander,
		speech:     cfg.Speech,
		logger:     logger,
		callerID:   cfg.CallerID,
		callerName: cfg.CallerName,
		timeout:    timeout,
	}
}

// Call originates a voice call to target and, once the PBX reports
// success, schedules handler as the session's logic. The session starts
// in Created, activates on a successful OriginateResult, and goes
// straight to Ended on failure.
func (o *Originator) Call(ctx context.Context, target string, handler session.CallHandler) (session.Voice, error) {
	if handler == nil {
		return nil, &OriginationError{Target: target, Reason: "nil handler"}
	}
	originateID := "orig-" + uuid.New().String()

	sess, created := o.registry.GetOrCreate(originateID, func() *session.Session {
		return session.New(session.Config{
			ID:          originateID,
			Kind:        session.KindVoice,
			Commander:   o.cmd,
			Speech:      o.speech,
			Logger:      o.logger,
			CallerID:    target,
			CallerName:  o.callerName,
			Destination: o.callerID,
			OnClosed:    o.sessionClosed,
		})
	})
	if !created {
		return nil, &OriginationError{Target: target, Reason: "correlation id collision"}
	}

	o.logger.Info("[Originator] Originating call", "target", target, "originate_id", originateID)
	if err := o.driver.Originate(ctx, Spec{
		OriginateID: originateID,
		Target:      target,
		CallerID:    o.callerID,
		CallerName:  o.callerName,
	}); err != nil {
		sess.Close()
		return nil, &OriginationError{Target: target, Cause: err}
	}

	if _, err := sess.WaitOriginate(ctx, originateID, o.timeout); err != nil {
		sess.Close()
		reason := ""
		if errors.Is(err, session.ErrTimeout) {
			reason = "no answer before timeout"
		}
		return nil, &OriginationError{Target: target, Reason: reason, Cause: err}
	}

	o.logger.Info("[Originator] Call established", "target", target, "channel", sess.ID())
	sess.Start(func(ctx context.Context) error {
		return handler(ctx, sess)
	})
	return sess, nil
}

// Text opens an outbound text conversation with target and schedules
// handler as its logic. Message submission is synchronous at the control
// plane, so the session activates as soon as it is registered; replies
// route back through the conversation id.
func (o *Originator) Text(ctx context.Context, target string, handler session.TextHandler) (session.Text, error) {
	if handler == nil {
		return nil, &OriginationError{Target: target, Reason: "nil handler"}
	}
	convID := event.ConversationID(target)

	sess, created := o.registry.GetOrCreate(convID, func() *session.Session {
		return session.New(session.Config{
			ID:          convID,
			Kind:        session.KindText,
			Commander:   o.cmd,
			Speech:      o.speech,
			Logger:      o.logger,
			CallerID:    target,
			CallerName:  o.callerName,
			Destination: o.callerID,
			OnClosed:    o.sessionClosed,
		})
	})
	if !created {
		return nil, &OriginationError{Target: target, Reason: "conversation already active"}
	}

	o.logger.Info("[Originator] Starting conversation", "target", target, "conversation", convID)
	sess.Start(func(ctx context.Context) error {
		return handler(ctx, sess)
	})
	return sess, nil
}

func (o *Originator) sessionClosed(sess *session.Session) {
	o.registry.Remove(sess.ID())
	o.logger.Info("[Originator] Session closed", "session", sess.ID(), "kind", sess.Kind())
}
