// Package notify delivers one-shot operator notifications by placing a
// call or opening a text conversation through the outbound initiator.
package notify

import (
	"context"
	"fmt"

	"github.com/sebas/callscript/originate"
	"github.com/sebas/callscript/session"
)

// Method selects how a notification is delivered.
type Method string

const (
	MethodCall Method = "call"
	MethodText Method = "text"
)

// Notifier sends notifications through an Originator.
type Notifier struct {
	originator *originate.Originator

	// SystemName is spoken in error notifications to identify the
	// sending system.
	SystemName string
}

// New creates a Notifier.
func New(o *originate.Originator, systemName string) *Notifier {
	return &Notifier{originator: o, SystemName: systemName}
}

// Notify delivers message to recipient via the chosen method, hanging up
// once it is spoken or sent. Blocks until delivery logic finishes.
func (n *Notifier) Notify(ctx context.Context, recipient, message string, method Method) error {
	done := make(chan error, 1)

	deliver := func(ctx context.Context, s session.Common) error {
		err := s.Say(ctx, message)
		if hangErr := s.Hangup(ctx); err == nil {
			err = hangErr
		}
		done <- err
		return err
	}

	switch method {
	case MethodText:
		if _, err := n.originator.Text(ctx, recipient, func(ctx context.Context, conv session.Text) error {
			return deliver(ctx, conv)
		}); err != nil {
			return err
		}
	case MethodCall, "":
		if _, err := n.originator.Call(ctx, recipient, func(ctx context.Context, call session.Voice) error {
			return deliver(ctx, call)
		}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown notification method %q", method)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyError wraps an error description in a spoken preamble naming the
// system, then delivers it.
func (n *Notifier) NotifyError(ctx context.Context, recipient, description string, method Method) error {
	message := fmt.Sprintf(
		"An error has occurred on system %s. Please listen carefully to the following message. %s",
		n.SystemName, description)
	return n.Notify(ctx, recipient, message, method)
}
