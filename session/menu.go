package session

import (
	"context"
	"errors"
	"time"
)

// ErrNoSelection is returned by Select when every attempt timed out or
// produced an unmapped key.
var ErrNoSelection = errors.New("no selection made")

// MenuAction is the closed variant bound to a menu option: either a
// callback to invoke or a value to return. Resolved when the menu is
// built, never via reflection at dispatch time.
type MenuAction struct {
	callback func(ctx context.Context) error
	value    string
	isValue  bool
}

// Invoke binds a callback to a menu option.
func Invoke(fn func(ctx context.Context) error) MenuAction {
	return MenuAction{callback: fn}
}

// Return binds a terminal value to a menu option.
func Return(value string) MenuAction {
	return MenuAction{value: value, isValue: true}
}

// MenuDefinition describes one bounded-retry prompted menu.
type MenuDefinition struct {
	// Prompt is spoken (voice) or sent (text) on every attempt.
	Prompt string

	// Options maps an input token to its action. Unmapped input is
	// treated identically to no input.
	Options map[string]MenuAction

	// Timeout is the per-attempt input deadline.
	Timeout time.Duration

	// MaxRetries bounds re-prompting: the prompt plays at most
	// MaxRetries+1 times.
	MaxRetries int

	// OnExhausted runs exactly once when retries run out. Nil means
	// hang up.
	OnExhausted func(ctx context.Context) error
}

// Menu prompts for input, invoking the matched option's callback. On
// unrecognized input or timeout it re-prompts up to MaxRetries times; when
// retries are exhausted the fallback fires exactly once.
func (s *Session) Menu(ctx context.Context, def MenuDefinition) error {
	_, err := s.runMenu(ctx, def)
	return err
}

// Select runs the same retry/timeout protocol as Menu but returns the
// chosen key instead of invoking a callback.
func (s *Session) Select(ctx context.Context, prompt string, options []string, timeout time.Duration, maxRetries int) (string, error) {
	def := MenuDefinition{
		Prompt:     prompt,
		Options:    make(map[string]MenuAction, len(options)),
		Timeout:    timeout,
		MaxRetries: maxRetries,
		OnExhausted: func(ctx context.Context) error {
			return ErrNoSelection
		},
	}
	for _, opt := range options {
		def.Options[opt] = Return(opt)
	}
	return s.runMenu(ctx, def)
}

// runMenu is the shared engine behind Menu and Select.
func (s *Session) runMenu(ctx context.Context, def MenuDefinition) (string, error) {
	maxLen := 0
	for key := range def.Options {
		if len(key) > maxLen {
			maxLen = len(key)
		}
	}
	if maxLen == 0 {
		return "", errors.New("menu has no options")
	}

	attempts := def.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		input, err := s.menuInput(ctx, def.Prompt, maxLen, def.Timeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				continue
			}
			return "", err
		}
		action, ok := def.Options[input]
		if !ok {
			s.logger.Debug("[Menu] Unmapped input", "session", s.ID(), "input", input, "attempt", attempt+1)
			continue
		}
		if action.isValue {
			return action.value, nil
		}
		return "", action.callback(ctx)
	}

	if def.OnExhausted != nil {
		return "", def.OnExhausted(ctx)
	}
	s.logger.Info("[Menu] Retries exhausted, hanging up", "session", s.ID())
	return "", s.Hangup(ctx)
}

// menuInput collects one attempt's input via the kind-appropriate
// primitive. Empty input is reported as ErrTimeout so the engine treats
// silence and unmapped keys the same way.
func (s *Session) menuInput(ctx context.Context, prompt string, maxLen int, timeout time.Duration) (string, error) {
	var input string
	var err error
	if s.kind == KindVoice {
		input, err = s.Gather(ctx, prompt, maxLen, timeout)
	} else {
		input, err = s.Prompt(ctx, prompt, timeout)
		if errors.Is(err, ErrTimeout) {
			return "", ErrTimeout
		}
	}
	if err != nil {
		return "", err
	}
	if input == "" {
		return "", ErrTimeout
	}
	return input, nil
}
