package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GatherTerminator stops digit collection early when pressed.
const GatherTerminator = '#'

// hangupCauseNormal is Q.850 normal call clearing.
const hangupCauseNormal = 16

// Answer accepts the call and suspends until the PBX reports the channel
// up. A no-op when the call is already answered.
func (s *Session) Answer(ctx context.Context) error {
	if s.kind != KindVoice {
		return ErrNotVoice
	}
	s.mu.Lock()
	answered := s.answered
	s.mu.Unlock()
	if answered {
		return nil
	}

	p, err := s.arm(opAnswer, s.ID())
	if err != nil {
		return err
	}
	if err := s.cmd.Answer(ctx, s.ID()); err != nil {
		s.disarm(p)
		return fmt.Errorf("answer %s: %w", s.ID(), err)
	}
	res := s.wait(ctx, p)
	return res.err
}

// Say resolves text through the speech collaborator and plays it (voice),
// or sends it as a message (text). Voice sessions are answered first if
// needed, since playback is inaudible otherwise.
func (s *Session) Say(ctx context.Context, text string) error {
	if s.kind == KindText {
		return s.sendText(ctx, text)
	}
	media, err := s.resolveSpeech(ctx, text)
	if err != nil {
		return err
	}
	return s.Play(ctx, media)
}

// Play plays a media resource and suspends until playback finishes. If
// the channel ends mid-playback the call returns ErrChannelGone instead
// of hanging.
func (s *Session) Play(ctx context.Context, media string) error {
	if s.kind != KindVoice {
		return ErrNotVoice
	}
	if err := s.Answer(ctx); err != nil {
		return err
	}

	playbackID := "pb-" + uuid.New().String()
	p, err := s.arm(opPlay, playbackID)
	if err != nil {
		return err
	}
	if err := s.cmd.Play(ctx, s.ID(), playbackID, media); err != nil {
		s.disarm(p)
		return fmt.Errorf("play %s on %s: %w", media, s.ID(), err)
	}
	res := s.wait(ctx, p)
	return res.err
}

// Gather plays the prompt and collects DTMF digits. Digits pressed during
// the prompt count (barge-in). Collection ends at numDigits, on the '#'
// terminator, or when timeout elapses with no further digit after the
// prompt finished; on timeout the partial sequence is returned without
// error.
func (s *Session) Gather(ctx context.Context, prompt string, numDigits int, timeout time.Duration) (string, error) {
	if s.kind != KindVoice {
		return "", ErrNotVoice
	}
	if err := s.Answer(ctx); err != nil {
		return "", err
	}
	media, err := s.resolveSpeech(ctx, prompt)
	if err != nil {
		return "", err
	}

	playbackID := "pb-" + uuid.New().String()
	p, err := s.arm(opGather, playbackID)
	if err != nil {
		return "", err
	}
	p.numDigits = numDigits
	p.terminator = GatherTerminator
	p.timeout = timeout

	if err := s.cmd.Play(ctx, s.ID(), playbackID, media); err != nil {
		s.disarm(p)
		return "", fmt.Errorf("gather prompt on %s: %w", s.ID(), err)
	}
	res := s.wait(ctx, p)
	return res.digits, res.err
}

// Record captures audio from the channel until natural stop, the
// terminator digit, maxDuration, or channel end.
func (s *Session) Record(ctx context.Context, maxDuration time.Duration, terminator string) (Recording, error) {
	if s.kind != KindVoice {
		return Recording{}, ErrNotVoice
	}
	if err := s.Answer(ctx); err != nil {
		return Recording{}, err
	}

	name := "rec-" + uuid.New().String()
	p, err := s.arm(opRecord, name)
	if err != nil {
		return Recording{}, err
	}
	if maxDuration > 0 {
		// Safety margin over the PBX-enforced limit so a lost
		// completion event cannot strand the handler.
		p.timeout = maxDuration + 5*time.Second
		s.mu.Lock()
		if s.pending == p {
			p.timer = s.newExpiryTimer(p)
		}
		s.mu.Unlock()
	}
	if err := s.cmd.Record(ctx, s.ID(), name, maxDuration, terminator); err != nil {
		s.disarm(p)
		return Recording{}, fmt.Errorf("record on %s: %w", s.ID(), err)
	}
	res := s.wait(ctx, p)
	return res.recording, res.err
}

// Prompt sends the prompt text and suspends until the next inbound
// message on this conversation. With a non-zero timeout, ErrTimeout is
// returned when no reply arrives in time.
func (s *Session) Prompt(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if s.kind != KindText {
		return "", ErrNotText
	}

	p, err := s.arm(opPrompt, s.ID())
	if err != nil {
		return "", err
	}
	if timeout > 0 {
		p.timeout = timeout
		s.mu.Lock()
		if s.pending == p {
			p.timer = s.newExpiryTimer(p)
		}
		s.mu.Unlock()
	}
	if err := s.cmd.SendText(ctx, s.destination, s.callerID, prompt); err != nil {
		s.disarm(p)
		return "", fmt.Errorf("prompt %s: %w", s.ID(), err)
	}
	res := s.wait(ctx, p)
	return res.text, res.err
}

// AskYesNo asks a yes/no question: digit 1/2 on voice, a yes/no reply on
// text.
func (s *Session) AskYesNo(ctx context.Context, question string) (bool, error) {
	if s.kind == KindVoice {
		digits, err := s.Gather(ctx, question+" Press 1 for yes or 2 for no.", 1, 10*time.Second)
		if err != nil {
			return false, err
		}
		return digits == "1", nil
	}
	reply, err := s.Prompt(ctx, question+" (yes/no)", 0)
	if err != nil {
		return false, err
	}
	switch reply {
	case "yes", "Yes", "YES", "y", "Y":
		return true, nil
	}
	return false, nil
}

// Hangup issues the terminate command. Idempotent: on an already-ending
// or ended session it is a no-op, never an error, and the terminate
// command goes out at most once.
func (s *Session) Hangup(ctx context.Context) error {
	s.mu.Lock()
	if s.hungUp || s.state == StateEnding || s.state == StateEnded {
		s.mu.Unlock()
		return nil
	}
	s.hungUp = true
	id := s.id
	s.mu.Unlock()

	if s.kind == KindVoice {
		if err := s.cmd.Hangup(ctx, id, hangupCauseNormal); err != nil {
			s.logger.Warn("[Session] Hangup command failed", "session", id, "error", err)
		}
	}
	s.terminate()
	return nil
}

// WaitOriginate suspends until the PBX reports the outcome of the
// originate identified by originateID. Returns the new channel id on
// success. Used by the outbound initiator; not part of the handler
// surface.
func (s *Session) WaitOriginate(ctx context.Context, originateID string, timeout time.Duration) (string, error) {
	p, err := s.arm(opOriginate, originateID)
	if err != nil {
		return "", err
	}
	if timeout > 0 {
		p.timeout = timeout
		s.mu.Lock()
		if s.pending == p {
			p.timer = s.newExpiryTimer(p)
		}
		s.mu.Unlock()
	}
	res := s.wait(ctx, p)
	return res.channelID, res.err
}

// ConnectAgent suspends primitive-driven control and forwards all inbound
// events to the agent until it reports done, errors, or the channel ends.
func (s *Session) ConnectAgent(ctx context.Context, agent Agent) error {
	s.mu.Lock()
	if s.state == StateEnding || s.state == StateEnded {
		s.mu.Unlock()
		return ErrChannelGone
	}
	if s.pending != nil || s.agent != nil {
		s.mu.Unlock()
		return ErrOperationPending
	}
	p := newPending(opDelegate, s.id)
	s.pending = p
	s.agent = agent
	if s.state == StateActive {
		s.state = StateSuspended
	}
	s.mu.Unlock()

	res := s.wait(ctx, p)

	s.mu.Lock()
	if s.agent == agent {
		s.agent = nil
	}
	s.mu.Unlock()
	return res.err
}

// sendText delivers a text-session Say. Message submission is synchronous
// at the control plane, so there is nothing to suspend on.
func (s *Session) sendText(ctx context.Context, text string) error {
	s.mu.Lock()
	ending := s.state == StateEnding || s.state == StateEnded
	s.mu.Unlock()
	if ending {
		return ErrChannelGone
	}
	if err := s.cmd.SendText(ctx, s.destination, s.callerID, text); err != nil {
		return fmt.Errorf("send text %s: %w", s.ID(), err)
	}
	return nil
}

func (s *Session) resolveSpeech(ctx context.Context, text string) (string, error) {
	if s.speech == nil {
		return "", fmt.Errorf("session %s has no speech resolver", s.ID())
	}
	media, err := s.speech.Resolve(ctx, text)
	if err != nil {
		return "", fmt.Errorf("resolve speech: %w", err)
	}
	return media, nil
}
