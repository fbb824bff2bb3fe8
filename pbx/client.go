// Package pbx binds the manager-protocol and channel-control transports
// into the single surface the rest of the system consumes: a command
// issuer, an outbound-call driver and one merged normalized event feed.
package pbx

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/callscript/config"
	"github.com/sebas/callscript/event"
	"github.com/sebas/callscript/internal/ami"
	"github.com/sebas/callscript/internal/ari"
	"github.com/sebas/callscript/internal/audiosocket"
	"github.com/sebas/callscript/originate"
)

const (
	feedBuffer         = 512
	originateTimeoutMS = 45000
)

// Client is a connected PBX control plane. It implements
// session.Commander and originate.Driver.
type Client struct {
	cfg    config.Config
	logger *slog.Logger

	manager *ami.Client
	control *ari.Client
	norm    *event.Normalizer

	audio *audiosocket.Server

	feed chan event.Event

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	cancel    context.CancelFunc
}

// Connect dials both control transports and starts the merged event
// pump. The returned Client stays up until Close; the feed channel
// closes once both underlying streams have ended.
func Connect(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	manager, err := ami.Dial(ctx, cfg.ManagerAddr, cfg.ManagerUser, cfg.ManagerPass, logger)
	if err != nil {
		return nil, err
	}

	feedCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		logger:  logger,
		manager: manager,
		norm:    event.NewNormalizer(logger),
		feed:    make(chan event.Event, feedBuffer),
		cancel:  cancel,
	}

	c.control = ari.New(ari.Config{
		BaseURL:  cfg.ControlURL,
		Username: cfg.ControlUser,
		Password: cfg.ControlPass,
		App:      cfg.ControlApp,
		Logger:   logger,
		OnDisconnect: func(err error) {
			c.feedLost(event.SourceChannelControl, "event feed lost: "+err.Error())
		},
	})

	controlFeed, err := c.control.Connect(feedCtx)
	if err != nil {
		cancel()
		manager.Close()
		return nil, err
	}

	if cfg.AudioSocketAddr != "" {
		audio, err := audiosocket.Listen(cfg.AudioSocketAddr, logger)
		if err != nil {
			cancel()
			manager.Close()
			return nil, fmt.Errorf("start media listener: %w", err)
		}
		c.audio = audio
	}

	go c.pump(manager.Events(), controlFeed)
	return c, nil
}

// Events returns the merged normalized event feed.
func (c *Client) Events() <-chan event.Event {
	return c.feed
}

func (c *Client) pump(managerFeed <-chan map[string]string, controlFeed <-chan []byte) {
	defer close(c.feed)
	for managerFeed != nil || controlFeed != nil {
		select {
		case fields, ok := <-managerFeed:
			if !ok {
				managerFeed = nil
				c.feedLost(event.SourceManager, "manager feed ended")
				continue
			}
			if ev, ok := c.norm.FromManager(fields); ok {
				c.feed <- ev
			}
		case data, ok := <-controlFeed:
			if !ok {
				controlFeed = nil
				continue
			}
			if ev, ok := c.norm.FromChannelControl(data); ok {
				c.feed <- ev
			}
		}
	}
	c.logger.Info("[PBX] Event feed ended")
}

// feedLost surfaces a transport gap as a channel-less error event so
// suspended operations fail instead of waiting on completions that were
// lost in the gap. No-op during an orderly Close.
func (c *Client) feedLost(source event.Source, reason string) {
	if c.closed.Load() {
		return
	}
	c.feed <- event.Event{Kind: event.ErrorEvent, Source: source, Reason: reason}
}

// Answer accepts an inbound channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.control.AnswerChannel(ctx, channelID)
}

// Play starts playback on a channel.
func (c *Client) Play(ctx context.Context, channelID, playbackID, media string) error {
	return c.control.PlayMedia(ctx, channelID, playbackID, media)
}

// Record starts recording a channel.
func (c *Client) Record(ctx context.Context, channelID, name string, maxDuration time.Duration, terminator string) error {
	return c.control.RecordChannel(ctx, channelID, name, maxDuration, terminator)
}

// Hangup terminates a channel with a cause code.
func (c *Client) Hangup(ctx context.Context, channelID string, cause int) error {
	return c.control.HangupChannel(ctx, channelID, cause)
}

// SendText sends a text message through the manager interface. The body
// travels base64-encoded so arbitrary content survives the frame format.
func (c *Client) SendText(ctx context.Context, from, to, body string) error {
	resp, err := c.manager.Send(ctx, ami.Action{Name: "MessageSend", Fields: map[string]string{
		"To":         c.messageURI(to),
		"From":       c.messageURI(from),
		"Base64Body": base64.StdEncoding.EncodeToString([]byte(body)),
	}})
	if err != nil {
		return fmt.Errorf("send message to %s: %w", to, err)
	}
	if !resp.Success() {
		return fmt.Errorf("send message to %s: %s", to, resp.Message())
	}
	return nil
}

// Originate dials an outbound call and routes it into the control
// application. The originate id doubles as the manager ActionID so the
// result event correlates, and rides the application arguments so the
// channel-start event does too.
func (c *Client) Originate(ctx context.Context, spec originate.Spec) error {
	fields := map[string]string{
		"ActionID":    spec.OriginateID,
		"Channel":     c.dialString(spec.Target),
		"Application": "Stasis",
		"Data":        c.cfg.ControlApp + ",originate," + spec.OriginateID,
		"Timeout":     strconv.Itoa(originateTimeoutMS),
		"Async":       "true",
	}
	if spec.CallerID != "" {
		callerID := spec.CallerID
		if spec.CallerName != "" {
			callerID = fmt.Sprintf("%q <%s>", spec.CallerName, spec.CallerID)
		}
		fields["CallerID"] = callerID
	}
	resp, err := c.manager.Send(ctx, ami.Action{Name: "Originate", Fields: fields})
	if err != nil {
		return fmt.Errorf("originate %s: %w", spec.Target, err)
	}
	if !resp.Success() {
		return fmt.Errorf("originate %s: %s", spec.Target, resp.Message())
	}
	return nil
}

func (c *Client) dialString(target string) string {
	if c.cfg.PSTNEndpoint != "" {
		return "PJSIP/" + target + "@" + c.cfg.PSTNEndpoint
	}
	return "PJSIP/" + target
}

func (c *Client) messageURI(number string) string {
	if c.cfg.GatewayHost != "" {
		return "pjsip:" + number + "@" + c.cfg.GatewayHost
	}
	return "pjsip:" + number
}

// Close tears down both transports and the media listener.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.closeErr = c.manager.Close()
		if c.audio != nil {
			if err := c.audio.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}
