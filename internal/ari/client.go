// Package ari implements a minimal REST/event-stream client for the
// PBX's channel-control interface: channel operations plus the websocket
// event feed. Event interpretation lives in the normalizer.
package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	requestTimeout   = 15 * time.Second
	reconnectInitial = time.Second
	reconnectMax     = 30 * time.Second
	feedBuffer       = 256
)

// Config describes a channel-control connection.
type Config struct {
	// BaseURL is the REST root, e.g. "http://pbx:8088/ari".
	BaseURL  string
	Username string
	Password string
	// App is the stasis application name events are scoped to.
	App    string
	Logger *slog.Logger

	// OnDisconnect is called whenever the event feed drops, before
	// the client starts reconnecting. Events emitted by the PBX
	// during the gap are lost.
	OnDisconnect func(err error)
}

// Client issues channel-control requests and streams raw feed payloads.
type Client struct {
	base   string
	user   string
	pass   string
	app    string
	http   *http.Client
	logger *slog.Logger

	onDisconnect func(err error)
}

// New creates a Client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		user:   cfg.Username,
		pass:   cfg.Password,
		app:    cfg.App,
		http:   &http.Client{Timeout: requestTimeout},
		logger: logger,

		onDisconnect: cfg.OnDisconnect,
	}
}

// Connect opens the websocket event feed and returns a channel of raw
// JSON payloads. The feed reconnects with backoff until ctx is canceled;
// the channel closes when it gives up.
func (c *Client) Connect(ctx context.Context) (<-chan []byte, error) {
	wsURL, err := c.feedURL()
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial event feed: %w", err)
	}
	c.logger.Info("[ARI] Event feed connected", "app", c.app)

	feed := make(chan []byte, feedBuffer)
	go c.readLoop(ctx, conn, wsURL, feed)
	return feed, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, wsURL string, feed chan<- []byte) {
	defer close(feed)
	backoff := reconnectInitial
	for {
		_, data, err := conn.ReadMessage()
		if err == nil {
			backoff = reconnectInitial
			select {
			case feed <- data:
			case <-ctx.Done():
				conn.Close()
				return
			}
			continue
		}

		conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("[ARI] Event feed lost, reconnecting", "error", err, "backoff", backoff)
		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			next, _, derr := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
			if derr == nil {
				conn = next
				c.logger.Info("[ARI] Event feed reconnected")
				break
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			c.logger.Warn("[ARI] Reconnect failed", "error", derr, "backoff", backoff)
		}
	}
}

func (c *Client) feedURL() (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"
	q := u.Query()
	q.Set("app", c.app)
	q.Set("api_key", c.user+":"+c.pass)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// AnswerChannel accepts an inbound channel.
func (c *Client) AnswerChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil)
}

// PlayMedia starts playback with a caller-chosen playback id so the
// completion event can be correlated.
func (c *Client) PlayMedia(ctx context.Context, channelID, playbackID, media string) error {
	q := url.Values{"media": {media}}
	path := "/channels/" + url.PathEscape(channelID) + "/play/" + url.PathEscape(playbackID)
	return c.do(ctx, http.MethodPost, path, q)
}

// RecordChannel starts recording into the named resource.
func (c *Client) RecordChannel(ctx context.Context, channelID, name string, maxDuration time.Duration, terminator string) error {
	q := url.Values{
		"name":   {name},
		"format": {"wav"},
	}
	if maxDuration > 0 {
		q.Set("maxDurationSeconds", strconv.Itoa(int(maxDuration/time.Second)))
	}
	if terminator != "" {
		q.Set("terminateOn", terminator)
	}
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/record", q)
}

// HangupChannel terminates a channel.
func (c *Client) HangupChannel(ctx context.Context, channelID string, cause int) error {
	q := url.Values{}
	if cause > 0 {
		q.Set("reason_code", strconv.Itoa(cause))
	}
	return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), q)
}

// CreateExternalMedia creates a channel that streams the call's audio to
// an external media host. Returns the new channel's id.
func (c *Client) CreateExternalMedia(ctx context.Context, externalHost, encapsulation, streamID string) (string, error) {
	q := url.Values{}
	q.Set("app", c.app)
	q.Set("external_host", externalHost)
	q.Set("format", "slin")
	q.Set("encapsulation", encapsulation)
	if streamID != "" {
		q.Set("data", streamID)
	}
	if encapsulation == "audiosocket" {
		q.Set("transport", "tcp")
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/channels/externalMedia", q, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetChannelVariable reads a channel variable's current value.
func (c *Client) GetChannelVariable(ctx context.Context, channelID, name string) (string, error) {
	q := url.Values{"variable": {name}}
	var out struct {
		Value string `json:"value"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID)+"/variable", q, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

// CreateBridge creates a mixing bridge and returns its id.
func (c *Client) CreateBridge(ctx context.Context) (string, error) {
	q := url.Values{"type": {"mixing"}}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/bridges", q, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// AddChannelToBridge places a channel into a bridge.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{"channel": {channelID}}
	return c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q)
}

// DestroyBridge tears a bridge down.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values) error {
	return c.doJSON(ctx, method, path, q, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.user, c.pass)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}
