// Package ami implements a minimal manager-protocol client: action
// submission with ActionID correlation and an event stream. Transport and
// authentication only; event interpretation lives in the normalizer.
package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed indicates the client connection has been closed.
var ErrClosed = errors.New("manager connection closed")

const (
	dialTimeout    = 10 * time.Second
	defaultSendTTL = 15 * time.Second
	eventBuffer    = 256
)

// Client is a manager-protocol connection. Safe for concurrent use.
type Client struct {
	logger *slog.Logger
	conn   net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Response
	closed  bool

	events chan map[string]string
	done   chan struct{}
}

// Dial connects and authenticates against the manager interface.
func Dial(ctx context.Context, addr, user, pass string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial manager %s: %w", addr, err)
	}

	r := bufio.NewReader(conn)
	banner, err := r.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read manager banner: %w", err)
	}
	if err := validateBanner(banner); err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		logger:  logger,
		conn:    conn,
		pending: make(map[string]chan Response),
		events:  make(chan map[string]string, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)

	resp, err := c.Send(ctx, Action{Name: "Login", Fields: map[string]string{
		"Username": user,
		"Secret":   pass,
	}})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("manager login: %w", err)
	}
	if !resp.Success() {
		c.Close()
		return nil, fmt.Errorf("manager login rejected: %s", resp.Message())
	}

	logger.Info("[AMI] Connected", "addr", addr, "user", user)
	return c, nil
}

// Events returns the inbound event stream. Closed when the connection
// drops.
func (c *Client) Events() <-chan map[string]string {
	return c.events
}

// Send submits an action and waits for its correlated response. An
// ActionID is assigned when the caller did not set one.
func (c *Client) Send(ctx context.Context, a Action) (Response, error) {
	if a.Fields == nil {
		a.Fields = make(map[string]string)
	}
	actionID := a.Fields["ActionID"]
	if actionID == "" {
		actionID = uuid.New().String()
		a.Fields["ActionID"] = actionID
	}

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Response{}, ErrClosed
	}
	c.pending[actionID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, actionID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_, err := c.conn.Write(encodeAction(a))
	c.writeMu.Unlock()
	if err != nil {
		return Response{}, fmt.Errorf("send %s: %w", a.Name, err)
	}

	timeout := defaultSendTTL
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		return Response{}, fmt.Errorf("%s: response timeout", a.Name)
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-c.done:
		return Response{}, ErrClosed
	}
}

// Close tears down the connection and event stream. Safe to call more
// than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	err := c.conn.Close()
	return err
}

func (c *Client) readLoop(r *bufio.Reader) {
	defer close(c.events)
	for {
		frame, err := readFrame(r)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("[AMI] Connection lost", "error", err)
				c.Close()
			}
			return
		}

		if actionID, ok := frame["ActionID"]; ok && frame["Response"] != "" {
			c.mu.Lock()
			ch, waiting := c.pending[actionID]
			c.mu.Unlock()
			if waiting {
				ch <- Response{Fields: frame}
				continue
			}
			// Unmatched responses (late or follow-up frames) still
			// flow to the event stream when they carry an Event
			// header, and are dropped otherwise.
			if frame["Event"] == "" {
				c.logger.Debug("[AMI] Unmatched response dropped", "action_id", actionID)
				continue
			}
		}

		if frame["Event"] == "" {
			continue
		}
		select {
		case c.events <- frame:
		case <-c.done:
			return
		}
	}
}
