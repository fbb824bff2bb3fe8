package pbx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callscript/internal/audiosocket"
	"github.com/sebas/callscript/internal/media"
)

// ErrNoMediaServer indicates the client was started without an
// AudioSocket listener.
var ErrNoMediaServer = errors.New("no media listener configured")

const mediaAcceptTimeout = 10 * time.Second

// MediaStream is a raw bidirectional audio stream attached to a call.
// Close releases both the stream and its PBX-side plumbing.
type MediaStream struct {
	*audiosocket.Conn

	client    *Client
	bridgeID  string
	channelID string
}

// OpenMediaStream bridges the channel with an external-media channel
// that streams its audio to this process over AudioSocket. The caller
// gets frame-level access to the call's audio in both directions.
func (c *Client) OpenMediaStream(ctx context.Context, channelID string) (*MediaStream, error) {
	if c.audio == nil {
		return nil, ErrNoMediaServer
	}

	streamID := uuid.New().String()
	mediaChannel, err := c.control.CreateExternalMedia(ctx, c.audio.Addr(), "audiosocket", streamID)
	if err != nil {
		return nil, fmt.Errorf("create media channel: %w", err)
	}

	bridgeID, err := c.bridgeMedia(ctx, channelID, mediaChannel)
	if err != nil {
		return nil, err
	}

	acceptCtx, cancel := context.WithTimeout(ctx, mediaAcceptTimeout)
	defer cancel()
	conn, err := c.audio.Accept(acceptCtx, streamID)
	if err != nil {
		c.teardownMedia(ctx, bridgeID, mediaChannel)
		return nil, fmt.Errorf("accept media stream: %w", err)
	}

	c.logger.Debug("[PBX] Media stream open", "channel", channelID, "stream", streamID)
	return &MediaStream{
		Conn:      conn,
		client:    c,
		bridgeID:  bridgeID,
		channelID: mediaChannel,
	}, nil
}

// Close hangs up the media leg and destroys the bridge.
func (m *MediaStream) Close() error {
	err := m.Conn.Hangup()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.client.teardownMedia(ctx, m.bridgeID, m.channelID)
	return err
}

// RTPStream is a raw bidirectional audio stream attached to a call,
// carried over RTP instead of AudioSocket. Close releases the stream
// and its PBX-side plumbing.
type RTPStream struct {
	*media.RTPSession

	client    *Client
	bridgeID  string
	channelID string
}

// OpenRTPStream bridges the channel with an external-media channel that
// exchanges its audio with this process over RTP. The PBX publishes the
// address it listens on through channel variables once the media channel
// exists.
func (c *Client) OpenRTPStream(ctx context.Context, channelID string) (*RTPStream, error) {
	if c.cfg.RTPAddr == "" {
		return nil, ErrNoMediaServer
	}

	sess, err := media.ListenRTP(c.cfg.RTPAddr)
	if err != nil {
		return nil, fmt.Errorf("bind rtp: %w", err)
	}

	mediaChannel, err := c.control.CreateExternalMedia(ctx, sess.LocalAddr().String(), "rtp", "")
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("create media channel: %w", err)
	}

	bridgeID, err := c.bridgeMedia(ctx, channelID, mediaChannel)
	if err != nil {
		sess.Close()
		return nil, err
	}

	remote, err := c.rtpRemote(ctx, mediaChannel)
	if err != nil {
		sess.Close()
		c.teardownMedia(ctx, bridgeID, mediaChannel)
		return nil, err
	}
	if err := sess.SetRemote(remote); err != nil {
		sess.Close()
		c.teardownMedia(ctx, bridgeID, mediaChannel)
		return nil, err
	}

	c.logger.Debug("[PBX] RTP stream open", "channel", channelID, "remote", remote)
	return &RTPStream{
		RTPSession: sess,
		client:     c,
		bridgeID:   bridgeID,
		channelID:  mediaChannel,
	}, nil
}

// Close releases the RTP socket, hangs up the media leg and destroys
// the bridge.
func (r *RTPStream) Close() error {
	err := r.RTPSession.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.client.teardownMedia(ctx, r.bridgeID, r.channelID)
	return err
}

// rtpRemote reads where the PBX receives our audio for this media
// channel.
func (c *Client) rtpRemote(ctx context.Context, mediaChannel string) (string, error) {
	host, err := c.control.GetChannelVariable(ctx, mediaChannel, "UNICASTRTP_LOCAL_ADDRESS")
	if err != nil {
		return "", fmt.Errorf("read rtp host: %w", err)
	}
	port, err := c.control.GetChannelVariable(ctx, mediaChannel, "UNICASTRTP_LOCAL_PORT")
	if err != nil {
		return "", fmt.Errorf("read rtp port: %w", err)
	}
	return net.JoinHostPort(host, port), nil
}

// bridgeMedia mixes the call with its media channel.
func (c *Client) bridgeMedia(ctx context.Context, channelID, mediaChannel string) (string, error) {
	bridgeID, err := c.control.CreateBridge(ctx)
	if err != nil {
		c.control.HangupChannel(ctx, mediaChannel, 0)
		return "", fmt.Errorf("create media bridge: %w", err)
	}
	if err := c.control.AddChannelToBridge(ctx, bridgeID, channelID); err != nil {
		c.teardownMedia(ctx, bridgeID, mediaChannel)
		return "", fmt.Errorf("bridge channel: %w", err)
	}
	if err := c.control.AddChannelToBridge(ctx, bridgeID, mediaChannel); err != nil {
		c.teardownMedia(ctx, bridgeID, mediaChannel)
		return "", fmt.Errorf("bridge media channel: %w", err)
	}
	return bridgeID, nil
}

func (c *Client) teardownMedia(ctx context.Context, bridgeID, mediaChannel string) {
	if err := c.control.HangupChannel(ctx, mediaChannel, 0); err != nil {
		c.logger.Debug("[PBX] Media channel teardown", "error", err)
	}
	if err := c.control.DestroyBridge(ctx, bridgeID); err != nil {
		c.logger.Debug("[PBX] Media bridge teardown", "error", err)
	}
}
