package audiosocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callscript/internal/media"
)

// ErrHangup is returned by Read once the remote side signals hangup.
var ErrHangup = errors.New("audiosocket: remote hangup")

// Conn is an established AudioSocket stream. Inbound audio is drained
// into a jitter buffer by a background goroutine so slow readers never
// stall the TCP connection.
type Conn struct {
	id     string
	nc     net.Conn
	jitter *media.JitterBuffer
	done   chan struct{}
}

func newConn(id string, nc net.Conn) *Conn {
	c := &Conn{
		id:     id,
		nc:     nc,
		jitter: media.NewJitterBuffer(0, 0),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// ID returns the stream identifier announced by the remote side.
func (c *Conn) ID() string { return c.id }

func (c *Conn) readLoop() {
	defer c.jitter.Close()
	defer close(c.done)
	for {
		f, err := ReadFrame(c.nc)
		if err != nil {
			return
		}
		switch f.Kind {
		case KindAudio:
			c.jitter.Put(f.Payload)
		case KindHangup:
			return
		}
	}
}

// Read returns the next buffered audio frame as 16-bit PCM.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	frame, err := c.jitter.Get(ctx)
	if err != nil {
		if errors.Is(err, media.ErrBufferClosed) {
			return nil, ErrHangup
		}
		return nil, err
	}
	return frame, nil
}

// Write sends 16-bit PCM audio, chunked into 20ms frames and paced at
// real time so the remote jitter buffer is not flooded.
func (c *Conn) Write(ctx context.Context, pcm []byte) error {
	ticker := time.NewTicker(media.FrameDur)
	defer ticker.Stop()
	for off := 0; off < len(pcm); off += media.PCMFrameBytes {
		end := off + media.PCMFrameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := WriteFrame(c.nc, Frame{Kind: KindAudio, Payload: pcm[off:end]}); err != nil {
			return fmt.Errorf("write audio frame: %w", err)
		}
		if end == len(pcm) {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrHangup
		}
	}
	return nil
}

// Hangup signals end of stream to the remote side and closes the
// connection.
func (c *Conn) Hangup() error {
	_ = WriteFrame(c.nc, Frame{Kind: KindHangup})
	return c.nc.Close()
}

// Close tears the connection down without a hangup frame.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// handshake reads the initial ID frame that every AudioSocket stream
// opens with.
func handshake(nc net.Conn) (string, error) {
	_ = nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer nc.SetReadDeadline(time.Time{})

	f, err := ReadFrame(nc)
	if err != nil {
		return "", fmt.Errorf("read id frame: %w", err)
	}
	if f.Kind != KindID {
		return "", fmt.Errorf("unexpected first frame kind 0x%02x", f.Kind)
	}
	if len(f.Payload) == 16 {
		id, err := uuid.FromBytes(f.Payload)
		if err == nil {
			return id.String(), nil
		}
	}
	return string(f.Payload), nil
}
