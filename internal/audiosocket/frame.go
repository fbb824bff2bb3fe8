// Package audiosocket implements the AudioSocket wire protocol used by
// external-media channels. Each frame is a 1-byte kind, a 2-byte
// big-endian payload length and the payload itself.
package audiosocket

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame kinds.
const (
	KindHangup = 0x00
	KindID     = 0x01
	KindAudio  = 0x10
	KindError  = 0xff
)

// MaxPayload is the largest payload a frame header can describe.
const MaxPayload = 0xffff

const headerLen = 3

// Frame is a single AudioSocket message.
type Frame struct {
	Kind    byte
	Payload []byte
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint16(hdr[1:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("read frame payload: %w", err)
	}
	return Frame{Kind: hdr[0], Payload: payload}, nil
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("frame payload too large: %d bytes", len(f.Payload))
	}
	buf := make([]byte, headerLen+len(f.Payload))
	buf[0] = f.Kind
	binary.BigEndian.PutUint16(buf[1:], uint16(len(f.Payload)))
	copy(buf[headerLen:], f.Payload)
	_, err := w.Write(buf)
	return err
}
