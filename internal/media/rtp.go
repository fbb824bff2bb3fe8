package media

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/rtp"
)

// ErrNoRemote indicates Write was called before SetRemote.
var ErrNoRemote = errors.New("rtp remote address not set")

// RTPSession streams G.711 audio over UDP for an external-media channel
// using RTP encapsulation. Write packetizes outbound PCM; Read yields
// inbound PCM frames.
type RTPSession struct {
	conn *net.UDPConn

	mu     sync.Mutex
	remote *net.UDPAddr

	payloadType uint8
	ssrc        uint32
	seq         uint16
	ts          uint32

	readBuf []byte
}

// ListenRTP binds localAddr with µ-law payloads. The send target is set
// later with SetRemote, once the PBX has published where it listens.
func ListenRTP(localAddr string) (*RTPSession, error) {
	local, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve local %s: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("bind rtp %s: %w", localAddr, err)
	}
	return &RTPSession{
		conn:        conn,
		payloadType: PayloadPCMU,
		ssrc:        randomSSRC(),
		seq:         randomSequence(),
		readBuf:     make([]byte, 1500),
	}, nil
}

// SetRemote targets outbound packets at remoteAddr.
func (s *RTPSession) SetRemote(remoteAddr string) error {
	remote, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return fmt.Errorf("resolve remote %s: %w", remoteAddr, err)
	}
	s.mu.Lock()
	s.remote = remote
	s.mu.Unlock()
	return nil
}

// LocalAddr returns the bound address, useful when the port was
// auto-assigned.
func (s *RTPSession) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Write packetizes 16-bit PCM into 20ms µ-law RTP packets and sends them.
func (s *RTPSession) Write(pcm []byte) error {
	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()
	if remote == nil {
		return ErrNoRemote
	}
	for off := 0; off < len(pcm); off += PCMFrameBytes {
		end := off + PCMFrameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    s.payloadType,
				SequenceNumber: s.seq,
				Timestamp:      s.ts,
				SSRC:           s.ssrc,
			},
			Payload: EncodeUlaw(pcm[off:end]),
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return fmt.Errorf("marshal rtp packet: %w", err)
		}
		if _, err := s.conn.WriteToUDP(raw, remote); err != nil {
			return fmt.Errorf("send rtp packet: %w", err)
		}
		s.seq++
		s.ts += uint32((end - off) / 2)
	}
	return nil
}

// Read blocks for the next inbound packet and returns its payload as
// 16-bit PCM. Non-G.711 payloads are skipped.
func (s *RTPSession) Read() ([]byte, error) {
	for {
		n, _, err := s.conn.ReadFromUDP(s.readBuf)
		if err != nil {
			return nil, err
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(s.readBuf[:n]); err != nil {
			continue // not RTP; ignore
		}
		switch pkt.PayloadType {
		case PayloadPCMU:
			return DecodeUlaw(pkt.Payload), nil
		case PayloadPCMA:
			return DecodeAlaw(pkt.Payload), nil
		}
	}
}

// Close releases the socket.
func (s *RTPSession) Close() error {
	return s.conn.Close()
}

func randomSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x12345678
	}
	return binary.BigEndian.Uint32(b[:])
}

func randomSequence() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}
