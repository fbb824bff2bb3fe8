// Package media handles the raw audio path for external-media streams:
// G.711 transcoding, jitter buffering, and RTP packetization.
package media

import (
	"time"

	"github.com/zaf/g711"
)

// Stream format constants for the 8 kHz signed-linear format the PBX
// sends on external-media channels.
const (
	SampleRate = 8000
	FrameDur   = 20 * time.Millisecond

	// PCMFrameBytes is one 20ms frame of 16-bit samples.
	PCMFrameBytes = 320
	// G711FrameBytes is one 20ms frame of 8-bit companded samples.
	G711FrameBytes = 160
)

// RTP payload types for the codecs we transcode.
const (
	PayloadPCMU uint8 = 0
	PayloadPCMA uint8 = 8
)

// EncodeUlaw converts 16-bit PCM to µ-law.
func EncodeUlaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// DecodeUlaw converts µ-law to 16-bit PCM.
func DecodeUlaw(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// EncodeAlaw converts 16-bit PCM to A-law.
func EncodeAlaw(pcm []byte) []byte {
	return g711.EncodeAlaw(pcm)
}

// DecodeAlaw converts A-law to 16-bit PCM.
func DecodeAlaw(alaw []byte) []byte {
	return g711.DecodeAlaw(alaw)
}
