// Package audio implements the 20 ms frame codec used between the browser
// widget and the realtime provider: frame classification, Opus↔PCM transcode,
// jitter buffering, energy-based voice activity hints, and backpressure
// accounting.
//
// Frames are the atomic unit of audio transport. The gateway hands every
// inbound binary WebSocket message to [Classify]; audio payloads become
// [Frame] values that flow through a per-session [Ring] before being
// forwarded upstream.
package audio

import (
	"time"
	"unicode"
)

// Transport limits. Frames larger than MaxFrameBytes are dropped with a
// warning; the browser widget never legitimately produces them.
const (
	DefaultFrameMs    = 20
	MaxFrameBytes     = 4096
	DefaultSampleRate = 48000

	// RingFrames sizes the per-session jitter buffer: 10 × 20 ms = 200 ms.
	RingFrames = 10
)

// ValidFrameMs lists the permitted frame durations.
var ValidFrameMs = []int{10, 20, 40}

// Format identifies the payload encoding of a [Frame].
type Format string

const (
	FormatOpus  Format = "opus"
	FormatPCM16 Format = "pcm"
)

// Frame is a single frame of audio in transport.
type Frame struct {
	// Payload is the encoded audio: an Opus packet or little-endian int16
	// PCM, per Format.
	Payload []byte

	Format     Format
	SampleRate int
	Channels   int

	// FrameMs is the frame duration. One of [ValidFrameMs]; default 20.
	FrameMs int

	// Seq is the per-session arrival sequence number.
	Seq uint64

	// Ts is the monotonic capture timestamp relative to session start.
	Ts time.Duration
}

// SamplesPerFrame returns the per-channel sample count for a frame duration
// at the given rate (960 for 20 ms at 48 kHz).
func SamplesPerFrame(sampleRate, frameMs int) int {
	return sampleRate * frameMs / 1000
}

// Kind is the result of classifying an inbound binary message.
type Kind int

const (
	// KindAudio marks a raw audio payload (Opus or PCM).
	KindAudio Kind = iota

	// KindControl marks a JSON control message that arrived on the binary
	// path. Browsers occasionally send control envelopes as binary frames.
	KindControl
)

// Classify decides whether an inbound binary message is audio or a JSON
// control envelope: a payload whose first non-space byte is '{' is control,
// everything else is audio.
func Classify(b []byte) Kind {
	for _, c := range b {
		if unicode.IsSpace(rune(c)) {
			continue
		}
		if c == '{' {
			return KindControl
		}
		return KindAudio
	}
	return KindAudio
}
