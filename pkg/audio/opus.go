package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Codec transcodes between Opus packets and int16 PCM for a single stream.
// Encoder and decoder state must track consecutive frames, so create one
// Codec per direction per session. Not safe for concurrent use.
type Codec struct {
	enc        *gopus.Encoder
	dec        *gopus.Decoder
	sampleRate int
	channels   int
	frameSize  int
}

// NewCodec creates a codec for the given rate and channel count at the
// standard 20 ms frame size.
func NewCodec(sampleRate, channels int) (*Codec, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &Codec{
		enc:        enc,
		dec:        dec,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  SamplesPerFrame(sampleRate, DefaultFrameMs),
	}, nil
}

// Decode decodes one Opus packet into little-endian int16 PCM.
func (c *Codec) Decode(opus []byte) ([]byte, error) {
	pcm, err := c.dec.Decode(opus, c.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// Encode encodes one frame of little-endian int16 PCM into an Opus packet.
// The input must contain exactly one 20 ms frame at the codec's rate.
func (c *Codec) Encode(pcmBytes []byte) ([]byte, error) {
	pcm := bytesToInt16s(pcmBytes)
	opus, err := c.enc.Encode(pcm, c.frameSize, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return opus, nil
}

// int16sToBytes converts int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
