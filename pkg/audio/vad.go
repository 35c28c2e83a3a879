package audio

import "math"

// Default VAD tuning. The threshold is normalized RMS energy (0..1); typical
// speech at conversational distance lands well above 0.02, keyboard noise
// and room tone below 0.01.
const (
	DefaultVADThreshold = 0.015

	// DefaultVADHangover keeps the detector active for this many frames
	// after energy falls below the threshold, bridging short intra-word
	// pauses (8 × 20 ms = 160 ms).
	DefaultVADHangover = 8
)

// Hint is a per-frame voice activity estimate sent to the client so the
// widget can animate its microphone indicator.
type Hint struct {
	// Active is true while speech energy is present (including hangover).
	Active bool

	// Level is the normalized RMS energy of the frame, 0..1.
	Level float64
}

// Detector is a short-term energy voice activity detector. It operates on
// little-endian int16 PCM and carries hangover state, so use one per stream.
// Not safe for concurrent use.
type Detector struct {
	threshold float64
	hangover  int
	remaining int
}

// NewDetector creates a detector. Zero values select the defaults.
func NewDetector(threshold float64, hangoverFrames int) *Detector {
	if threshold <= 0 {
		threshold = DefaultVADThreshold
	}
	if hangoverFrames <= 0 {
		hangoverFrames = DefaultVADHangover
	}
	return &Detector{threshold: threshold, hangover: hangoverFrames}
}

// Process computes the energy hint for one frame of PCM.
func (d *Detector) Process(pcm []byte) Hint {
	level := rms(pcm)

	if level >= d.threshold {
		d.remaining = d.hangover
		return Hint{Active: true, Level: level}
	}
	if d.remaining > 0 {
		d.remaining--
		return Hint{Active: true, Level: level}
	}
	return Hint{Active: false, Level: level}
}

// rms computes the root-mean-square energy of little-endian int16 PCM,
// normalized to 0..1.
func rms(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(samples)) / 32768.0
}
