// Package energy provides a dependency-free vad.Engine that gates on the RMS
// energy of each window. It is less robust than WebRTC VAD against
// background noise but works at any sample rate and window size.
package energy

import (
	"encoding/binary"
	"math"

	"github.com/MrWong99/murmur/pkg/provider/vad"
)

// DefaultThreshold is the RMS level (of normalised samples) treated as the
// speech/silence boundary.
const DefaultThreshold = 0.01

// Engine creates energy-gated VAD sessions.
type Engine struct {
	threshold float64
}

var _ vad.Engine = (*Engine)(nil)

// New returns an engine gating at threshold. Non-positive values use
// DefaultThreshold.
func New(threshold float64) *Engine {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Engine{threshold: threshold}
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	return vad.NewHysteresis(&Classifier{Threshold: e.threshold}, cfg)
}

// Classifier maps window RMS onto a pseudo-probability: exactly 0.5 at
// Threshold, approaching 1 for loud input.
type Classifier struct {
	Threshold float64
}

var _ vad.Classifier = (*Classifier)(nil)

// Classify implements vad.Classifier.
func (c *Classifier) Classify(window []byte) (float64, error) {
	rms := RMS(window)
	if rms <= 0 {
		return 0, nil
	}
	return rms / (rms + c.Threshold), nil
}

// Close implements vad.Classifier.
func (c *Classifier) Close() error { return nil }

// RMS returns the root-mean-square level of int16 PCM normalised to [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
