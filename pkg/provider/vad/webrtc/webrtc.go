// Package webrtc provides a vad.Engine backed by the WebRTC voice activity
// detector (github.com/maxhawkins/go-webrtcvad).
//
// WebRTC VAD gives a binary decision per window, so Classify returns 1 for
// speech and 0 for silence; any SpeechThreshold in (0, 1] behaves the same.
package webrtc

import (
	"fmt"
	"slices"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/MrWong99/murmur/pkg/provider/vad"
)

// SupportedRates lists the sample rates WebRTC VAD accepts.
var SupportedRates = []int{8000, 16000, 32000, 48000}

// SupportedFrameMs lists the window lengths WebRTC VAD accepts.
var SupportedFrameMs = []int{10, 20, 30}

// Engine creates WebRTC VAD sessions.
type Engine struct {
	mode int
}

var _ vad.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithMode sets the aggressiveness mode, 0 (least) to 3 (most aggressive
// about filtering out non-speech). Values outside the range are clamped.
func WithMode(mode int) Option {
	return func(e *Engine) { e.mode = max(0, min(3, mode)) }
}

// New returns a WebRTC VAD engine. The default mode is 2.
func New(opts ...Option) *Engine {
	e := &Engine{mode: 2}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	cls, err := NewClassifier(cfg.SampleRate, cfg.FrameSizeMs, e.mode)
	if err != nil {
		return nil, err
	}
	h, err := vad.NewHysteresis(cls, cfg)
	if err != nil {
		_ = cls.Close()
		return nil, err
	}
	return h, nil
}

// Classifier is a vad.Classifier over a single WebRTC VAD instance.
type Classifier struct {
	v          *webrtcvad.VAD
	sampleRate int
}

var _ vad.Classifier = (*Classifier)(nil)

// NewClassifier validates the rate and window and allocates a detector.
func NewClassifier(sampleRate, frameMs, mode int) (*Classifier, error) {
	if !slices.Contains(SupportedRates, sampleRate) {
		return nil, fmt.Errorf("webrtc vad: invalid sample rate %d, must be one of %v", sampleRate, SupportedRates)
	}
	if !slices.Contains(SupportedFrameMs, frameMs) {
		return nil, fmt.Errorf("webrtc vad: invalid frame size %d ms, must be one of %v", frameMs, SupportedFrameMs)
	}
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc vad: create: %w", err)
	}
	if err := v.SetMode(mode); err != nil {
		return nil, fmt.Errorf("webrtc vad: set mode %d: %w", mode, err)
	}
	return &Classifier{v: v, sampleRate: sampleRate}, nil
}

// Classify implements vad.Classifier.
func (c *Classifier) Classify(window []byte) (float64, error) {
	active, err := c.v.Process(c.sampleRate, window)
	if err != nil {
		return 0, fmt.Errorf("webrtc vad: process: %w", err)
	}
	if active {
		return 1, nil
	}
	return 0, nil
}

// Close implements vad.Classifier. The detector is released by the Go
// finalizer of the binding; nothing to do here.
func (c *Classifier) Close() error { return nil }
