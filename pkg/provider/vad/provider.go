// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD backend supplies a per-window [Classifier] (WebRTC VAD, an RMS energy
// gate, ...). [NewHysteresis] turns a classifier into a stateful, per-stream
// [SessionHandle] that debounces raw decisions into speech start and end
// events. Each session keeps its own state so multiple audio streams can be
// processed independently.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection
// result, making it suitable for the recording worker loop that gates
// utterances.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines.
package vad

import (
	"errors"
	"fmt"
)

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// passed to ProcessFrame. WebRTC accepts 8000, 16000, 32000 and 48000.
	SampleRate int

	// FrameSizeMs is the classification window in milliseconds. WebRTC accepts
	// 10, 20 or 30.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a window counts as
	// speech. Range: [0.0, 1.0]. Typical: 0.5.
	SpeechThreshold float64

	// StartFrames is the number of consecutive speech windows required before
	// SpeechStart is emitted.
	StartFrames int

	// EndFrames is the number of consecutive silence windows required before
	// SpeechEnd is emitted. Must be greater than StartFrames.
	EndFrames int
}

// WindowBytes returns the size of one classification window of mono int16 PCM.
func (c Config) WindowBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("vad: frame size must be positive, got %d ms", c.FrameSizeMs))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold %.2f outside [0,1]", c.SpeechThreshold))
	}
	if c.StartFrames < 1 {
		errs = append(errs, fmt.Errorf("vad: start frames must be at least 1, got %d", c.StartFrames))
	}
	if c.EndFrames <= c.StartFrames {
		errs = append(errs, fmt.Errorf("vad: end frames (%d) must exceed start frames (%d)", c.EndFrames, c.StartFrames))
	}
	return errors.Join(errs...)
}

// Classifier scores a single fixed-size window of mono int16 PCM.
//
// Implementations are stateless from the caller's perspective and need not be
// safe for concurrent use; each session owns its own classifier.
type Classifier interface {
	// Classify returns the speech probability of window, which is exactly
	// Config.WindowBytes long.
	Classify(window []byte) (float64, error)

	// Close releases native resources. Safe to call more than once.
	Close() error
}

// SessionHandle represents an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses PCM at the session's sample rate. Any length is
	// accepted: complete windows are classified and a trailing partial window
	// is carried into the next call. The returned event summarises the call.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears all accumulated detection state and any carried bytes
	// without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a new VAD session. Returns an error if the
	// configuration is invalid for this backend.
	NewSession(cfg Config) (SessionHandle, error)
}
