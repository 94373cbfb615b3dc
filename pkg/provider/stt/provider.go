// Package stt defines the batch Speech-to-Text model interfaces.
//
// A Loader turns a model file or directory on disk into a resident Model; a
// Model transcribes a complete utterance of 16 kHz mono float32 samples. The
// model manager owns the resident Model and hands it to the transcription
// engine for the duration of one inference.
//
// A Model must be safe for concurrent use; implementations that wrap
// single-threaded native contexts serialise calls internally.
package stt

import (
	"context"
	"time"
)

// SampleRate is the rate all models expect their input at.
const SampleRate = 16000

// Options tunes a single transcription.
type Options struct {
	// Language is an ISO 639-1 code such as "en" or "zh". Empty lets the model
	// detect the language.
	Language string

	// Translate asks the model to translate the speech into English. Ignored by
	// models whose Capabilities do not include translation.
	Translate bool

	// InitialPrompt biases decoding towards the given vocabulary and style.
	InitialPrompt string
}

// Segment is a timed piece of a transcript.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Transcript is the decoded result of one utterance.
type Transcript struct {
	// Text is the full transcription with segments joined by single spaces.
	Text string

	// Language is the language the model decoded in. Empty if unknown.
	Language string

	// Segments holds the per-segment timing when the model reports it.
	Segments []Segment
}

// Capabilities describes what a model can do beyond plain transcription.
type Capabilities struct {
	SupportsTranslation       bool `json:"supportsTranslation" yaml:"supports_translation"`
	SupportsLanguageSelection bool `json:"supportsLanguageSelection" yaml:"supports_language_selection"`
}

// Model is a resident speech model.
type Model interface {
	// Transcribe decodes samples (16 kHz mono, [-1, 1]). It returns ctx.Err()
	// if ctx is cancelled before or during decoding.
	Transcribe(ctx context.Context, samples []float32, opts Options) (Transcript, error)

	// Capabilities reports the model's supported features.
	Capabilities() Capabilities

	// Close releases the model's memory. Calling Close more than once is safe.
	Close() error
}

// Loader loads models from disk.
type Loader interface {
	// Load reads the model at path. Loading can take seconds for large models;
	// implementations should honour ctx where the backend allows it.
	Load(ctx context.Context, path string) (Model, error)
}
