// Package transcribe turns a finished utterance into text using the resident
// speech model, then applies custom-word correction.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/transcript"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// ErrDecodingFailed wraps errors returned by the speech model during
// inference.
var ErrDecodingFailed = errors.New("transcribe: decoding failed")

// Source labels where an utterance came from, for metrics and logs.
type Source string

const (
	SourceRecording    Source = "recording"
	SourceFile         Source = "file"
	SourceRetranscribe Source = "retranscribe"
	// SourcePartial marks the live transcripts produced while recording.
	SourcePartial Source = "partial"
)

// Options tunes one transcription.
type Options struct {
	// Language is a BCP 47-ish code from the settings. "auto" or empty lets
	// the model detect the language.
	Language string

	// Translate asks for English output. It is dropped when the model does
	// not support translation.
	Translate bool

	InitialPrompt string

	Source Source
}

// Result is the outcome of one transcription. The post-processing and audio
// fields are filled in by later pipeline stages.
type Result struct {
	Text              string    `json:"text"`
	PostProcessedText string    `json:"postProcessedText,omitempty"`
	PostProcessPrompt string    `json:"postProcessPrompt,omitempty"`
	AudioRef          string    `json:"audioRef,omitempty"`
	Duration          float64   `json:"duration"` // seconds of audio
	Timestamp         time.Time `json:"timestamp"`
	Language          string    `json:"language,omitempty"`
	ModelID           string    `json:"modelId"`

	// TranslationIgnored is set when Translate was requested but the model
	// cannot translate.
	TranslationIgnored bool `json:"translationIgnored,omitempty"`

	Corrections []transcript.Correction `json:"-"`
}

// ModelSource hands out the resident model for one inference.
// [models.Manager] implements it.
type ModelSource interface {
	Acquire(ctx context.Context) (stt.Model, func(), error)
	Current() string
}

// Engine runs transcriptions. It is safe for concurrent use; the model
// serialises inference internally.
type Engine struct {
	models  ModelSource
	metrics *observe.Metrics
	words   atomic.Pointer[transcript.CustomWords]
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCustomWords sets the initial custom-word corrector.
func WithCustomWords(cw *transcript.CustomWords) Option {
	return func(e *Engine) { e.words.Store(cw) }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New returns an Engine drawing models from src.
func New(src ModelSource, opts ...Option) *Engine {
	e := &Engine{models: src, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// SetCustomWords swaps the custom-word corrector. It takes effect for the
// next transcription.
func (e *Engine) SetCustomWords(cw *transcript.CustomWords) {
	e.words.Store(cw)
}

// NormalizeLanguage maps a settings language code to what the model
// expects: "" for auto-detection and "zh" for either Chinese script.
func NormalizeLanguage(code string) string {
	switch {
	case code == "", strings.EqualFold(code, "auto"):
		return ""
	case strings.EqualFold(code, "zh-Hans"), strings.EqualFold(code, "zh-Hant"):
		return "zh"
	}
	return code
}

// Transcribe decodes samples (16 kHz mono float32). The model is acquired
// for the duration of the call only, so the unload policy applies as soon
// as it returns.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error) {
	source := opts.Source
	if source == "" {
		source = SourceRecording
	}
	ctx, span := observe.StartSpan(ctx, "transcribe", observe.AttrSource.String(string(source)))
	res, err := e.transcribe(ctx, samples, opts, source)
	observe.EndSpan(span, err)
	return res, err
}

func (e *Engine) transcribe(ctx context.Context, samples []float32, opts Options, source Source) (Result, error) {
	model, release, err := e.models.Acquire(ctx)
	if err != nil {
		e.metrics.RecordTranscription(ctx, string(source), "error")
		return Result{}, fmt.Errorf("transcribe: acquire model: %w", err)
	}
	defer release()

	modelID := e.models.Current()
	ctx = observe.Annotate(ctx, observe.AttrModel.String(modelID))
	caps := model.Capabilities()
	sttOpts := stt.Options{
		Language:      NormalizeLanguage(opts.Language),
		InitialPrompt: opts.InitialPrompt,
	}
	if !caps.SupportsLanguageSelection {
		sttOpts.Language = ""
	}
	res := Result{ModelID: modelID}
	if opts.Translate {
		if caps.SupportsTranslation {
			sttOpts.Translate = true
		} else {
			res.TranslationIgnored = true
			observe.Logger(ctx).Warn("transcribe: model cannot translate, transcribing instead")
		}
	}

	start := e.now()
	tr, err := model.Transcribe(ctx, samples, sttOpts)
	e.metrics.STTDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("model", modelID)))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.metrics.RecordTranscription(ctx, string(source), "cancelled")
			return Result{}, ctxErr
		}
		e.metrics.RecordTranscription(ctx, string(source), "error")
		return Result{}, fmt.Errorf("%w: model %q: %w", ErrDecodingFailed, modelID, err)
	}

	text := tr.Text
	if cw := e.words.Load(); !cw.Empty() {
		text, res.Corrections = cw.Apply(text)
		if n := len(res.Corrections); n > 0 {
			observe.Logger(ctx).Debug("transcribe: custom words applied", "corrections", n)
		}
	}
	if conv, ok, err := ConvertScript(opts.Language, text); err != nil {
		observe.Logger(ctx).Warn("transcribe: script conversion failed, keeping text", "err", err)
	} else if ok {
		text = conv
	}

	res.Text = strings.TrimSpace(text)
	res.Language = tr.Language
	if res.Language == "" {
		res.Language = sttOpts.Language
	}
	res.Duration = float64(len(samples)) / stt.SampleRate
	res.Timestamp = e.now()

	e.metrics.RecordTranscription(ctx, string(source), "ok")
	observe.Logger(ctx).Info("transcribe: done",
		"audio_seconds", res.Duration,
		"chars", len(res.Text),
	)
	return res, nil
}
