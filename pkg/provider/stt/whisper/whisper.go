// Package whisper implements stt.Loader and stt.Model on top of the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a) and
// headers (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// Loader implements stt.Loader for ggml whisper model files.
type Loader struct {
	threads uint
}

var _ stt.Loader = (*Loader)(nil)

// Option configures a Loader.
type Option func(*Loader)

// WithThreads sets the number of CPU threads per inference. Zero keeps the
// whisper.cpp default.
func WithThreads(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.threads = uint(n)
		}
	}
}

// NewLoader returns a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Load implements stt.Loader. whisper.cpp loads synchronously, so ctx is only
// checked before and after the load.
func (l *Loader) Load(ctx context.Context, path string) (stt.Model, error) {
	if path == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	model, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		_ = model.Close()
		return nil, err
	}

	m := &Model{
		model:   model,
		threads: l.threads,
		caps: stt.Capabilities{
			SupportsTranslation:       model.IsMultilingual(),
			SupportsLanguageSelection: model.IsMultilingual(),
		},
	}
	slog.Info("whisper: model loaded", "path", path, "multilingual", model.IsMultilingual())
	return m, nil
}

// Model is a loaded whisper.cpp model. Each Transcribe call creates a fresh
// context from the shared weights; calls are serialised because whisper.cpp
// contexts compete for the same compute buffers.
type Model struct {
	mu      sync.Mutex
	model   whisperlib.Model
	threads uint
	caps    stt.Capabilities
	closed  bool
}

var _ stt.Model = (*Model)(nil)

// Capabilities implements stt.Model.
func (m *Model) Capabilities() stt.Capabilities { return m.caps }

// Transcribe implements stt.Model.
func (m *Model) Transcribe(ctx context.Context, samples []float32, opts stt.Options) (stt.Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return stt.Transcript{}, errors.New("whisper: model closed")
	}
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, err
	}

	wctx, err := m.model.NewContext()
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}

	lang := opts.Language
	if lang == "" || !m.caps.SupportsLanguageSelection {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using auto-detect", "language", lang, "error", err)
		_ = wctx.SetLanguage("auto")
	}
	wctx.SetTranslate(opts.Translate && m.caps.SupportsTranslation)
	if m.threads > 0 {
		wctx.SetThreads(m.threads)
	}
	if opts.InitialPrompt != "" {
		wctx.SetInitialPrompt(opts.InitialPrompt)
	}

	// whisper.cpp aborts the encoder when this callback returns false.
	keepGoing := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, keepGoing, nil, nil); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stt.Transcript{}, ctxErr
		}
		return stt.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, err
	}

	var (
		parts    []string
		segments []stt.Segment
	)
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		segments = append(segments, stt.Segment{Start: seg.Start, End: seg.End, Text: text})
	}

	return stt.Transcript{
		Text:     strings.Join(parts, " "),
		Language: wctx.DetectedLanguage(),
		Segments: segments,
	}, nil
}

// Close implements stt.Model.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.model.Close()
}
