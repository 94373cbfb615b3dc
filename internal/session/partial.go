package session

import (
	"context"
	"time"

	"github.com/MrWong99/murmur/internal/events"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/transcribe"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// PartialConfig enables live transcripts while a recording is in progress.
//
// Partial runs transcribe the audio recorded so far and publish the text as
// [events.TranscriptionPartial]. At most one runs at a time. Once a run takes
// longer than Target, only the most recent window of audio is transcribed;
// the window shrinks by a tenth for each further slow run, down to
// MinWindow.
type PartialConfig struct {
	Enabled bool

	// Interval is the minimum gap between partial runs. Default 500ms.
	Interval time.Duration

	// MinAudio is the shortest recording worth transcribing. Default 1s.
	MinAudio time.Duration

	// Target is the inference time partial runs should stay under.
	// Default 800ms.
	Target time.Duration

	// MinWindow is the smallest window the adaptive limit allows.
	// Default 5s.
	MinWindow time.Duration
}

func (p *PartialConfig) applyDefaults() {
	if p.Interval <= 0 {
		p.Interval = 500 * time.Millisecond
	}
	if p.MinAudio <= 0 {
		p.MinAudio = time.Second
	}
	if p.Target <= 0 {
		p.Target = 800 * time.Millisecond
	}
	if p.MinWindow <= 0 {
		p.MinWindow = 5 * time.Second
	}
}

func samplesIn(d time.Duration) int {
	return int(d * stt.SampleRate / time.Second)
}

// partialLocked returns the samples for the next partial run, or nil when
// none is due. A non-nil result marks a run as in flight.
func (s *Session) partialLocked(now time.Time) []float32 {
	p := s.cfg.Partials
	if !p.Enabled || s.partialBusy || now.Sub(s.lastPartial) < p.Interval {
		return nil
	}
	s.lastPartial = now
	n := len(s.buf) / 2
	if n < samplesIn(p.MinAudio) {
		return nil
	}
	pcm := s.buf
	if s.window > 0 && n > s.window {
		pcm = pcm[len(pcm)-2*s.window:]
	}
	s.partialBusy = true
	return audio.PCMToFloat32(pcm)
}

// runPartial transcribes samples and publishes the result unless the
// recording has moved on in the meantime.
func (s *Session) runPartial(ctx context.Context, gen uint64, samples []float32) {
	opts := s.cfg.Options()
	opts.Source = transcribe.SourcePartial
	start := s.now()
	res, err := s.cfg.Transcriber.Transcribe(ctx, samples, opts)
	took := s.now().Sub(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.partialBusy = false
	if err != nil {
		if ctx.Err() == nil {
			observe.Logger(ctx).Debug("session: partial transcription failed", "err", err)
		}
		return
	}
	if s.state != StateRecording {
		return
	}
	s.adaptWindowLocked(ctx, len(samples), took)
	s.publish(events.TranscriptionPartial, events.Partial{
		Text:         res.Text,
		AudioSeconds: float64(len(samples)) / stt.SampleRate,
	})
}

// adaptWindowLocked narrows the partial window after a run of n samples
// that took longer than the target.
func (s *Session) adaptWindowLocked(ctx context.Context, n int, took time.Duration) {
	p := s.cfg.Partials
	if took <= p.Target {
		return
	}
	floor := samplesIn(p.MinWindow)
	prev := s.window
	if prev == 0 {
		s.window = max(n, floor)
	} else {
		s.window = max(prev*9/10, floor)
	}
	if s.window != prev {
		observe.Logger(ctx).Debug("session: partial window narrowed",
			"seconds", float64(s.window)/stt.SampleRate, "took", took, "target", p.Target)
	}
}
