// Package session implements the recording state machine: it owns the
// capture stream while a recording is active, gates utterances with the VAD,
// and runs the transcription pipeline (engine, post-processing, history,
// output) once recording stops.
//
// A session moves through [StateIdle], [StateRecording], [StateStopping] and
// [StateTranscribing]. Every transition is published as a
// recording-state-changed event. Each recording gets a generation number;
// [Session.Cancel] bumps it so that a pipeline still running for the old
// generation drops its result instead of delivering it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/murmur/internal/events"
	"github.com/MrWong99/murmur/internal/history"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/postprocess"
	"github.com/MrWong99/murmur/internal/transcribe"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/vad"
)

// ErrInvalidState is returned when an operation is not allowed in the
// session's current state.
var ErrInvalidState = errors.New("session: invalid state")

// State is the recording state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
	StateTranscribing
)

// String returns the wire name of s.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateTranscribing:
		return "transcribing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Mode selects how [Session.Press] and [Session.Release] drive the session.
type Mode string

const (
	// ModePushToTalk records while the shortcut is held.
	ModePushToTalk Mode = "push_to_talk"
	// ModeToggle starts on one press and stops on the next.
	ModeToggle Mode = "toggle"
)

// Muter silences system output while recording. The returned restore
// function undoes the mute.
type Muter interface {
	Mute() (func(), error)
}

// OutputSink receives the final text of every completed recording, for
// example to paste it into the focused application.
type OutputSink interface {
	Deliver(ctx context.Context, text string) error
}

// Preloader warms up the speech model when a recording starts.
// [models.Manager] implements it.
type Preloader interface {
	Preload(ctx context.Context) bool
}

// Transcriber decodes a finished utterance. [transcribe.Engine] implements it.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, opts transcribe.Options) (transcribe.Result, error)
}

// PostProcessor rewrites a transcript. [postprocess.Service] implements it.
type PostProcessor interface {
	PostProcess(ctx context.Context, transcript string) postprocess.Outcome
}

// HistoryRecorder persists a completed recording. [history.Store]
// implements it.
type HistoryRecorder interface {
	Save(ctx context.Context, samples []float32, res transcribe.Result, title string) (history.Entry, error)
	Delete(ctx context.Context, id int64) error
}

// Config holds the collaborators and tunables of a [Session]. Capture and
// Transcriber are required; every other collaborator is optional.
type Config struct {
	Capture     audio.Capture
	Stream      audio.StreamConfig
	Transcriber Transcriber

	// QueueSize bounds the capture frame queue. Defaults to 256.
	QueueSize int

	// AlwaysOn keeps the capture stream open between recordings.
	AlwaysOn bool

	// VAD gates utterances. When nil, or when a session cannot be created,
	// recording is manual only.
	VAD       vad.Engine
	VADConfig vad.Config

	Mode            Mode
	AutoStop        bool
	TrailingSilence time.Duration

	// MinDuration discards shorter utterances. Defaults to 300ms.
	MinDuration time.Duration

	// Options returns the transcription options for the next utterance.
	Options func() transcribe.Options

	// Partials enables live transcripts while recording.
	Partials PartialConfig

	Muter         Muter
	Preloader     Preloader
	PostProcessor PostProcessor
	History       HistoryRecorder
	Output        OutputSink
	Publisher     events.Publisher
	Metrics       *observe.Metrics

	// ErrorKind classifies pipeline errors for the show-error-dialog event.
	ErrorKind func(error) string
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MinDuration <= 0 {
		c.MinDuration = 300 * time.Millisecond
	}
	if c.Mode == "" {
		c.Mode = ModePushToTalk
	}
	if c.TrailingSilence <= 0 {
		c.TrailingSilence = time.Second
	}
	if c.Options == nil {
		c.Options = func() transcribe.Options { return transcribe.Options{} }
	}
	if c.ErrorKind == nil {
		c.ErrorKind = func(error) string { return "error" }
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	c.Partials.applyDefaults()
}

// Session is the recording state machine. All methods are safe for
// concurrent use.
type Session struct {
	cfg       Config
	queue     *audio.FrameQueue
	recording atomic.Bool
	now       func() time.Time

	mu     sync.Mutex
	state  State
	gen    uint64
	stream audio.Stream

	// per-recording state, guarded by mu
	conv         *audio.StreamConverter
	vadSess      vad.SessionHandle
	buf          []byte
	heardSpeech  bool
	afterEnd     bool
	silence      time.Duration
	autoStopping bool
	restore      func()
	workerCancel context.CancelFunc
	workerDone   chan struct{}
	inferCancel  context.CancelFunc

	// live partial transcripts, guarded by mu
	lastPartial time.Time
	partialBusy bool
	window      int

	pipelines sync.WaitGroup
}

// New returns an idle Session.
func New(cfg Config) (*Session, error) {
	if cfg.Capture == nil {
		return nil, errors.New("session: capture must not be nil")
	}
	if cfg.Transcriber == nil {
		return nil, errors.New("session: transcriber must not be nil")
	}
	if cfg.Mode != "" && cfg.Mode != ModePushToTalk && cfg.Mode != ModeToggle {
		return nil, fmt.Errorf("session: unknown mode %q", cfg.Mode)
	}
	cfg.applyDefaults()

	s := &Session{cfg: cfg, queue: audio.NewFrameQueue(cfg.QueueSize), now: time.Now}
	s.queue.OnDrop(func() {
		if s.recording.Load() {
			s.cfg.Metrics.DroppedFrames.Add(context.Background(), 1)
		}
	})
	return s, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode returns the configured recording mode.
func (s *Session) Mode() Mode { return s.cfg.Mode }

// OpenInput opens the capture stream ahead of the first recording when the
// always-on microphone is enabled. It is a no-op otherwise.
func (s *Session) OpenInput(ctx context.Context) error {
	if !s.cfg.AlwaysOn {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openStreamLocked(ctx)
}

// Press handles a shortcut press according to the recording mode.
func (s *Session) Press(ctx context.Context) error {
	if s.cfg.Mode == ModeToggle && s.State() == StateRecording {
		return s.Stop(ctx)
	}
	return s.Start(ctx)
}

// Release handles a shortcut release. In toggle mode, and after an
// auto-stop already ended the recording, it does nothing.
func (s *Session) Release(ctx context.Context) error {
	if s.cfg.Mode == ModeToggle || s.State() != StateRecording {
		return nil
	}
	return s.Stop(ctx)
}

// Start begins a recording. It is valid only while idle.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, s.state)
	}

	restore := func() {}
	if s.cfg.Muter != nil {
		r, err := s.cfg.Muter.Mute()
		if err != nil {
			observe.Logger(ctx).Warn("session: mute output failed", "err", err)
		} else if r != nil {
			restore = r
		}
	}
	s.restore = sync.OnceFunc(restore)

	if err := s.openStreamLocked(ctx); err != nil {
		s.restore()
		s.restore = nil
		return err
	}
	s.queue.Clear()

	s.conv = audio.NewStreamConverter(stt.SampleRate)
	s.buf = s.buf[:0]
	s.heardSpeech, s.afterEnd, s.autoStopping = false, false, false
	s.silence = 0
	s.lastPartial, s.partialBusy, s.window = s.now(), false, 0
	s.vadSess = nil
	if s.cfg.VAD != nil {
		sess, err := s.cfg.VAD.NewSession(s.cfg.VADConfig)
		if err != nil {
			observe.Logger(ctx).Warn("session: vad unavailable, recording manually", "err", err)
		} else {
			s.vadSess = sess
		}
	}

	s.gen++
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.workerCancel, s.workerDone = cancel, done
	go s.worker(workerCtx, s.gen, done)

	if s.cfg.Preloader != nil && s.cfg.Preloader.Preload(ctx) {
		observe.Logger(ctx).Debug("session: preloading model")
	}
	s.cfg.Metrics.RecordingActive.Add(ctx, 1)
	s.setStateLocked(StateRecording)
	return nil
}

// Stop ends the recording and starts the transcription pipeline in the
// background. It is valid only while recording. Utterances shorter than the
// minimum duration, or in which the VAD heard no speech, are discarded.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	return s.stop(ctx, gen)
}

func (s *Session) stop(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	if s.state != StateRecording || s.gen != gen {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot stop while %s", ErrInvalidState, st)
	}
	s.setStateLocked(StateStopping)
	cancel, done := s.workerCancel, s.workerDone
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		// Cancelled while the worker drained.
		return nil
	}
	for {
		f, ok := s.queue.TryPop()
		if !ok {
			break
		}
		s.consumeLocked(ctx, f)
	}
	hadVAD := s.vadSess != nil
	s.releaseInputLocked(ctx)

	samples := audio.PCMToFloat32(s.buf)
	s.buf = s.buf[:0]
	dur := time.Duration(len(samples)) * time.Second / stt.SampleRate
	log := observe.Logger(ctx)
	switch {
	case dur < s.cfg.MinDuration:
		log.Debug("session: utterance too short, discarded", "duration", dur, "min", s.cfg.MinDuration)
		s.setStateLocked(StateIdle)
		return nil
	case hadVAD && !s.heardSpeech:
		log.Debug("session: no speech detected, discarded", "duration", dur)
		s.setStateLocked(StateIdle)
		return nil
	}

	pctx, pcancel := context.WithCancel(context.WithoutCancel(ctx))
	s.inferCancel = pcancel
	s.setStateLocked(StateTranscribing)
	s.pipelines.Add(1)
	go func() {
		defer s.pipelines.Done()
		defer pcancel()
		s.runPipeline(pctx, gen, samples, time.Now())
	}()
	return nil
}

// Cancel abandons the current recording or transcription. Audio is
// discarded and no transcription or output is produced.
func (s *Session) Cancel() error {
	s.mu.Lock()
	switch s.state {
	case StateRecording, StateStopping, StateTranscribing:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: nothing to cancel while %s", ErrInvalidState, st)
	}
	done := s.abortLocked(context.Background())
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	return nil
}

// Close cancels any activity, releases the capture stream even when the
// always-on microphone is enabled, and waits for background work to exit.
func (s *Session) Close() error {
	s.mu.Lock()
	var done chan struct{}
	if s.state != StateIdle {
		done = s.abortLocked(context.Background())
	}
	var err error
	if s.stream != nil {
		err = s.stream.Close()
		s.stream = nil
	}
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	s.pipelines.Wait()
	s.queue.Close()
	if err != nil {
		return fmt.Errorf("session: close input: %w", err)
	}
	return nil
}

// abortLocked bumps the generation and tears down the active recording or
// pipeline. It returns the worker's done channel when a worker must still be
// waited on, outside the lock.
func (s *Session) abortLocked(ctx context.Context) chan struct{} {
	s.gen++
	var done chan struct{}
	switch s.state {
	case StateRecording:
		s.workerCancel()
		done = s.workerDone
		s.releaseInputLocked(ctx)
	case StateStopping:
		// stop() owns the worker and sees the new generation.
		s.releaseInputLocked(ctx)
	case StateTranscribing:
		if s.inferCancel != nil {
			s.inferCancel()
		}
	}
	s.buf = s.buf[:0]
	s.queue.Clear()
	s.setStateLocked(StateIdle)
	return done
}

// releaseInputLocked ends the recording's use of the input. Safe to call
// more than once per recording.
func (s *Session) releaseInputLocked(ctx context.Context) {
	if s.vadSess != nil {
		if err := s.vadSess.Close(); err != nil {
			observe.Logger(ctx).Debug("session: close vad", "err", err)
		}
		s.vadSess = nil
	}
	if !s.cfg.AlwaysOn && s.stream != nil {
		if err := s.stream.Close(); err != nil {
			observe.Logger(ctx).Warn("session: close input", "err", err)
		}
		s.stream = nil
	}
	if s.restore != nil {
		s.restore()
		s.restore = nil
		s.cfg.Metrics.RecordingActive.Add(ctx, -1)
	}
}

func (s *Session) openStreamLocked(ctx context.Context) error {
	if s.stream != nil {
		return nil
	}
	stream, err := s.cfg.Capture.Open(ctx, s.cfg.Stream, s.queue.Push)
	if err != nil {
		if !errors.Is(err, audio.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
		}
		return fmt.Errorf("session: open input: %w", err)
	}
	s.stream = stream
	return nil
}

func (s *Session) worker(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		f, err := s.queue.Pop(ctx)
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.gen != gen || (s.state != StateRecording && s.state != StateStopping) {
			s.mu.Unlock()
			return
		}
		trigger := s.consumeLocked(ctx, f)
		var partial []float32
		if s.state == StateRecording {
			partial = s.partialLocked(s.now())
		}
		if partial != nil {
			s.pipelines.Add(1)
		}
		s.mu.Unlock()
		if partial != nil {
			go func() {
				defer s.pipelines.Done()
				s.runPartial(ctx, gen, partial)
			}()
		}
		if trigger {
			go func() {
				if err := s.stop(ctx, gen); err != nil && !errors.Is(err, ErrInvalidState) {
					observe.Logger(ctx).Warn("session: auto-stop failed", "err", err)
				}
			}()
		}
	}
}

// consumeLocked resamples f into the utterance buffer and feeds the VAD. It
// reports whether auto-stop should fire.
func (s *Session) consumeLocked(ctx context.Context, f audio.Frame) bool {
	pcm := s.conv.Convert(f)
	if len(pcm) == 0 {
		return false
	}
	s.buf = append(s.buf, pcm...)
	if s.vadSess == nil {
		return false
	}

	ev, err := s.vadSess.ProcessFrame(pcm)
	if err != nil {
		observe.Logger(ctx).Warn("session: vad failed, recording manually", "err", err)
		_ = s.vadSess.Close()
		s.vadSess = nil
		s.heardSpeech = true
		return false
	}
	switch ev.Type {
	case vad.VADSpeechStart, vad.VADSpeechContinue:
		s.heardSpeech = true
		s.afterEnd = false
		s.silence = 0
	case vad.VADSpeechEnd:
		s.heardSpeech = true
		s.afterEnd = true
		s.silence = 0
	case vad.VADSilence:
		if s.afterEnd {
			s.silence += time.Duration(len(pcm)/2) * time.Second / stt.SampleRate
		}
	}
	if s.cfg.AutoStop && s.state == StateRecording && s.afterEnd && !s.autoStopping && s.silence >= s.cfg.TrailingSilence {
		s.autoStopping = true
		return true
	}
	return false
}

func (s *Session) runPipeline(ctx context.Context, gen uint64, samples []float32, started time.Time) {
	ctx, span := observe.StartSpan(ctx, "session.pipeline", observe.AttrGeneration.Int64(int64(gen)))
	var spanErr error
	defer func() { observe.EndSpan(span, spanErr) }()
	log := observe.Logger(ctx)

	opts := s.cfg.Options()
	opts.Source = transcribe.SourceRecording
	res, err := s.cfg.Transcriber.Transcribe(ctx, samples, opts)
	if err != nil {
		spanErr = err
		s.fail(ctx, gen, err)
		return
	}

	if s.cfg.PostProcessor != nil && res.Text != "" {
		out := s.cfg.PostProcessor.PostProcess(ctx, res.Text)
		if !out.Skipped && !out.FellBack {
			res.PostProcessedText = out.Text
			res.PostProcessPrompt = out.Prompt
		}
	}
	if s.stale(gen) {
		log.Debug("session: dropping result of cancelled recording")
		return
	}

	var (
		historyID int64
		saved     bool
	)
	if s.cfg.History != nil && res.Text != "" {
		entry, err := s.cfg.History.Save(ctx, samples, res, history.RecordingTitle(started))
		if err != nil {
			log.Error("session: save history", "err", err)
			s.publish(events.ShowErrorDialog, events.ErrorDialog{Kind: s.cfg.ErrorKind(err), Message: err.Error()})
		} else {
			historyID, saved = entry.ID, true
		}
	}

	text := res.Text
	if res.PostProcessedText != "" {
		text = res.PostProcessedText
	}

	// Claim the generation. A Cancel after this point finds the session idle.
	s.mu.Lock()
	if s.gen != gen || s.state != StateTranscribing {
		s.mu.Unlock()
		log.Debug("session: dropping result of cancelled recording")
		if saved {
			if err := s.cfg.History.Delete(context.WithoutCancel(ctx), historyID); err != nil {
				log.Warn("session: remove history of cancelled recording", "id", historyID, "err", err)
			}
		}
		return
	}
	s.publish(events.TranscriptionComplete, events.Transcription{Text: text, HistoryID: historyID})
	s.inferCancel = nil
	s.setStateLocked(StateIdle)
	s.mu.Unlock()

	if text != "" && s.cfg.Output != nil {
		if err := s.cfg.Output.Deliver(context.WithoutCancel(ctx), text); err != nil {
			log.Warn("session: deliver output", "err", err)
		}
	}
	log.Info("session: recording transcribed", "chars", len(text), "took", time.Since(started))
}

func (s *Session) fail(ctx context.Context, gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateTranscribing {
		return
	}
	observe.Logger(ctx).Error("session: transcription failed", "err", err)
	s.publish(events.ShowErrorDialog, events.ErrorDialog{Kind: s.cfg.ErrorKind(err), Message: err.Error()})
	s.inferCancel = nil
	s.setStateLocked(StateIdle)
}

func (s *Session) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	slog.Debug("session: state changed", "from", s.state, "to", st)
	s.state = st
	s.recording.Store(st == StateRecording)
	s.publish(events.RecordingStateChanged, events.RecordingState{State: st.String()})
}

func (s *Session) publish(name events.Name, payload any) {
	if s.cfg.Publisher == nil {
		return
	}
	s.cfg.Publisher.Publish(events.Event{Name: name, Payload: payload})
}
