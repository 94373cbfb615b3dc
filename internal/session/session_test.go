package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/events"
	"github.com/MrWong99/murmur/internal/history"
	"github.com/MrWong99/murmur/internal/postprocess"
	"github.com/MrWong99/murmur/internal/transcribe"
	"github.com/MrWong99/murmur/pkg/audio"
	audiomock "github.com/MrWong99/murmur/pkg/audio/mock"
	"github.com/MrWong99/murmur/pkg/provider/vad"
	vadmock "github.com/MrWong99/murmur/pkg/provider/vad/mock"
)

// --- fakes ---

type fakeTranscriber struct {
	mu      sync.Mutex
	text    string
	err     error
	block   chan struct{}
	samples []int
	opts    []transcribe.Options
	ctxErrs []error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, samples []float32, opts transcribe.Options) (transcribe.Result, error) {
	f.mu.Lock()
	f.samples = append(f.samples, len(samples))
	f.opts = append(f.opts, opts)
	block, text, err := f.block, f.text, f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			f.mu.Lock()
			f.ctxErrs = append(f.ctxErrs, ctx.Err())
			f.mu.Unlock()
			return transcribe.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return transcribe.Result{}, err
	}
	return transcribe.Result{Text: text, Timestamp: time.Now()}, nil
}

func (f *fakeTranscriber) calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.samples...)
}

type fakeHistory struct {
	mu      sync.Mutex
	err     error
	saved   []transcribe.Result
	deleted []int64

	// entered, when set, receives a value as Save begins; Save then waits
	// for gate to close.
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeHistory) Save(_ context.Context, _ []float32, res transcribe.Result, title string) (history.Entry, error) {
	f.mu.Lock()
	entered, gate := f.entered, f.gate
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return history.Entry{}, f.err
	}
	f.saved = append(f.saved, res)
	return history.Entry{ID: int64(len(f.saved)), Title: title}, nil
}

func (f *fakeHistory) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeHistory) counts() (saved, deleted int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved), len(f.deleted)
}

type fakeSink struct {
	mu    sync.Mutex
	texts []string

	// entered and gate block Deliver like fakeHistory.Save.
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeSink) Deliver(_ context.Context, text string) error {
	f.mu.Lock()
	entered, gate := f.entered, f.gate
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSink) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeMuter struct {
	mu       sync.Mutex
	err      error
	mutes    int
	restores int
}

func (f *fakeMuter) Mute() (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.mutes++
	return func() {
		f.mu.Lock()
		f.restores++
		f.mu.Unlock()
	}, nil
}

func (f *fakeMuter) counts() (mutes, restores int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mutes, f.restores
}

type fakePost struct{ out postprocess.Outcome }

func (f fakePost) PostProcess(_ context.Context, transcript string) postprocess.Outcome {
	out := f.out
	if out.FellBack || out.Skipped {
		out.Text = transcript
	}
	return out
}

// --- helpers ---

type harness struct {
	sess  *Session
	capt  *audiomock.Capture
	tr    *fakeTranscriber
	hist  *fakeHistory
	sink  *fakeSink
	muter *fakeMuter
	sub   *events.Subscription
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	bus := events.NewBus()
	h := &harness{
		capt:  &audiomock.Capture{},
		tr:    &fakeTranscriber{text: "hello world"},
		hist:  &fakeHistory{},
		sink:  &fakeSink{},
		muter: &fakeMuter{},
		sub:   bus.Subscribe(128),
	}
	cfg := Config{
		Capture:     h.capt,
		Transcriber: h.tr,
		History:     h.hist,
		Output:      h.sink,
		Muter:       h.muter,
		Publisher:   bus,
		MinDuration: 300 * time.Millisecond,
		ErrorKind:   func(error) string { return "model" },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.sess = s
	t.Cleanup(func() {
		_ = s.Close()
		h.sub.Unsubscribe()
	})
	return h
}

// speak emits n frames of 100 ms of 48 kHz mono audio.
func (h *harness) speak(n int) {
	for range n {
		h.capt.Emit(audio.Frame{Data: make([]byte, 4800*2), SampleRate: 48000, Channels: 1})
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	eventually(t, "idle", func() bool { return h.sess.State() == StateIdle })
}

func (h *harness) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-h.sub.C():
			out = append(out, e)
		default:
			return out
		}
	}
}

func named(evs []events.Event, name events.Name) []events.Event {
	var out []events.Event
	for _, e := range evs {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// --- tests ---

func TestSession_RecordTranscribeDeliver(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.sess.State(); got != StateRecording {
		t.Fatalf("State = %v, want recording", got)
	}
	h.speak(10)
	if err := h.sess.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	eventually(t, "delivery", func() bool { return len(h.sink.delivered()) == 1 })
	h.sess.pipelines.Wait()
	h.waitIdle(t)

	calls := h.tr.calls()
	if len(calls) != 1 {
		t.Fatalf("transcriber calls = %d, want 1", len(calls))
	}
	if calls[0] < 15000 || calls[0] > 16000 {
		t.Errorf("samples = %d, want about one second at 16 kHz", calls[0])
	}
	if h.tr.opts[0].Source != transcribe.SourceRecording {
		t.Errorf("Source = %q", h.tr.opts[0].Source)
	}
	if got := h.sink.delivered()[0]; got != "hello world" {
		t.Errorf("delivered %q", got)
	}
	if len(h.hist.saved) != 1 {
		t.Errorf("history saves = %d, want 1", len(h.hist.saved))
	}
	if mutes, restores := h.muter.counts(); mutes != 1 || restores != 1 {
		t.Errorf("mutes = %d, restores = %d, want 1/1", mutes, restores)
	}
	if n := h.capt.OpenStreams(); n != 0 {
		t.Errorf("open streams = %d, want 0", n)
	}

	evs := h.drain()
	var states []string
	for _, e := range named(evs, events.RecordingStateChanged) {
		states = append(states, e.Payload.(events.RecordingState).State)
	}
	want := []string{"recording", "stopping", "transcribing", "idle"}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
	done := named(evs, events.TranscriptionComplete)
	if len(done) != 1 {
		t.Fatalf("transcription-complete events = %d, want 1", len(done))
	}
	if p := done[0].Payload.(events.Transcription); p.Text != "hello world" || p.HistoryID != 1 {
		t.Errorf("payload = %+v", p)
	}
}

func TestSession_InvalidTransitions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.sess.Stop(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Stop while idle: %v", err)
	}
	if err := h.sess.Cancel(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Cancel while idle: %v", err)
	}
	if err := h.sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.sess.Start(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Start: %v", err)
	}
}

func TestSession_DeviceUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.capt.OpenErr = errors.New("no such device")

	err := h.sess.Start(context.Background())
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Start error = %v, want ErrDeviceUnavailable", err)
	}
	if got := h.sess.State(); got != StateIdle {
		t.Errorf("State = %v, want idle", got)
	}
	if mutes, restores := h.muter.counts(); mutes != 1 || restores != 1 {
		t.Errorf("mutes = %d, restores = %d, want 1/1", mutes, restores)
	}
}

func TestSession_MuteFailureStillRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.muter.err = errors.New("no mixer")

	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.sess.State(); got != StateRecording {
		t.Errorf("State = %v, want recording", got)
	}
}

func TestSession_ShortUtteranceDiscarded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.speak(1)
	if err := h.sess.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.waitIdle(t)
	if n := len(h.tr.calls()); n != 0 {
		t.Errorf("transcriber calls = %d, want 0", n)
	}
	if _, restores := h.muter.counts(); restores != 1 {
		t.Errorf("restores = %d, want 1", restores)
	}
}

func TestSession_CancelWhileRecording(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.speak(10)
	if err := h.sess.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := h.sess.State(); got != StateIdle {
		t.Errorf("State = %v, want idle", got)
	}
	if n := len(h.tr.calls()); n != 0 {
		t.Errorf("transcriber calls = %d, want 0", n)
	}
	if _, restores := h.muter.counts(); restores != 1 {
		t.Errorf("restores = %d, want 1", restores)
	}
	if n := h.capt.OpenStreams(); n != 0 {
		t.Errorf("open streams = %d, want 0", n)
	}
	if err := h.sess.Stop(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Stop after cancel: %v", err)
	}
}

func TestSession_CancelWhileTranscribing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.tr.block = make(chan struct{})
	ctx := context.Background()

	if err := h.sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.speak(10)
	if err := h.sess.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	eventually(t, "transcription to start", func() bool { return len(h.tr.calls()) == 1 })
	if got := h.sess.State(); got != StateTranscribing {
		t.Fatalf("State = %v, want transcribing", got)
	}
	if err := h.sess.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	eventually(t, "inference cancelled", func() bool {
		h.tr.mu.Lock()
		defer h.tr.mu.Unlock()
		return len(h.tr.ctxErrs) == 1
	})
	h.sess.pipelines.Wait()

	if got := h.sess.State(); got != StateIdle {
		t.Errorf("State = %v, want idle", got)
	}
	if n := len(h.sink.delivered()); n != 0 {
		t.Errorf("deliveries = %d, want 0", n)
	}
	evs := h.drain()
	if n := len(named(evs, events.TranscriptionComplete)); n != 0 {
		t.Errorf("transcription-complete events = %d, want 0", n)
	}
	if n := len(named(evs, events.ShowErrorDialog)); n != 0 {
		t.Errorf("error dialogs = %d, want 0", n)
	}
}

func TestSession_CancelDuringHistorySave(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.hist.entered = make(chan struct{}, 1)
	h.hist.gate = make(chan struct{})
	ctx := context.Background()

	if err := h.sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.speak(10)
	if err := h.sess.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-h.hist.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("history save never started")
	}
	if err := h.sess.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(h.hist.gate)
	h.sess.pipelines.Wait()

	if saved, deleted := h.hist.counts(); saved != deleted {
		t.Errorf("history saved %d, deleted %d: cancelled recording left an entry", saved, deleted)
	}
	if n := len(h.sink.delivered()); n != 0 {
		t.Errorf("deliveries = %d, want 0", n)
	}
	if n := len(named(h.drain(), events.TranscriptionComplete)); n != 0 {
		t.Errorf("transcription-complete events = %d, want 0", n)
	}
}

func TestSession_SlowOutputDoesNotHoldSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.sink.entered = make(chan struct{}, 1)
	h.sink.gate = make(chan struct{})
	ctx := context.Background()

	if err := h.sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.speak(10)
	if err := h.sess.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-h.sink.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("output delivery never started")
	}

	// The sink is still blocked; the session must already be usable.
	if got := h.sess.State(); got != StateIdle {
		t.Errorf("State = %v, want idle", got)
	}
	if err := h.sess.Cancel(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Cancel = %v, want ErrInvalidState", err)
	}

	close(h.sink.gate)
	h.sess.pipelines.Wait()
	if got := h.sink.delivered(); len(got) != 1 {
		t.Errorf("delivered = %v, want one text", got)
	}
}

func TestSession_TranscriberErrorShowsDialog(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.tr.err = transcribe.ErrDecodingFailed
	ctx := context.Background()

	if err := h.sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.speak(10)
	if err := h.sess.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.sess.pipelines.Wait()
	h.waitIdle(t)

	if n := len(h.sink.delivered()); n != 0 {
		t.Errorf("deliveries = %d, want 0", n)
	}
	dialogs := named(h.drain(), events.ShowErrorDialog)
	if len(dialogs) != 1 {
		t.Fatalf("error dialogs = %d, want 1", len(dialogs))
	}
	if p := dialogs[0].Payload.(events.ErrorDialog); p.Kind != "model" {
		t.Errorf("Kind = %q, want model", p.Kind)
	}
}

func TestSession_HistoryFailureStillDelivers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.hist.err = history.ErrStorage
	ctx := context.Background()

	if err := h.sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.speak(10)
	if err := h.sess.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.sess.pipelines.Wait()

	if got := h.sink.delivered(); len(got) != 1 || got[0] != "hello world" {
		t.Errorf("delivered = %v", got)
	}
	evs := h.drain()
	if n := len(named(evs, events.ShowErrorDialog)); n != 1 {
		t.Errorf("error dialogs = %d, want 1", n)
	}
	done := named(evs, events.TranscriptionComplete)
	if len(done) != 1 || done[0].Payload.(events.Transcription).HistoryID != 0 {
		t.Errorf("transcription-complete = %+v", done)
	}
}

func TestSession_PostProcessing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		out  postprocess.Outcome
		want string
	}{
		{"rewritten", postprocess.Outcome{Text: "Hello, world.", Prompt: "Fix: ${output}"}, "Hello, world."},
		{"fallback keeps original", postprocess.Outcome{FellBack: true, Err: postprocess.ErrProviderTimeout}, "hello world"},
		{"skipped", postprocess.Outcome{Skipped: true}, "hello world"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, func(c *Config) { c.PostProcessor = fakePost{out: tc.out} })
			ctx := context.Background()

			if err := h.sess.Start(ctx); err != nil {
				t.Fatalf("Start: %v", err)
			}
			h.speak(10)
			if err := h.sess.Stop(ctx); err != nil {
				t.Fatalf("Stop: %v", err)
			}
			h.sess.pipelines.Wait()

			if got := h.sink.delivered(); len(got) != 1 || got[0] != tc.want {
				t.Errorf("delivered = %v, want [%q]", got, tc.want)
			}
			saved := h.hist.saved[0]
			if saved.Text != "hello world" {
				t.Errorf("saved raw text = %q", saved.Text)
			}
			if tc.out.FellBack && saved.PostProcessedText != "" {
				t.Errorf("fallback stored post-processed text %q", saved.PostProcessedText)
			}
		})
	}
}

func TestSession_VADAutoStop(t *testing.T) {
	t.Parallel()
	vs := &vadmock.Session{
		Events:      []vad.VADEvent{{Type: vad.VADSpeechStart}, {Type: vad.VADSpeechEnd}},
		EventResult: vad.VADEvent{Type: vad.VADSilence},
	}
	h := newHarness(t, func(c *Config) {
		c.VAD = &vadmock.Engine{Session: vs}
		c.AutoStop = true
		c.TrailingSilence = 300 * time.Millisecond
	})

	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.speak(10)
	eventually(t, "auto-stop delivery", func() bool { return len(h.sink.delivered()) == 1 })
	h.waitIdle(t)

	if err := h.sess.Release(context.Background()); err != nil {
		t.Errorf("Release after auto-stop: %v", err)
	}
	if vs.CloseCallCount == 0 {
		t.Error("vad session not closed")
	}
}

func TestSession_NoSpeechDiscarded(t *testing.T) {
	t.Parallel()
	vs := &vadmock.Session{EventResult: vad.VADEvent{Type: vad.VADSilence}}
	h := newHarness(t, func(c *Config) { c.VAD = &vadmock.Engine{Session: vs} })
	ctx := context.Background()

	if err := h.sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.speak(10)
	if err := h.sess.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.waitIdle(t)
	if n := len(h.tr.calls()); n != 0 {
		t.Errorf("transcriber calls = %d, want 0", n)
	}
}

func TestSession_VADFailureFallsBackToManual(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		engine *vadmock.Engine
	}{
		{"session creation fails", &vadmock.Engine{NewSessionErr: errors.New("bad config")}},
		{"frame processing fails", &vadmock.Engine{Session: &vadmock.Session{ProcessFrameErr: errors.New("boom")}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, func(c *Config) { c.VAD = tc.engine })
			ctx := context.Background()

			if err := h.sess.Start(ctx); err != nil {
				t.Fatalf("Start: %v", err)
			}
			h.speak(10)
			if err := h.sess.Stop(ctx); err != nil {
				t.Fatalf("Stop: %v", err)
			}
			h.sess.pipelines.Wait()
			if n := len(h.sink.delivered()); n != 1 {
				t.Errorf("deliveries = %d, want 1", n)
			}
		})
	}
}

func TestSession_Modes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("toggle", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.Mode = ModeToggle })
		if err := h.sess.Press(ctx); err != nil {
			t.Fatalf("Press: %v", err)
		}
		if err := h.sess.Release(ctx); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if got := h.sess.State(); got != StateRecording {
			t.Fatalf("State after release = %v, want recording", got)
		}
		h.speak(10)
		if err := h.sess.Press(ctx); err != nil {
			t.Fatalf("second Press: %v", err)
		}
		h.sess.pipelines.Wait()
		if n := len(h.sink.delivered()); n != 1 {
			t.Errorf("deliveries = %d, want 1", n)
		}
	})

	t.Run("push to talk", func(t *testing.T) {
		h := newHarness(t, nil)
		if err := h.sess.Press(ctx); err != nil {
			t.Fatalf("Press: %v", err)
		}
		h.speak(10)
		if err := h.sess.Release(ctx); err != nil {
			t.Fatalf("Release: %v", err)
		}
		h.sess.pipelines.Wait()
		if n := len(h.sink.delivered()); n != 1 {
			t.Errorf("deliveries = %d, want 1", n)
		}
	})

	t.Run("unknown mode", func(t *testing.T) {
		if _, err := New(Config{Capture: &audiomock.Capture{}, Transcriber: &fakeTranscriber{}, Mode: "hold"}); err == nil {
			t.Error("expected error for unknown mode")
		}
	})
}

func TestSession_AlwaysOnReusesStream(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.AlwaysOn = true })
	ctx := context.Background()

	if err := h.sess.OpenInput(ctx); err != nil {
		t.Fatalf("OpenInput: %v", err)
	}
	// Audio captured while idle must not leak into the next recording.
	h.speak(20)

	for i := range 2 {
		if err := h.sess.Start(ctx); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
		h.speak(10)
		if err := h.sess.Stop(ctx); err != nil {
			t.Fatalf("Stop %d: %v", i, err)
		}
		h.sess.pipelines.Wait()
		h.waitIdle(t)
	}
	if n := h.capt.OpenCount(); n != 1 {
		t.Errorf("Open calls = %d, want 1", n)
	}
	if n := h.capt.OpenStreams(); n != 1 {
		t.Errorf("open streams = %d, want 1", n)
	}
	for i, n := range h.tr.calls() {
		if n > 16000 {
			t.Errorf("recording %d has %d samples, idle audio leaked in", i, n)
		}
	}

	if err := h.sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := h.capt.OpenStreams(); n != 0 {
		t.Errorf("open streams after Close = %d, want 0", n)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for st, want := range map[State]string{
		StateIdle:         "idle",
		StateRecording:    "recording",
		StateStopping:     "stopping",
		StateTranscribing: "transcribing",
		State(9):          "State(9)",
	} {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(st), got, want)
		}
	}
}
