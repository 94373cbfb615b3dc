// Package app wires all murmur subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the local API and runs the background loops, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithCapture,
// WithLoader, WithMCPHost, etc.). When an option is not provided, New creates
// real implementations from the config and the provider registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/internal/command"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/events"
	"github.com/MrWong99/murmur/internal/health"
	"github.com/MrWong99/murmur/internal/history"
	"github.com/MrWong99/murmur/internal/mcp"
	"github.com/MrWong99/murmur/internal/mcp/mcphost"
	"github.com/MrWong99/murmur/internal/mcp/tools/shell"
	"github.com/MrWong99/murmur/internal/models"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/postprocess"
	"github.com/MrWong99/murmur/internal/server"
	"github.com/MrWong99/murmur/internal/session"
	"github.com/MrWong99/murmur/internal/transcribe"
	"github.com/MrWong99/murmur/internal/transcript"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/vad"
)

// loaderName is the registry key of the speech model loader.
const loaderName = "whisper"

// App owns all subsystem lifetimes.
type App struct {
	path    string
	reg     *config.Registry
	watcher *config.Watcher
	level   *slog.LevelVar
	metrics *observe.Metrics
	bus     *events.Bus

	metricsHandler http.Handler

	// settingsMu serialises read-modify-write cycles of the config file.
	settingsMu sync.Mutex

	// Subsystems, initialised in New and torn down in Shutdown.
	capture    audio.Capture
	vad        vad.Engine
	loader     stt.Loader
	models     *models.Manager
	engine     *transcribe.Engine
	tools      mcp.Host
	dispatcher *postprocess.Dispatcher
	prompts    *postprocess.Prompts
	post       *postprocess.Service
	history    *history.Store
	session    *session.Session
	commands   *command.Service
	health     *health.Handler
	server     *server.Server

	output        session.OutputSink
	muter         session.Muter
	watchInterval time.Duration

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCapture injects a capture backend instead of creating one from config.
func WithCapture(c audio.Capture) Option {
	return func(a *App) { a.capture = c }
}

// WithLoader injects a speech model loader instead of the registered one.
func WithLoader(l stt.Loader) Option {
	return func(a *App) { a.loader = l }
}

// WithMCPHost injects a tool host instead of creating one from config.
func WithMCPHost(h mcp.Host) Option {
	return func(a *App) { a.tools = h }
}

// WithOutput sets where finished recordings are delivered (paste, clipboard).
func WithOutput(o session.OutputSink) Option {
	return func(a *App) { a.output = o }
}

// WithMuter sets the system output muter used by mute_while_recording.
func WithMuter(m session.Muter) Option {
	return func(a *App) { a.muter = m }
}

// WithLevel lets a config reload change the log level of the default logger.
func WithLevel(l *slog.LevelVar) Option {
	return func(a *App) { a.level = l }
}

// WithMetrics replaces the global metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics instead of the default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithWatchInterval sets how often the config file is polled.
func WithWatchInterval(d time.Duration) Option {
	return func(a *App) { a.watchInterval = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New loads the config at path and wires every subsystem together. reg
// supplies the LLM, VAD, capture and model loader constructors.
//
// New performs all initialisation synchronously. Failures of optional parts
// (VAD, tool servers, the post-processing provider) are logged and the app
// starts without them.
func New(ctx context.Context, path string, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{path: path, reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	var wopts []config.WatcherOption
	if a.watchInterval > 0 {
		wopts = append(wopts, config.WithInterval(a.watchInterval))
	}
	w, err := config.NewWatcher(path, a.onConfigChange, wopts...)
	if err != nil {
		return nil, err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error { w.Stop(); return nil })
	cfg := w.Current()

	a.bus = events.NewBus(events.WithDropHook(func(n events.Name) {
		slog.Debug("event dropped for slow subscriber", "event", n)
	}))

	steps := []func(context.Context, *config.Config) error{
		a.initCapture,
		a.initVAD,
		a.initModels,
		a.initEngine,
		a.initMCP,
		a.initPostProcess,
		a.initHistory,
		a.initSession,
		a.initCommands,
		a.initServer,
	}
	for _, step := range steps {
		if err := step(ctx, cfg); err != nil {
			_ = a.Shutdown(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	return a, nil
}

// initCapture opens the audio backend unless one was injected.
func (a *App) initCapture(_ context.Context, cfg *config.Config) error {
	if a.capture == nil {
		c, err := a.reg.CreateCapture(cfg.Audio)
		if err != nil {
			return fmt.Errorf("app: create capture %q: %w", cfg.Audio.Backend, err)
		}
		a.capture = c
	}
	if c, ok := a.capture.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	return nil
}

// initVAD creates the voice activity detector. "none" disables it.
func (a *App) initVAD(_ context.Context, cfg *config.Config) error {
	if cfg.VAD.Engine == "none" {
		slog.Info("voice activity detection disabled")
		return nil
	}
	e, err := a.reg.CreateVAD(cfg.VAD)
	if err != nil {
		slog.Warn("voice activity detection unavailable, recording manually", "engine", cfg.VAD.Engine, "err", err)
		return nil
	}
	a.vad = e
	return nil
}

// initModels creates the model manager and restores the last selection.
func (a *App) initModels(_ context.Context, cfg *config.Config) error {
	if a.loader == nil {
		l, err := a.reg.CreateLoader(loaderName, cfg.Models)
		if err != nil {
			return fmt.Errorf("app: create model loader: %w", err)
		}
		a.loader = l
	}
	m, err := models.New(cfg.Models.Dir, a.loader,
		models.WithPublisher(a.bus),
		models.WithMetrics(a.metrics),
		models.WithCatalog(models.MergeCatalog(models.BuiltinCatalog(), cfg.Models.Catalog)),
		models.WithUnloadTimeout(cfg.Models.UnloadTimeout),
	)
	if err != nil {
		return err
	}
	m.Restore(cfg.Models.Selected)
	a.models = m
	a.closers = append(a.closers, m.Close)
	return nil
}

func (a *App) initEngine(_ context.Context, cfg *config.Config) error {
	a.engine = transcribe.New(a.models,
		transcribe.WithCustomWords(customWords(cfg.Transcription)),
		transcribe.WithMetrics(a.metrics),
	)
	return nil
}

// initMCP sets up the tool host, registers the built-in shell tools and
// connects the configured servers.
func (a *App) initMCP(ctx context.Context, cfg *config.Config) error {
	if a.tools == nil {
		host := mcphost.New(mcphost.WithMetrics(a.metrics))
		if cfg.MCP.ShellTools {
			if err := host.RegisterBuiltins(shell.NewTools(shell.Config{
				Shell:    cfg.MCP.Shell,
				Terminal: cfg.MCP.Terminal,
			})); err != nil {
				_ = host.Close()
				return fmt.Errorf("app: register shell tools: %w", err)
			}
		}
		a.tools = host
	}
	a.closers = append(a.closers, a.tools.Close)

	for _, srv := range cfg.MCP.Servers {
		serverCfg := mcp.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Token:     srv.Token,
			Env:       srv.Env,
		}
		if err := a.tools.RegisterServer(ctx, serverCfg); err != nil {
			slog.Warn("tool server unavailable", "name", srv.Name, "err", err)
			continue
		}
		slog.Info("registered tool server", "name", srv.Name)
	}
	return nil
}

// initPostProcess builds the prompt store, the dispatcher and the provider
// chain.
func (a *App) initPostProcess(_ context.Context, cfg *config.Config) error {
	pp := cfg.PostProcess
	a.prompts = postprocess.NewPrompts(promptsFromConfig(pp.Prompts), pp.SelectedPrompt, a.persistPrompts)
	a.dispatcher = postprocess.New(
		postprocess.WithTools(a.tools),
		postprocess.WithMetrics(a.metrics),
		postprocess.WithSettings(dispatchSettings(pp)),
	)
	provider, err := a.buildLLM(pp)
	if err != nil {
		slog.Warn("post-processing provider unavailable", "provider", pp.Provider.Name, "err", err)
	}
	a.post = postprocess.NewService(a.dispatcher, a.prompts, provider, pp.Enabled)
	return nil
}

func (a *App) initHistory(ctx context.Context, cfg *config.Config) error {
	store, err := history.Open(ctx, cfg.History.Dir,
		history.WithPublisher(a.bus),
		history.WithRetention(cfg.History.Retention, cfg.History.Limit),
	)
	if err != nil {
		return fmt.Errorf("app: open history: %w", err)
	}
	a.history = store
	a.closers = append(a.closers, store.Close)
	return nil
}

func (a *App) initSession(_ context.Context, cfg *config.Config) error {
	muter := a.muter
	if !cfg.Audio.MuteWhileRecording {
		muter = nil
	} else if muter == nil {
		slog.Warn("mute_while_recording is set but no output muter is available")
	}

	sess, err := session.New(session.Config{
		Capture: a.capture,
		Stream: audio.StreamConfig{
			DeviceID:   cfg.Audio.InputDevice,
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			PeriodMs:   cfg.Audio.PeriodMs,
		},
		Transcriber: a.engine,
		QueueSize:   cfg.Audio.QueueSize,
		AlwaysOn:    cfg.Audio.AlwaysOnMicrophone,
		VAD:         a.vad,
		VADConfig: vad.Config{
			SampleRate:      stt.SampleRate,
			FrameSizeMs:     cfg.VAD.FrameMs,
			SpeechThreshold: cfg.VAD.SpeechThreshold,
			StartFrames:     cfg.VAD.StartFrames,
			EndFrames:       cfg.VAD.EndFrames,
		},
		Mode:            session.Mode(cfg.Recording.Mode),
		AutoStop:        cfg.Recording.AutoStop,
		TrailingSilence: cfg.Recording.TrailingSilence,
		MinDuration:     cfg.Recording.MinDuration,
		Partials:        session.PartialConfig{Enabled: cfg.Recording.LivePartials},
		Preloader:       a.models,
		Options:         a.transcribeOptions,
		Muter:           muter,
		PostProcessor:   a.post,
		History:         a.history,
		Output:          a.output,
		Publisher:       a.bus,
		Metrics:         a.metrics,
		ErrorKind:       command.Kind,
	})
	if err != nil {
		return fmt.Errorf("app: create session: %w", err)
	}
	a.session = sess
	// Stop the recording and wait for in-flight pipelines before the stores close.
	a.closers = append([]func() error{sess.Close}, a.closers...)
	return nil
}

func (a *App) initCommands(_ context.Context, _ *config.Config) error {
	a.commands = command.New(command.Deps{
		Models:      a.models,
		History:     a.history,
		Recorder:    a.session,
		Transcriber: a.engine,
		PostProcess: a.post,
		Prompts:     a.prompts,
		Devices:     a.capture,
		Settings:    a,
		Publisher:   a.bus,
		Options:     a.transcribeOptions,
	})
	return nil
}

func (a *App) initServer(_ context.Context, cfg *config.Config) error {
	a.health = health.New(
		health.PingChecker("history", a.history),
		health.Checker{Name: "model", Check: a.modelReady, Optional: true},
		health.Checker{Name: "capture", Check: a.captureReady, Optional: true},
	)
	opts := []server.Option{
		server.WithAddr(cfg.Server.ListenAddr),
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
	}
	if a.metricsHandler != nil {
		opts = append(opts, server.WithMetricsHandler(a.metricsHandler))
	}
	a.server = server.New(a.commands, a.bus, opts...)
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Commands returns the command surface.
func (a *App) Commands() *command.Service { return a.commands }

// Session returns the recording session, for hotkey integrations.
func (a *App) Session() *session.Session { return a.session }

// Bus returns the event bus.
func (a *App) Bus() *events.Bus { return a.bus }

// Handler returns the HTTP handler of the local API.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Config returns the current configuration.
func (a *App) Config() *config.Config { return a.watcher.Current() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the local API and runs the retention sweeper, the config
// watcher and the model idle watcher until ctx is cancelled or one of them
// fails.
func (a *App) Run(ctx context.Context) error {
	cfg := a.watcher.Current()
	if err := a.session.OpenInput(ctx); err != nil {
		slog.Warn("always-on microphone unavailable", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(gctx) })
	g.Go(func() error { return a.history.RunSweeper(gctx, cfg.History.SweepInterval) })
	g.Go(func() error { return a.watcher.Run(gctx) })
	g.Go(func() error { return a.models.RunIdleWatcher(gctx) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("app: %w", err)
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// transcribeOptions reads the decoding settings of the current config, so a
// reload applies to the next utterance.
func (a *App) transcribeOptions() transcribe.Options {
	t := a.watcher.Current().Transcription
	return transcribe.Options{
		Language:      t.Language,
		Translate:     t.Translate,
		InitialPrompt: t.InitialPrompt,
	}
}

func (a *App) modelReady(context.Context) error {
	st := a.models.Status()
	switch st.Status {
	case models.StatusReady, models.StatusUnloaded, models.StatusLoading:
		return nil
	case models.StatusError:
		return fmt.Errorf("model %q: %s", st.ModelID, st.Error)
	}
	return models.ErrModelNotReady
}

func (a *App) captureReady(ctx context.Context) error {
	devs, err := a.capture.InputDevices(ctx)
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		return fmt.Errorf("%w: no input devices", audio.ErrDeviceUnavailable)
	}
	return nil
}

func customWords(t config.TranscriptionConfig) *transcript.CustomWords {
	return transcript.NewCustomWords(t.CustomWords, t.WordCorrectionThreshold)
}

func dispatchSettings(pp config.PostProcessConfig) postprocess.Settings {
	return postprocess.Settings{
		Timeout:           pp.Timeout,
		ToolsEnabled:      pp.ToolsEnabled,
		MaxToolIterations: pp.MaxToolIterations,
		Temperature:       pp.Temperature,
		MaxTokens:         pp.MaxTokens,
	}
}

func promptsFromConfig(entries []config.PromptEntry) []postprocess.Prompt {
	out := make([]postprocess.Prompt, len(entries))
	for i, e := range entries {
		out[i] = postprocess.Prompt{ID: e.ID, Name: e.Name, Template: e.Prompt}
	}
	return out
}

func promptsToConfig(prompts []postprocess.Prompt) []config.PromptEntry {
	out := make([]config.PromptEntry, len(prompts))
	for i, p := range prompts {
		out[i] = config.PromptEntry{ID: p.ID, Name: p.Name, Prompt: p.Template}
	}
	return out
}
