// Command murmur is the local speech-to-text backend. It serves the command
// and event bridge a desktop UI talks to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/malgo"
	"github.com/MrWong99/murmur/pkg/provider/llm"
	"github.com/MrWong99/murmur/pkg/provider/llm/anyllm"
	"github.com/MrWong99/murmur/pkg/provider/llm/openai"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/stt/whisper"
	"github.com/MrWong99/murmur/pkg/provider/vad"
	"github.com/MrWong99/murmur/pkg/provider/vad/energy"
	"github.com/MrWong99/murmur/pkg/provider/vad/webrtc"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", filepath.Join(config.DataDir(), "config.yaml"), "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, created, err := loadOrCreate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "murmur: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))
	slog.Info("murmur starting",
		"version", version,
		"config", *configPath,
		"created", created,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      "murmur",
		ServiceVersion:   version,
		TraceSampleRatio: cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, *configPath, reg,
		app.WithLevel(level),
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// loadOrCreate loads the config at path. A missing file is created with the
// defaults so settings changed through commands have somewhere to go.
func loadOrCreate(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	cfg = config.Default()
	if err := config.Save(path, cfg); err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// openAICompatible maps provider names served through the OpenAI API shape to
// their default base URL. An empty URL keeps the client default.
var openAICompatible = map[string]string{
	"openai":     "",
	"openrouter": "https://openrouter.ai/api/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"cerebras":   "https://api.cerebras.ai/v1",
	"custom":     "",
}

// registerBuiltinProviders wires all built-in factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	for name, defaultURL := range openAICompatible {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			baseURL := entry.BaseURL
			if baseURL == "" {
				baseURL = defaultURL
			}
			if name == "custom" && baseURL == "" {
				return nil, errors.New("custom provider requires base_url")
			}
			var opts []openai.Option
			if entry.APIKey != "" {
				opts = append(opts, openai.WithAPIKey(entry.APIKey))
			}
			if baseURL != "" {
				opts = append(opts, openai.WithBaseURL(baseURL))
			}
			if org := optString(entry.Options, "organization"); org != "" {
				opts = append(opts, openai.WithOrganization(org))
			}
			return openai.New(entry.Model, opts...)
		})
	}

	// anthropic, gemini, mistral, deepseek, llamacpp, llamafile and ollama
	// share the same pattern: optional APIKey + optional BaseURL. Local
	// servers simply leave the key empty.
	for _, name := range anyllm.Backends {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("webrtc", func(c config.VADConfig) (vad.Engine, error) {
		return webrtc.New(webrtc.WithMode(c.Mode)), nil
	})
	reg.RegisterVAD("energy", func(c config.VADConfig) (vad.Engine, error) {
		return energy.New(c.EnergyThreshold), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterCapture("malgo", func(config.AudioConfig) (audio.Capture, error) {
		return malgo.New()
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterLoader("whisper", func(c config.ModelsConfig) (stt.Loader, error) {
		return whisper.NewLoader(whisper.WithThreads(c.Threads)), nil
	})

	for _, name := range reg.LLMNames() {
		slog.Debug("registered provider", "kind", "llm", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         murmur · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Model", orNone(cfg.Models.Selected))
	printRow("Audio", cfg.Audio.Backend)
	printRow("VAD", cfg.VAD.Engine)
	printRow("Mode", string(cfg.Recording.Mode))
	if cfg.PostProcess.Enabled {
		printRow("Post-process", providerValue(cfg.PostProcess.Provider))
	} else {
		printRow("Post-process", "(disabled)")
	}
	printRow("MCP servers", fmt.Sprint(len(cfg.MCP.Servers)))
	printRow("Retention", string(cfg.History.Retention))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func providerValue(e config.ProviderEntry) string {
	if e.Model == "" {
		return orNone(e.Name)
	}
	return e.Name + " / " + e.Model
}

func orNone(s string) string {
	if s == "" {
		return "(not configured)"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
