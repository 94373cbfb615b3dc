package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/murmur/internal/mcp"
)

// ValidProviderNames lists known LLM provider names. Used by [Validate] to
// warn about unrecognised names.
var ValidProviderNames = []string{
	"openai", "openrouter", "groq", "cerebras", "custom",
	"anthropic", "gemini", "ollama", "mistral", "deepseek", "llamacpp", "llamafile",
}

// ValidVADEngines lists the VAD engines the app can construct.
var ValidVADEngines = []string{"webrtc", "energy", "none"}

// DefaultPromptTemplate is installed when no prompts are configured.
const DefaultPromptTemplate = "Improve the following transcription. Fix spelling, punctuation and capitalisation without changing its meaning. Reply with the corrected text only.\n\n${output}"

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Save writes cfg to path as YAML, replacing the file atomically.
func Save(path string, cfg *Config) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("config: encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: encode yaml: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("config: write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("config: replace %q: %w", path, err)
	}
	return nil
}

// DataDir returns the per-user directory murmur keeps its state in.
func DataDir() string {
	if d, err := os.UserConfigDir(); err == nil {
		return filepath.Join(d, "murmur")
	}
	return filepath.Join(os.TempDir(), "murmur")
}

// ApplyDefaults fills zero values in cfg. It never overwrites set values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1:7878"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = "malgo"
	}
	if cfg.Audio.PeriodMs == 0 {
		cfg.Audio.PeriodMs = 20
	}
	if cfg.Audio.QueueSize == 0 {
		cfg.Audio.QueueSize = 256
	}

	if cfg.VAD.Engine == "" {
		cfg.VAD.Engine = "webrtc"
	}
	if cfg.VAD.FrameMs == 0 {
		cfg.VAD.FrameMs = 30
	}
	if cfg.VAD.SpeechThreshold == 0 {
		cfg.VAD.SpeechThreshold = 0.5
	}
	if cfg.VAD.EnergyThreshold == 0 {
		cfg.VAD.EnergyThreshold = 0.01
	}
	if cfg.VAD.StartFrames == 0 {
		cfg.VAD.StartFrames = 3
	}
	if cfg.VAD.EndFrames == 0 {
		cfg.VAD.EndFrames = 20
	}

	if cfg.Recording.Mode == "" {
		cfg.Recording.Mode = ModeToggle
	}
	if cfg.Recording.TrailingSilence == 0 {
		cfg.Recording.TrailingSilence = 1500 * time.Millisecond
	}
	if cfg.Recording.MinDuration == 0 {
		cfg.Recording.MinDuration = 300 * time.Millisecond
	}

	if cfg.Models.Dir == "" {
		cfg.Models.Dir = filepath.Join(DataDir(), "models")
	}
	if cfg.Models.UnloadTimeout == "" {
		cfg.Models.UnloadTimeout = UnloadNever
	}

	if cfg.Transcription.Language == "" {
		cfg.Transcription.Language = "auto"
	}
	if cfg.Transcription.WordCorrectionThreshold == 0 {
		cfg.Transcription.WordCorrectionThreshold = 0.18
	}

	if cfg.PostProcess.Timeout == 0 {
		cfg.PostProcess.Timeout = 30 * time.Second
	}
	if cfg.PostProcess.MaxToolIterations == 0 {
		cfg.PostProcess.MaxToolIterations = 5
	}
	if len(cfg.PostProcess.Prompts) == 0 {
		cfg.PostProcess.Prompts = []PromptEntry{{ID: "default_improve", Name: "Improve transcription", Prompt: DefaultPromptTemplate}}
	}
	if cfg.PostProcess.SelectedPrompt == "" {
		cfg.PostProcess.SelectedPrompt = cfg.PostProcess.Prompts[0].ID
	}

	if cfg.History.Dir == "" {
		cfg.History.Dir = DataDir()
	}
	if cfg.History.Retention == "" {
		cfg.History.Retention = RetainPreserveLimit
	}
	if cfg.History.Limit == 0 {
		cfg.History.Limit = 5
	}
	if cfg.History.SweepInterval == 0 {
		cfg.History.SweepInterval = time.Hour
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be between 0 and 1", r))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Audio.PeriodMs < 0 || cfg.Audio.QueueSize < 0 || cfg.Audio.SampleRate < 0 || cfg.Audio.Channels < 0 {
		errs = append(errs, errors.New("audio: sample_rate, channels, period_ms and queue_size must not be negative"))
	}

	if cfg.VAD.Engine != "" && !slices.Contains(ValidVADEngines, cfg.VAD.Engine) {
		errs = append(errs, fmt.Errorf("vad.engine %q is invalid; valid values: %v", cfg.VAD.Engine, ValidVADEngines))
	}
	if cfg.VAD.Mode < 0 || cfg.VAD.Mode > 3 {
		errs = append(errs, fmt.Errorf("vad.mode %d is out of range [0, 3]", cfg.VAD.Mode))
	}
	if cfg.VAD.FrameMs != 0 && cfg.VAD.FrameMs != 10 && cfg.VAD.FrameMs != 20 && cfg.VAD.FrameMs != 30 {
		errs = append(errs, fmt.Errorf("vad.frame_ms %d is invalid; valid values: 10, 20, 30", cfg.VAD.FrameMs))
	}
	if cfg.VAD.SpeechThreshold < 0 || cfg.VAD.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.2f is out of range [0, 1]", cfg.VAD.SpeechThreshold))
	}
	if cfg.VAD.EndFrames <= cfg.VAD.StartFrames {
		errs = append(errs, fmt.Errorf("vad.end_frames (%d) must be greater than vad.start_frames (%d)", cfg.VAD.EndFrames, cfg.VAD.StartFrames))
	}

	if cfg.Recording.Mode != "" && !cfg.Recording.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("recording.mode %q is invalid; valid values: push_to_talk, toggle", cfg.Recording.Mode))
	}
	if cfg.Recording.MinDuration < 0 || cfg.Recording.TrailingSilence < 0 {
		errs = append(errs, errors.New("recording: durations must not be negative"))
	}

	if cfg.Models.UnloadTimeout != "" && !cfg.Models.UnloadTimeout.IsValid() {
		errs = append(errs, fmt.Errorf("models.unload_timeout %q is invalid", cfg.Models.UnloadTimeout))
	}
	seenModels := make(map[string]int, len(cfg.Models.Catalog))
	for i, m := range cfg.Models.Catalog {
		prefix := fmt.Sprintf("models.catalog[%d]", i)
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := seenModels[m.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of models.catalog[%d]", prefix, m.ID, prev))
		}
		seenModels[m.ID] = i
		if m.URL == "" || m.Filename == "" {
			errs = append(errs, fmt.Errorf("%s: url and filename are required", prefix))
		}
	}

	t := cfg.Transcription.WordCorrectionThreshold
	if t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("transcription.word_correction_threshold %.2f is out of range [0, 1]", t))
	}

	pp := cfg.PostProcess
	validateProviderName("post_process.provider", pp.Provider.Name)
	for i, fb := range pp.Fallbacks {
		validateProviderName(fmt.Sprintf("post_process.fallbacks[%d]", i), fb.Name)
	}
	if pp.Enabled && pp.Provider.Name == "" {
		errs = append(errs, errors.New("post_process.provider.name is required when post_process.enabled is true"))
	}
	if pp.Enabled && pp.Provider.Model == "" {
		slog.Warn("post_process is enabled but no model is configured; post-processing will be skipped")
	}
	if pp.Timeout < 0 {
		errs = append(errs, errors.New("post_process.timeout must not be negative"))
	}
	if pp.MaxToolIterations < 0 {
		errs = append(errs, errors.New("post_process.max_tool_iterations must not be negative"))
	}
	promptIDs := make(map[string]int, len(pp.Prompts))
	for i, p := range pp.Prompts {
		prefix := fmt.Sprintf("post_process.prompts[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := promptIDs[p.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of post_process.prompts[%d]", prefix, p.ID, prev))
		}
		promptIDs[p.ID] = i
	}
	if pp.SelectedPrompt != "" && len(pp.Prompts) > 0 {
		if _, ok := promptIDs[pp.SelectedPrompt]; !ok {
			errs = append(errs, fmt.Errorf("post_process.selected_prompt %q does not name a configured prompt", pp.SelectedPrompt))
		}
	}

	if cfg.History.Retention != "" && !cfg.History.Retention.IsValid() {
		errs = append(errs, fmt.Errorf("history.retention %q is invalid; valid values: never, preserve_limit, days3, weeks2, months3", cfg.History.Retention))
	}
	if cfg.History.Limit < 0 {
		errs = append(errs, errors.New("history.limit must not be negative"))
	}

	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not in
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
