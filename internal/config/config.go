// Package config provides the configuration schema, loader, watcher, and
// provider registry for the murmur speech-to-text backend.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/murmur/internal/mcp"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level returns the slog level for l. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// RecordingMode selects how the hotkey drives a recording.
type RecordingMode string

const (
	// ModePushToTalk records while the key is held.
	ModePushToTalk RecordingMode = "push_to_talk"

	// ModeToggle starts on one press and stops on the next.
	ModeToggle RecordingMode = "toggle"
)

// IsValid reports whether m is a recognised recording mode.
func (m RecordingMode) IsValid() bool {
	return m == ModePushToTalk || m == ModeToggle
}

// UnloadTimeout is the idle period after which a loaded model is evicted.
type UnloadTimeout string

const (
	UnloadNever       UnloadTimeout = "never"
	UnloadImmediately UnloadTimeout = "immediately"
	UnloadMin2        UnloadTimeout = "min2"
	UnloadMin5        UnloadTimeout = "min5"
	UnloadMin10       UnloadTimeout = "min10"
	UnloadMin15       UnloadTimeout = "min15"
	UnloadHour1       UnloadTimeout = "hour1"

	// UnloadSec5 is meant for debugging the idle watcher.
	UnloadSec5 UnloadTimeout = "sec5"
)

// IsValid reports whether u is a recognised unload timeout.
func (u UnloadTimeout) IsValid() bool {
	switch u {
	case UnloadNever, UnloadImmediately, UnloadMin2, UnloadMin5, UnloadMin10, UnloadMin15, UnloadHour1, UnloadSec5:
		return true
	}
	return false
}

// Duration returns the idle period. It returns 0 for never and immediately;
// callers distinguish those two by value.
func (u UnloadTimeout) Duration() time.Duration {
	switch u {
	case UnloadMin2:
		return 2 * time.Minute
	case UnloadMin5:
		return 5 * time.Minute
	case UnloadMin10:
		return 10 * time.Minute
	case UnloadMin15:
		return 15 * time.Minute
	case UnloadHour1:
		return time.Hour
	case UnloadSec5:
		return 5 * time.Second
	}
	return 0
}

// RetentionPolicy decides which unsaved history entries the sweeper removes.
type RetentionPolicy string

const (
	RetainNever         RetentionPolicy = "never"
	RetainPreserveLimit RetentionPolicy = "preserve_limit"
	RetainDays3         RetentionPolicy = "days3"
	RetainWeeks2        RetentionPolicy = "weeks2"
	RetainMonths3       RetentionPolicy = "months3"
)

// IsValid reports whether p is a recognised retention policy.
func (p RetentionPolicy) IsValid() bool {
	switch p {
	case RetainNever, RetainPreserveLimit, RetainDays3, RetainWeeks2, RetainMonths3:
		return true
	}
	return false
}

// MaxAge returns the age cutoff for time-based policies and 0 otherwise.
func (p RetentionPolicy) MaxAge() time.Duration {
	switch p {
	case RetainDays3:
		return 3 * 24 * time.Hour
	case RetainWeeks2:
		return 14 * 24 * time.Hour
	case RetainMonths3:
		return 90 * 24 * time.Hour
	}
	return 0
}

// Config is the root configuration structure for murmur.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Recording     RecordingConfig     `yaml:"recording"`
	Models        ModelsConfig        `yaml:"models"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	PostProcess   PostProcessConfig   `yaml:"post_process"`
	History       HistoryConfig       `yaml:"history"`
	MCP           MCPConfig           `yaml:"mcp"`
}

// ServerConfig holds the local transport and logging settings.
type ServerConfig struct {
	// ListenAddr is the loopback address the command/event bridge binds to.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TraceSampleRatio is the fraction of recordings and commands traced.
	// Zero traces everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// AudioConfig selects and tunes the capture device.
type AudioConfig struct {
	// Backend names the registered capture implementation. Default "malgo".
	Backend string `yaml:"backend"`

	// InputDevice is a device ID or name. Empty selects the system default.
	InputDevice string `yaml:"input_device"`

	// SampleRate requests a capture rate. Zero accepts the device default.
	SampleRate int `yaml:"sample_rate"`

	// Channels requests a channel count. Zero accepts the device default.
	Channels int `yaml:"channels"`

	// PeriodMs is the capture callback period.
	PeriodMs int `yaml:"period_ms"`

	// QueueSize bounds the frame queue between the capture callback and the
	// session worker. The oldest frame is dropped when it is full.
	QueueSize int `yaml:"queue_size"`

	// AlwaysOnMicrophone keeps the stream open while idle.
	AlwaysOnMicrophone bool `yaml:"always_on_microphone"`

	// MuteWhileRecording silences system output for the duration of a recording.
	MuteWhileRecording bool `yaml:"mute_while_recording"`
}

// VADConfig configures voice activity detection.
type VADConfig struct {
	// Engine is "webrtc", "energy", or "none". Default "webrtc".
	Engine string `yaml:"engine"`

	// Mode is the WebRTC aggressiveness 0-3.
	Mode int `yaml:"mode"`

	// FrameMs is the classification window: 10, 20, or 30.
	FrameMs int `yaml:"frame_ms"`

	SpeechThreshold float64 `yaml:"speech_threshold"`
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// StartFrames consecutive speech windows open an utterance.
	StartFrames int `yaml:"start_frames"`

	// EndFrames consecutive silence windows close it. Must exceed StartFrames.
	EndFrames int `yaml:"end_frames"`
}

// RecordingConfig configures the session state machine.
type RecordingConfig struct {
	Mode RecordingMode `yaml:"mode"`

	// AutoStop ends the recording after TrailingSilence following speech end.
	AutoStop        bool          `yaml:"auto_stop"`
	TrailingSilence time.Duration `yaml:"trailing_silence"`

	// MinDuration discards shorter utterances without transcribing them.
	MinDuration time.Duration `yaml:"min_duration"`

	// LivePartials publishes interim transcripts while recording.
	LivePartials bool `yaml:"live_partials"`
}

// ModelsConfig configures the model manager.
type ModelsConfig struct {
	// Dir is where models are downloaded to.
	Dir string `yaml:"dir"`

	// Selected is the last selected model ID restored at startup.
	Selected string `yaml:"selected"`

	UnloadTimeout UnloadTimeout `yaml:"unload_timeout"`

	// Threads is the CPU thread count per inference. Zero keeps the default.
	Threads int `yaml:"threads"`

	// Catalog adds entries to, or overrides entries of, the built-in catalog.
	Catalog []ModelEntry `yaml:"catalog"`
}

// ModelEntry describes a downloadable model.
type ModelEntry struct {
	ID                        string  `yaml:"id"`
	Name                      string  `yaml:"name"`
	Description               string  `yaml:"description"`
	Filename                  string  `yaml:"filename"`
	URL                       string  `yaml:"url"`
	SizeMB                    int     `yaml:"size_mb"`
	SHA256                    string  `yaml:"sha256"`
	Archive                   bool    `yaml:"archive"`
	AccuracyScore             float64 `yaml:"accuracy_score"`
	SpeedScore                float64 `yaml:"speed_score"`
	SupportsTranslation       bool    `yaml:"supports_translation"`
	SupportsLanguageSelection bool    `yaml:"supports_language_selection"`
}

// TranscriptionConfig tunes decoding and custom-word correction.
type TranscriptionConfig struct {
	// Language is an ISO code, "auto", or a script variant such as "zh-Hans".
	Language string `yaml:"language"`

	Translate bool `yaml:"translate"`

	// InitialPrompt biases the decoder.
	InitialPrompt string `yaml:"initial_prompt"`

	CustomWords []string `yaml:"custom_words"`

	// WordCorrectionThreshold in [0, 1]; higher accepts looser matches.
	WordCorrectionThreshold float64 `yaml:"word_correction_threshold"`
}

// PostProcessConfig configures the optional LLM pass over transcripts.
type PostProcessConfig struct {
	Enabled bool `yaml:"enabled"`

	// Provider is the primary LLM. Fallbacks are tried in order when it fails.
	Provider  ProviderEntry   `yaml:"provider"`
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	Prompts        []PromptEntry `yaml:"prompts"`
	SelectedPrompt string        `yaml:"selected_prompt"`

	Timeout           time.Duration `yaml:"timeout"`
	ToolsEnabled      bool          `yaml:"tools_enabled"`
	MaxToolIterations int           `yaml:"max_tool_iterations"`
	Temperature       float64       `yaml:"temperature"`
	MaxTokens         int           `yaml:"max_tokens"`
}

// ProviderEntry is the common configuration block shared by LLM providers.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "ollama").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// PromptEntry is a stored post-processing template.
type PromptEntry struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Prompt string `yaml:"prompt"`
}

// HistoryConfig configures the history store and its retention sweep.
type HistoryConfig struct {
	// Dir holds the SQLite database and the recordings/ directory.
	Dir string `yaml:"dir"`

	Retention RetentionPolicy `yaml:"retention"`

	// Limit is the number of unsaved entries kept by preserve_limit.
	Limit int `yaml:"limit"`

	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// MCPConfig holds the built-in tool switch and external tool servers.
type MCPConfig struct {
	// ShellTools registers open_terminal, execute_shell_command and open_path.
	ShellTools bool `yaml:"shell_tools"`

	// Shell overrides the shell used by execute_shell_command.
	Shell string `yaml:"shell"`

	// Terminal overrides the terminal emulator used by open_terminal.
	Terminal string `yaml:"terminal"`

	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport mcp.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is "streamable-http".
	URL string `yaml:"url"`

	// Token is a static Bearer token for streamable-http servers.
	Token string `yaml:"token"`

	// Env holds additional environment variables injected into the subprocess
	// when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}
