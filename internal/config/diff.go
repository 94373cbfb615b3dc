package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CustomWordsChanged covers the word list and the correction threshold.
	CustomWordsChanged bool

	// TranscriptionChanged covers language, translate and initial prompt.
	TranscriptionChanged bool

	// PostProcessChanged covers provider, fallbacks, prompts and limits.
	PostProcessChanged bool

	UnloadTimeoutChanged bool
	NewUnloadTimeout     UnloadTimeout

	RetentionChanged bool

	// RecordingChanged covers mode, auto-stop, minimum duration and live partials.
	RecordingChanged bool
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.CustomWordsChanged || d.TranscriptionChanged ||
		d.PostProcessChanged || d.UnloadTimeoutChanged || d.RetentionChanged || d.RecordingChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ot, nt := old.Transcription, new.Transcription
	if !slices.Equal(ot.CustomWords, nt.CustomWords) || ot.WordCorrectionThreshold != nt.WordCorrectionThreshold {
		d.CustomWordsChanged = true
	}
	if ot.Language != nt.Language || ot.Translate != nt.Translate || ot.InitialPrompt != nt.InitialPrompt {
		d.TranscriptionChanged = true
	}

	if !postProcessEqual(old.PostProcess, new.PostProcess) {
		d.PostProcessChanged = true
	}

	if old.Models.UnloadTimeout != new.Models.UnloadTimeout {
		d.UnloadTimeoutChanged = true
		d.NewUnloadTimeout = new.Models.UnloadTimeout
	}

	if old.History.Retention != new.History.Retention || old.History.Limit != new.History.Limit {
		d.RetentionChanged = true
	}

	if old.Recording != new.Recording {
		d.RecordingChanged = true
	}

	return d
}

func postProcessEqual(a, b PostProcessConfig) bool {
	if a.Enabled != b.Enabled || a.SelectedPrompt != b.SelectedPrompt || a.Timeout != b.Timeout ||
		a.ToolsEnabled != b.ToolsEnabled || a.MaxToolIterations != b.MaxToolIterations ||
		a.Temperature != b.Temperature || a.MaxTokens != b.MaxTokens {
		return false
	}
	if !providerEqual(a.Provider, b.Provider) {
		return false
	}
	if !slices.EqualFunc(a.Fallbacks, b.Fallbacks, providerEqual) {
		return false
	}
	return slices.Equal(a.Prompts, b.Prompts)
}

// providerEqual ignores Options; changing provider-specific options requires
// a restart.
func providerEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
