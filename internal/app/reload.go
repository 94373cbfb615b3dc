package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/postprocess"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/pkg/provider/llm"
)

// Update applies fn to a copy of the current config, validates it, writes it
// to disk and makes it current. It implements [command.Settings]. The caller
// has already applied the change to the running subsystems.
func (a *App) Update(fn func(*config.Config)) error {
	a.settingsMu.Lock()
	defer a.settingsMu.Unlock()

	next := cloneConfig(a.watcher.Current())
	fn(next)
	if err := config.Validate(next); err != nil {
		return err
	}
	if err := config.Save(a.path, next); err != nil {
		return err
	}
	a.watcher.Update(next)
	return nil
}

// persistPrompts stores the prompt list for [postprocess.Prompts].
func (a *App) persistPrompts(prompts []postprocess.Prompt, selected string) error {
	return a.Update(func(c *config.Config) {
		c.PostProcess.Prompts = promptsToConfig(prompts)
		c.PostProcess.SelectedPrompt = selected
	})
}

// onConfigChange applies an externally edited config file. Only the fields
// tracked by [config.Diff] take effect without a restart.
func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		slog.Info("config changed, but nothing hot-reloadable; restart to apply")
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.CustomWordsChanged {
		a.engine.SetCustomWords(customWords(new.Transcription))
		slog.Info("custom words reloaded", "words", len(new.Transcription.CustomWords))
	}
	if d.TranscriptionChanged {
		slog.Info("transcription settings reloaded", "language", new.Transcription.Language)
	}
	if d.PostProcessChanged {
		a.reloadPostProcess(new.PostProcess)
	}
	if d.UnloadTimeoutChanged {
		if err := a.models.SetUnloadTimeout(d.NewUnloadTimeout); err != nil {
			slog.Warn("unload timeout not applied", "timeout", d.NewUnloadTimeout, "err", err)
		}
	}
	if d.RetentionChanged {
		a.history.SetRetention(new.History.Retention, new.History.Limit)
		slog.Info("retention policy reloaded", "policy", new.History.Retention, "limit", new.History.Limit)
	}
	if d.RecordingChanged {
		slog.Warn("recording settings changed; restart to apply")
	}
}

func (a *App) reloadPostProcess(pp config.PostProcessConfig) {
	a.dispatcher.SetSettings(dispatchSettings(pp))
	a.prompts.Replace(promptsFromConfig(pp.Prompts), pp.SelectedPrompt)

	provider, err := a.buildLLM(pp)
	if err != nil {
		slog.Warn("post-processing provider unavailable", "provider", pp.Provider.Name, "err", err)
	}
	a.post.Configure(pp.Enabled, provider)
	slog.Info("post-processing reloaded", "enabled", pp.Enabled, "provider", pp.Provider.Name, "fallbacks", len(pp.Fallbacks))
}

// buildLLM creates the configured provider wrapped with its fallbacks. It
// returns a nil provider when none is configured.
func (a *App) buildLLM(pp config.PostProcessConfig) (llm.Provider, error) {
	if pp.Provider.Name == "" {
		return nil, nil
	}
	primary, err := a.reg.CreateLLM(pp.Provider)
	if err != nil {
		return nil, fmt.Errorf("app: create llm %q: %w", pp.Provider.Name, err)
	}

	cc := resilience.ChainConfigFor(dispatchSettings(pp).WithDefaults().Timeout)
	cc.Breaker.OnStateChange = a.breakerChanged
	chain := resilience.NewLLMChain(primary, providerLabel(pp.Provider), cc)
	for _, e := range pp.Fallbacks {
		p, err := a.reg.CreateLLM(e)
		if err != nil {
			slog.Warn("skipping fallback provider", "provider", e.Name, "err", err)
			continue
		}
		chain.AddFallback(providerLabel(e), p)
	}
	return chain, nil
}

func (a *App) breakerChanged(name string, from, to resilience.State) {
	log := slog.With("provider", name, "from", from, "to", to)
	if to == resilience.StateOpen {
		log.Warn("post-processing backend unhealthy, skipping it")
	} else {
		log.Info("post-processing backend breaker changed")
	}
	a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
}

// providerLabel names a provider entry for logs and circuit breakers.
func providerLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}

// cloneConfig copies cfg deeply enough that fn can modify slices in place.
func cloneConfig(cfg *config.Config) *config.Config {
	c := *cfg
	c.Models.Catalog = slices.Clone(cfg.Models.Catalog)
	c.Transcription.CustomWords = slices.Clone(cfg.Transcription.CustomWords)
	c.PostProcess.Fallbacks = slices.Clone(cfg.PostProcess.Fallbacks)
	c.PostProcess.Prompts = slices.Clone(cfg.PostProcess.Prompts)
	c.MCP.Servers = slices.Clone(cfg.MCP.Servers)
	return &c
}
