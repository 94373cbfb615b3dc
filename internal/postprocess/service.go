package postprocess

import (
	"context"
	"sync"

	"github.com/MrWong99/murmur/pkg/provider/llm"
)

// Service binds a [Dispatcher] to the prompt store and the configured
// provider. The recording session and the command surface post-process
// through it; configuration reloads swap its parts at runtime.
type Service struct {
	dispatcher *Dispatcher
	prompts    *Prompts

	mu       sync.RWMutex
	enabled  bool
	provider llm.Provider
}

// NewService returns a Service. provider may be nil while post-processing
// is disabled.
func NewService(d *Dispatcher, prompts *Prompts, provider llm.Provider, enabled bool) *Service {
	return &Service{dispatcher: d, prompts: prompts, provider: provider, enabled: enabled}
}

// Dispatcher returns the underlying dispatcher.
func (s *Service) Dispatcher() *Dispatcher { return s.dispatcher }

// Prompts returns the prompt store.
func (s *Service) Prompts() *Prompts { return s.prompts }

// Configure switches post-processing on or off and replaces the provider.
func (s *Service) Configure(enabled bool, provider llm.Provider) {
	s.mu.Lock()
	s.enabled, s.provider = enabled, provider
	s.mu.Unlock()
}

// Enabled reports whether recordings are post-processed.
func (s *Service) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// PostProcess applies the selected prompt when post-processing is enabled.
// A disabled service or an empty store yields a skipped outcome.
func (s *Service) PostProcess(ctx context.Context, transcript string) Outcome {
	s.mu.RLock()
	enabled, provider := s.enabled, s.provider
	s.mu.RUnlock()
	if !enabled {
		return Outcome{Text: transcript, Skipped: true}
	}
	return s.Reprocess(ctx, transcript, provider)
}

// Reprocess applies the selected prompt regardless of the enabled switch.
// A nil provider selects the configured one.
func (s *Service) Reprocess(ctx context.Context, transcript string, provider llm.Provider) Outcome {
	if provider == nil {
		s.mu.RLock()
		provider = s.provider
		s.mu.RUnlock()
	}
	prompt, ok := s.prompts.Selected()
	if !ok {
		return Outcome{Text: transcript, Skipped: true}
	}
	return s.dispatcher.Run(ctx, transcript, prompt, provider)
}
