package resilience

import (
	"context"

	"github.com/MrWong99/murmur/pkg/provider/llm"
)

// LLMChain is an [llm.Provider] that fails over across post-processing
// backends.
type LLMChain struct {
	chain *Chain[llm.Provider]
}

var _ llm.Provider = (*LLMChain)(nil)

// NewLLMChain returns a chain with primary as the preferred backend.
func NewLLMChain(primary llm.Provider, name string, cfg ChainConfig) *LLMChain {
	c := NewChain[llm.Provider](cfg)
	c.Add(name, primary)
	return &LLMChain{chain: c}
}

// AddFallback appends a backend tried after the ones already added.
func (f *LLMChain) AddFallback(name string, p llm.Provider) { f.chain.Add(name, p) }

// Providers returns the backend labels in failover order.
func (f *LLMChain) Providers() []string { return f.chain.Names() }

// States returns each backend's breaker state.
func (f *LLMChain) States() map[string]State { return f.chain.States() }

// Complete sends req to the first healthy backend.
func (f *LLMChain) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(ctx, f.chain, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities returns the primary's capabilities, so tools are offered only
// when the primary can call them.
func (f *LLMChain) Capabilities() llm.ModelCapabilities {
	return f.chain.links[0].value.Capabilities()
}
