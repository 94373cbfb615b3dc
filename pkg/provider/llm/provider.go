// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (an OpenAI-compatible
// endpoint, Anthropic, a local Ollama instance) and exposes a uniform
// completion call to the post-processing dispatcher without coupling it to a
// specific SDK.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"

	"github.com/MrWong99/murmur/pkg/types"
)

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history.
	Messages []types.Message

	// Tools lists the tools the model may call. Empty disables tool calling.
	Tools []types.ToolDefinition

	// Temperature controls sampling randomness. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int

	// SystemPrompt is prepended as a system message when non-empty.
	SystemPrompt string
}

// CompletionResponse is the result of a single non-streaming completion.
type CompletionResponse struct {
	// Content is the assistant text. May be empty when ToolCalls is set.
	Content string

	// ToolCalls lists the tool invocations requested by the model.
	ToolCalls []types.ToolCall

	Usage Usage
}

// Provider is the abstraction over an LLM backend.
type Provider interface {
	// Complete sends req and blocks until the full response is available or
	// ctx is done.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities reports static model properties.
	Capabilities() types.ModelCapabilities
}
