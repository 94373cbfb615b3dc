// Package types defines the shared types used across murmur packages.
//
// These are the conversation types exchanged between the post-processing
// dispatcher, LLM providers and the tool host. Each package keeps its own
// domain types; only cross-cutting structures live here to avoid import cycles.
package types

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string

	// ToolCalls contains tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool" and names the call this message answers.
	ToolCallID string
}

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	// ID is the provider-assigned identifier for this call.
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded argument object.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the unique tool name the model uses to call it.
	Name string

	// Description tells the model what the tool does and when to use it.
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any

	// MaxDurationMs is the hard execution timeout. Zero means the host default.
	MaxDurationMs int
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum input size in tokens.
	ContextWindow int

	// MaxOutputTokens is the maximum completion size in tokens.
	MaxOutputTokens int

	// SupportsToolCalling reports whether the model accepts tool definitions.
	SupportsToolCalling bool
}
