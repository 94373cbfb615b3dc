package llm

import "github.com/MrWong99/murmur/pkg/types"

// Aliases keep call sites short: llm.Message instead of types.Message.
type (
	Message           = types.Message
	ToolCall          = types.ToolCall
	ToolDefinition    = types.ToolDefinition
	ModelCapabilities = types.ModelCapabilities
)
