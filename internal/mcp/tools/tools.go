// Package tools defines the [Tool] type shared by the built-in tool packages.
// Each sub-package exports a constructor that returns a slice of Tool values
// ready for registration with the tool host.
package tools

import (
	"context"

	"github.com/MrWong99/murmur/pkg/types"
)

// Tool is a built-in tool: its LLM-facing schema plus the handler invoked
// when the model calls it.
type Tool struct {
	// Definition is the schema offered to the model. Its MaxDurationMs is
	// used as the execution timeout.
	Definition types.ToolDefinition

	// Handler executes the tool with JSON-encoded args and returns a
	// JSON-encoded result, or a descriptive error. Implementations must be
	// safe for concurrent use and respect ctx.
	Handler func(ctx context.Context, args string) (string, error)
}
