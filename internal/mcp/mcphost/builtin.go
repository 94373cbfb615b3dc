package mcphost

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/murmur/internal/mcp"
	"github.com/MrWong99/murmur/internal/mcp/tools"
)

// builtinServerName is the pseudo server name used for in-process tools.
const builtinServerName = "builtin"

// RegisterBuiltin registers a tool that runs in-process. A tool with the same
// name is replaced, including one imported from an MCP server.
func (h *Host) RegisterBuiltin(tool tools.Tool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("mcp host: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("mcp host: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[tool.Definition.Name] = toolEntry{
		def:        tool.Definition,
		serverName: builtinServerName,
		window:     newRollingWindow(defaultWindowSize),
		builtinFn:  tool.Handler,
	}
	return nil
}

// RegisterBuiltins registers every tool in ts and joins the errors.
func (h *Host) RegisterBuiltins(ts []tools.Tool) error {
	var errs []error
	for _, t := range ts {
		errs = append(errs, h.RegisterBuiltin(t))
	}
	return errors.Join(errs...)
}

// executeBuiltin calls the handler of an in-process tool. Handler errors
// become error results so the model can react to them.
func executeBuiltin(ctx context.Context, entry toolEntry, args string) *mcp.ToolResult {
	output, err := entry.builtinFn(ctx, args)
	if err != nil {
		return &mcp.ToolResult{Content: err.Error(), IsError: true}
	}
	return &mcp.ToolResult{Content: output}
}
