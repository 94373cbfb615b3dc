// Package mcp defines the tool host used by post-processing.
//
// The host owns a flat catalogue of tools: the built-in shell tools
// registered in-process, and the tools imported from external Model Context
// Protocol servers. Post-processing offers [Host.Tools] to the LLM and routes
// each tool call the model makes through [Host.ExecuteTool].
//
// Lifecycle:
//
//  1. Register built-in tools and call [Host.RegisterServer] for each
//     configured MCP server.
//  2. Use [Host.Tools] to enumerate tool definitions for a request.
//  3. Use [Host.ExecuteTool] to run calls requested by the model.
//  4. Call [Host.Close] to release all connections.
//
// All methods must be safe for concurrent use.
package mcp

import (
	"context"
	"time"

	"github.com/MrWong99/murmur/pkg/types"
)

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name is the unique identifier for this server within a [Host].
	Name string

	Transport Transport

	// Command is the executable and arguments used for [TransportStdio].
	Command string

	// URL is the endpoint used for [TransportStreamableHTTP].
	URL string

	// Token, when set, is sent as a bearer token to HTTP servers.
	Token string

	// Env holds additional environment variables for stdio servers.
	Env map[string]string
}

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	// Content is the tool output, usually JSON, ready to be handed back to
	// the model as a tool message.
	Content string

	// IsError marks an application-level failure. Content then holds the
	// error text. Transport failures are returned as Go errors instead.
	IsError bool

	Duration time.Duration
}

// ToolStats summarises the recent executions of one tool.
type ToolStats struct {
	Name      string
	Server    string
	P50       time.Duration
	P99       time.Duration
	Calls     int
	ErrorRate float64
}

// Host manages tool servers and routes tool calls.
type Host interface {
	// RegisterServer connects to the server described by cfg and imports its
	// tools. Registering a name again replaces the previous connection.
	RegisterServer(ctx context.Context, cfg ServerConfig) error

	// Tools returns all registered tool definitions sorted by name.
	Tools() []types.ToolDefinition

	// ExecuteTool calls the named tool with JSON-encoded args. A tool that
	// fails on its own terms yields a result with IsError set and a nil
	// error.
	ExecuteTool(ctx context.Context, name string, args string) (*ToolResult, error)

	// Stats returns execution statistics for every tool that has been called.
	Stats() []ToolStats

	// Close shuts down all server connections.
	Close() error
}
