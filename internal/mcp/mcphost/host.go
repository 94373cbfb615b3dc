// Package mcphost implements [mcp.Host] on top of the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk).
//
// It connects to MCP servers over stdio or streamable HTTP, keeps a
// concurrency-safe registry of their tools next to in-process built-in
// tools, and tracks per-tool latency in a rolling window.
//
// Typical usage:
//
//	h := mcphost.New()
//	_ = h.RegisterBuiltins(shell.NewTools(shell.Config{}))
//	err := h.RegisterServer(ctx, mcp.ServerConfig{
//	    Name:      "notes",
//	    Transport: mcp.TransportStdio,
//	    Command:   "/usr/local/bin/notes-mcp",
//	})
//	result, err := h.ExecuteTool(ctx, "open_path", `{"path":"/tmp"}`)
//	h.Close()
package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/murmur/internal/mcp"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/types"
)

const (
	defaultWindowSize  = 100
	defaultToolTimeout = 30 * time.Second
)

// toolEntry holds all metadata for a single registered tool.
type toolEntry struct {
	def        types.ToolDefinition
	serverName string
	window     *rollingWindow

	// builtinFn is non-nil for in-process tools.
	builtinFn func(ctx context.Context, args string) (string, error)
}

func (e toolEntry) timeout() time.Duration {
	if e.def.MaxDurationMs > 0 {
		return time.Duration(e.def.MaxDurationMs) * time.Millisecond
	}
	return defaultToolTimeout
}

// Host is the SDK-backed [mcp.Host].
//
// The zero value is NOT usable; create instances with [New].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry
	servers map[string]*mcpsdk.ClientSession

	// client is shared by all sessions.
	client  *mcpsdk.Client
	metrics *observe.Metrics
}

var _ mcp.Host = (*Host)(nil)

// Option configures a Host.
type Option func(*Host)

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// New creates a ready-to-use Host.
func New(opts ...Option) *Host {
	h := &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]*mcpsdk.ClientSession),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "murmur", Version: "1.0.0"},
			nil,
		),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tools. If a server with the same name is registered, the old connection is
// closed and its tools are replaced. Tools never shadow built-in tools.
func (h *Host) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp host: server config must have a non-empty name")
	}
	if cfg.Name == builtinServerName {
		return fmt.Errorf("mcp host: server name %q is reserved", cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case mcp.TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcp host: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.Command(executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case mcp.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp host: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		st := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if cfg.Token != "" {
			st.HTTPClient = &http.Client{Transport: bearerTransport{token: cfg.Token, base: http.DefaultTransport}}
		}
		transport = st

	default:
		return fmt.Errorf("mcp host: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	return h.connect(ctx, cfg.Name, transport)
}

// connect opens a session over transport and imports the server's tools.
func (h *Host) connect(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp host: connect to server %q: %w", name, err)
	}

	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp host: list tools for server %q: %w", name, err)
		}
		discovered = append(discovered, tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[name]; ok {
		_ = old.Close()
		for toolName, t := range h.tools {
			if t.serverName == name {
				delete(h.tools, toolName)
			}
		}
	}
	h.servers[name] = session

	for _, tool := range discovered {
		if existing, ok := h.tools[tool.Name]; ok && existing.serverName != name {
			observe.Logger(ctx).Warn("mcp host: duplicate tool name, keeping first",
				"tool", tool.Name, "kept_from", existing.serverName, "skipped_from", name)
			continue
		}
		h.tools[tool.Name] = toolEntry{
			def: types.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaToMap(tool.InputSchema),
			},
			serverName: name,
			window:     newRollingWindow(defaultWindowSize),
		}
	}
	observe.Logger(ctx).Info("mcp host: server registered", "server", name, "tools", len(discovered))
	return nil
}

// bearerTransport adds an Authorization header to every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// Tools returns every registered tool definition sorted by name.
func (h *Host) Tools() []types.ToolDefinition {
	h.mu.RLock()
	defs := make([]types.ToolDefinition, 0, len(h.tools))
	for _, e := range h.tools {
		defs = append(defs, e.def)
	}
	h.mu.RUnlock()

	slices.SortFunc(defs, func(a, b types.ToolDefinition) int { return strings.Compare(a.Name, b.Name) })
	return defs
}

// ExecuteTool calls the named tool with JSON-encoded args. Each call runs
// under the tool's MaxDurationMs, or 30 s when unset.
func (h *Host) ExecuteTool(ctx context.Context, name string, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		h.metrics.RecordToolCall(ctx, name, "unknown")
		return nil, fmt.Errorf("mcp host: tool %q not found", name)
	}

	ctx, span := observe.StartSpan(ctx, "mcp.execute_tool", observe.AttrTool.String(name))
	ctx, cancel := context.WithTimeout(ctx, entry.timeout())
	defer cancel()

	start := time.Now()
	var (
		result  *mcp.ToolResult
		execErr error
	)
	if entry.builtinFn != nil {
		result = executeBuiltin(ctx, entry, args)
	} else {
		result, execErr = h.executeRemote(ctx, entry, args)
	}
	elapsed := time.Since(start)

	failed := execErr != nil || result.IsError
	entry.window.Record(elapsed, failed)
	h.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds())
	status := "ok"
	if failed {
		status = "error"
	}
	h.metrics.RecordToolCall(ctx, name, status)

	if execErr != nil {
		observe.EndSpan(span, execErr)
		return nil, execErr
	}
	if result.IsError {
		span.SetStatus(codes.Error, "tool reported an error")
	}
	observe.EndSpan(span, nil)
	result.Duration = elapsed
	return result, nil
}

// executeRemote routes the call to the owning server session.
func (h *Host) executeRemote(ctx context.Context, entry toolEntry, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	session, ok := h.servers[entry.serverName]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcp host: server %q not found for tool %q", entry.serverName, entry.def.Name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return &mcp.ToolResult{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
		}
	}

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp host: call tool %q: %w", entry.def.Name, err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &mcp.ToolResult{Content: sb.String(), IsError: res.IsError}, nil
}

// Stats returns execution statistics for tools that have been called,
// sorted by name.
func (h *Host) Stats() []mcp.ToolStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []mcp.ToolStats
	for name, e := range h.tools {
		n := e.window.Count()
		if n == 0 {
			continue
		}
		out = append(out, mcp.ToolStats{
			Name:      name,
			Server:    e.serverName,
			P50:       e.window.Percentile(0.5),
			P99:       e.window.Percentile(0.99),
			Calls:     n,
			ErrorRate: e.window.ErrorRate(),
		})
	}
	slices.SortFunc(out, func(a, b mcp.ToolStats) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Close shuts down all server connections and clears the registry.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, session := range h.servers {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp host: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)
	return firstErr
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
