package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/murmur/pkg/provider/llm"
	"github.com/MrWong99/murmur/pkg/types"
)

// ── convertMessage ────────────────────────────────────────────────────────────

func TestConvertMessage_Roles(t *testing.T) {
	for _, role := range []string{"system", "user", "assistant", "tool"} {
		t.Run(role, func(t *testing.T) {
			got := convertMessage(types.Message{Role: role, Content: "text", ToolCallID: "call_9"})
			if got.Role != role {
				t.Errorf("Role = %q, want %q", got.Role, role)
			}
			if got.ContentString() != "text" {
				t.Errorf("Content = %q, want %q", got.ContentString(), "text")
			}
			if got.ToolCallID != "call_9" {
				t.Errorf("ToolCallID = %q, want call_9", got.ToolCallID)
			}
		})
	}
}

func TestConvertMessage_ToolCalls(t *testing.T) {
	got := convertMessage(types.Message{
		Role:      "assistant",
		ToolCalls: []types.ToolCall{{ID: "call_1", Name: "execute_shell_command", Arguments: `{"command":"ls"}`}},
	})
	if len(got.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_1" || tc.Type != "function" {
		t.Errorf("unexpected call header: %+v", tc)
	}
	if tc.Function.Name != "execute_shell_command" || tc.Function.Arguments != `{"command":"ls"}` {
		t.Errorf("unexpected function: %+v", tc.Function)
	}
}

func TestConvertMessage_NoToolCalls(t *testing.T) {
	got := convertMessage(types.Message{Role: "assistant", Content: "plain"})
	if len(got.ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(got.ToolCalls))
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "clean up dictation",
		Messages:     []types.Message{{Role: "user", Content: "um so hello"}},
		Temperature:  0.2,
		MaxTokens:    256,
		Tools: []types.ToolDefinition{{
			Name:        "open_path",
			Description: "Open a file or folder",
			Parameters:  map[string]any{"type": "object"},
		}},
	})

	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("Model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected system + user messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first message role = %q, want system", params.Messages[0].Role)
	}
	if params.Temperature == nil || *params.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("MaxTokens = %v, want 256", params.MaxTokens)
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "open_path" {
		t.Errorf("unexpected tools: %+v", params.Tools)
	}
}

func TestBuildParams_ZeroValuesOmitted(t *testing.T) {
	p := &Provider{model: "llama3"}
	params := p.buildParams(llm.CompletionRequest{Messages: []types.Message{{Role: "user", Content: "x"}}})
	if params.Temperature != nil {
		t.Error("Temperature should be nil when zero")
	}
	if params.MaxTokens != nil {
		t.Error("MaxTokens should be nil when zero")
	}
	if len(params.Messages) != 1 {
		t.Errorf("expected no system message, got %d messages", len(params.Messages))
	}
}

// ── modelCapabilities ─────────────────────────────────────────────────────────

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model     string
		window    int
		toolCalls bool
	}{
		{"claude-3-5-sonnet-latest", 200_000, true},
		{"claude-3-opus-20240229", 200_000, true},
		{"gemini-2.0-flash", 1_048_576, true},
		{"gemini-1.5-pro", 2_097_152, true},
		{"deepseek-reasoner", 64_000, false},
		{"mistral-large-latest", 128_000, true},
		{"llama3.2", 32_768, true},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			caps := modelCapabilities(tc.model)
			if caps.ContextWindow != tc.window {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tc.window)
			}
			if caps.SupportsToolCalling != tc.toolCalls {
				t.Errorf("SupportsToolCalling = %v, want %v", caps.SupportsToolCalling, tc.toolCalls)
			}
		})
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
	}{
		{"empty provider", "", "llama3"},
		{"empty model", "ollama", ""},
		{"unsupported", "fakecloud", "m"},
		{"openai handled elsewhere", "openai", "gpt-4o"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.provider, tc.model, anyllmlib.WithAPIKey("dummy")); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_LocalBackendsNeedNoKey(t *testing.T) {
	for _, name := range []string{"ollama", "llamacpp", "llamafile"} {
		t.Run(name, func(t *testing.T) {
			p, err := New(name, "llama3")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.model != "llama3" {
				t.Errorf("model = %q", p.model)
			}
		})
	}
}

func TestNew_Anthropic_WithAPIKey(t *testing.T) {
	if _, err := New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-test")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSupports(t *testing.T) {
	if !Supports("Anthropic") {
		t.Error("expected anthropic to be supported (case-insensitive)")
	}
	if Supports("openrouter") {
		t.Error("openrouter should go through the openai package")
	}
}
