// Package postprocess runs the optional LLM pass over a finished transcript.
//
// The selected prompt template receives the transcript through one of its
// placeholders and is sent to the configured provider as a single user
// message. When tools are enabled the model may call the tool host's tools
// for up to Settings.MaxToolIterations rounds. Post-processing never fails the
// pipeline: every error, empty answer or timeout yields the original
// transcript and sets [Outcome.FellBack].
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/murmur/internal/mcp"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/provider/llm"
	"github.com/MrWong99/murmur/pkg/types"
)

var (
	// ErrProviderUnavailable covers unreachable, misconfigured or failing
	// providers.
	ErrProviderUnavailable = errors.New("postprocess: provider unavailable")

	// ErrProviderTimeout is reported when the call exceeds Settings.Timeout.
	ErrProviderTimeout = errors.New("postprocess: provider timed out")

	// ErrEmptyResponse is reported when the model answers with no text.
	ErrEmptyResponse = errors.New("postprocess: empty response")
)

const (
	defaultTimeout           = 30 * time.Second
	defaultMaxToolIterations = 5
)

// Settings tunes a [Dispatcher]. Zero values select the defaults.
type Settings struct {
	Timeout           time.Duration
	ToolsEnabled      bool
	MaxToolIterations int
	Temperature       float64
	MaxTokens         int
}

// WithDefaults returns s with zero values replaced by the defaults.
func (s Settings) WithDefaults() Settings {
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	if s.MaxToolIterations <= 0 {
		s.MaxToolIterations = defaultMaxToolIterations
	}
	return s
}

// Outcome reports how a post-processing run ended.
type Outcome struct {
	// Text is the processed transcript, or the original one on fallback.
	Text string

	// Prompt is the template that was applied. Empty when skipped.
	Prompt string

	// Skipped is set when the prompt template was blank.
	Skipped bool

	// FellBack is set when Text is the original transcript because the
	// provider failed, timed out or returned nothing.
	FellBack bool

	// Err holds the reason for a fallback. It wraps ErrProviderUnavailable,
	// ErrProviderTimeout or ErrEmptyResponse.
	Err error

	// ToolCalls is the number of tool calls the model made.
	ToolCalls int
}

// Dispatcher applies prompts to transcripts. It is safe for concurrent use;
// settings may be swapped at runtime with SetSettings.
type Dispatcher struct {
	tools   mcp.Host
	metrics *observe.Metrics

	mu       sync.RWMutex
	settings Settings
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTools offers the host's tools to the model when Settings.ToolsEnabled
// is set and the provider supports tool calling.
func WithTools(h mcp.Host) Option {
	return func(d *Dispatcher) { d.tools = h }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithSettings sets the initial settings.
func WithSettings(s Settings) Option {
	return func(d *Dispatcher) { d.settings = s }
}

// New returns a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	d.settings = d.settings.WithDefaults()
	return d
}

// SetSettings replaces the settings for subsequent runs.
func (d *Dispatcher) SetSettings(s Settings) {
	d.mu.Lock()
	d.settings = s.WithDefaults()
	d.mu.Unlock()
}

// Settings returns the active settings.
func (d *Dispatcher) Settings() Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// Process applies prompt to transcript with provider and returns the
// processed text. On any provider failure it returns transcript and a nil
// error. The only error returned is ctx.Err() when the caller cancels ctx.
func (d *Dispatcher) Process(ctx context.Context, transcript string, prompt Prompt, provider llm.Provider) (string, error) {
	out := d.Run(ctx, transcript, prompt, provider)
	if err := ctx.Err(); err != nil {
		return transcript, err
	}
	return out.Text, nil
}

// Run is Process with the full outcome.
func (d *Dispatcher) Run(ctx context.Context, transcript string, prompt Prompt, provider llm.Provider) Outcome {
	if strings.TrimSpace(prompt.Template) == "" {
		observe.Logger(ctx).Debug("postprocess: skipped, prompt is empty", "prompt_id", prompt.ID)
		return Outcome{Text: transcript, Skipped: true}
	}
	if provider == nil {
		return d.fallback(ctx, transcript, prompt, fmt.Errorf("%w: no provider configured", ErrProviderUnavailable))
	}

	s := d.Settings()
	ctx, span := observe.StartSpan(ctx, "postprocess.run", observe.AttrPrompt.String(prompt.ID))
	out := d.run(ctx, transcript, prompt, provider, s)
	observe.EndSpan(span, out.Err)
	return out
}

func (d *Dispatcher) run(ctx context.Context, transcript string, prompt Prompt, provider llm.Provider, s Settings) Outcome {
	callCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	start := time.Now()
	text, toolCalls, err := d.complete(callCtx, Substitute(prompt.Template, transcript), provider, s)
	d.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		switch {
		case ctx.Err() != nil:
			// Cancelled by the caller, not by our timeout.
			return Outcome{Text: transcript, Prompt: prompt.Template, FellBack: true, Err: ctx.Err(), ToolCalls: toolCalls}
		case errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil:
			err = fmt.Errorf("%w after %s: %w", ErrProviderTimeout, s.Timeout, err)
		case !errors.Is(err, ErrEmptyResponse):
			err = fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
		}
		out := d.fallback(ctx, transcript, prompt, err)
		out.ToolCalls = toolCalls
		return out
	}

	observe.Logger(ctx).Info("postprocess: transcript processed",
		"input_chars", len(transcript), "output_chars", len(text), "tool_calls", toolCalls)
	return Outcome{Text: text, Prompt: prompt.Template, ToolCalls: toolCalls}
}

// complete runs the request/tool loop and returns the final assistant text.
func (d *Dispatcher) complete(ctx context.Context, content string, provider llm.Provider, s Settings) (string, int, error) {
	req := llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: content}},
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
	}
	if s.ToolsEnabled && d.tools != nil && provider.Capabilities().SupportsToolCalling {
		req.Tools = d.tools.Tools()
	}

	var (
		lastText  string
		toolCalls int
	)
	for range s.MaxToolIterations {
		resp, err := provider.Complete(ctx, req)
		if err != nil {
			return "", toolCalls, err
		}
		if resp == nil {
			return "", toolCalls, ErrEmptyResponse
		}
		if text := strings.TrimSpace(resp.Content); text != "" {
			lastText = text
		}
		if len(resp.ToolCalls) == 0 || len(req.Tools) == 0 {
			if lastText == "" {
				return "", toolCalls, ErrEmptyResponse
			}
			return lastText, toolCalls, nil
		}

		req.Messages = append(req.Messages, types.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			toolCalls++
			req.Messages = append(req.Messages, types.Message{
				Role:       "tool",
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    d.runTool(ctx, call),
			})
		}
		if err := ctx.Err(); err != nil {
			return "", toolCalls, err
		}
	}

	if lastText == "" {
		return "", toolCalls, fmt.Errorf("%w: tool iteration limit %d reached", ErrEmptyResponse, s.MaxToolIterations)
	}
	observe.Logger(ctx).Warn("postprocess: tool iteration limit reached, using last answer",
		"limit", s.MaxToolIterations)
	return lastText, toolCalls, nil
}

// runTool executes one call. Failures become the tool message so the model
// can react to them.
func (d *Dispatcher) runTool(ctx context.Context, call types.ToolCall) string {
	res, err := d.tools.ExecuteTool(ctx, call.Name, call.Arguments)
	if err != nil {
		observe.Logger(ctx).Warn("postprocess: tool call failed", "tool", call.Name, "error", err)
		return "error: " + err.Error()
	}
	if res.IsError {
		observe.Logger(ctx).Debug("postprocess: tool reported an error", "tool", call.Name, "content", res.Content)
	}
	return res.Content
}

func (d *Dispatcher) fallback(ctx context.Context, transcript string, prompt Prompt, err error) Outcome {
	reason := "unavailable"
	switch {
	case errors.Is(err, ErrProviderTimeout):
		reason = "timeout"
	case errors.Is(err, ErrEmptyResponse):
		reason = "empty"
	}
	d.metrics.RecordPostProcessFallback(ctx, reason)
	observe.Logger(ctx).Warn("postprocess: falling back to original transcript",
		"prompt_id", prompt.ID, "reason", reason, "error", err)
	return Outcome{Text: transcript, Prompt: prompt.Template, FellBack: true, Err: err}
}
