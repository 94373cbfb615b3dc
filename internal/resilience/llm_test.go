package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/murmur/pkg/provider/llm"
	llmmock "github.com/MrWong99/murmur/pkg/provider/llm/mock"
)

func TestLLMChain_Complete(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Meeting at noon."}}

	c := NewLLMChain(primary, "openai", ChainConfig{})
	c.AddFallback("ollama", secondary)

	resp, err := c.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Meeting at noon." {
		t.Errorf("content = %q", resp.Content)
	}
	if len(primary.Calls()) != 1 || len(secondary.Calls()) != 1 {
		t.Errorf("calls = %d/%d, want 1/1", len(primary.Calls()), len(secondary.Calls()))
	}
}

func TestLLMChain_HangingPrimaryLeavesTimeForFallback(t *testing.T) {
	primary := &llmmock.Provider{BlockUntilDone: true}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Fixed text."}}

	timeout := 300 * time.Millisecond
	c := NewLLMChain(primary, "openai", ChainConfigFor(timeout))
	c.AddFallback("ollama", secondary)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resp, err := c.Complete(ctx, llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Fixed text." {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestLLMChain_OpensOnRepeatedTimeouts(t *testing.T) {
	primary := &llmmock.Provider{BlockUntilDone: true}
	c := NewLLMChain(primary, "openai", ChainConfig{Breaker: BreakerConfig{Failures: 2, Cooldown: time.Hour}})

	for range 2 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		_, err := c.Complete(ctx, llm.CompletionRequest{})
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want DeadlineExceeded", err)
		}
	}
	if st := c.States()["openai"]; st != StateOpen {
		t.Fatalf("state = %v, want open after two timeouts", st)
	}

	_, err := c.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("err = %v, want ErrAllFailed wrapping ErrBreakerOpen", err)
	}
	if n := len(primary.Calls()); n != 2 {
		t.Errorf("primary called %d times, want 2", n)
	}
}

func TestLLMChain_PrimaryCapabilities(t *testing.T) {
	c := NewLLMChain(&llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{SupportsToolCalling: true}}, "openai", ChainConfig{})
	c.AddFallback("ollama", &llmmock.Provider{})

	if !c.Capabilities().SupportsToolCalling {
		t.Error("tool calling should follow the primary")
	}
	if got := c.Providers(); len(got) != 2 || got[0] != "openai" {
		t.Errorf("Providers() = %v", got)
	}
}
