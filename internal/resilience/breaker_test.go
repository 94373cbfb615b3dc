package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errBackend = errors.New("backend returned 502")

// fakeClock drives a Breaker's notion of time.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type transition struct{ from, to State }

// newTestBreaker returns a breaker on a fake clock that records its
// transitions.
func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock, *[]transition) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	var (
		mu    sync.Mutex
		trans []transition
	)
	cfg.OnStateChange = func(_ string, from, to State) {
		mu.Lock()
		trans = append(trans, transition{from, to})
		mu.Unlock()
	}
	b := NewBreaker(cfg)
	b.now = clock.now
	return b, clock, &trans
}

func fail() error    { return errBackend }
func succeed() error { return nil }

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "openai/gpt-4o-mini"})
	if b.cfg.Failures != 3 || b.cfg.Cooldown != 30*time.Second || b.cfg.SlowCall != 0 {
		t.Errorf("defaults = %+v", b.cfg)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
	if b.Name() != "openai/gpt-4o-mini" {
		t.Errorf("Name() = %q", b.Name())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _, trans := newTestBreaker(BreakerConfig{Name: "ollama", Failures: 3})

	_ = b.Execute(fail)
	_ = b.Execute(fail)
	_ = b.Execute(succeed)
	_ = b.Execute(fail)
	_ = b.Execute(fail)
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed: a success resets the count", b.State())
	}
	_ = b.Execute(fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 consecutive failures", b.State())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrBreakerOpen) || called {
		t.Errorf("open breaker: err = %v, called = %v", err, called)
	}
	if want := []transition{{StateClosed, StateOpen}}; len(*trans) != 1 || (*trans)[0] != want[0] {
		t.Errorf("transitions = %v, want %v", *trans, want)
	}
}

func TestBreaker_SlowCallsCountAsFailures(t *testing.T) {
	b, clock, _ := newTestBreaker(BreakerConfig{Failures: 2, SlowCall: 5 * time.Second})

	slow := func() error { clock.advance(6 * time.Second); return nil }
	if err := b.Execute(slow); err != nil {
		t.Fatalf("slow call returned %v, want its own nil error", err)
	}
	_ = b.Execute(slow)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after two slow answers", b.State())
	}
}

func TestBreaker_TrialCall(t *testing.T) {
	tests := []struct {
		name  string
		trial func() error
		want  State
	}{
		{"success closes", succeed, StateClosed},
		{"failure reopens", fail, StateOpen},
		{"cancellation keeps waiting", func() error { return fmt.Errorf("llm: %w", context.Canceled) }, StateHalfOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clock, _ := newTestBreaker(BreakerConfig{Failures: 1, Cooldown: time.Minute})
			_ = b.Execute(fail)

			clock.advance(59 * time.Second)
			if err := b.Execute(succeed); !errors.Is(err, ErrBreakerOpen) {
				t.Fatalf("before cooldown: err = %v, want ErrBreakerOpen", err)
			}
			clock.advance(time.Second)
			if b.State() != StateHalfOpen {
				t.Fatalf("after cooldown: state = %v, want half-open", b.State())
			}

			_ = b.Execute(tt.trial)
			if got := b.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBreaker_OneTrialAtATime(t *testing.T) {
	b, clock, _ := newTestBreaker(BreakerConfig{Failures: 1, Cooldown: time.Second})
	_ = b.Execute(fail)
	clock.advance(time.Second)

	done, err := b.Allow()
	if err != nil {
		t.Fatalf("trial refused: %v", err)
	}
	if _, err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("second call during trial: err = %v, want ErrBreakerOpen", err)
	}
	done(nil)
	done(errBackend)
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed: only the first report counts", b.State())
	}
}

func TestBreaker_LateResultWhileOpen(t *testing.T) {
	b, _, _ := newTestBreaker(BreakerConfig{Failures: 1, Cooldown: time.Minute})

	done, err := b.Allow()
	if err != nil {
		t.Fatal(err)
	}
	_ = b.Execute(fail)
	done(nil)
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open: a call admitted earlier does not close it", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _, trans := newTestBreaker(BreakerConfig{Failures: 1, Cooldown: time.Hour})
	_ = b.Execute(fail)

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
	if err := b.Execute(succeed); err != nil {
		t.Errorf("after reset: %v", err)
	}
	if got := len(*trans); got != 2 {
		t.Errorf("transitions = %v, want open then closed", *trans)
	}
}

func TestState_String(t *testing.T) {
	for st, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "State(9)",
	} {
		if got := st.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
