package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrAllFailed is returned when no backend of a [Chain] produced a result.
var ErrAllFailed = errors.New("resilience: every backend failed")

// ChainConfig configures the breakers of a [Chain].
type ChainConfig struct {
	// Breaker is the template for every backend's breaker. Name is replaced
	// by the backend label.
	Breaker BreakerConfig
}

// ChainConfigFor tunes the breakers for a post-processing timeout. A
// backend that needs more than half the timeout counts as failing, and an
// open breaker stays open for ten timeouts, at least 30 seconds and at most
// five minutes.
func ChainConfigFor(timeout time.Duration) ChainConfig {
	if timeout <= 0 {
		return ChainConfig{}
	}
	return ChainConfig{Breaker: BreakerConfig{
		SlowCall: timeout / 2,
		Cooldown: min(max(10*timeout, 30*time.Second), 5*time.Minute),
	}}
}

type link[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain holds backends in failover order, each behind its own [Breaker].
// Backends are added during setup; a Chain is not modified while in use.
type Chain[T any] struct {
	cfg   ChainConfig
	links []link[T]
}

// NewChain returns an empty Chain.
func NewChain[T any](cfg ChainConfig) *Chain[T] {
	return &Chain[T]{cfg: cfg}
}

// Add appends a backend. The first one added is the primary.
func (c *Chain[T]) Add(name string, v T) {
	bc := c.cfg.Breaker
	bc.Name = name
	c.links = append(c.links, link[T]{name: name, value: v, breaker: NewBreaker(bc)})
}

// Len returns the number of backends.
func (c *Chain[T]) Len() int { return len(c.links) }

// Names returns the backend labels in failover order.
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.links))
	for i, l := range c.links {
		names[i] = l.name
	}
	return names
}

// States returns each backend's breaker state, keyed by label.
func (c *Chain[T]) States() map[string]State {
	out := make(map[string]State, len(c.links))
	for _, l := range c.links {
		out[l.name] = l.breaker.State()
	}
	return out
}

// attemptContext bounds the call to backend i. When ctx has a deadline and
// healthy backends remain after i, the remaining time is split evenly so
// each of them still gets a share.
func (c *Chain[T]) attemptContext(ctx context.Context, i int) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	waiting := 0
	for _, l := range c.links[i+1:] {
		if l.breaker.State() != StateOpen {
			waiting++
		}
	}
	if waiting == 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Until(deadline)/time.Duration(waiting+1))
}

// Call runs fn against each backend in order until one succeeds. Backends
// with an open breaker are skipped. A backend running out of its share of
// the deadline is a failure and the next one is tried; once ctx itself is
// done, its error is returned as is. When every backend fails the error
// wraps [ErrAllFailed] and each backend's error.
func Call[T, R any](ctx context.Context, c *Chain[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range c.links {
		l := &c.links[i]
		done, err := l.breaker.Allow()
		if err != nil {
			slog.Debug("resilience: skipping backend", "backend", l.name, "err", err)
			errs = append(errs, err)
			continue
		}

		actx, cancel := c.attemptContext(ctx, i)
		res, err := fn(actx, l.value)
		cancel()
		done(err)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		slog.Warn("resilience: backend failed", "backend", l.name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", l.name, err))
	}
	if len(errs) == 0 {
		return zero, fmt.Errorf("%w: no backends configured", ErrAllFailed)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
