// Package resilience keeps post-processing responsive when an LLM backend
// misbehaves.
//
// Every backend sits behind a [Breaker]. After a run of failed or slow calls
// the breaker opens and the backend is skipped until a cooldown has passed;
// then a single trial call decides whether it closes again. A [Chain] tries
// the backends in order and splits the caller's deadline among the ones
// still healthy, so a hanging primary cannot use up the post-processing
// timeout before a fallback gets its turn.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while a backend's breaker rejects calls.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown has passed.
	StateOpen
	// StateHalfOpen lets one trial call through.
	StateHalfOpen
)

// String returns the name used in logs and metric attributes.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels the backend in errors and callbacks.
	Name string

	// Failures is the number of consecutive failed calls that opens the
	// breaker. Default 3.
	Failures int

	// Cooldown is how long an open breaker rejects calls. Default 30s.
	Cooldown time.Duration

	// SlowCall counts a successful call that took longer as a failure. A
	// backend that answers but only just within the post-processing timeout
	// is treated as degraded. Zero disables the check.
	SlowCall time.Duration

	// OnStateChange is called after every transition, without locks held.
	OnStateChange func(name string, from, to State)
}

// Breaker tracks the health of one backend.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trialOut bool
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Failures <= 0 {
		cfg.Failures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Name returns the configured backend label.
func (b *Breaker) Name() string { return b.cfg.Name }

// Allow asks to start a call. On success the caller must report the call's
// error through done exactly once; later calls of done are ignored. While
// the breaker is open, or while its trial call is still running, Allow
// returns an error wrapping [ErrBreakerOpen].
func (b *Breaker) Allow() (done func(err error), err error) {
	b.mu.Lock()
	notify := func() {}
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrBreakerOpen, b.cfg.Name)
		}
		notify = b.setLocked(StateHalfOpen)
	case StateHalfOpen:
		if b.trialOut {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %s awaiting trial call", ErrBreakerOpen, b.cfg.Name)
		}
	}
	trial := b.state == StateHalfOpen
	if trial {
		b.trialOut = true
	}
	start := b.now()
	b.mu.Unlock()
	notify()

	var once sync.Once
	return func(err error) {
		once.Do(func() { b.record(trial, b.now().Sub(start), err) })
	}, nil
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

// record applies the outcome of one call. A cancelled call says nothing
// about the backend: a cancelled trial is simply given back.
func (b *Breaker) record(trial bool, took time.Duration, err error) {
	b.mu.Lock()
	notify := func() {}
	switch {
	case errors.Is(err, context.Canceled):
		if trial {
			b.trialOut = false
		}
	case trial:
		b.trialOut = false
		if b.failed(took, err) {
			b.openedAt = b.now()
			notify = b.setLocked(StateOpen)
		} else {
			b.failures = 0
			notify = b.setLocked(StateClosed)
		}
	case b.state != StateClosed:
		// A call admitted before the breaker opened; the trial decides.
	case b.failed(took, err):
		b.failures++
		if b.failures >= b.cfg.Failures {
			b.openedAt = b.now()
			notify = b.setLocked(StateOpen)
		}
	default:
		b.failures = 0
	}
	b.mu.Unlock()
	notify()
}

func (b *Breaker) failed(took time.Duration, err error) bool {
	return err != nil || (b.cfg.SlowCall > 0 && took > b.cfg.SlowCall)
}

// setLocked moves to st and returns the callback notification to run after
// the lock is released.
func (b *Breaker) setLocked(st State) func() {
	from := b.state
	b.state = st
	if from == st || b.cfg.OnStateChange == nil {
		return func() {}
	}
	fn, name := b.cfg.OnStateChange, b.cfg.Name
	return func() { fn(name, from, st) }
}

// State returns the current state. An open breaker whose cooldown has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// [Breaker.Allow].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and forgets past failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.trialOut = false
	notify := b.setLocked(StateClosed)
	b.mu.Unlock()
	notify()
}
