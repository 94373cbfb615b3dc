package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

var (
	// ErrUnknownCommand is returned by [Router.Dispatch] for unregistered names.
	ErrUnknownCommand = errors.New("command: unknown command")

	// ErrInvalidArgs is returned when a command's arguments do not decode.
	ErrInvalidArgs = errors.New("command: invalid arguments")
)

// HandlerFunc runs one command with its raw JSON arguments.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Router dispatches commands by name.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Register installs h under name, replacing any previous handler.
func (r *Router) Register(name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Names returns the registered command names in sorted order.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Dispatch runs the handler registered under name.
func (r *Router) Dispatch(ctx context.Context, name string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		slog.Warn("command: unknown command", "name", name)
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return h(ctx, args)
}

// decode unmarshals args into a value of type A. Empty arguments decode to
// the zero value.
func decode[A any](name string, args json.RawMessage) (A, error) {
	var a A
	if len(args) == 0 || string(args) == "null" {
		return a, nil
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return a, fmt.Errorf("%w: %s: %w", ErrInvalidArgs, name, err)
	}
	return a, nil
}

// handle adapts a typed method to a [HandlerFunc].
func handle[A, R any](name string, fn func(context.Context, A) (R, error)) HandlerFunc {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		a, err := decode[A](name, args)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a)
	}
}

// handleErr adapts a typed method without a result.
func handleErr[A any](name string, fn func(context.Context, A) error) HandlerFunc {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		a, err := decode[A](name, args)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, a)
	}
}
