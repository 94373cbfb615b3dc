package command

import "sync"

// Optimistic holds a value the UI sees as changed before the backend has
// confirmed the change.
type Optimistic[T comparable] struct {
	mu sync.Mutex
	v  T
}

// NewOptimistic returns an Optimistic holding v.
func NewOptimistic[T comparable](v T) *Optimistic[T] {
	return &Optimistic[T]{v: v}
}

// Get returns the current value.
func (o *Optimistic[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.v
}

// Set replaces the value without running a backend operation.
func (o *Optimistic[T]) Set(v T) {
	o.mu.Lock()
	o.v = v
	o.mu.Unlock()
}

// Apply sets v, runs op and restores the previous value when op fails. A
// value written by a concurrent Apply in the meantime is left alone.
func (o *Optimistic[T]) Apply(v T, op func() error) error {
	o.mu.Lock()
	prev := o.v
	o.v = v
	o.mu.Unlock()

	if err := op(); err != nil {
		o.mu.Lock()
		if o.v == v {
			o.v = prev
		}
		o.mu.Unlock()
		return err
	}
	return nil
}
