// Package async provides the coordination primitives the controller is built on:
// single-shot futures, a strictly ordered task queue and a moving average.
package async

import "sync"

// Future is a value resolved exactly once.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

// NewFuture creates an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve sets the value. Only the first call has an effect; it reports whether it won.
func (f *Future[T]) Resolve(v T) bool {
	won := false
	f.once.Do(func() {
		f.value = v
		won = true
		close(f.done)
	})
	return won
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsResolved reports whether Resolve has been called.
func (f *Future[T]) IsResolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Value returns the resolved value, or the zero value if unresolved.
func (f *Future[T]) Value() T {
	select {
	case <-f.done:
		return f.value
	default:
		var zero T
		return zero
	}
}
