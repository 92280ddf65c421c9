// Package lazy provides a value that is initialised once on first use and
// shared by every caller.
package lazy

import (
	"context"
	"sync"
)

// Future holds a value produced by a single call to its init function.
// Callers that arrive while init is running wait for it, or for their own
// context to end.
type Future[T any] struct {
	init func(ctx context.Context) (T, error)
	once sync.Once
	done chan struct{}

	val T
	err error
}

// New creates a Future that will run init the first time Get is called.
func New[T any](init func(ctx context.Context) (T, error)) *Future[T] {
	return &Future[T]{
		init: init,
		done: make(chan struct{}),
	}
}

// Get starts initialisation if needed and waits for the result. The context
// of the first caller is the one passed to init; a failed init is not retried.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	f.once.Do(func() {
		go func() {
			defer close(f.done)
			f.val, f.err = f.init(context.WithoutCancel(ctx))
		}()
	})

	// A resolved value wins over a cancelled context
	select {
	case <-f.done:
		return f.val, f.err
	default:
	}

	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once init has finished.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}
