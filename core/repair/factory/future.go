package factory

import (
	"context"
	"sync"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/internal/logging"
)

// MaxAttempts bounds how many times a background load runs when it fails
// with an IO error.
const MaxAttempts = 2

// future runs a load once in the background and memoizes its result.
type future[T any] struct {
	once sync.Once
	done chan struct{}
	name string
	fn   func(ctx context.Context) (T, error)

	val T
	err error
}

func newFuture[T any](name string, fn func(ctx context.Context) (T, error)) *future[T] {
	return &future[T]{done: make(chan struct{}), name: name, fn: fn}
}

// start launches the load unless it already runs. The load outlives the
// cancellation of ctx, so a caller giving up does not poison the result
// for later callers.
func (f *future[T]) start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	f.once.Do(func() {
		go func() {
			defer close(f.done)
			for attempt := 1; ; attempt++ {
				f.val, f.err = f.fn(ctx)
				if f.err == nil || attempt >= MaxAttempts || !retryable(f.err) {
					return
				}
				logging.Warn("load_retry", "load", f.name, "attempt", attempt, "error", f.err.Error())
			}
		}()
	})
}

// get starts the load and blocks until it completes or ctx is done.
func (f *future[T]) get(ctx context.Context) (T, error) {
	f.start(ctx)
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func retryable(err error) bool {
	return errors.CodeOf(err) == errors.CodeIOError
}
