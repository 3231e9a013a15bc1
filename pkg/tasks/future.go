package tasks

import (
	"context"
	"sync"
)

// Result is the settled outcome of a task.
type Result[T any] struct {
	Value T
	Err   error
}

// Future is the handle returned to the caller of Enqueue or Add.
// It is settled exactly once; later settlements are ignored.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	res  Result[T]
}

// NewFuture returns an unsettled future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve settles the future with a value. It reports whether this call settled it.
func (f *Future[T]) Resolve(v T) bool {
	return f.settle(Result[T]{Value: v})
}

// Reject settles the future with an error. It reports whether this call settled it.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.settle(Result[T]{Value: zero, Err: err})
}

func (f *Future[T]) settle(r Result[T]) bool {
	settled := false
	f.once.Do(func() {
		f.res = r
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future settles or ctx is done. A cancelled wait does not
// cancel the underlying task.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.res.Value, f.res.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome and true if the future has settled.
func (f *Future[T]) Result() (Result[T], bool) {
	select {
	case <-f.done:
		return f.res, true
	default:
		return Result[T]{}, false
	}
}
