package store

import (
	"sync"

	"github.com/richardartoul/kvtx/txn/await"
)

// SettableFuture is the Future implementation shared by backends. It
// resolves at most once; resolving twice is a programming error and
// panics.
type SettableFuture[T any] struct {
	mu sync.Mutex

	result    T
	resultErr error
	failErr   error
	done      bool
	callbacks []func()
}

// NewFuture creates an unresolved SettableFuture.
func NewFuture[T any]() *SettableFuture[T] {
	return &SettableFuture[T]{}
}

// NewReadyFuture returns a future that is already resolved with result.
// Used by backends whose underlying call completes synchronously.
func NewReadyFuture[T any](result T) *SettableFuture[T] {
	f := NewFuture[T]()
	f.Resolve(result)
	return f
}

// NewRejectedFuture returns a future that is already resolved with a
// store-level error.
func NewRejectedFuture[T any](err error) *SettableFuture[T] {
	f := NewFuture[T]()
	f.Reject(err)
	return f
}

// Go resolves the future from fn. Callers that want asynchronous
// completion invoke it on its own goroutine.
func (f *SettableFuture[T]) Go(fn func() (T, error)) {
	f.ResolveOrReject(fn())
}

// Resolve marks the future ready with result.
func (f *SettableFuture[T]) Resolve(result T) {
	f.complete(result, nil, nil)
}

// Reject marks the future ready with a store-level error. The future polls
// Ready; the error surfaces from Result.
func (f *SettableFuture[T]) Reject(err error) {
	var zero T
	f.complete(zero, err, nil)
}

// ResolveOrReject marks the future ready with result or a store-level
// error.
func (f *SettableFuture[T]) ResolveOrReject(result T, err error) {
	f.complete(result, err, nil)
}

// Fail marks the future's completion mechanism itself as broken: the
// future polls Failed and will never become ready. Used e.g. when the
// client is closed with calls still in flight.
func (f *SettableFuture[T]) Fail(err error) {
	var zero T
	f.complete(zero, nil, err)
}

func (f *SettableFuture[T]) complete(result T, resultErr, failErr error) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		panic("future resolved multiple times")
	}
	f.done = true
	f.result = result
	f.resultErr = resultErr
	f.failErr = failErr
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// PollOnce implements await.Waitable.
func (f *SettableFuture[T]) PollOnce() (await.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.done {
		return await.Pending, nil
	}
	if f.failErr != nil {
		return await.Failed, f.failErr
	}
	return await.Ready, nil
}

// OnReady implements await.Waitable. If the future already completed, fn
// runs before OnReady returns so a completion that raced registration is
// never lost.
func (f *SettableFuture[T]) OnReady(fn func()) bool {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		fn()
		return true
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
	return true
}

// Result implements Future. Calling it before the future is ready is a
// contract violation.
func (f *SettableFuture[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.done || f.failErr != nil {
		panic("future is not ready")
	}
	return f.result, f.resultErr
}
