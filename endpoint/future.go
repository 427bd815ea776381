package endpoint

import (
	"context"
	"sync"
)

// Future is the pending response of a dispatched call.
type Future[T any] interface {
	// Await blocks until the response is available or ctx ends. It may be
	// called any number of times; every call observes the same outcome.
	Await(ctx context.Context) (T, error)
}

// Promise is the channel-backed Future implementation: the side issuing the
// request resolves it once, any number of goroutines await it.
//
//	caller ──Call(req)──→ endpoint ──→ Promise ←──Resolve── response arrives
//	caller ──Await(ctx)──────────────────┘
type Promise[T any] struct {
	done chan struct{} // Closed exactly once, when the outcome is set
	val  T
	err  error
	once sync.Once
}

// NewPromise creates an unresolved Promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolve sets the outcome and wakes all awaiting goroutines. Calls after
// the first are no-ops.
func (p *Promise[T]) Resolve(val T, err error) {
	p.once.Do(func() {
		p.val = val
		p.err = err
		close(p.done)
	})
}

// Await blocks until the promise is resolved or ctx ends.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Resolved returns an already-successful Future carrying val.
func Resolved[T any](val T) *Promise[T] {
	p := NewPromise[T]()
	p.Resolve(val, nil)
	return p
}

// Rejected returns an already-failed Future carrying err.
func Rejected[T any](err error) *Promise[T] {
	p := NewPromise[T]()
	var zero T
	p.Resolve(zero, err)
	return p
}
