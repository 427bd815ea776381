// Package load provides endpoint wrappers that measure load, producing the
// metric the balancer compares during power-of-two-choices selection.
//
// Each wrapper implements endpoint.Endpoint by delegating the reserve/call
// protocol to the wrapped endpoint and overriding Load with its own
// estimate. Wrap every member of a balanced set with the same estimator so
// their loads are comparable.
package load

import (
	"context"
	"sync"
	"sync/atomic"

	"mini-balance/endpoint"
)

// PendingRequests reports the number of in-flight requests as the
// endpoint's load. A request counts as in flight from Call until its
// response future is first observed.
type PendingRequests[Req, Resp any] struct {
	inner   endpoint.Endpoint[Req, Resp]
	pending atomic.Int64
}

// NewPendingRequests wraps inner with an in-flight request counter.
func NewPendingRequests[Req, Resp any](inner endpoint.Endpoint[Req, Resp]) *PendingRequests[Req, Resp] {
	return &PendingRequests[Req, Resp]{inner: inner}
}

func (p *PendingRequests[Req, Resp]) Reserve(ctx context.Context) error {
	return p.inner.Reserve(ctx)
}

func (p *PendingRequests[Req, Resp]) Ready() (bool, error) {
	return p.inner.Ready()
}

func (p *PendingRequests[Req, Resp]) Call(req Req) endpoint.Future[Resp] {
	p.pending.Add(1)
	return &trackedFuture[Resp]{
		inner: p.inner.Call(req),
		done:  func() { p.pending.Add(-1) },
	}
}

func (p *PendingRequests[Req, Resp]) Load() float64 {
	return float64(p.pending.Load())
}

// trackedFuture runs done exactly once, when the response outcome is first
// observed. Cancelled Awaits do not count: the request is still in flight.
type trackedFuture[T any] struct {
	inner endpoint.Future[T]
	done  func()
	once  sync.Once
}

func (f *trackedFuture[T]) Await(ctx context.Context) (T, error) {
	v, err := f.inner.Await(ctx)
	if err == nil || ctx.Err() == nil {
		f.once.Do(f.done)
	}
	return v, err
}
