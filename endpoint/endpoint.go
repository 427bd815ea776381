// Package endpoint defines the two-phase reserve/call contract shared by
// every request handler in this library.
//
// The contract splits issuing a request into two steps:
//
//	Reserve(ctx)  → wait until the endpoint can accept exactly one request
//	Call(req)     → issue the request, get a Future for the response
//
// Reserving first lets callers exert backpressure instead of buffering
// requests unboundedly: a caller that cannot reserve simply does not send.
// The balance.Balancer implements this same interface, so a balancer can be
// dispatched to like any single endpoint, wrapped in middleware, or nested
// inside another balancer.
package endpoint

import "context"

// Endpoint is one backend handler capable of accepting requests.
type Endpoint[Req, Resp any] interface {
	// Reserve blocks until the endpoint can accept one request, ctx ends,
	// or the endpoint fails. A successful reservation is best-effort: Call
	// may still fail, and the reservation may lapse (see Ready).
	Reserve(ctx context.Context) error

	// Ready reports, without blocking, whether the reservation granted by
	// the last successful Reserve still holds. (true, nil) means still
	// ready, (false, nil) means the endpoint became unready and must be
	// re-reserved, a non-nil error means the endpoint has failed.
	Ready() (bool, error)

	// Call issues exactly one request against the capacity reserved by the
	// most recent successful Reserve. Calling without one is a programmer
	// error.
	Call(req Req) Future[Resp]

	// Load reports the endpoint's current load. It must be cheap and free
	// of side effects — the balancer calls it on every selection.
	Load() float64
}
