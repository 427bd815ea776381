package middleware

import (
	"context"
	"time"

	"mini-balance/endpoint"
)

// Timeout bounds how long a caller may be kept waiting for a response: every
// Await on the returned future carries a deadline of timeout past the call.
func Timeout[Req, Resp any](timeout time.Duration) Middleware[Req, Resp] {
	return func(next endpoint.Endpoint[Req, Resp]) endpoint.Endpoint[Req, Resp] {
		return &timeoutEndpoint[Req, Resp]{Endpoint: next, timeout: timeout}
	}
}

type timeoutEndpoint[Req, Resp any] struct {
	endpoint.Endpoint[Req, Resp]
	timeout time.Duration
}

func (e *timeoutEndpoint[Req, Resp]) Call(req Req) endpoint.Future[Resp] {
	return &timeoutFuture[Resp]{
		inner:    e.Endpoint.Call(req),
		deadline: time.Now().Add(e.timeout),
	}
}

type timeoutFuture[T any] struct {
	inner    endpoint.Future[T]
	deadline time.Time
}

func (f *timeoutFuture[T]) Await(ctx context.Context) (T, error) {
	ctx, cancel := context.WithDeadline(ctx, f.deadline)
	defer cancel()
	return f.inner.Await(ctx)
}
