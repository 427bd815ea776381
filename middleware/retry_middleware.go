package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mini-balance/endpoint"
)

// Retry re-issues failed calls up to maxRetries times with exponential
// backoff, re-reserving the wrapped endpoint before each attempt. retryable
// decides which errors are worth retrying; nil retries everything.
//
// Retries run inline in Await, on the awaiting goroutine — the same
// goroutine that owns the wrapped endpoint — so wrapping a balancer (whose
// methods must not be called concurrently) stays safe. Wrap a balancer
// rather than a single backend: each retry's fresh reservation is then free
// to pick a different endpoint.
func Retry[Req, Resp any](maxRetries int, baseDelay time.Duration, retryable func(error) bool, log zerolog.Logger) Middleware[Req, Resp] {
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return func(next endpoint.Endpoint[Req, Resp]) endpoint.Endpoint[Req, Resp] {
		return &retryEndpoint[Req, Resp]{
			Endpoint:   next,
			maxRetries: maxRetries,
			baseDelay:  baseDelay,
			retryable:  retryable,
			log:        log,
		}
	}
}

type retryEndpoint[Req, Resp any] struct {
	endpoint.Endpoint[Req, Resp]
	maxRetries int
	baseDelay  time.Duration
	retryable  func(error) bool
	log        zerolog.Logger
}

func (e *retryEndpoint[Req, Resp]) Call(req Req) endpoint.Future[Resp] {
	return &retryFuture[Req, Resp]{ep: e, req: req, inner: e.Endpoint.Call(req)}
}

type retryFuture[Req, Resp any] struct {
	ep    *retryEndpoint[Req, Resp]
	req   Req
	inner endpoint.Future[Resp]

	settled bool
	val     Resp
	err     error
}

func (f *retryFuture[Req, Resp]) Await(ctx context.Context) (Resp, error) {
	if f.settled {
		return f.val, f.err
	}
	resp, err := f.inner.Await(ctx)
	if ctx.Err() != nil {
		// Abandoned await: the attempt may still complete later
		return resp, err
	}
	e := f.ep
	for attempt := 1; err != nil && e.retryable(err) && attempt <= e.maxRetries; attempt++ {
		e.log.Warn().Err(err).Int("attempt", attempt).Msg("retrying failed call")
		if werr := sleepCtx(ctx, e.baseDelay*time.Duration(1<<(attempt-1))); werr != nil {
			return resp, err
		}
		if rerr := e.Endpoint.Reserve(ctx); rerr != nil {
			break
		}
		resp, err = e.Endpoint.Call(f.req).Await(ctx)
		if ctx.Err() != nil {
			return resp, err
		}
	}
	f.settled, f.val, f.err = true, resp, err
	return resp, err
}

// sleepCtx is an exponential-backoff sleep that aborts when ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
