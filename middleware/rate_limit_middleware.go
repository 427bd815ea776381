package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-balance/endpoint"
)

// RateLimit 基于令牌桶算法的限流中间件: each reservation spends one token.
// Backpressure lands where it belongs: Reserve blocks until both the wrapped
// endpoint and the limiter have capacity, instead of requests being rejected
// after dispatch. Ready needs no override, since the token backing the
// current reservation was already spent in Reserve and stays spent.
func RateLimit[Req, Resp any](r float64, burst int) Middleware[Req, Resp] {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next endpoint.Endpoint[Req, Resp]) endpoint.Endpoint[Req, Resp] {
		return &rateLimitEndpoint[Req, Resp]{Endpoint: next, limiter: limiter}
	}
}

type rateLimitEndpoint[Req, Resp any] struct {
	endpoint.Endpoint[Req, Resp]
	limiter *rate.Limiter
}

func (e *rateLimitEndpoint[Req, Resp]) Reserve(ctx context.Context) error {
	if err := e.Endpoint.Reserve(ctx); err != nil {
		return err
	}
	return e.limiter.Wait(ctx)
}
