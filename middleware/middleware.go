// Package middleware provides composable wrappers around endpoints.
//
// A Middleware takes an endpoint and returns an endpoint, preserving the
// reserve/call contract, so middlewares stack around a single backend or
// around a whole balance.Balancer:
//
//	ep := middleware.Chain(
//	    middleware.Logging[Req, Resp](log),
//	    middleware.RateLimit[Req, Resp](100, 10),
//	    middleware.Timeout[Req, Resp](2*time.Second),
//	)(balancer)
package middleware

import "mini-balance/endpoint"

// Middleware wraps an endpoint with additional behavior.
type Middleware[Req, Resp any] func(endpoint.Endpoint[Req, Resp]) endpoint.Endpoint[Req, Resp]

// Chain 将多个中间件组合成一个中间件; the first middleware listed becomes the
// outermost wrapper.
func Chain[Req, Resp any](middlewares ...Middleware[Req, Resp]) Middleware[Req, Resp] {
	return func(next endpoint.Endpoint[Req, Resp]) endpoint.Endpoint[Req, Resp] {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
