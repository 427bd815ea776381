package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mini-balance/endpoint"
)

// Metrics records dispatched requests with Prometheus: a request counter, a
// failure counter, and a latency histogram, all registered on reg under the
// given name label.
func Metrics[Req, Resp any](reg prometheus.Registerer, name string) Middleware[Req, Resp] {
	labels := prometheus.Labels{"endpoint": name}
	requests := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "balance",
		Name:        "requests_total",
		Help:        "Total requests dispatched through the endpoint.",
		ConstLabels: labels,
	})
	failures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "balance",
		Name:        "request_failures_total",
		Help:        "Dispatched requests whose response was an error.",
		ConstLabels: labels,
	})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "balance",
		Name:        "request_duration_seconds",
		Help:        "Time from dispatch to response.",
		ConstLabels: labels,
		Buckets:     prometheus.DefBuckets,
	})
	reg.MustRegister(requests, failures, latency)

	return func(next endpoint.Endpoint[Req, Resp]) endpoint.Endpoint[Req, Resp] {
		return &metricsEndpoint[Req, Resp]{
			Endpoint: next,
			requests: requests,
			failures: failures,
			latency:  latency,
		}
	}
}

type metricsEndpoint[Req, Resp any] struct {
	endpoint.Endpoint[Req, Resp]
	requests prometheus.Counter
	failures prometheus.Counter
	latency  prometheus.Observer
}

func (e *metricsEndpoint[Req, Resp]) Call(req Req) endpoint.Future[Resp] {
	e.requests.Inc()
	return &measuredFuture[Resp]{
		inner:    e.Endpoint.Call(req),
		start:    time.Now(),
		failures: e.failures,
		latency:  e.latency,
	}
}

type measuredFuture[T any] struct {
	inner    endpoint.Future[T]
	start    time.Time
	failures prometheus.Counter
	latency  prometheus.Observer
	once     sync.Once
}

func (f *measuredFuture[T]) Await(ctx context.Context) (T, error) {
	v, err := f.inner.Await(ctx)
	if err == nil || ctx.Err() == nil {
		f.once.Do(func() {
			f.latency.Observe(time.Since(f.start).Seconds())
			if err != nil {
				f.failures.Inc()
			}
		})
	}
	return v, err
}
