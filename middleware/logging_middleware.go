package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mini-balance/endpoint"
)

// Logging logs every dispatched call with its duration and outcome. The
// duration is measured from Call until the response is first observed.
func Logging[Req, Resp any](log zerolog.Logger) Middleware[Req, Resp] {
	return func(next endpoint.Endpoint[Req, Resp]) endpoint.Endpoint[Req, Resp] {
		return &loggingEndpoint[Req, Resp]{Endpoint: next, log: log}
	}
}

type loggingEndpoint[Req, Resp any] struct {
	endpoint.Endpoint[Req, Resp]
	log zerolog.Logger
}

func (e *loggingEndpoint[Req, Resp]) Call(req Req) endpoint.Future[Resp] {
	return &loggedFuture[Resp]{
		inner: e.Endpoint.Call(req),
		start: time.Now(),
		log:   e.log,
	}
}

type loggedFuture[T any] struct {
	inner endpoint.Future[T]
	start time.Time
	log   zerolog.Logger
	once  sync.Once
}

func (f *loggedFuture[T]) Await(ctx context.Context) (T, error) {
	v, err := f.inner.Await(ctx)
	f.once.Do(func() {
		evt := f.log.Info()
		if err != nil {
			evt = f.log.Warn().Err(err)
		}
		evt.Dur("duration", time.Since(f.start)).Msg("request dispatched")
	})
	return v, err
}
