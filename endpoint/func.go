package endpoint

import "context"

// Func adapts an ordinary function into an always-ready Endpoint. Each Call
// runs the function in its own goroutine and resolves the returned Future
// with its result.
//
// A bare Func reports zero load; wrap it with load.PendingRequests or
// load.PeakEWMA to give the balancer something to compare.
type Func[Req, Resp any] struct {
	fn func(ctx context.Context, req Req) (Resp, error)
}

// NewFunc creates an Endpoint from fn.
func NewFunc[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) *Func[Req, Resp] {
	return &Func[Req, Resp]{fn: fn}
}

func (f *Func[Req, Resp]) Reserve(ctx context.Context) error {
	return ctx.Err()
}

func (f *Func[Req, Resp]) Ready() (bool, error) {
	return true, nil
}

func (f *Func[Req, Resp]) Call(req Req) Future[Resp] {
	p := NewPromise[Resp]()
	go func() {
		p.Resolve(f.fn(context.Background(), req))
	}()
	return p
}

func (f *Func[Req, Resp]) Load() float64 {
	return 0
}
