package load

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"mini-balance/endpoint"
)

// DefaultDecay is the PeakEWMA latency window: observations older than this
// have largely decayed out of the estimate.
const DefaultDecay = 10 * time.Second

// PeakEWMA estimates request latency with an exponentially weighted moving
// average that is pessimistic about spikes: a response slower than the
// current estimate replaces it outright instead of being averaged in, so a
// degrading endpoint is penalized immediately and forgiven only as the decay
// window passes. Load is the latency estimate in seconds scaled by the
// number of in-flight requests plus one.
type PeakEWMA[Req, Resp any] struct {
	inner   endpoint.Endpoint[Req, Resp]
	decay   time.Duration
	pending atomic.Int64

	mu       sync.Mutex
	stamp    time.Time
	estimate float64 // seconds
}

// NewPeakEWMA wraps inner with a peak-EWMA latency estimator using decay as
// the averaging window; decay <= 0 selects DefaultDecay.
func NewPeakEWMA[Req, Resp any](inner endpoint.Endpoint[Req, Resp], decay time.Duration) *PeakEWMA[Req, Resp] {
	if decay <= 0 {
		decay = DefaultDecay
	}
	return &PeakEWMA[Req, Resp]{inner: inner, decay: decay, stamp: time.Now()}
}

func (p *PeakEWMA[Req, Resp]) Reserve(ctx context.Context) error {
	return p.inner.Reserve(ctx)
}

func (p *PeakEWMA[Req, Resp]) Ready() (bool, error) {
	return p.inner.Ready()
}

func (p *PeakEWMA[Req, Resp]) Call(req Req) endpoint.Future[Resp] {
	p.pending.Add(1)
	start := time.Now()
	return &trackedFuture[Resp]{
		inner: p.inner.Call(req),
		done: func() {
			p.pending.Add(-1)
			p.observe(time.Since(start).Seconds())
		},
	}
}

func (p *PeakEWMA[Req, Resp]) Load() float64 {
	p.mu.Lock()
	estimate := p.estimate
	p.mu.Unlock()
	return estimate * float64(p.pending.Load()+1)
}

func (p *PeakEWMA[Req, Resp]) observe(rtt float64) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if rtt > p.estimate {
		// Peak: a slow response dominates the estimate immediately
		p.estimate = rtt
	} else {
		w := math.Exp(-now.Sub(p.stamp).Seconds() / p.decay.Seconds())
		p.estimate = p.estimate*w + rtt*(1-w)
	}
	p.stamp = now
}
