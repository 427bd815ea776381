package discovery

import (
	"sync"

	"mini-balance/endpoint"
)

// Feed is a Stream driven directly by the embedding application: call Insert
// and Remove as membership changes happen, then Close (exhaustion) or Fail
// (fatal error) exactly once. It is also the building block for Static and
// the natural stream to use in tests.
type Feed[K comparable, Req, Resp any] struct {
	ch chan Change[K, Req, Resp]

	mu     sync.Mutex
	err    error
	closed bool
}

// NewFeed creates a Feed whose channel buffers up to buffer changes.
// Insert and Remove block once the buffer is full, which propagates
// backpressure to the producer.
func NewFeed[K comparable, Req, Resp any](buffer int) *Feed[K, Req, Resp] {
	return &Feed[K, Req, Resp]{ch: make(chan Change[K, Req, Resp], buffer)}
}

// Insert announces an endpoint under key, replacing any previous endpoint
// known under the same key.
func (f *Feed[K, Req, Resp]) Insert(key K, ep endpoint.Endpoint[Req, Resp]) {
	f.ch <- Change[K, Req, Resp]{Op: Insert, Key: key, Endpoint: ep}
}

// Remove announces that the endpoint under key is gone.
func (f *Feed[K, Req, Resp]) Remove(key K) {
	f.ch <- Change[K, Req, Resp]{Op: Remove, Key: key}
}

// Close ends the stream by exhaustion. Insert, Remove, Close and Fail must
// not be called afterward.
func (f *Feed[K, Req, Resp]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.ch)
}

// Fail ends the stream with a fatal error.
func (f *Feed[K, Req, Resp]) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.ch)
}

func (f *Feed[K, Req, Resp]) Changes() <-chan Change[K, Req, Resp] {
	return f.ch
}

func (f *Feed[K, Req, Resp]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Static returns an already-exhausted Stream that delivers one Insert per
// entry of endpoints. Delivery order follows map iteration and is therefore
// unspecified, which is fine: the balancer applies inserts for distinct keys
// commutatively.
func Static[K comparable, Req, Resp any](endpoints map[K]endpoint.Endpoint[Req, Resp]) *Feed[K, Req, Resp] {
	f := NewFeed[K, Req, Resp](len(endpoints))
	for key, ep := range endpoints {
		f.Insert(key, ep)
	}
	f.Close()
	return f
}
