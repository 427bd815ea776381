// Package balance implements a dynamic load-balancing dispatcher: a Cache
// that tracks which discovered endpoints are currently able to accept a
// request, and a Balancer that selects among them with the
// power-of-two-choices algorithm.
package balance

import (
	"context"

	"github.com/rs/zerolog"

	"mini-balance/endpoint"
)

// Failure reports one pending endpoint whose readiness probe failed.
type Failure[K comparable] struct {
	Key K
	Err error
}

// Readiness is the outcome of revalidating a ready endpoint.
type Readiness int

const (
	// StillReady: the endpoint's reservation still holds.
	StillReady Readiness = iota
	// BecameUnready: the reservation lapsed; the endpoint was moved back
	// into the pending set and must prove readiness again.
	BecameUnready
	// Failed: the endpoint failed and was dropped.
	Failed
)

type readyEntry[K comparable, Req, Resp any] struct {
	key K
	ep  endpoint.Endpoint[Req, Resp]
}

// probeResult is what a probe goroutine delivers when Reserve returns.
type probeResult[K comparable, Req, Resp any] struct {
	key K
	id  uint64
	ep  endpoint.Endpoint[Req, Resp]
	err error
}

// probeHandle is the cancellation half of one outstanding probe. The id ties
// completions back to the probe that produced them: a completion whose id no
// longer matches the table entry belongs to an evicted or replaced endpoint
// and is dropped silently.
type probeHandle struct {
	id     uint64
	cancel context.CancelFunc
}

// Cache partitions known endpoints into a ready set and a pending set.
//
// Ready set: an ordered collection with O(1) index access, O(1) append and
// O(1) swap-removal (removal moves the last entry into the vacated slot, so
// externally cached positions need the repair described on Evict).
//
// Pending set: one goroutine per endpoint running Reserve under a per-probe
// context; context cancellation is the probe's cancellation token. Probes
// deliver onto a single completion channel that PollPending drains.
//
// A key is in at most one of the two sets at a time. The Cache is not safe
// for concurrent use: all methods must be called from the single goroutine
// that owns it (probe goroutines only touch the completion channel).
type Cache[K comparable, Req, Resp any] struct {
	ready   []readyEntry[K, Req, Resp]
	pos     map[K]int // key → position in ready
	cancels map[K]probeHandle
	done    chan probeResult[K, Req, Resp]
	nextID  uint64
	log     zerolog.Logger
}

// NewCache creates an empty cache. Probe failures are logged to log; pass
// zerolog.Nop() to discard them.
func NewCache[K comparable, Req, Resp any](log zerolog.Logger) *Cache[K, Req, Resp] {
	return &Cache[K, Req, Resp]{
		pos:     make(map[K]int),
		cancels: make(map[K]probeHandle),
		done:    make(chan probeResult[K, Req, Resp], 16),
		log:     log,
	}
}

// Push registers ep under key and starts its readiness probe. Any endpoint
// previously known under key — ready or pending — is evicted first, so Push
// doubles as replace. Always succeeds synchronously.
func (c *Cache[K, Req, Resp]) Push(key K, ep endpoint.Endpoint[Req, Resp]) {
	c.Evict(key)
	c.spawnProbe(key, ep)
}

// Evict removes key from whichever set holds it. removed reports whether
// anything was known under key. When the key was in the ready set, vacated
// holds the position freed by the swap-removal so callers can repair any
// cached index (see Balancer); otherwise vacated is -1.
func (c *Cache[K, Req, Resp]) Evict(key K) (vacated int, removed bool) {
	if h, ok := c.cancels[key]; ok {
		h.cancel()
		delete(c.cancels, key)
		return -1, true
	}
	if i, ok := c.pos[key]; ok {
		c.swapRemoveReady(i)
		return i, true
	}
	return -1, false
}

// PollPending applies every probe completion that has already arrived:
// successes move their endpoint into the ready set, stale completions are
// dropped. drained reports whether any probes remain outstanding. At most
// one failure is surfaced per call — callers loop to drain further failures;
// a single endpoint's failure never aborts the rest of the pending set.
func (c *Cache[K, Req, Resp]) PollPending() (drained bool, failed *Failure[K]) {
	for {
		select {
		case res := <-c.done:
			if f := c.apply(res); f != nil {
				return len(c.cancels) == 0, f
			}
		default:
			return len(c.cancels) == 0, nil
		}
	}
}

// GetReadyIndex returns the key and endpoint at position i of the ready set.
func (c *Cache[K, Req, Resp]) GetReadyIndex(i int) (K, endpoint.Endpoint[Req, Resp]) {
	e := c.ready[i]
	return e.key, e.ep
}

// CheckReadyIndex revalidates the endpoint at position i of the ready set.
// On BecameUnready the endpoint is swap-removed and re-queued as pending; on
// Failed it is swap-removed and dropped, with the error returned. Either way
// position i has been vacated and any cached index must be repaired.
func (c *Cache[K, Req, Resp]) CheckReadyIndex(i int) (Readiness, error) {
	ok, err := c.ready[i].ep.Ready()
	switch {
	case err != nil:
		e := c.swapRemoveReady(i)
		c.log.Warn().Err(err).Interface("key", e.key).Msg("ready endpoint failed revalidation, dropping")
		return Failed, err
	case !ok:
		e := c.swapRemoveReady(i)
		c.spawnProbe(e.key, e.ep)
		return BecameUnready, nil
	default:
		return StillReady, nil
	}
}

// CallReadyIndex dispatches req to the endpoint at position i, swap-removing
// it from the ready set and immediately re-queueing it as pending: readiness
// is single-use, so the endpoint must prove it again before its next
// dispatch. The response future is returned along with the endpoint's key.
// An out-of-range i is a programmer error and panics.
func (c *Cache[K, Req, Resp]) CallReadyIndex(i int, req Req) (K, endpoint.Future[Resp]) {
	e := c.swapRemoveReady(i)
	fut := e.ep.Call(req)
	c.spawnProbe(e.key, e.ep)
	return e.key, fut
}

// ReadyLen returns the size of the ready set.
func (c *Cache[K, Req, Resp]) ReadyLen() int { return len(c.ready) }

// PendingLen returns the number of outstanding probes.
func (c *Cache[K, Req, Resp]) PendingLen() int { return len(c.cancels) }

// Len returns the total number of known endpoints.
func (c *Cache[K, Req, Resp]) Len() int { return len(c.ready) + len(c.cancels) }

// Close cancels every outstanding probe and drops all held endpoints. The
// cache is empty but still usable afterward.
func (c *Cache[K, Req, Resp]) Close() {
	for _, h := range c.cancels {
		h.cancel()
	}
	c.cancels = make(map[K]probeHandle)
	c.ready = nil
	c.pos = make(map[K]int)
}

// spawnProbe starts the readiness probe for ep. The probe goroutine blocks
// in Reserve until the endpoint is ready, fails, or the probe is cancelled;
// the final select drops the result instead of blocking forever when the
// probe was cancelled while the completion channel is full.
func (c *Cache[K, Req, Resp]) spawnProbe(key K, ep endpoint.Endpoint[Req, Resp]) {
	pctx, cancel := context.WithCancel(context.Background())
	c.nextID++
	id := c.nextID
	c.cancels[key] = probeHandle{id: id, cancel: cancel}

	go func() {
		err := ep.Reserve(pctx)
		select {
		case c.done <- probeResult[K, Req, Resp]{key: key, id: id, ep: ep, err: err}:
		case <-pctx.Done():
		}
	}()
}

// apply processes one probe completion. It returns a non-nil Failure when
// the probe failed for an endpoint that is still pending under the same id.
func (c *Cache[K, Req, Resp]) apply(res probeResult[K, Req, Resp]) *Failure[K] {
	h, ok := c.cancels[res.key]
	if !ok || h.id != res.id {
		// Stale: the endpoint was evicted or replaced while this probe was
		// in flight. Its removal was already accounted for.
		return nil
	}
	delete(c.cancels, res.key)
	if res.err != nil {
		c.log.Warn().Err(res.err).Interface("key", res.key).Msg("endpoint readiness probe failed, dropping")
		return &Failure[K]{Key: res.key, Err: res.err}
	}
	c.pos[res.key] = len(c.ready)
	c.ready = append(c.ready, readyEntry[K, Req, Resp]{key: res.key, ep: res.ep})
	return nil
}

// swapRemoveReady removes position i from the ready set by moving the last
// entry into its slot. Runs in O(1); the caller is responsible for repairing
// any externally cached index.
func (c *Cache[K, Req, Resp]) swapRemoveReady(i int) readyEntry[K, Req, Resp] {
	e := c.ready[i]
	last := len(c.ready) - 1
	c.ready[i] = c.ready[last]
	c.ready[last] = readyEntry[K, Req, Resp]{} // release the handle for GC
	c.ready = c.ready[:last]
	delete(c.pos, e.key)
	if i < last {
		c.pos[c.ready[i].key] = i
	}
	return e
}
