package balance

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"mini-balance/discovery"
	"mini-balance/endpoint"
)

// DiscoveryError wraps the fatal error reported by the discovery stream.
// Once a balancer returns one, it is unusable: the embedding application
// must build a fresh balancer against a fresh stream.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("balance: discovery failed: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// EndpointError wraps an error that originated in a dispatched endpoint's
// call path, tagging it with the endpoint's key. It never indicates a
// balancer problem: the endpoint was already re-queued for re-probing before
// the call's outcome was known.
type EndpointError[K comparable] struct {
	Key K
	Err error
}

func (e *EndpointError[K]) Error() string {
	return fmt.Sprintf("balance: endpoint %v: %v", e.Key, e.Err)
}

func (e *EndpointError[K]) Unwrap() error { return e.Err }

// Balancer dispatches each request to one endpoint of a dynamically
// discovered set, preferring less-loaded endpoints.
//
// Selection uses power-of-two-choices (P2C): draw two distinct ready
// endpoints uniformly at random and keep the one reporting the lower load.
// P2C bounds worst-case imbalance probabilistically without global load
// knowledge, and unlike least-loaded it never herds every request onto a
// single momentarily-idle endpoint.
//
// Balancer itself implements endpoint.Endpoint, so it can be wrapped in
// middleware, given a load estimator, or nested inside another balancer.
//
// A Balancer is owned by a single goroutine: Reserve, Ready, Call and Load
// must not be called concurrently. Fan-out belongs to the embedding layer.
type Balancer[K comparable, Req, Resp any] struct {
	disco   discovery.Stream[K, Req, Resp]
	changes <-chan discovery.Change[K, Req, Resp] // nil once the stream ended
	cache   *Cache[K, Req, Resp]
	sel     int // validated selection in the ready set, -1 when none
	rng     *rand.Rand
	log     zerolog.Logger
	fatal   error // sticky discovery error
}

// The balancer speaks the same protocol it dispatches through.
var _ endpoint.Endpoint[struct{}, struct{}] = (*Balancer[string, struct{}, struct{}])(nil)

// Option configures a Balancer.
type Option func(*options)

type options struct {
	rng *rand.Rand
	log zerolog.Logger
}

// WithRand sets the random source used for P2C sampling. With a fixed seed
// and fixed endpoint state, selection is fully deterministic.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) { o.rng = rng }
}

// WithLogger sets the logger for probe failures and discovery events.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// NewBalancer creates a balancer consuming membership changes from disco.
func NewBalancer[K comparable, Req, Resp any](disco discovery.Stream[K, Req, Resp], opts ...Option) *Balancer[K, Req, Resp] {
	o := options{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Balancer[K, Req, Resp]{
		disco:   disco,
		changes: disco.Changes(),
		cache:   NewCache[K, Req, Resp](o.log),
		sel:     -1,
		rng:     o.rng,
		log:     o.log,
	}
}

// Reserve blocks until an endpoint has been selected and is ready to accept
// one request, ctx ends, or the discovery stream fails. Reserving twice
// without an intervening Call revalidates and keeps the same selection.
//
// Per cycle: drain discovery changes into the cache, promote pending
// endpoints whose probes completed, then validate the cached selection or
// run P2C for a fresh one. When none of that can make progress the balancer
// blocks on its wake sources instead of spinning.
func (b *Balancer[K, Req, Resp]) Reserve(ctx context.Context) error {
	if b.fatal != nil {
		return b.fatal
	}
	for {
		if err := b.drainDiscovery(); err != nil {
			return err
		}
		b.promotePending()
		if b.validateOrSelect() {
			return nil
		}
		if err := b.await(ctx); err != nil {
			return err
		}
	}
}

// Ready reports whether the endpoint selected by the last successful Reserve
// can still accept the request, without blocking. A lapsed or failed
// selection reports false (the failure itself was absorbed into the cache);
// a previous discovery failure reports that error.
func (b *Balancer[K, Req, Resp]) Ready() (bool, error) {
	if b.fatal != nil {
		return false, b.fatal
	}
	if b.sel < 0 {
		return false, nil
	}
	st, _ := b.cache.CheckReadyIndex(b.sel)
	if st != StillReady {
		b.sel = -1
		return false, nil
	}
	return true, nil
}

// Call dispatches req to the endpoint selected by the last successful
// Reserve. The endpoint is re-queued for re-probing before the call's
// outcome is known; errors from the call surface through the future as
// *EndpointError. Calling without a successful Reserve is a programmer
// error and panics.
func (b *Balancer[K, Req, Resp]) Call(req Req) endpoint.Future[Resp] {
	if b.sel < 0 {
		panic("balance: Call without a successful Reserve")
	}
	i := b.sel
	b.sel = -1
	key, fut := b.cache.CallReadyIndex(i, req)
	return &taggedFuture[K, Resp]{inner: fut, key: key}
}

// Load reports the mean load of the current ready set (zero when empty), so
// a balancer nested under another balancer compares average backend load.
func (b *Balancer[K, Req, Resp]) Load() float64 {
	n := b.cache.ReadyLen()
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		_, ep := b.cache.GetReadyIndex(i)
		sum += ep.Load()
	}
	return sum / float64(n)
}

// Close cancels all outstanding probes and drops every held endpoint.
func (b *Balancer[K, Req, Resp]) Close() error {
	b.sel = -1
	b.cache.Close()
	return nil
}

// drainDiscovery applies every membership change that has already arrived.
// Exhaustion disables the discovery wake source; a stream error is recorded
// as the balancer's sticky fatal error.
func (b *Balancer[K, Req, Resp]) drainDiscovery() error {
	for b.changes != nil {
		select {
		case chg, ok := <-b.changes:
			if !ok {
				return b.streamEnded()
			}
			b.applyChange(chg)
		default:
			return nil
		}
	}
	return nil
}

func (b *Balancer[K, Req, Resp]) streamEnded() error {
	b.changes = nil
	if err := b.disco.Err(); err != nil {
		b.fatal = &DiscoveryError{Err: err}
		b.log.Error().Err(err).Msg("discovery stream failed")
		return b.fatal
	}
	b.log.Debug().Msg("discovery stream exhausted")
	return nil
}

func (b *Balancer[K, Req, Resp]) applyChange(chg discovery.Change[K, Req, Resp]) {
	// Evict explicitly (rather than relying on Push's implicit eviction)
	// so the vacated position is known and the cached selection can be
	// repaired before the ready set's order is observed again.
	if vacated, removed := b.cache.Evict(chg.Key); removed && vacated >= 0 {
		b.repairIndex(vacated)
	}
	if chg.Op == discovery.Insert {
		b.cache.Push(chg.Key, chg.Endpoint)
	}
}

// repairIndex repairs the cached selection after a swap-removal vacated
// position r: a selection of r itself is invalidated (its endpoint was the
// one removed); a selection of the old last position is rewritten to r (its
// endpoint was moved there); anything else is untouched. Must run once per
// removal, in removal order.
func (b *Balancer[K, Req, Resp]) repairIndex(r int) {
	switch {
	case b.sel == r:
		b.sel = -1
	case b.sel == b.cache.ReadyLen(): // old last index == new length
		b.sel = r
	}
}

// promotePending moves every endpoint whose probe has completed into the
// ready set. Probe failures are logged by the cache and skipped; one bad
// endpoint never stalls promotion of the rest.
func (b *Balancer[K, Req, Resp]) promotePending() {
	for {
		if _, failed := b.cache.PollPending(); failed == nil {
			return
		}
	}
}

// validateOrSelect returns true once a validated selection is cached. The
// cached selection is revalidated first; when it lapsed (or none exists) a
// fresh P2C pick is made and itself revalidated, since a just-picked
// endpoint can already be stale.
func (b *Balancer[K, Req, Resp]) validateOrSelect() bool {
	for {
		if b.sel >= 0 {
			st, _ := b.cache.CheckReadyIndex(b.sel)
			if st == StillReady {
				return true
			}
			// Both lapse and failure vacated exactly position b.sel.
			b.sel = -1
			continue
		}
		switch n := b.cache.ReadyLen(); n {
		case 0:
			return false
		case 1:
			b.sel = 0
		default:
			b.sel = b.p2c(n)
		}
	}
}

// p2c draws two distinct positions uniformly at random and keeps the one
// with the lower load. A tie goes to the first-sampled position; together
// with a fixed rng seed this makes selection reproducible.
func (b *Balancer[K, Req, Resp]) p2c(n int) int {
	// Unbiased distinct pair: draw i from [0,n), j from [0,n-1) and shift
	// j past i. No retry loop, no collision bias.
	i := b.rng.Intn(n)
	j := b.rng.Intn(n - 1)
	if j >= i {
		j++
	}
	_, first := b.cache.GetReadyIndex(i)
	_, second := b.cache.GetReadyIndex(j)
	if first.Load() <= second.Load() {
		return i
	}
	return j
}

// await blocks until one of the balancer's wake sources fires: a discovery
// change, a probe completion, or ctx ending. Each source is armed
// independently, so a wake is attributed to whichever fired. A closed
// discovery channel is replaced by nil, which never fires again.
func (b *Balancer[K, Req, Resp]) await(ctx context.Context) error {
	select {
	case chg, ok := <-b.changes:
		if !ok {
			return b.streamEnded()
		}
		b.applyChange(chg)
		return nil
	case res := <-b.cache.done:
		b.cache.apply(res)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// taggedFuture marks errors from the dispatched call as endpoint-origin.
type taggedFuture[K comparable, T any] struct {
	inner endpoint.Future[T]
	key   K
}

func (f *taggedFuture[K, T]) Await(ctx context.Context) (T, error) {
	v, err := f.inner.Await(ctx)
	if err != nil {
		err = &EndpointError[K]{Key: f.key, Err: err}
	}
	return v, err
}
