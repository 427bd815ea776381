// Package discovery produces the stream of endpoint-set membership changes
// consumed by the balancer.
//
// A Stream is a lazy, potentially infinite sequence of Insert/Remove events
// delivered over a channel. The channel closing marks the end of the stream;
// Err distinguishes why:
//
//	Changes() closed, Err() == nil  → exhausted (no more updates, not an error)
//	Changes() closed, Err() != nil  → the stream failed; fatal to its consumer
//
// Three implementations are provided: Feed (driven by the embedding
// application), Static (a fixed set, then exhaustion), and Etcd (an etcd v3
// prefix watch).
package discovery

import "mini-balance/endpoint"

// Op is the kind of a membership change.
type Op int

const (
	// Insert adds an endpoint under a key. An Insert for a key that is
	// already known replaces the previous endpoint under that key.
	Insert Op = iota
	// Remove drops whatever endpoint is known under a key.
	Remove
)

func (op Op) String() string {
	if op == Insert {
		return "insert"
	}
	return "remove"
}

// Change is one membership change. Endpoint is nil for Remove.
type Change[K comparable, Req, Resp any] struct {
	Op       Op
	Key      K
	Endpoint endpoint.Endpoint[Req, Resp]
}

// Stream is an ordered feed of membership changes.
type Stream[K comparable, Req, Resp any] interface {
	// Changes returns the channel the stream delivers on. The same channel
	// is returned on every call. It is closed when the stream ends.
	Changes() <-chan Change[K, Req, Resp]

	// Err returns the error that ended the stream, or nil if the stream is
	// still live or ended by exhaustion. Only meaningful once Changes is
	// closed.
	Err() error
}
