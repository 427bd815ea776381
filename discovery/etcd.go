// etcd-backed membership stream.
//
// etcd is a distributed key-value store with strong consistency (Raft). Each
// endpoint occupies one key under a common prefix:
//
//	Key:   {prefix}{name}   e.g. /services/search/10.0.0.7:8080
//	Value: whatever the registering side stored (address, metadata, ...)
//
// Producers typically register these keys with TTL leases so that crashed
// backends disappear on their own; this stream only consumes the keyspace.
package discovery

import (
	"context"
	"strings"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"

	"mini-balance/endpoint"
)

// BuildFunc constructs the endpoint for a discovered key. name is the key
// with the watch prefix trimmed, value is the raw stored value (commonly a
// JSON-encoded instance record). A BuildFunc error is fatal to the stream.
type BuildFunc[Req, Resp any] func(name string, value []byte) (endpoint.Endpoint[Req, Resp], error)

// Etcd adapts an etcd v3 prefix watch into a Stream keyed by the key suffix
// under the prefix.
//
// Flow:
//  1. Get the current keyspace under the prefix → one Insert per key
//  2. Watch the prefix from the revision after the Get → PUT becomes Insert
//     (re-PUT of a live key replaces its endpoint), DELETE becomes Remove
//
// Cancelling ctx exhausts the stream; a watch failure or BuildFunc error
// fails it.
type Etcd[Req, Resp any] struct {
	ch chan Change[string, Req, Resp]

	mu  sync.Mutex
	err error
}

// NewEtcd starts watching prefix on client and returns the resulting stream.
func NewEtcd[Req, Resp any](ctx context.Context, client *clientv3.Client, prefix string, build BuildFunc[Req, Resp]) *Etcd[Req, Resp] {
	e := &Etcd[Req, Resp]{ch: make(chan Change[string, Req, Resp], 16)}
	go e.run(ctx, client, prefix, build)
	return e
}

func (e *Etcd[Req, Resp]) run(ctx context.Context, client *clientv3.Client, prefix string, build BuildFunc[Req, Resp]) {
	defer close(e.ch)

	// Snapshot the current membership first
	resp, err := client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		e.fail(err)
		return
	}
	for _, kv := range resp.Kvs {
		if !e.insert(ctx, prefix, string(kv.Key), kv.Value, build) {
			return
		}
	}

	// Then follow changes from the revision right after the snapshot
	watchChan := client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for wresp := range watchChan {
		if err := wresp.Err(); err != nil {
			e.fail(err)
			return
		}
		for _, ev := range wresp.Events {
			name := strings.TrimPrefix(string(ev.Kv.Key), prefix)
			switch ev.Type {
			case clientv3.EventTypePut:
				if !e.insert(ctx, prefix, string(ev.Kv.Key), ev.Kv.Value, build) {
					return
				}
			case clientv3.EventTypeDelete:
				if !e.send(ctx, Change[string, Req, Resp]{Op: Remove, Key: name}) {
					return
				}
			}
		}
	}
	// Watch channel closed without a response error: ctx was cancelled,
	// which is exhaustion, not failure.
}

func (e *Etcd[Req, Resp]) insert(ctx context.Context, prefix, key string, value []byte, build BuildFunc[Req, Resp]) bool {
	name := strings.TrimPrefix(key, prefix)
	ep, err := build(name, value)
	if err != nil {
		e.fail(err)
		return false
	}
	return e.send(ctx, Change[string, Req, Resp]{Op: Insert, Key: name, Endpoint: ep})
}

func (e *Etcd[Req, Resp]) send(ctx context.Context, chg Change[string, Req, Resp]) bool {
	select {
	case e.ch <- chg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Etcd[Req, Resp]) fail(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *Etcd[Req, Resp]) Changes() <-chan Change[string, Req, Resp] {
	return e.ch
}

func (e *Etcd[Req, Resp]) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}
