package middleware

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"mini-balance/endpoint"
)

func echoEndpoint() endpoint.Endpoint[string, string] {
	return endpoint.NewFunc(func(_ context.Context, req string) (string, error) {
		return req, nil
	})
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware[string, string] {
		return func(next endpoint.Endpoint[string, string]) endpoint.Endpoint[string, string] {
			return &tagEndpoint{Endpoint: next, name: name, order: &order}
		}
	}

	ep := Chain(tag("outer"), tag("inner"))(echoEndpoint())
	if _, err := ep.Call("x").Await(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("expect outer then inner, got %v", order)
	}
}

type tagEndpoint struct {
	endpoint.Endpoint[string, string]
	name  string
	order *[]string
}

func (e *tagEndpoint) Call(req string) endpoint.Future[string] {
	*e.order = append(*e.order, e.name)
	return e.Endpoint.Call(req)
}

func TestLogging(t *testing.T) {
	ep := Logging[string, string](zerolog.Nop())(echoEndpoint())

	if err := ep.Reserve(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := ep.Call("ping").Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != "ping" {
		t.Fatalf("expect ping, got %s", got)
	}
}

func TestRateLimitBlocksWhenExhausted(t *testing.T) {
	// 1 token/sec with burst 1: the first reservation passes, the second
	// must block past a short deadline.
	ep := RateLimit[string, string](1, 1)(echoEndpoint())

	if err := ep.Reserve(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := ep.Call("a").Await(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := ep.Reserve(ctx); err == nil {
		t.Fatal("expect second reservation to be rate limited")
	}
}

func TestRateLimitRefills(t *testing.T) {
	ep := RateLimit[string, string](100, 1)(echoEndpoint())

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := ep.Reserve(ctx)
		cancel()
		if err != nil {
			t.Fatalf("reservation %d: %v", i, err)
		}
		if _, err := ep.Call("a").Await(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
}

func TestTimeout(t *testing.T) {
	stuck := endpoint.NewFunc(func(ctx context.Context, req string) (string, error) {
		time.Sleep(time.Second)
		return req, nil
	})
	ep := Timeout[string, string](30 * time.Millisecond)(stuck)

	start := time.Now()
	_, err := ep.Call("x").Await(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("timeout fired far too late")
	}
}

func TestTimeoutPassesFastResponses(t *testing.T) {
	ep := Timeout[string, string](time.Second)(echoEndpoint())
	got, err := ep.Call("fast").Await(context.Background())
	if err != nil || got != "fast" {
		t.Fatalf("expect fast/<nil>, got %s/%v", got, err)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	var calls atomic.Int64
	flaky := endpoint.NewFunc(func(_ context.Context, req string) (string, error) {
		if calls.Add(1) <= 2 {
			return "", errors.New("connection refused")
		}
		return req, nil
	})
	ep := Retry[string, string](3, time.Millisecond, nil, zerolog.Nop())(flaky)

	got, err := ep.Call("x").Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != "x" {
		t.Fatalf("expect x, got %s", got)
	}
	if calls.Load() != 3 {
		t.Fatalf("expect 3 attempts, got %d", calls.Load())
	}
}

func TestRetryGivesUp(t *testing.T) {
	boom := errors.New("still down")
	var calls atomic.Int64
	down := endpoint.NewFunc(func(_ context.Context, req string) (string, error) {
		calls.Add(1)
		return "", boom
	})
	ep := Retry[string, string](2, time.Millisecond, nil, zerolog.Nop())(down)

	_, err := ep.Call("x").Await(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expect %v after retries exhausted, got %v", boom, err)
	}
	if calls.Load() != 3 { // initial attempt + 2 retries
		t.Fatalf("expect 3 attempts, got %d", calls.Load())
	}
}

func TestRetrySkipsNonRetryable(t *testing.T) {
	fatal := errors.New("bad request")
	var calls atomic.Int64
	ep := Retry[string, string](3, time.Millisecond, func(err error) bool {
		return !errors.Is(err, fatal)
	}, zerolog.Nop())(endpoint.NewFunc(func(_ context.Context, req string) (string, error) {
		calls.Add(1)
		return "", fatal
	}))

	_, err := ep.Call("x").Await(context.Background())
	if !errors.Is(err, fatal) {
		t.Fatalf("expect %v, got %v", fatal, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expect a single attempt for a non-retryable error, got %d", calls.Load())
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	failing := endpoint.NewFunc(func(_ context.Context, req string) (string, error) {
		if req == "bad" {
			return "", errors.New("boom")
		}
		return req, nil
	})
	ep := Metrics[string, string](reg, "backend-a")(failing)

	if _, err := ep.Call("ok").Await(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := ep.Call("bad").Await(context.Background()); err == nil {
		t.Fatal("expect error for bad request")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{"balance_requests_total", "balance_request_failures_total", "balance_request_duration_seconds"} {
		if !found[name] {
			t.Fatalf("metric %s not registered", name)
		}
	}

	requests, err := testutil.GatherAndCount(reg, "balance_requests_total")
	if err != nil || requests != 1 {
		t.Fatalf("expect one requests_total series, got %d/%v", requests, err)
	}
}
