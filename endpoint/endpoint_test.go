package endpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPromiseResolveAwait(t *testing.T) {
	p := NewPromise[string]()

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Resolve("hello", nil)
	}()

	got, err := p.Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello" {
		t.Fatalf("expect hello, got %s", got)
	}

	// A second Await observes the same outcome
	got, err = p.Await(context.Background())
	if err != nil || got != "hello" {
		t.Fatalf("second await: expect hello/<nil>, got %s/%v", got, err)
	}
}

func TestPromiseResolveOnce(t *testing.T) {
	p := NewPromise[int]()
	p.Resolve(1, nil)
	p.Resolve(2, errors.New("late")) // must be a no-op

	got, err := p.Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Fatalf("expect first resolution to win, got %d", got)
	}
}

func TestPromiseAwaitCancelled(t *testing.T) {
	p := NewPromise[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Await(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
}

func TestPromiseConcurrentAwait(t *testing.T) {
	p := NewPromise[int]()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := p.Await(context.Background())
			if err != nil || got != 42 {
				t.Errorf("expect 42/<nil>, got %d/%v", got, err)
			}
		}()
	}
	p.Resolve(42, nil)
	wg.Wait()
}

func TestResolvedRejected(t *testing.T) {
	got, err := Resolved("ok").Await(context.Background())
	if err != nil || got != "ok" {
		t.Fatalf("expect ok/<nil>, got %s/%v", got, err)
	}

	boom := errors.New("boom")
	_, err = Rejected[string](boom).Await(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expect boom, got %v", err)
	}
}

func TestFunc(t *testing.T) {
	ep := NewFunc(func(_ context.Context, req string) (string, error) {
		return strings.ToUpper(req), nil
	})

	if err := ep.Reserve(context.Background()); err != nil {
		t.Fatal(err)
	}
	ok, err := ep.Ready()
	if !ok || err != nil {
		t.Fatalf("expect ready, got %v/%v", ok, err)
	}

	got, err := ep.Call("ping").Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != "PING" {
		t.Fatalf("expect PING, got %s", got)
	}
}

func TestFuncError(t *testing.T) {
	ep := NewFunc(func(_ context.Context, req int) (int, error) {
		return 0, fmt.Errorf("no handler for %d", req)
	})

	_, err := ep.Call(7).Await(context.Background())
	if err == nil {
		t.Fatal("expect error from handler")
	}
}
