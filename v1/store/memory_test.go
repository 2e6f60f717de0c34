package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInMemoryGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	defer s.Close()

	if err := s.Set(ctx, "foo", []byte("bar"), time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, ok, err := s.Get(ctx, "foo"); err != nil || !ok || string(v) != "bar" {
		t.Fatalf("expected bar, got %q ok %v err %v", v, ok, err)
	}

	time.Sleep(2 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "foo"); ok {
		t.Fatalf("expected key to expire")
	}

	m := s.Metrics()
	if m.Hits != 1 || m.Misses != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}

	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete missing key: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestInMemorySetCopiesValue(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory(WithSweepInterval(0))
	defer s.Close()

	buf := []byte("abc")
	_ = s.Set(ctx, "k", buf, 0)
	buf[0] = 'x'
	v, _, _ := s.Get(ctx, "k")
	if string(v) != "abc" {
		t.Fatalf("stored value aliased caller buffer: %q", v)
	}
}

func TestInMemoryGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory(WithSweepInterval(0))
	defer s.Close()

	_ = s.Set(ctx, "k", []byte("cached"), 0)
	v, _, _ := s.Get(ctx, "k")
	v[0] = 'X'
	if v, _, _ := s.Get(ctx, "k"); string(v) != "cached" {
		t.Fatalf("caller mutation leaked into store: %q", v)
	}
}

func TestInMemorySetNX(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory(WithSweepInterval(0))
	defer s.Close()

	ok, err := s.SetNX(ctx, "lock:k", []byte("a"), 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first setnx: ok %v err %v", ok, err)
	}
	if ok, _ := s.SetNX(ctx, "lock:k", []byte("b"), time.Second); ok {
		t.Fatal("second setnx should fail while key is live")
	}
	time.Sleep(20 * time.Millisecond)
	if ok, _ := s.SetNX(ctx, "lock:k", []byte("c"), time.Second); !ok {
		t.Fatal("setnx should succeed once the entry expired")
	}
}

func TestInMemorySetNXSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory(WithSweepInterval(0))
	defer s.Close()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.SetNX(ctx, "k", []byte("x"), time.Minute); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestInMemoryCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory(WithSweepInterval(0))
	defer s.Close()

	_ = s.Set(ctx, "k", []byte("token-a"), time.Minute)
	if ok, _ := s.CompareAndDelete(ctx, "k", []byte("token-b")); ok {
		t.Fatal("delete with wrong token should not succeed")
	}
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Fatal("entry removed by mismatched token")
	}
	if ok, err := s.CompareAndDelete(ctx, "k", []byte("token-a")); err != nil || !ok {
		t.Fatalf("expected delete, ok %v err %v", ok, err)
	}
}

func TestInMemorySweeper(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory(WithSweepInterval(5 * time.Millisecond))
	defer s.Close()
	if err := s.Set(ctx, "foo", []byte("bar"), 5*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	s.mu.RLock()
	_, ok := s.items["foo"]
	s.mu.RUnlock()
	if ok {
		t.Fatalf("expected key to be swept")
	}
}

func TestInMemoryMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	s := NewInMemory(WithSweepInterval(0), WithMetrics(reg), WithTracing())
	defer s.Close()

	_, _, _ = s.Get(ctx, "missing")
	_ = s.Set(ctx, "k", []byte("v"), 0)
	_, _, _ = s.Get(ctx, "k")

	if got := testutil.ToFloat64(s.hitCounter); got != 1 {
		t.Fatalf("expected 1 hit, got %v", got)
	}
	if got := testutil.ToFloat64(s.missCounter); got != 1 {
		t.Fatalf("expected 1 miss, got %v", got)
	}
}

func TestInMemoryCanceledContext(t *testing.T) {
	s := NewInMemory(WithSweepInterval(0))
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := s.Get(ctx, "k"); err == nil {
		t.Fatal("expected context error")
	}
	if err := s.Set(ctx, "k", nil, 0); err == nil {
		t.Fatal("expected context error")
	}
}
