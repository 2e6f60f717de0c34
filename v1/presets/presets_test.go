package presets

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-fillcache/v1/upstream"
)

func countingSource(calls *atomic.Int32) upstream.Source {
	return upstream.SourceFunc(func(ctx context.Context, key string) ([]byte, error) {
		calls.Add(1)
		return []byte("v-" + key), nil
	})
}

func TestNewInMemory(t *testing.T) {
	var calls atomic.Int32
	c := NewInMemory(countingSource(&calls))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := c.Get(ctx, "foo")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(v) != "v-foo" {
			t.Fatalf("unexpected value %s", v)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected one upstream read, got %d", n)
	}
}

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	var calls atomic.Int32
	src := countingSource(&calls)
	a := NewRedis(RedisOptions{Addr: mr.Addr()}, src)
	b := NewRedis(RedisOptions{Addr: mr.Addr()}, src)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		c := a
		if i%2 == 1 {
			c = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(ctx, "foo")
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			if string(v) != "v-foo" {
				t.Errorf("unexpected value %s", v)
			}
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("expected one upstream read across instances, got %d", n)
	}
	if got, err := mr.Get("foo"); err != nil || got != "v-foo" {
		t.Fatalf("expected value in redis, got %q %v", got, err)
	}
}
