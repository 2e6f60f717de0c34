package store

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	ferrors "github.com/mirkobrombin/go-fillcache/v1/errors"
)

// Ristretto implements Store on top of dgraph-io/ristretto. Ristretto offers
// no conditional writes, so SetNX and CompareAndDelete are serialized by a
// local mutex: they are atomic within the process only.
//
// Ristretto is a cost-bounded cache: its admission policy may reject a write
// or evict an entry, lock sentinels included, once MaxCost is reached. Writes
// are read back after they settle and a rejected one fails with an error
// wrapping both ErrStoreUnavailable and ErrNotStored. An entry evicted later
// is indistinguishable from an expired one, so size MaxCost well above the
// working set when locks live here.
type Ristretto struct {
	mu sync.Mutex
	c  *ristretto.Cache
}

// RistrettoOption configures the underlying ristretto cache.
type RistrettoOption func(*ristretto.Config)

// WithRistretto applies a custom ristretto configuration.
//
// If cfg is nil, defaults are used.
func WithRistretto(cfg *ristretto.Config) RistrettoOption {
	return func(c *ristretto.Config) {
		if cfg == nil {
			return
		}
		*c = *cfg
	}
}

// NewRistretto returns a Store backed by ristretto.
func NewRistretto(opts ...RistrettoOption) (*Ristretto, error) {
	cfg := &ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     64 << 20,
		BufferItems: 64,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	rc, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, err
	}
	return &Ristretto{c: rc}, nil
}

func (r *Ristretto) get(key string) ([]byte, bool) {
	v, ok := r.c.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// set writes, waits for the buffered write to settle and reads it back, since
// the admission policy may drop a write SetWithTTL already accepted.
func (r *Ristretto) set(key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	v := append([]byte(nil), value...)
	if !r.c.SetWithTTL(key, v, int64(len(v))+int64(len(key)), ttl) {
		return unavailable("set", key, ferrors.ErrNotStored)
	}
	r.c.Wait()
	if cur, ok := r.get(key); !ok || !bytes.Equal(cur, v) {
		return unavailable("set", key, ferrors.ErrNotStored)
	}
	return nil
}

// Get implements Store.Get.
func (r *Ristretto) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, ok := r.get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set implements Store.Set.
func (r *Ristretto) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set(key, value, ttl)
}

// SetNX implements Atomic.SetNX.
func (r *Ristretto) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.get(key); ok {
		return false, nil
	}
	if err := r.set(key, value, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Delete implements Store.Delete.
func (r *Ristretto) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.c.Del(key)
	r.c.Wait()
	r.mu.Unlock()
	return nil
}

// CompareAndDelete implements Releaser.CompareAndDelete.
func (r *Ristretto) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.get(key)
	if !ok || !bytes.Equal(cur, value) {
		return false, nil
	}
	r.c.Del(key)
	r.c.Wait()
	return true, nil
}

// Close releases resources held by the cache.
func (r *Ristretto) Close() {
	r.c.Close()
}
