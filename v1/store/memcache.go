package store

import (
	"context"
	"errors"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// maxRelativeExpiration is the largest expiration memcached reads as a
// relative number of seconds; larger values are unix timestamps.
const maxRelativeExpiration = 30 * 24 * time.Hour

// Memcache implements Store and Atomic on memcached. memcached has no
// compare-and-delete, so lock release through it is a plain delete.
//
// Keys must follow memcached rules: at most 250 bytes, no whitespace or
// control characters.
type Memcache struct {
	client *memcache.Client
	now    func() time.Time
}

// NewMemcache returns a Memcache store using client.
func NewMemcache(client *memcache.Client) *Memcache {
	return &Memcache{client: client, now: time.Now}
}

// expiration converts ttl to memcached's expiration field, rounding partial
// seconds up so a short ttl never turns into "no expiry".
func (m *Memcache) expiration(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	secs := int64((ttl + time.Second - 1) / time.Second)
	if ttl > maxRelativeExpiration {
		return int32(m.now().Unix() + secs)
	}
	return int32(secs)
}

// Get implements Store.Get.
func (m *Memcache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	it, err := m.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", key, err)
	}
	return it.Value, true, nil
}

// Set implements Store.Set.
func (m *Memcache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := m.client.Set(&memcache.Item{Key: key, Value: value, Expiration: m.expiration(ttl)})
	if err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

// SetNX implements Atomic.SetNX using memcached's add command.
func (m *Memcache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := m.client.Add(&memcache.Item{Key: key, Value: value, Expiration: m.expiration(ttl)})
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("add", key, err)
	}
	return true, nil
}

// Delete implements Store.Delete.
func (m *Memcache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := m.client.Delete(key)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return unavailable("delete", key, err)
	}
	return nil
}
