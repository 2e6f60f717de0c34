package store

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis implements Store, Atomic and Releaser on a Redis backend.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis returns a Redis store using the provided client. The client's
// lifecycle stays with the caller.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Get implements Store.Get.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", key, err)
	}
	return b, true, nil
}

// Set implements Store.Set.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

// SetNX implements Atomic.SetNX.
func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", key, err)
	}
	return ok, nil
}

// Delete implements Store.Delete.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return unavailable("del", key, err)
	}
	return nil
}

// CompareAndDelete implements Releaser.CompareAndDelete with a Lua script so
// the read and the delete happen atomically on the server.
func (r *Redis) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.client, []string{key}, value).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("compare-and-delete", key, err)
	}
	return n == 1, nil
}
