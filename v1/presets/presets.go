package presets

import (
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-fillcache/v1/core"
	"github.com/mirkobrombin/go-fillcache/v1/lock"
	"github.com/mirkobrombin/go-fillcache/v1/store"
	"github.com/mirkobrombin/go-fillcache/v1/syncbus"
	"github.com/mirkobrombin/go-fillcache/v1/upstream"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis creates a Coordinator that shares values and fill locks through
// Redis, and wakes lock waiters over Redis pub/sub. Every process built this
// way against the same Redis fetches a missing key at most once at a time.
func NewRedis(opts RedisOptions, src upstream.Source) *core.Coordinator {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	s := store.NewRedis(client)
	bus := syncbus.NewRedisBus(client, "")
	locker := lock.New(s, lock.WithBus(bus))

	return core.New(s, upstream.NewFetcher(src), core.WithLocker(locker))
}

// NewInMemory creates a Coordinator that runs entirely in-process with no
// external dependencies. Useful for local development or a single instance.
func NewInMemory(src upstream.Source) *core.Coordinator {
	s := store.NewInMemory()
	locker := lock.New(s, lock.WithBus(syncbus.NewInMemoryBus()))
	return core.New(s, upstream.NewFetcher(src), core.WithLocker(locker), core.WithLocalCoalescing())
}
