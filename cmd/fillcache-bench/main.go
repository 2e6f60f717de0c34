// Command fillcache-bench drives concurrent lookups over a small key set
// against a slow fake upstream and reports throughput, latency and how many
// upstream reads the fill locks let through.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-fillcache/v1/core"
	"github.com/mirkobrombin/go-fillcache/v1/presets"
	"github.com/mirkobrombin/go-fillcache/v1/upstream"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent clients")
	requests    = flag.Int("n", 100000, "Total number of requests")
	keys        = flag.Int("k", 100, "Number of distinct keys")
	dataSize    = flag.Int("d", 256, "Value size in bytes")
	delay       = flag.Duration("upstream-delay", 50*time.Millisecond, "Latency of one upstream read")
	redisAddr   = flag.String("redis", "", "Redis address; empty runs in-memory")
)

func main() {
	flag.Parse()

	log.Printf("Starting benchmark: %d requests, %d concurrency, %d keys, %v upstream delay",
		*requests, *concurrency, *keys, *delay)

	val := make([]byte, *dataSize)
	for i := range val {
		val[i] = 'x'
	}

	var reads atomic.Int64
	src := upstream.SourceFunc(func(ctx context.Context, key string) ([]byte, error) {
		reads.Add(1)
		select {
		case <-time.After(*delay):
			return val, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	var c *core.Coordinator
	if *redisAddr != "" {
		log.Printf("Initializing fillcache (Redis at %s)...", *redisAddr)
		c = presets.NewRedis(presets.RedisOptions{Addr: *redisAddr}, src)
	} else {
		log.Println("Initializing fillcache (InMemory)...")
		c = presets.NewInMemory(src)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	var ops, errorsCount atomic.Int64

	start := time.Now()
	reqsPerWorker := *requests / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < reqsPerWorker; j++ {
				key := "bench_" + strconv.Itoa(rand.IntN(*keys))
				if _, err := c.Get(ctx, key); err != nil {
					errorsCount.Add(1)
				}
				ops.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	n := ops.Load()
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f req/s", float64(n)/elapsed.Seconds())
	log.Printf("Avg Latency: %.2f ns", elapsed.Seconds()/float64(n)*1e9)
	log.Printf("Upstream reads: %d for %d keys", reads.Load(), *keys)
	if e := errorsCount.Load(); e > 0 {
		log.Printf("Errors: %d", e)
	}
}
