package store

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-fillcache/v1/store")

// InMemory is a process-local Store with TTL support. It implements Atomic and
// Releaser, so locks built on it are race free within one process.
type InMemory struct {
	mu            sync.RWMutex
	items         map[string]entry
	hits          atomic.Uint64
	misses        atomic.Uint64
	sweepInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	hitCounter     prometheus.Counter
	missCounter    prometheus.Counter
	expiredCounter prometheus.Counter
	latencyHist    prometheus.Histogram
	traceEnabled   bool
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// InMemoryOption configures an InMemory store.
type InMemoryOption func(*InMemory)

// WithSweepInterval sets the interval at which expired items are removed.
// A zero or negative duration disables the background sweeper.
func WithSweepInterval(d time.Duration) InMemoryOption {
	return func(s *InMemory) {
		s.sweepInterval = d
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) InMemoryOption {
	return func(s *InMemory) {
		s.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fillcache_store_hits_total",
			Help: "Total number of in-memory store hits",
		})
		s.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fillcache_store_misses_total",
			Help: "Total number of in-memory store misses",
		})
		s.expiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fillcache_store_expired_total",
			Help: "Total number of in-memory entries dropped after expiry",
		})
		s.latencyHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fillcache_store_latency_seconds",
			Help:    "Latency of in-memory store operations",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(s.hitCounter, s.missCounter, s.expiredCounter, s.latencyHist)
	}
}

// WithTracing enables OpenTelemetry spans for store operations.
func WithTracing() InMemoryOption {
	return func(s *InMemory) {
		s.traceEnabled = true
	}
}

const defaultSweepInterval = time.Minute

// NewInMemory returns a new InMemory store. Unless disabled through
// WithSweepInterval, a background goroutine removes expired entries every
// minute; Close stops it.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	ctx, cancel := context.WithCancel(context.Background())
	s := &InMemory{
		items:         make(map[string]entry),
		sweepInterval: defaultSweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweeper()
	}
	return s
}

// observe starts the optional span and latency measurement for op. The
// returned func ends both and tags the span with result when non-empty.
func (s *InMemory) observe(ctx context.Context, op string) (context.Context, func(result string)) {
	if !s.traceEnabled && s.latencyHist == nil {
		return ctx, func(string) {}
	}
	start := time.Now()
	var span trace.Span
	if s.traceEnabled {
		ctx, span = tracer.Start(ctx, "Store."+op)
	}
	return ctx, func(result string) {
		latency := time.Since(start)
		if s.latencyHist != nil {
			s.latencyHist.Observe(latency.Seconds())
		}
		if span != nil {
			span.SetAttributes(attribute.Int64("fillcache.store.latency_ms", latency.Milliseconds()))
			if result != "" {
				span.SetAttributes(attribute.String("fillcache.store.result", result))
			}
			span.End()
		}
	}
}

// lookup returns the live entry for key, dropping it when expired.
// The caller must hold s.mu.
func (s *InMemory) lookup(key string, now time.Time) (entry, bool) {
	it, ok := s.items[key]
	if !ok {
		return entry{}, false
	}
	if it.expired(now) {
		delete(s.items, key)
		if s.expiredCounter != nil {
			s.expiredCounter.Inc()
		}
		return entry{}, false
	}
	return it, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// Get implements Store.Get. The returned slice is a copy the caller owns.
func (s *InMemory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, done := s.observe(ctx, "Get")
	if err := ctx.Err(); err != nil {
		done("")
		return nil, false, err
	}
	s.mu.Lock()
	it, ok := s.lookup(key, time.Now())
	s.mu.Unlock()
	if !ok {
		s.misses.Add(1)
		if s.missCounter != nil {
			s.missCounter.Inc()
		}
		done("miss")
		return nil, false, nil
	}
	s.hits.Add(1)
	if s.hitCounter != nil {
		s.hitCounter.Inc()
	}
	done("hit")
	return append([]byte(nil), it.value...), true, nil
}

// Set implements Store.Set.
func (s *InMemory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, done := s.observe(ctx, "Set")
	defer done("")
	if err := ctx.Err(); err != nil {
		return err
	}
	v := append([]byte(nil), value...)
	s.mu.Lock()
	s.items[key] = entry{value: v, expiresAt: expiry(ttl)}
	s.mu.Unlock()
	return nil
}

// SetNX implements Atomic.SetNX.
func (s *InMemory) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, done := s.observe(ctx, "SetNX")
	if err := ctx.Err(); err != nil {
		done("")
		return false, err
	}
	v := append([]byte(nil), value...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key, time.Now()); ok {
		done("exists")
		return false, nil
	}
	s.items[key] = entry{value: v, expiresAt: expiry(ttl)}
	done("stored")
	return true, nil
}

// Delete implements Store.Delete.
func (s *InMemory) Delete(ctx context.Context, key string) error {
	ctx, done := s.observe(ctx, "Delete")
	defer done("")
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// CompareAndDelete implements Releaser.CompareAndDelete.
func (s *InMemory) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	ctx, done := s.observe(ctx, "CompareAndDelete")
	defer done("")
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.lookup(key, time.Now())
	if !ok || !bytes.Equal(it.value, value) {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// sweeper periodically removes expired items. Each round samples a bounded
// number of entries and repeats only while a large share of the sample was
// expired, so the map is never locked for long.
func (s *InMemory) sweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	const (
		sampleSize    = 20
		evictionRatio = 0.25
	)

	for {
		select {
		case <-ticker.C:
			for {
				expired, checked := 0, 0
				now := time.Now()
				s.mu.Lock()
				for k, it := range s.items {
					checked++
					if it.expired(now) {
						delete(s.items, k)
						if s.expiredCounter != nil {
							s.expiredCounter.Inc()
						}
						expired++
					}
					if checked >= sampleSize {
						break
					}
				}
				s.mu.Unlock()
				if float64(expired) < float64(sampleSize)*evictionRatio {
					break
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Close terminates the sweeper and drops all entries.
func (s *InMemory) Close() {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	s.items = make(map[string]entry)
	s.mu.Unlock()
}

// Stats reports basic metrics about store usage.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Metrics returns current counters for the store.
func (s *InMemory) Metrics() Stats {
	s.mu.RLock()
	size := len(s.items)
	s.mu.RUnlock()
	return Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Size:   size,
	}
}
