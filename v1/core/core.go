package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	ferrors "github.com/mirkobrombin/go-fillcache/v1/errors"
	"github.com/mirkobrombin/go-fillcache/v1/lock"
	"github.com/mirkobrombin/go-fillcache/v1/metrics"
	"github.com/mirkobrombin/go-fillcache/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-fillcache/v1/core")

// DefaultTTL is how long a fetched value stays in the store.
const DefaultTTL = 24 * time.Hour

// Fetcher produces the value of a key from upstream. Implementations are
// expected to block until they have a value; see upstream.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, key string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, key string) ([]byte, error) { return f(ctx, key) }

// Coordinator serves lookups from the store and fills misses from upstream,
// making sure concurrent misses on one key trigger a single fetch.
type Coordinator struct {
	store   store.Store
	fetcher Fetcher
	locker  *lock.Locker

	ttl     time.Duration
	lockTTL time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracing bool
	group   *singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context shared by the coalesced callers of one key. It is
// cancelled when the last of them returns.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTTL sets the lifetime of filled values. Defaults to DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithLockTTL sets the lifetime of fill lock sentinels. Defaults to
// lock.DefaultTTL.
func WithLockTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lockTTL = d
		}
	}
}

// WithLocker sets the locker guarding fills. By default a Locker on the
// coordinator's store is created.
func WithLocker(l *lock.Locker) Option {
	return func(c *Coordinator) { c.locker = l }
}

// WithLogger sets the logger used for fill diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records hits, misses and fills on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracing enables OpenTelemetry spans around Get.
func WithTracing() Option {
	return func(c *Coordinator) { c.tracing = true }
}

// WithLocalCoalescing merges concurrent misses on the same key in this process
// before they reach the store lock, saving lock polls when many goroutines
// miss together. Coordination across processes still goes through the lock.
// Each coalesced caller waits on its own context; the shared fill stops only
// once every caller waiting on it has gone.
func WithLocalCoalescing() Option {
	return func(c *Coordinator) {
		c.group = &singleflight.Group{}
		c.flights = make(map[string]*flight)
	}
}

// New returns a Coordinator reading through s and filling from f.
func New(s store.Store, f Fetcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   s,
		fetcher: f,
		ttl:     DefaultTTL,
		lockTTL: lock.DefaultTTL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.locker == nil {
		c.locker = lock.New(s, lock.WithLogger(c.logger), lock.WithMetrics(c.metrics))
	}
	return c
}

// Get returns the value of key.
//
// A fresh store entry is returned without locking. On a miss Get takes the
// fill lock, checks the store again and only then fetches from upstream and
// stores the value. With the default upstream policy a lookup never fails on
// an upstream outage; it waits instead. Errors come from the store
// (ErrStoreUnavailable), from a bounded lock wait (ErrLockTimeout), from a
// bounded retry policy, or from ctx.
func (c *Coordinator) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ferrors.ErrEmptyKey
	}
	var span trace.Span
	if c.tracing {
		ctx, span = tracer.Start(ctx, "Coordinator.Get", trace.WithAttributes(attribute.String("fillcache.key", key)))
		defer span.End()
	}

	value, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, c.fail(span, err)
	}
	if ok {
		c.metrics.Hit()
		c.logger.Debug("get key from cache", "key", key)
		if span != nil {
			span.SetAttributes(attribute.String("fillcache.result", "hit"))
		}
		return value, nil
	}
	c.metrics.Miss()

	if c.group == nil {
		value, err = c.fill(ctx, key)
	} else {
		value, err = c.sharedFill(ctx, key)
	}
	if err != nil {
		return nil, c.fail(span, err)
	}
	if span != nil {
		span.SetAttributes(attribute.String("fillcache.result", "miss"))
	}
	return value, nil
}

// filled is a shared fill's result, tagged with the flight it ran on.
type filled struct {
	value []byte
	fl    *flight
}

// sharedFill joins the in-process fill of key, starting one if needed.
func (c *Coordinator) sharedFill(ctx context.Context, key string) ([]byte, error) {
	for {
		fl := c.join(ctx, key)
		ch := c.group.DoChan(key, func() (any, error) {
			v, err := c.fill(fl.ctx, key)
			return filled{value: v, fl: fl}, err
		})
		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			c.leave(key, fl)
			return nil, ctx.Err()
		}
		c.leave(key, fl)
		f := res.Val.(filled)
		if res.Err != nil {
			// A fill abandoned by all of its earlier callers can still be
			// in the group when a new caller joins; start a fresh one.
			if f.fl != fl && f.fl.ctx.Err() != nil && ctx.Err() == nil {
				continue
			}
			return nil, res.Err
		}
		return f.value, nil
	}
}

func (c *Coordinator) join(ctx context.Context, key string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	fl, ok := c.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = fl
	}
	fl.waiters++
	return fl
}

func (c *Coordinator) leave(key string, fl *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fl.waiters--
	if fl.waiters == 0 {
		fl.cancel()
		if c.flights[key] == fl {
			delete(c.flights, key)
		}
	}
}

// fill runs the locked part of Get: second check, fetch, store.
func (c *Coordinator) fill(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := c.locker.Do(ctx, key, c.lockTTL, func(ctx context.Context) error {
		v, ok, err := c.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			c.metrics.SecondHit()
			c.logger.Debug("get key from cache", "key", key, "filled_by", "concurrent holder")
			value = v
			return nil
		}

		c.logger.Debug("refresh key", "key", key)
		v, err = c.fetcher.Fetch(ctx, key)
		if err != nil {
			return err
		}
		if err := c.store.Set(ctx, key, v, c.ttl); err != nil {
			return err
		}
		c.metrics.Fill()
		c.logger.Debug("add key to cache", "key", key, "ttl", c.ttl)
		value = v
		return nil
	})
	return value, err
}

func (c *Coordinator) fail(span trace.Span, err error) error {
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		c.logger.Error("lookup failed", "error", err)
	}
	return err
}

// Warmup fills keys ahead of traffic. Keys already cached cost one store
// read. It stops at the first error.
func (c *Coordinator) Warmup(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if _, err := c.Get(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
