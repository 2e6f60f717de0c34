package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-fillcache/v1/config"
	"github.com/mirkobrombin/go-fillcache/v1/core"
	"github.com/mirkobrombin/go-fillcache/v1/lock"
	"github.com/mirkobrombin/go-fillcache/v1/metrics"
	"github.com/mirkobrombin/go-fillcache/v1/store"
	"github.com/mirkobrombin/go-fillcache/v1/syncbus"
	"github.com/mirkobrombin/go-fillcache/v1/upstream"
)

// healthKey is read by the health check. It is never written.
const healthKey = "fillcache:healthz"

// app holds every component of a running fillcache process.
type app struct {
	coord    *core.Coordinator
	store    store.Store
	registry *prometheus.Registry
	closers  []func() error
}

// build wires the store backend, unlock bus, locker, upstream fetcher and
// coordinator described by cfg.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{registry: metrics.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	if cfg.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		a.closers = append(a.closers, func() error { return tp.Shutdown(context.Background()) })
	}

	var bus syncbus.Bus
	switch cfg.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		a.store = store.NewRedis(client)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable at startup", "addr", cfg.Redis.Addr, "error", err)
		}
		if cfg.Lock.Notify {
			bus = syncbus.NewRedisBus(client, "")
		}
	case config.BackendMemcache:
		a.store = store.NewMemcache(memcache.New(cfg.Memcache.Servers...))
		logger.Debug("memcache backend has no pub/sub, lock waiters poll only")
	case config.BackendMemory:
		opts := []store.InMemoryOption{store.WithMetrics(a.registry)}
		if cfg.Trace {
			opts = append(opts, store.WithTracing())
		}
		s := store.NewInMemory(opts...)
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		a.store = s
		if cfg.Lock.Notify {
			bus = syncbus.NewInMemoryBus()
		}
	case config.BackendRistretto:
		s, err := store.NewRistretto()
		if err != nil {
			return nil, fmt.Errorf("ristretto: %w", err)
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		a.store = s
		if cfg.Lock.Notify {
			bus = syncbus.NewInMemoryBus()
		}
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	lockOpts := []lock.Option{
		lock.WithPollInterval(cfg.Lock.PollInterval.Std()),
		lock.WithMaxWait(cfg.Lock.MaxWait.Std()),
		lock.WithLogger(logger),
		lock.WithMetrics(m),
	}
	if bus != nil {
		lockOpts = append(lockOpts, lock.WithBus(bus))
	}
	locker := lock.New(a.store, lockOpts...)

	fetcher, err := newFetcher(cfg.Upstream, logger, m)
	if err != nil {
		return nil, err
	}

	coordOpts := []core.Option{
		core.WithTTL(cfg.TTL.Std()),
		core.WithLockTTL(cfg.Lock.TTL.Std()),
		core.WithLocker(locker),
		core.WithLogger(logger),
		core.WithMetrics(m),
	}
	if cfg.Coalesce {
		coordOpts = append(coordOpts, core.WithLocalCoalescing())
	}
	if cfg.Trace {
		coordOpts = append(coordOpts, core.WithTracing())
	}
	a.coord = core.New(a.store, fetcher, coordOpts...)

	logger.Debug("fillcache ready",
		"backend", cfg.Backend,
		"upstream", cfg.Upstream.URL,
		"ttl", cfg.TTL.Std(),
		"lock_ttl", cfg.Lock.TTL.Std(),
		"notify", bus != nil,
	)
	return a, nil
}

func newFetcher(cfg config.Upstream, logger *slog.Logger, m *metrics.Metrics) (*upstream.Fetcher, error) {
	src, err := upstream.NewHTTPSource(cfg.URL,
		upstream.WithParam(cfg.Param),
		upstream.WithRequestTimeout(cfg.Timeout.Std()),
	)
	if err != nil {
		return nil, err
	}
	return upstream.NewFetcher(src,
		upstream.WithRetryPolicy(retryPolicy(cfg)),
		upstream.WithLogger(logger),
		upstream.WithMetrics(m),
	), nil
}

// retryPolicy maps the upstream config onto a RetryPolicy. A zero initial
// backoff retries immediately.
func retryPolicy(cfg config.Upstream) upstream.RetryPolicy {
	p := upstream.DefaultRetryPolicy()
	p.MaxAttempts = cfg.MaxAttempts
	initial, ceiling := cfg.InitialBackoff.Std(), cfg.MaxBackoff.Std()
	if initial <= 0 {
		p.Backoff = upstream.NoBackoff()
		return p
	}
	if ceiling < initial {
		ceiling = initial
	}
	p.Backoff = upstream.ExponentialBackoff(initial, ceiling)
	return p
}

// health reads a key that is never written, which is enough to prove the
// store answers.
func (a *app) health(ctx context.Context) error {
	_, _, err := a.store.Get(ctx, healthKey)
	return err
}

// Close releases every resource build opened, in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
