package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	ferrors "github.com/mirkobrombin/go-fillcache/v1/errors"
	"github.com/mirkobrombin/go-fillcache/v1/metrics"
	"github.com/mirkobrombin/go-fillcache/v1/store"
	"github.com/mirkobrombin/go-fillcache/v1/syncbus"
)

const (
	// DefaultTTL bounds how long a crashed holder can block other callers.
	DefaultTTL = 60 * time.Second
	// DefaultPollInterval is the delay between two checks of a held lock.
	DefaultPollInterval = 100 * time.Millisecond

	// Prefix is prepended to a key to form its lock name.
	Prefix = "lock:"

	releaseTimeout = 5 * time.Second
)

// Name returns the store key of the sentinel guarding key.
func Name(key string) string {
	return Prefix + key
}

func unlockTopic(key string) string {
	return "unlock:" + key
}

// Locker hands out store backed locks.
type Locker struct {
	store    store.Store
	atomic   store.Atomic
	releaser store.Releaser
	bus      syncbus.Bus

	pollInterval time.Duration
	maxWait      time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// Option configures a Locker.
type Option func(*Locker)

// WithBus wakes waiters through bus as soon as a holder releases, instead of
// on the next poll.
func WithBus(bus syncbus.Bus) Option {
	return func(l *Locker) { l.bus = bus }
}

// WithPollInterval sets the delay between two checks of a held lock.
func WithPollInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// WithMaxWait bounds Acquire. Zero waits until the context is done.
func WithMaxWait(d time.Duration) Option {
	return func(l *Locker) { l.maxWait = d }
}

// WithLogger sets the logger used for lock diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records acquisitions and wait times on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Locker) { l.metrics = m }
}

// New returns a Locker storing its sentinels in s.
func New(s store.Store, opts ...Option) *Locker {
	l := &Locker{
		store:        s,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}
	l.atomic, _ = s.(store.Atomic)
	l.releaser, _ = s.(store.Releaser)
	for _, opt := range opts {
		opt(l)
	}
	if l.atomic == nil {
		l.logger.Warn("store has no atomic set-if-absent, fill locks are not exclusive under races",
			"store", fmt.Sprintf("%T", s))
	}
	return l
}

// Handle is a held lock. Release it exactly once; further calls are no-ops.
type Handle struct {
	l        *Locker
	key      string
	name     string
	token    []byte
	released atomic.Bool
}

// Key returns the key the lock guards.
func (h *Handle) Key() string { return h.key }

// TryLock makes one attempt to take the lock on key for ttl. A non-positive
// ttl selects DefaultTTL: a lock without expiry would defeat the dead holder
// failsafe.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (*Handle, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	name := Name(key)
	token := []byte(uuid.NewString())
	if l.atomic != nil {
		ok, err := l.atomic.SetNX(ctx, name, token, ttl)
		if err != nil || !ok {
			return nil, false, err
		}
	} else {
		_, held, err := l.store.Get(ctx, name)
		if err != nil || held {
			return nil, false, err
		}
		if err := l.store.Set(ctx, name, token, ttl); err != nil {
			return nil, false, err
		}
	}
	return &Handle{l: l, key: key, name: name, token: token}, true, nil
}

// Acquire blocks until the lock on key is taken, the context is done, or the
// configured MaxWait elapses (ErrLockTimeout). Waiting yields on a ticker and,
// with a bus, on release notifications; it never spins.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	start := time.Now()
	var (
		ticker   *time.Ticker
		deadline <-chan time.Time
		notify   chan struct{}
	)
	for {
		h, ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			l.metrics.LockAcquire(time.Since(start).Seconds())
			return h, nil
		}
		if ticker == nil {
			l.logger.Debug("lock is held, waiting", "lock", Name(key))
			ticker = time.NewTicker(l.pollInterval)
			defer ticker.Stop()
			if l.maxWait > 0 {
				timer := time.NewTimer(l.maxWait)
				defer timer.Stop()
				deadline = timer.C
			}
			if l.bus != nil {
				subCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				if ch, err := l.bus.Subscribe(subCtx, unlockTopic(key)); err == nil {
					notify = ch
				} else {
					l.logger.Debug("unlock notifications unavailable, polling only", "lock", Name(key), "error", err)
				}
			}
		}
		select {
		case <-ticker.C:
		case _, open := <-notify:
			if !open {
				notify = nil
			}
		case <-deadline:
			return nil, fmt.Errorf("%w: %s after %s", ferrors.ErrLockTimeout, Name(key), l.maxWait)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release deletes the sentinel. With a store.Releaser the delete only happens
// while the sentinel still carries this handle's token, so a holder whose
// lock already expired cannot remove a successor's lock.
func (h *Handle) Release(ctx context.Context) error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	l := h.l
	var err error
	if l.releaser != nil {
		var deleted bool
		deleted, err = l.releaser.CompareAndDelete(ctx, h.name, h.token)
		if err == nil && !deleted {
			l.logger.Warn("lock expired before release", "lock", h.name)
		}
	} else {
		err = l.store.Delete(ctx, h.name)
	}
	if err != nil {
		h.released.Store(false)
		return err
	}
	if l.bus != nil {
		if err := l.bus.Publish(ctx, unlockTopic(h.key)); err != nil {
			l.logger.Debug("unlock notification failed", "lock", h.name, "error", err)
		}
	}
	return nil
}

// Do runs fn while holding the lock on key. The lock is released on every
// exit path of fn, including errors and panics. Release runs on a context
// detached from ctx's cancellation; when it fails the error is logged and the
// sentinel's TTL reclaims the lock.
func (l *Locker) Do(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	h, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := h.Release(rctx); err != nil {
			l.logger.Warn("lock release failed", "lock", h.name, "error", err)
		}
	}()
	return fn(ctx)
}
