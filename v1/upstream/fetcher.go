package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	ferrors "github.com/mirkobrombin/go-fillcache/v1/errors"
	"github.com/mirkobrombin/go-fillcache/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-fillcache/v1/upstream")

// Fetcher reads a key from a Source, retrying failures per its RetryPolicy.
type Fetcher struct {
	source  Source
	policy  RetryPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) FetcherOption {
	return func(f *Fetcher) { f.policy = p }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMetrics records attempts and failures on m.
func WithMetrics(m *metrics.Metrics) FetcherOption {
	return func(f *Fetcher) { f.metrics = m }
}

// NewFetcher returns a Fetcher reading from src.
func NewFetcher(src Source, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		source: src,
		policy: DefaultRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the value of key. Under the default policy it blocks until a
// read succeeds; it only fails when ctx is done, when the policy classifies
// an error as not retryable, or when MaxAttempts is reached
// (ErrRetriesExhausted wrapping the last failure).
func (f *Fetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "Upstream.Fetch", trace.WithAttributes(attribute.String("fillcache.key", key)))
	defer span.End()

	sched := f.policy.schedule()
	for attempt := 1; ; attempt++ {
		f.metrics.FetchAttempt()
		value, err := f.source.Read(ctx, key)
		if err == nil {
			span.SetAttributes(attribute.Int("fillcache.fetch.attempts", attempt))
			return value, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			span.SetStatus(codes.Error, cerr.Error())
			return nil, cerr
		}
		f.report(key, attempt, err)

		if !f.policy.retryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		delay := sched.NextBackOff()
		if (f.policy.MaxAttempts > 0 && attempt >= f.policy.MaxAttempts) || delay == backoff.Stop {
			err = fmt.Errorf("%w after %d attempts: %w", ferrors.ErrRetriesExhausted, attempt, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if err := sleep(ctx, delay); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
}

func (f *Fetcher) report(key string, attempt int, err error) {
	var se *StatusError
	var te *TransportError
	switch {
	case errors.As(err, &se):
		f.metrics.FetchFailure(metrics.ReasonStatus)
		f.logger.Warn("upstream responded with error", "status", se.Code, "key", key, "attempt", attempt)
	case errors.As(err, &te):
		f.metrics.FetchFailure(metrics.ReasonTransport)
		f.logger.Warn("upstream connection failed", "key", key, "attempt", attempt, "error", te.Err)
	default:
		f.metrics.FetchFailure(metrics.ReasonOther)
		f.logger.Warn("upstream read failed", "key", key, "attempt", attempt, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
