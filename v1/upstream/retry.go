package upstream

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy decides how Fetcher retries failed reads.
type RetryPolicy struct {
	// MaxAttempts caps the number of reads. Zero retries forever, trading
	// bounded latency for never failing a lookup on an upstream outage.
	MaxAttempts int
	// Backoff returns a fresh delay schedule for one Fetch. Nil retries
	// immediately. A schedule returning backoff.Stop ends the loop.
	Backoff func() backoff.BackOff
	// Retryable reports whether a failed read should be retried. Nil uses
	// DefaultRetryable.
	Retryable func(error) bool
}

// DefaultRetryPolicy retries forever with exponential backoff from 100ms up
// to 10s, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Backoff:   ExponentialBackoff(100*time.Millisecond, 10*time.Second),
		Retryable: DefaultRetryable,
	}
}

// ImmediateRetryPolicy retries forever without any delay between reads.
func ImmediateRetryPolicy() RetryPolicy {
	return RetryPolicy{Backoff: NoBackoff(), Retryable: DefaultRetryable}
}

// NoBackoff schedules every retry immediately.
func NoBackoff() func() backoff.BackOff {
	return func() backoff.BackOff { return &backoff.ZeroBackOff{} }
}

// ConstantBackoff waits d between reads.
func ConstantBackoff(d time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff { return backoff.NewConstantBackOff(d) }
}

// ExponentialBackoff doubles the delay from initial up to max, with the
// library's default randomization factor.
func ExponentialBackoff(initial, max time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = max
		b.Reset()
		return b
	}
}

// DefaultRetryable retries transport failures and error statuses. Anything
// else, such as a malformed request, is returned to the caller.
func DefaultRetryable(err error) bool {
	return IsTransport(err) || IsStatus(err)
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable == nil {
		return DefaultRetryable(err)
	}
	return p.Retryable(err)
}

func (p RetryPolicy) schedule() backoff.BackOff {
	if p.Backoff == nil {
		return &backoff.ZeroBackOff{}
	}
	return p.Backoff()
}
