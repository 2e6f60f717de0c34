package store

import (
	"context"
	"fmt"
	"time"

	ferrors "github.com/mirkobrombin/go-fillcache/v1/errors"
)

// Store is the minimal expiring byte store.
type Store interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	// Transport failures are returned as errors wrapping ErrStoreUnavailable.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key for ttl. A non-positive ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Atomic is implemented by stores offering an atomic set-if-absent.
type Atomic interface {
	Store
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Releaser is implemented by stores that can delete a key only while it still
// holds an expected value.
type Releaser interface {
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %q: %w", ferrors.ErrStoreUnavailable, op, key, err)
}
