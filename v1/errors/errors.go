// Package errors holds the sentinel errors shared by the fillcache packages.
// Callers match them with the standard errors.Is.
package errors

import "errors"

var (
	// ErrStoreUnavailable wraps any failure talking to the backing store.
	ErrStoreUnavailable = errors.New("fillcache: store unavailable")
	// ErrNotStored is returned by backends that reject a conditional write.
	ErrNotStored = errors.New("fillcache: not stored")
	// ErrLockTimeout is returned when a lock could not be acquired within MaxWait.
	ErrLockTimeout = errors.New("fillcache: lock wait timeout")
	// ErrRetriesExhausted is returned when the upstream retry policy gives up.
	ErrRetriesExhausted = errors.New("fillcache: upstream retries exhausted")
	// ErrEmptyKey is returned for lookups with an empty key.
	ErrEmptyKey = errors.New("fillcache: empty key")
)
