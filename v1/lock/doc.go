// Package lock provides per-key mutual exclusion built on an expiring store.
//
// A lock on key is a sentinel entry stored under "lock:"+key with its own TTL.
// The first caller to write the sentinel holds the lock; others poll until it
// is gone, either released by the holder or expired by the store when the
// holder died without releasing. Because the state lives in the shared store,
// the lock coordinates independent processes, not just goroutines.
//
// Mutual exclusion is only as strong as the store's set-if-absent. Stores
// implementing store.Atomic get an exclusive lock; other stores fall back to
// check-then-set, where two callers can both observe the key absent and both
// write it.
package lock
