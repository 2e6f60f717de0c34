// Package store defines the expiring key/value contract fillcache reads and
// writes through, plus the backends that satisfy it: Redis, Memcached, an
// in-process map with a background sweeper, and ristretto.
//
// Every backend treats an entry that is present as fresh. Expiry is the
// backend's job; callers never inspect it.
//
// Locks and values share one flat namespace. Values live under the caller's
// key, lock sentinels under "lock:" + key.
package store
