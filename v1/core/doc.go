// Package core implements the read-through coordinator: a store lookup on
// the fast path and, on a miss, a fill under a per-key store lock with a
// second lookup before going upstream (double-checked locking).
package core
