// Package upstream reads values from the slow remote service fillcache sits in
// front of. A Source performs one remote read; a Fetcher wraps a Source in a
// retry loop governed by a RetryPolicy.
package upstream
