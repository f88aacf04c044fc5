// Package cache is the best-effort read-path accelerator: a TTL-keyed value
// store plus atomic counters and session blobs over an external in-memory
// data store. It is never a hard dependency; when the store is absent or
// unreachable every operation degrades to ErrUnavailable and the caller
// serves from the source of truth.
package cache
