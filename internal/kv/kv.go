// Package kv is the persistence layer for SubLinks.
//
// Design goals:
// - embed-friendly (no external service)
// - point lookups plus a prefix scan for listing override sets
// - optional per-key expiry for the base-document cache slot
//
// Implementations must be concurrency-safe.
package kv

import "context"

// Store is a string key-value store with optional expiry.
//
// Get reports found=false for missing and expired keys alike. Scan returns
// every live key with the given prefix; callers keep prefixes disjoint so a
// scan can never pick up foreign records.
type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	SetTTL(ctx context.Context, key, value string, ttlSeconds int64) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string) (map[string]string, error)
	Close() error
}
