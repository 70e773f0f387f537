// Package cache provides the optional Valkey-backed cache for fulfillment
// summaries, plus the versioned-key scheme used to invalidate a tenant's
// entries without key-pattern scans.
package cache

import (
	"context"
	"errors"
	"time"
)

// Provider defines the cache operations the service needs. Incr exists for
// the per-tenant version counters that replace wildcard invalidation.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider implements Provider but never stores data. Used when caching
// is disabled.
type NoopProvider struct{}

// Get always returns ErrCacheMiss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

// Set discards the value.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// Del is a no-op.
func (NoopProvider) Del(context.Context, string) error { return nil }

// Incr always reports version 1, so versioned keys stay stable when the
// cache is disabled.
func (NoopProvider) Incr(context.Context, string) (int64, error) { return 1, nil }

// Close is a no-op.
func (NoopProvider) Close() error { return nil }
