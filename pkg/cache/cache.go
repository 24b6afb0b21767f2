// Package cache implements the two-tier cache behind the FHIR RAG gateway:
// a fast in-process LRU tier in front of a shared Redis tier, with
// per-resource-class TTLs and singleflight deduplication of cache fills.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is not found in the cache
var ErrNotFound = errors.New("key not found in cache")

// ErrTierUnavailable is returned when the distributed tier cannot be
// reached (or its circuit breaker is open). Callers degrade to the local
// tier; the error is never surfaced to API callers.
var ErrTierUnavailable = errors.New("distributed cache tier unavailable")

// Cache defines the operations the distributed tier must support
type Cache interface {
	Get(ctx context.Context, key string, value any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}
