package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/Third-Opinion/FhirRagApi/pkg/cachekey"
	"github.com/Third-Opinion/FhirRagApi/pkg/observability"
)

// FillFunc fetches or computes the value for a cache miss. The result must
// be JSON-serializable; it is stored in both tiers and returned to every
// waiter of the fill.
type FillFunc func(ctx context.Context) (any, error)

// TieredConfig holds tiered cache configuration
type TieredConfig struct {
	// LocalMaxEntries bounds the in-process tier
	LocalMaxEntries int `mapstructure:"local_max_entries"`

	// FillTimeout bounds a downstream fetch once it is detached from the
	// originating request
	FillTimeout time.Duration `mapstructure:"fill_timeout"`

	TTL TTLPolicy `mapstructure:"ttl"`
}

// DefaultTieredConfig returns default tiered cache configuration
func DefaultTieredConfig() TieredConfig {
	return TieredConfig{
		LocalMaxEntries: 10000,
		FillTimeout:     30 * time.Second,
		TTL:             DefaultTTLPolicy(),
	}
}

// TieredCache consults the local tier, then the distributed tier, then a
// singleflight-guarded downstream fill. The distributed tier sits behind a
// circuit breaker: any failure there degrades the cache to local-only
// operation and is never surfaced to the caller.
//
// TieredCache owns all entries. Construct one per process and pass it
// explicitly; there is no package-level instance.
type TieredCache struct {
	local  *LocalCache
	remote Cache // nil when the distributed tier is disabled

	policy  TTLPolicy
	timeout time.Duration

	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewTieredCache creates the two-tier cache. A nil remote disables the
// distributed tier entirely.
func NewTieredCache(config TieredConfig, remote Cache, logger observability.Logger, metrics observability.MetricsClient) (*TieredCache, error) {
	if logger == nil {
		logger = observability.NewLogger("cache.tiered")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if config.FillTimeout <= 0 {
		config.FillTimeout = 30 * time.Second
	}

	local, err := NewLocalCache(config.LocalMaxEntries)
	if err != nil {
		return nil, err
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "distributed-cache-tier",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Distributed tier breaker state changed", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})

	return &TieredCache{
		local:   local,
		remote:  remote,
		policy:  config.TTL,
		timeout: config.FillTimeout,
		breaker: breaker,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Get returns the cached entry for key, consulting the local tier first. A
// distributed hit repopulates the local tier.
func (c *TieredCache) Get(ctx context.Context, key cachekey.Key) (*Entry, bool) {
	k := key.String()

	if entry, ok := c.local.Get(k); ok {
		c.recordLookup(key, "local", true)
		return entry, true
	}

	entry, err := c.remoteGet(ctx, k)
	if err != nil {
		if err != ErrNotFound {
			c.degrade("get", k, err)
		}
		c.recordLookup(key, "distributed", false)
		return nil, false
	}
	if entry.Expired(time.Now()) {
		c.recordLookup(key, "distributed", false)
		return nil, false
	}

	c.local.Set(k, entry)
	c.recordLookup(key, "distributed", true)
	return entry, true
}

// GetOrFill returns the cached payload for key, filling both tiers through
// fill on a miss. Concurrent misses for the same key share a single fill;
// every waiter receives the fill's value or its error, and errors are never
// cached. A caller whose context is cancelled abandons only its own wait:
// the fill runs on a detached context and completes for the other waiters.
func (c *TieredCache) GetOrFill(ctx context.Context, key cachekey.Key, fill FillFunc) (json.RawMessage, error) {
	if entry, ok := c.Get(ctx, key); ok {
		return entry.Value, nil
	}

	k := key.String()
	ch := c.group.DoChan(k, func() (any, error) {
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		value, err := fill(fillCtx)
		if err != nil {
			c.metrics.IncrementCounterWithLabels("cache_fill_errors_total", 1, c.labels(key))
			return nil, err
		}

		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		ttl := c.policy.For(key)
		entry := &Entry{
			Value:         data,
			ResourceClass: key.Class,
			CreatedAt:     now,
			ExpiresAt:     now.Add(ttl),
		}
		c.store(fillCtx, k, entry, ttl)
		c.metrics.IncrementCounterWithLabels("cache_fills_total", 1, c.labels(key))

		return entry, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry).Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate removes key from the local tier synchronously and from the
// distributed tier best-effort
func (c *TieredCache) Invalidate(ctx context.Context, key cachekey.Key) {
	k := key.String()
	c.local.Delete(k)

	if err := c.remoteDelete(ctx, k); err != nil {
		c.degrade("invalidate", k, err)
	}
	c.metrics.IncrementCounterWithLabels("cache_invalidations_total", 1, c.labels(key))
}

// InvalidatePrefix removes every entry under prefix from both tiers
func (c *TieredCache) InvalidatePrefix(ctx context.Context, prefix string) {
	c.local.DeletePrefix(prefix)

	if err := c.remoteDeletePrefix(ctx, prefix); err != nil {
		c.degrade("invalidate_prefix", prefix, err)
	}
}

// DropLocal removes key from the local tier only. Used when applying an
// invalidation received from a peer instance, which has already cleared the
// shared tier.
func (c *TieredCache) DropLocal(key string) {
	c.local.Delete(key)
}

// DropLocalPrefix removes every local entry under prefix
func (c *TieredCache) DropLocalPrefix(prefix string) {
	c.local.DeletePrefix(prefix)
}

// LocalLen returns the local tier's entry count
func (c *TieredCache) LocalLen() int {
	return c.local.Len()
}

func (c *TieredCache) store(ctx context.Context, k string, entry *Entry, ttl time.Duration) {
	c.local.Set(k, entry)

	if err := c.remoteSet(ctx, k, entry, ttl); err != nil {
		c.degrade("set", k, err)
	}
}

func (c *TieredCache) remoteGet(ctx context.Context, k string) (*Entry, error) {
	if c.remote == nil {
		return nil, ErrNotFound
	}

	// A miss is a successful round-trip; only transport failures may count
	// against the breaker.
	result, err := c.breaker.Execute(func() (any, error) {
		var entry Entry
		err := c.remote.Get(ctx, k, &entry)
		if err == ErrNotFound {
			return (*Entry)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		return &entry, nil
	})
	if err != nil {
		return nil, err
	}
	entry := result.(*Entry)
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (c *TieredCache) remoteSet(ctx context.Context, k string, entry *Entry, ttl time.Duration) error {
	if c.remote == nil {
		return nil
	}
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.remote.Set(ctx, k, entry, ttl)
	})
	return err
}

func (c *TieredCache) remoteDelete(ctx context.Context, k string) error {
	if c.remote == nil {
		return nil
	}
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.remote.Delete(ctx, k)
	})
	return err
}

func (c *TieredCache) remoteDeletePrefix(ctx context.Context, prefix string) error {
	if c.remote == nil {
		return nil
	}
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.remote.DeleteByPrefix(ctx, prefix)
	})
	return err
}

// degrade logs a distributed-tier failure. The cache keeps serving from
// the local tier and the downstream source; staleness stays bounded by the
// entry TTLs.
func (c *TieredCache) degrade(op, k string, err error) {
	c.logger.Warn("Distributed tier unavailable, serving local-only", map[string]interface{}{
		"operation": op,
		"key":       k,
		"error":     err.Error(),
	})
	c.metrics.IncrementCounterWithLabels("cache_tier_errors_total", 1, map[string]string{
		"operation": op,
	})
}

func (c *TieredCache) recordLookup(key cachekey.Key, tier string, hit bool) {
	name := "cache_misses_total"
	if hit {
		name = "cache_hits_total"
	}
	labels := c.labels(key)
	labels["tier"] = tier
	c.metrics.IncrementCounterWithLabels(name, 1, labels)
}

func (c *TieredCache) labels(key cachekey.Key) map[string]string {
	return map[string]string{
		"tenant_id":      key.Tenant,
		"resource_class": key.Class.String(),
	}
}
