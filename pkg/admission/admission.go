// Package admission gates every inbound request behind a per-tenant token
// bucket. Burst capacity and steady-state rate are independent knobs:
// burst is the bucket capacity, the refill rate is requests per second.
// Rejected requests never reach the cache or the downstream services.
package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Third-Opinion/FhirRagApi/pkg/observability"
)

// TenantLimit holds the bucket parameters for one tenant
type TenantLimit struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Config defines admission control configuration
type Config struct {
	// Default bucket applied to tenants without an override
	Default TenantLimit `mapstructure:"default"`

	// PerTenant overrides keyed by tenant id
	PerTenant map[string]TenantLimit `mapstructure:"per_tenant"`

	// Cleanup of buckets idle longer than MaxAge
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
}

// DefaultConfig returns default admission control configuration
func DefaultConfig() Config {
	return Config{
		Default: TenantLimit{
			RequestsPerSecond: 100,
			Burst:             200,
		},
		CleanupInterval: 5 * time.Minute,
		MaxAge:          1 * time.Hour,
	}
}

// Decision is the outcome of an admission check
type Decision struct {
	Allowed bool

	// RetryAfter is how long until enough tokens accrue for the rejected
	// cost. Zero on admitted decisions; also zero when the cost exceeds
	// the bucket capacity outright and waiting would never help.
	RetryAfter time.Duration

	Limit     float64
	Burst     int
	Remaining int
}

type bucketEntry struct {
	limiter *rate.Limiter

	// Unix nanos, written atomically under the read lock by concurrent
	// requests; cleanup reads it under the write lock
	lastAccess atomic.Int64
}

func (e *bucketEntry) touch() {
	e.lastAccess.Store(time.Now().UnixNano())
}

// Controller manages one token bucket per tenant. Buckets for different
// tenants never contend; the read-modify-write on a single bucket is
// serialized inside rate.Limiter.
type Controller struct {
	config  Config
	buckets map[string]*bucketEntry
	mu      sync.RWMutex

	logger  observability.Logger
	metrics observability.MetricsClient

	stopClean chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewController creates an admission controller and starts its idle-bucket
// cleanup routine. Call Close to stop it.
func NewController(config Config, logger observability.Logger, metrics observability.MetricsClient) *Controller {
	if logger == nil {
		logger = observability.NewLogger("admission")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 1 * time.Hour
	}

	c := &Controller{
		config:    config,
		buckets:   make(map[string]*bucketEntry),
		logger:    logger,
		metrics:   metrics,
		stopClean: make(chan struct{}),
	}

	c.wg.Add(1)
	go c.cleanupRoutine()

	return c
}

// Admit debits cost tokens from the tenant's bucket. When the bucket holds
// too few tokens the request is rejected with the time until enough tokens
// accrue; the reservation is cancelled so rejected requests consume nothing.
func (c *Controller) Admit(ctx context.Context, tenantID string, cost int) *Decision {
	if cost <= 0 {
		cost = 1
	}

	limit := c.limitFor(tenantID)
	limiter := c.getBucket(tenantID, limit)

	now := time.Now()
	reservation := limiter.ReserveN(now, cost)

	if !reservation.OK() {
		// Cost exceeds bucket capacity; no amount of waiting helps
		c.recordDecision(tenantID, false)
		return &Decision{
			Allowed:   false,
			Limit:     limit.RequestsPerSecond,
			Burst:     limit.Burst,
			Remaining: int(limiter.TokensAt(now)),
		}
	}

	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		c.recordDecision(tenantID, false)
		return &Decision{
			Allowed:    false,
			RetryAfter: delay,
			Limit:      limit.RequestsPerSecond,
			Burst:      limit.Burst,
			Remaining:  0,
		}
	}

	c.recordDecision(tenantID, true)
	return &Decision{
		Allowed:   true,
		Limit:     limit.RequestsPerSecond,
		Burst:     limit.Burst,
		Remaining: int(limiter.TokensAt(now)),
	}
}

// SetTenantLimit installs or replaces a per-tenant override. The tenant's
// bucket is rebuilt on its next request.
func (c *Controller) SetTenantLimit(tenantID string, limit TenantLimit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.PerTenant == nil {
		c.config.PerTenant = make(map[string]TenantLimit)
	}
	c.config.PerTenant[tenantID] = limit
	delete(c.buckets, tenantID)

	c.logger.Info("Tenant admission limit updated", map[string]interface{}{
		"tenant_id":           tenantID,
		"requests_per_second": limit.RequestsPerSecond,
		"burst":               limit.Burst,
	})
}

// Close stops the cleanup routine
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.stopClean)
		c.wg.Wait()
	})
}

func (c *Controller) limitFor(tenantID string) TenantLimit {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if limit, ok := c.config.PerTenant[tenantID]; ok {
		return limit
	}
	return c.config.Default
}

func (c *Controller) getBucket(tenantID string, limit TenantLimit) *rate.Limiter {
	c.mu.RLock()
	if entry, exists := c.buckets[tenantID]; exists {
		// Touch before releasing the lock: cleanup holds the write lock,
		// so it can never evict a bucket between lookup and use
		entry.touch()
		c.mu.RUnlock()
		return entry.limiter
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if entry, exists := c.buckets[tenantID]; exists {
		entry.touch()
		return entry.limiter
	}

	entry := &bucketEntry{
		limiter: rate.NewLimiter(rate.Limit(limit.RequestsPerSecond), limit.Burst),
	}
	entry.touch()
	c.buckets[tenantID] = entry

	return entry.limiter
}

func (c *Controller) cleanupRoutine() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopClean:
			return
		}
	}
}

func (c *Controller) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for tenantID, entry := range c.buckets {
		if now.Sub(time.Unix(0, entry.lastAccess.Load())) > c.config.MaxAge {
			delete(c.buckets, tenantID)
		}
	}

	c.logger.Debug("Admission bucket cleanup completed", map[string]interface{}{
		"remaining_buckets": len(c.buckets),
	})
}

func (c *Controller) recordDecision(tenantID string, allowed bool) {
	outcome := "rejected"
	if allowed {
		outcome = "admitted"
	}
	c.metrics.IncrementCounterWithLabels("admission_decisions_total", 1, map[string]string{
		"tenant_id": tenantID,
		"outcome":   outcome,
	})
	if !allowed {
		c.logger.Debug("Request rejected by admission control", map[string]interface{}{
			"tenant_id": tenantID,
		})
	}
}
