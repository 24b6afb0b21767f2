package admission_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Third-Opinion/FhirRagApi/pkg/admission"
	"github.com/Third-Opinion/FhirRagApi/pkg/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newController(t *testing.T, cfg admission.Config) *admission.Controller {
	t.Helper()
	c := admission.NewController(cfg, observability.NewNoopLogger(), nil)
	t.Cleanup(c.Close)
	return c
}

func TestBurstCapacityExhaustion(t *testing.T) {
	cfg := admission.DefaultConfig()
	cfg.Default = admission.TenantLimit{RequestsPerSecond: 1, Burst: 10}
	c := newController(t, cfg)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		d := c.Admit(ctx, "acme", 1)
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
	}

	d := c.Admit(ctx, "acme", 1)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, 500*time.Millisecond)
	assert.LessOrEqual(t, d.RetryAfter, 1100*time.Millisecond)
}

func TestRefillAdmitsExactlyOneMore(t *testing.T) {
	cfg := admission.DefaultConfig()
	cfg.Default = admission.TenantLimit{RequestsPerSecond: 100, Burst: 1}
	c := newController(t, cfg)

	ctx := context.Background()
	require.True(t, c.Admit(ctx, "acme", 1).Allowed)
	require.False(t, c.Admit(ctx, "acme", 1).Allowed)

	// One token accrues after 1/rate seconds
	time.Sleep(15 * time.Millisecond)
	assert.True(t, c.Admit(ctx, "acme", 1).Allowed)
	assert.False(t, c.Admit(ctx, "acme", 1).Allowed)
}

func TestRejectedRequestsConsumeNoTokens(t *testing.T) {
	cfg := admission.DefaultConfig()
	cfg.Default = admission.TenantLimit{RequestsPerSecond: 100, Burst: 1}
	c := newController(t, cfg)

	ctx := context.Background()
	require.True(t, c.Admit(ctx, "acme", 1).Allowed)

	// A burst of rejections must not push the refill horizon out
	for i := 0; i < 20; i++ {
		require.False(t, c.Admit(ctx, "acme", 1).Allowed)
	}

	time.Sleep(15 * time.Millisecond)
	assert.True(t, c.Admit(ctx, "acme", 1).Allowed)
}

func TestCostExceedingCapacityNeverAdmitted(t *testing.T) {
	cfg := admission.DefaultConfig()
	cfg.Default = admission.TenantLimit{RequestsPerSecond: 100, Burst: 5}
	c := newController(t, cfg)

	d := c.Admit(context.Background(), "acme", 6)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.RetryAfter)
}

func TestTenantsDoNotShareBuckets(t *testing.T) {
	cfg := admission.DefaultConfig()
	cfg.Default = admission.TenantLimit{RequestsPerSecond: 1, Burst: 1}
	c := newController(t, cfg)

	ctx := context.Background()
	require.True(t, c.Admit(ctx, "acme", 1).Allowed)
	require.False(t, c.Admit(ctx, "acme", 1).Allowed)

	// A different tenant still has a full bucket
	assert.True(t, c.Admit(ctx, "globex", 1).Allowed)
}

func TestPerTenantOverride(t *testing.T) {
	cfg := admission.DefaultConfig()
	cfg.Default = admission.TenantLimit{RequestsPerSecond: 1, Burst: 1}
	cfg.PerTenant = map[string]admission.TenantLimit{
		"premium": {RequestsPerSecond: 1, Burst: 5},
	}
	c := newController(t, cfg)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.True(t, c.Admit(ctx, "premium", 1).Allowed)
	}
	require.False(t, c.Admit(ctx, "premium", 1).Allowed)

	require.True(t, c.Admit(ctx, "basic", 1).Allowed)
	require.False(t, c.Admit(ctx, "basic", 1).Allowed)
}

func TestSetTenantLimitRebuildsBucket(t *testing.T) {
	cfg := admission.DefaultConfig()
	cfg.Default = admission.TenantLimit{RequestsPerSecond: 1, Burst: 1}
	c := newController(t, cfg)

	ctx := context.Background()
	require.True(t, c.Admit(ctx, "acme", 1).Allowed)
	require.False(t, c.Admit(ctx, "acme", 1).Allowed)

	c.SetTenantLimit("acme", admission.TenantLimit{RequestsPerSecond: 1, Burst: 3})

	for i := 0; i < 3; i++ {
		require.True(t, c.Admit(ctx, "acme", 1).Allowed)
	}
	assert.False(t, c.Admit(ctx, "acme", 1).Allowed)
}

func TestConcurrentAdmitNeverOverruns(t *testing.T) {
	cfg := admission.DefaultConfig()
	// Refill slow enough that no token accrues during the test
	cfg.Default = admission.TenantLimit{RequestsPerSecond: 0.001, Burst: 50}
	c := newController(t, cfg)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Admit(context.Background(), "acme", 1).Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), admitted.Load())
}

func TestDecisionCarriesLimits(t *testing.T) {
	cfg := admission.DefaultConfig()
	cfg.Default = admission.TenantLimit{RequestsPerSecond: 10, Burst: 20}
	c := newController(t, cfg)

	d := c.Admit(context.Background(), "acme", 1)
	require.True(t, d.Allowed)
	assert.Equal(t, float64(10), d.Limit)
	assert.Equal(t, 20, d.Burst)
}

func TestActiveBucketSurvivesCleanup(t *testing.T) {
	cfg := admission.Config{
		Default:         admission.TenantLimit{RequestsPerSecond: 0.001, Burst: 1},
		CleanupInterval: 10 * time.Millisecond,
		MaxAge:          40 * time.Millisecond,
	}
	c := newController(t, cfg)
	ctx := context.Background()

	require.True(t, c.Admit(ctx, "acme", 1).Allowed)

	// Each admit touches the bucket, keeping it younger than MaxAge while
	// cleanup runs; an evicted bucket would come back full and admit again
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		assert.False(t, c.Admit(ctx, "acme", 1).Allowed, "a cleanup ran against an in-use bucket")
		time.Sleep(15 * time.Millisecond)
	}
}

func TestIdleBucketEvictedAfterMaxAge(t *testing.T) {
	cfg := admission.Config{
		Default:         admission.TenantLimit{RequestsPerSecond: 0.001, Burst: 1},
		CleanupInterval: 10 * time.Millisecond,
		MaxAge:          40 * time.Millisecond,
	}
	c := newController(t, cfg)
	ctx := context.Background()

	require.True(t, c.Admit(ctx, "acme", 1).Allowed)
	require.False(t, c.Admit(ctx, "acme", 1).Allowed)

	// Past MaxAge with no traffic the bucket is evicted and rebuilt full.
	// Polling would touch the bucket and reset its idle clock, so wait out
	// several cleanup intervals instead.
	time.Sleep(150 * time.Millisecond)
	require.True(t, c.Admit(ctx, "acme", 1).Allowed)
}
