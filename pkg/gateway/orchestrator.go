// Package gateway composes admission control, the tiered cache, and the
// invalidation bus into the single entry point business-logic handlers
// call. The orchestrator never touches resource payloads beyond caching
// them; fetching and writing are callbacks supplied per resource class.
package gateway

import (
	"context"
	"encoding/json"

	"github.com/Third-Opinion/FhirRagApi/pkg/admission"
	"github.com/Third-Opinion/FhirRagApi/pkg/cache"
	"github.com/Third-Opinion/FhirRagApi/pkg/cachekey"
	"github.com/Third-Opinion/FhirRagApi/pkg/invalidation"
	"github.com/Third-Opinion/FhirRagApi/pkg/observability"
	"github.com/Third-Opinion/FhirRagApi/pkg/tenant"
)

// FetchFunc retrieves a resource or search result from the downstream
// data, search, or AI collaborator
type FetchFunc func(ctx context.Context) (any, error)

// WriteFunc applies a mutation downstream and returns its result payload
type WriteFunc func(ctx context.Context) (any, error)

// ReadRequest describes a cacheable lookup. ID selects a point lookup;
// otherwise Filter describes a search.
type ReadRequest struct {
	Class  cachekey.ResourceClass
	ID     string
	Filter map[string]any

	// Cost in admission tokens; zero means 1
	Cost int
}

// WriteRequest describes a mutation of a single resource
type WriteRequest struct {
	Class cachekey.ResourceClass
	ID    string
	Cost  int
}

// Orchestrator wires the gateway core together. Construct one per process
// and inject it into handlers; none of its components are ambient globals.
type Orchestrator struct {
	admission *admission.Controller
	cache     *cache.TieredCache
	bus       *invalidation.Bus
	keys      *cachekey.Builder

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewOrchestrator creates the request orchestrator
func NewOrchestrator(
	admissionCtrl *admission.Controller,
	tieredCache *cache.TieredCache,
	bus *invalidation.Bus,
	keys *cachekey.Builder,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Orchestrator {
	if logger == nil {
		logger = observability.NewLogger("gateway")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Orchestrator{
		admission: admissionCtrl,
		cache:     tieredCache,
		bus:       bus,
		keys:      keys,
		logger:    logger,
		metrics:   metrics,
	}
}

// Read admits the request, then serves it from cache, filling through
// fetch on a miss. Rejected requests never reach the cache or fetch.
func (o *Orchestrator) Read(ctx context.Context, claims tenant.Claims, req ReadRequest, fetch FetchFunc) (json.RawMessage, error) {
	tc, err := tenant.Resolve(claims)
	if err != nil {
		return nil, err
	}
	if !req.Class.Valid() {
		return nil, ErrUnknownResourceClass
	}

	if err := o.admit(ctx, tc.TenantID, req.Cost); err != nil {
		return nil, err
	}

	key := o.readKey(tc.TenantID, req)
	ctx = tenant.WithContext(ctx, tc)

	payload, err := o.cache.GetOrFill(ctx, key, cache.FillFunc(fetch))
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, &DownstreamError{Op: "fetch", Err: err}
	}
	return payload, nil
}

// Write admits the request, applies the mutation downstream, then
// publishes invalidations: the written resource and every cached search
// result of its class, on this instance and on all peers.
func (o *Orchestrator) Write(ctx context.Context, claims tenant.Claims, req WriteRequest, write WriteFunc) (json.RawMessage, error) {
	tc, err := tenant.Resolve(claims)
	if err != nil {
		return nil, err
	}
	if !req.Class.Valid() {
		return nil, ErrUnknownResourceClass
	}

	if err := o.admit(ctx, tc.TenantID, req.Cost); err != nil {
		return nil, err
	}

	ctx = tenant.WithContext(ctx, tc)
	result, err := write(ctx)
	if err != nil {
		return nil, &DownstreamError{Op: "write", Err: err}
	}

	o.bus.Publish(ctx, tc.TenantID, req.Class, req.ID)
	o.bus.PublishQueries(ctx, tc.TenantID, req.Class)

	if result == nil {
		return nil, nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (o *Orchestrator) admit(ctx context.Context, tenantID string, cost int) error {
	decision := o.admission.Admit(ctx, tenantID, cost)
	if decision.Allowed {
		return nil
	}
	return &RateLimitedError{
		RetryAfter: decision.RetryAfter,
		Limit:      decision.Limit,
		Burst:      decision.Burst,
	}
}

func (o *Orchestrator) readKey(tenantID string, req ReadRequest) cachekey.Key {
	if req.ID != "" {
		return o.keys.PointKey(tenantID, req.Class, req.ID)
	}
	return o.keys.QueryKey(tenantID, req.Class, req.Filter)
}
