package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Third-Opinion/FhirRagApi/internal/upstream"
	"github.com/Third-Opinion/FhirRagApi/pkg/admission"
	"github.com/Third-Opinion/FhirRagApi/pkg/cache"
	"github.com/Third-Opinion/FhirRagApi/pkg/cachekey"
	"github.com/Third-Opinion/FhirRagApi/pkg/gateway"
	"github.com/Third-Opinion/FhirRagApi/pkg/invalidation"
	"github.com/Third-Opinion/FhirRagApi/pkg/observability"
)

type fixture struct {
	router       http.Handler
	upstreamHits *atomic.Int64
}

func newFixture(t *testing.T, limits admission.Config, upstreamHandler http.HandlerFunc) *fixture {
	t.Helper()

	var hits atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		upstreamHandler(w, r)
	}))
	t.Cleanup(origin.Close)

	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := observability.NewNoopLogger()
	keys := cachekey.NewBuilder("")

	tiered, err := cache.NewTieredCache(cache.DefaultTieredConfig(), cache.NewRedisCacheFromClient(rdb), logger, nil)
	require.NoError(t, err)

	bus := invalidation.NewBus(rdb, "", tiered, keys, logger, nil)
	t.Cleanup(func() { _ = bus.Close() })

	controller := admission.NewController(limits, logger, nil)
	t.Cleanup(controller.Close)

	up, err := upstream.NewClient(origin.URL, 5*time.Second, logger)
	require.NoError(t, err)

	orch := gateway.NewOrchestrator(controller, tiered, bus, keys, logger, nil)
	server := NewServer(orch, up, logger, nil, nil)

	return &fixture{router: server.Router(), upstreamHits: &hits}
}

func jsonUpstream(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func doRequest(router http.Handler, method, path, tenant string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if tenant != "" {
		req.Header.Set("X-Auth-Tenant", tenant)
		req.Header.Set("X-Auth-Subject", "dr-jones")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestGetResourceCachesAcrossRequests(t *testing.T) {
	f := newFixture(t, admission.DefaultConfig(), jsonUpstream(http.StatusOK, `{"id":"p1","name":"Jane"}`))

	w := doRequest(f.router, http.MethodGet, "/v1/patient/p1", "tenant-a")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"p1","name":"Jane"}`, w.Body.String())

	w = doRequest(f.router, http.MethodGet, "/v1/patient/p1", "tenant-a")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), f.upstreamHits.Load(), "second request should be served from cache")
}

func TestTenantsDoNotShareCacheEntries(t *testing.T) {
	f := newFixture(t, admission.DefaultConfig(), jsonUpstream(http.StatusOK, `{"id":"p1"}`))

	require.Equal(t, http.StatusOK, doRequest(f.router, http.MethodGet, "/v1/patient/p1", "tenant-a").Code)
	require.Equal(t, http.StatusOK, doRequest(f.router, http.MethodGet, "/v1/patient/p1", "tenant-b").Code)
	assert.Equal(t, int64(2), f.upstreamHits.Load())
}

func TestMissingTenantHeaderRejected(t *testing.T) {
	f := newFixture(t, admission.DefaultConfig(), jsonUpstream(http.StatusOK, `{}`))

	w := doRequest(f.router, http.MethodGet, "/v1/patient/p1", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, int64(0), f.upstreamHits.Load())
}

func TestUnknownResourceClassRejected(t *testing.T) {
	f := newFixture(t, admission.DefaultConfig(), jsonUpstream(http.StatusOK, `{}`))

	w := doRequest(f.router, http.MethodGet, "/v1/starship/p1", "tenant-a")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, int64(0), f.upstreamHits.Load())
}

func TestRateLimitedResponseCarriesRetryAfter(t *testing.T) {
	limits := admission.DefaultConfig()
	limits.Default = admission.TenantLimit{RequestsPerSecond: 1, Burst: 2}
	f := newFixture(t, limits, jsonUpstream(http.StatusOK, `{"id":"p1"}`))

	require.Equal(t, http.StatusOK, doRequest(f.router, http.MethodGet, "/v1/patient/p1", "tenant-a").Code)
	require.Equal(t, http.StatusOK, doRequest(f.router, http.MethodGet, "/v1/patient/p1", "tenant-a").Code)

	w := doRequest(f.router, http.MethodGet, "/v1/patient/p1", "tenant-a")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Burst"))

	// One request was cached, so the upstream saw only the first
	assert.Equal(t, int64(1), f.upstreamHits.Load())
}

func TestWriteInvalidatesCachedRead(t *testing.T) {
	var writes atomic.Int64
	f := newFixture(t, admission.DefaultConfig(), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPut {
			writes.Add(1)
			fmt.Fprint(w, `{"id":"p1","name":"Jane Q"}`)
			return
		}
		if writes.Load() > 0 {
			fmt.Fprint(w, `{"id":"p1","name":"Jane Q"}`)
			return
		}
		fmt.Fprint(w, `{"id":"p1","name":"Jane"}`)
	})

	w := doRequest(f.router, http.MethodGet, "/v1/patient/p1", "tenant-a")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(f.router, http.MethodPut, "/v1/patient/p1", "tenant-a")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"p1","name":"Jane Q"}`, w.Body.String())

	w = doRequest(f.router, http.MethodGet, "/v1/patient/p1", "tenant-a")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"p1","name":"Jane Q"}`, w.Body.String(), "read after write must not serve the stale entry")
}

func TestSearchFilterOrderSharesCacheEntry(t *testing.T) {
	f := newFixture(t, admission.DefaultConfig(), jsonUpstream(http.StatusOK, `{"total":2}`))

	require.Equal(t, http.StatusOK, doRequest(f.router, http.MethodGet, "/v1/observation?code=bp&status=final", "tenant-a").Code)
	require.Equal(t, http.StatusOK, doRequest(f.router, http.MethodGet, "/v1/observation?status=final&code=bp", "tenant-a").Code)
	assert.Equal(t, int64(1), f.upstreamHits.Load(), "parameter order must not split the cache")
}

func TestUpstreamClientErrorPassesThrough(t *testing.T) {
	f := newFixture(t, admission.DefaultConfig(), jsonUpstream(http.StatusNotFound, `{"error":"no such patient"}`))

	w := doRequest(f.router, http.MethodGet, "/v1/patient/ghost", "tenant-a")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpstreamServerErrorBecomesBadGateway(t *testing.T) {
	f := newFixture(t, admission.DefaultConfig(), jsonUpstream(http.StatusInternalServerError, `boom`))

	w := doRequest(f.router, http.MethodGet, "/v1/patient/p1", "tenant-a")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	// The failure must not be cached
	doRequest(f.router, http.MethodGet, "/v1/patient/p1", "tenant-a")
	assert.Equal(t, int64(2), f.upstreamHits.Load())
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, admission.DefaultConfig(), jsonUpstream(http.StatusOK, `{}`))

	w := doRequest(f.router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}
