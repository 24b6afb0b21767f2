// Package api is the gateway's HTTP surface. Authentication happens at
// the edge proxy in front of this service; the proxy forwards verified
// identity claims as headers, and this layer only translates them into
// claims for tenant resolution.
package api

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Third-Opinion/FhirRagApi/internal/upstream"
	"github.com/Third-Opinion/FhirRagApi/pkg/cachekey"
	"github.com/Third-Opinion/FhirRagApi/pkg/gateway"
	"github.com/Third-Opinion/FhirRagApi/pkg/observability"
	"github.com/Third-Opinion/FhirRagApi/pkg/tenant"
)

// Headers the auth proxy forwards after verifying the caller
const (
	headerTenant  = "X-Auth-Tenant"
	headerSubject = "X-Auth-Subject"
	headerScope   = "X-Auth-Scope"
)

const maxWriteBody = 4 << 20

// Server handles gateway HTTP traffic
type Server struct {
	orch     *gateway.Orchestrator
	upstream *upstream.Client

	logger  observability.Logger
	metrics observability.MetricsClient

	metricsHandler http.Handler
}

// NewServer creates the HTTP server. metricsHandler may be nil, in which
// case the /metrics route is not registered.
func NewServer(orch *gateway.Orchestrator, up *upstream.Client, logger observability.Logger, metrics observability.MetricsClient, metricsHandler http.Handler) *Server {
	if logger == nil {
		logger = observability.NewLogger("api")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Server{
		orch:           orch,
		upstream:       up,
		logger:         logger,
		metrics:        metrics,
		metricsHandler: metricsHandler,
	}
}

// Router builds the gin engine with all routes registered
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestMetrics())

	router.GET("/healthz", s.handleHealth)
	if s.metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(s.metricsHandler))
	}

	v1 := router.Group("/v1")
	v1.GET("/:class/:id", s.handleGetResource)
	v1.GET("/:class", s.handleSearch)
	v1.PUT("/:class/:id", s.handlePutResource)

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleGetResource(c *gin.Context) {
	class := cachekey.ResourceClass(c.Param("class"))
	id := c.Param("id")

	req := gateway.ReadRequest{Class: class, ID: id}
	payload, err := s.orch.Read(c.Request.Context(), claimsFromHeaders(c), req, func(ctx context.Context) (any, error) {
		return s.upstream.FetchResource(ctx, class, id)
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

func (s *Server) handleSearch(c *gin.Context) {
	class := cachekey.ResourceClass(c.Param("class"))
	filter := filterFromQuery(c)

	req := gateway.ReadRequest{Class: class, Filter: filter}
	payload, err := s.orch.Read(c.Request.Context(), claimsFromHeaders(c), req, func(ctx context.Context) (any, error) {
		return s.upstream.Search(ctx, class, filter)
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

func (s *Server) handlePutResource(c *gin.Context) {
	class := cachekey.ResourceClass(c.Param("class"))
	id := c.Param("id")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWriteBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	req := gateway.WriteRequest{Class: class, ID: id}
	payload, err := s.orch.Write(c.Request.Context(), claimsFromHeaders(c), req, func(ctx context.Context) (any, error) {
		return s.upstream.Put(ctx, class, id, body)
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if payload == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

func (s *Server) writeError(c *gin.Context, err error) {
	var rateLimited *gateway.RateLimitedError
	var downstream *gateway.DownstreamError

	switch {
	case errors.Is(err, tenant.ErrUnresolvedTenant):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "tenant could not be resolved from credentials"})

	case errors.Is(err, gateway.ErrUnknownResourceClass):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown resource class"})

	case errors.As(err, &rateLimited):
		seconds := int(math.Ceil(rateLimited.RetryAfter.Seconds()))
		if seconds > 0 {
			c.Header("Retry-After", strconv.Itoa(seconds))
		}
		c.Header("X-RateLimit-Limit", strconv.FormatFloat(rateLimited.Limit, 'f', -1, 64))
		c.Header("X-RateLimit-Burst", strconv.Itoa(rateLimited.Burst))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})

	case errors.As(err, &downstream):
		var status *upstream.StatusError
		if errors.As(downstream.Err, &status) {
			// Pass upstream client errors through; its 5xx become our 502
			if status.StatusCode >= 400 && status.StatusCode < 500 {
				c.JSON(status.StatusCode, gin.H{"error": http.StatusText(status.StatusCode)})
				return
			}
		}
		s.logger.Error("Downstream call failed", map[string]interface{}{
			"op":    downstream.Op,
			"error": downstream.Err.Error(),
		})
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream unavailable"})

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request cancelled or timed out"})

	default:
		s.logger.Error("Request failed", map[string]interface{}{"error": err.Error()})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := map[string]string{
			"method": c.Request.Method,
			"route":  route,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		s.metrics.IncrementCounterWithLabels("http_requests_total", 1, labels)
		s.metrics.RecordTimer("http_request_duration_seconds", time.Since(start), labels)
	}
}

// claimsFromHeaders rebuilds the verified claim set the auth proxy
// forwards. Resolution and validation happen in the tenant package.
func claimsFromHeaders(c *gin.Context) tenant.Claims {
	claims := tenant.Claims{}
	if v := c.GetHeader(headerTenant); v != "" {
		claims["tenant_id"] = v
	}
	if v := c.GetHeader(headerSubject); v != "" {
		claims["sub"] = v
	}
	if v := c.GetHeader(headerScope); v != "" {
		claims["scope"] = v
	}
	return claims
}

// filterFromQuery lifts the query string into a filter map. Repeated
// parameters become slices so their order never affects the cache key.
func filterFromQuery(c *gin.Context) map[string]any {
	values := c.Request.URL.Query()
	if len(values) == 0 {
		return nil
	}
	filter := make(map[string]any, len(values))
	for field, items := range values {
		if len(items) == 1 {
			filter[field] = items[0]
			continue
		}
		filter[field] = items
	}
	return filter
}
