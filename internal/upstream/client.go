// Package upstream is the HTTP client for the clinical API the gateway
// shields. Every call is tenant-scoped: the resolved tenant travels on a
// header so the upstream can enforce its own row-level isolation.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/Third-Opinion/FhirRagApi/pkg/cachekey"
	"github.com/Third-Opinion/FhirRagApi/pkg/observability"
	"github.com/Third-Opinion/FhirRagApi/pkg/tenant"
)

const tenantHeader = "X-Tenant-ID"

// StatusError reports a non-2xx upstream response. The gateway surfaces
// the status code to its own caller instead of masking it as a 502.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the upstream clinical API
type Client struct {
	base   *url.URL
	client *http.Client
	logger observability.Logger
}

// NewClient creates an upstream client for the given base URL
func NewClient(baseURL string, timeout time.Duration, logger observability.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL %q: %w", baseURL, err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger("upstream")
	}

	return &Client{
		base:   base,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// FetchResource retrieves a single resource by ID
func (c *Client) FetchResource(ctx context.Context, class cachekey.ResourceClass, id string) (any, error) {
	return c.do(ctx, http.MethodGet, c.resourceURL(class, id), nil)
}

// Search runs a filtered search over a resource class. Filter values may
// be strings or string slices, matching what a query string carries.
func (c *Client) Search(ctx context.Context, class cachekey.ResourceClass, filter map[string]any) (any, error) {
	u := *c.base
	u.Path, _ = url.JoinPath(u.Path, class.String())

	q := u.Query()
	for _, field := range sortedFields(filter) {
		switch v := filter[field].(type) {
		case []string:
			for _, item := range v {
				q.Add(field, item)
			}
		case []any:
			for _, item := range v {
				q.Add(field, fmt.Sprintf("%v", item))
			}
		default:
			q.Add(field, fmt.Sprintf("%v", v))
		}
	}
	u.RawQuery = q.Encode()

	return c.do(ctx, http.MethodGet, u.String(), nil)
}

// Put creates or replaces a resource and returns the upstream's payload
func (c *Client) Put(ctx context.Context, class cachekey.ResourceClass, id string, body []byte) (any, error) {
	return c.do(ctx, http.MethodPut, c.resourceURL(class, id), body)
}

func (c *Client) resourceURL(class cachekey.ResourceClass, id string) string {
	u := *c.base
	u.Path, _ = url.JoinPath(u.Path, class.String(), id)
	return u.String()
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) (any, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tc, ok := tenant.FromContext(ctx); ok {
		req.Header.Set(tenantHeader, tc.TenantID)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Upstream call completed", map[string]interface{}{
		"method":      method,
		"url":         rawURL,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(payload), 512)}
	}

	if len(payload) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("upstream returned invalid JSON: %w", err)
	}
	return decoded, nil
}

func sortedFields(filter map[string]any) []string {
	fields := make([]string, 0, len(filter))
	for field := range filter {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
