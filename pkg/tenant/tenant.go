// Package tenant maps verified identity claims onto the tenant context used
// to partition cache keys and quota buckets. Claims are trusted as already
// verified by the authentication layer in front of the gateway; this package
// performs no signature checks.
package tenant

import (
	"context"
	"errors"
	"strings"
)

// ErrUnresolvedTenant is returned when the tenant claim is absent or
// malformed. This is a caller-visible condition, not a gateway fault.
var ErrUnresolvedTenant = errors.New("tenant claim missing or malformed")

// Claims holds verified identity claims as supplied by the authentication
// collaborator, JWT-shaped: tenant_id, sub, scope.
type Claims map[string]interface{}

// Context identifies the tenant and caller a request acts on behalf of
type Context struct {
	TenantID    string
	CallerID    string
	Permissions []string
}

// Resolve extracts the tenant context from verified claims. It is a pure
// mapping with no I/O.
func Resolve(claims Claims) (Context, error) {
	tenantID, ok := stringClaim(claims, "tenant_id")
	if !ok || tenantID == "" {
		return Context{}, ErrUnresolvedTenant
	}

	callerID, _ := stringClaim(claims, "sub")

	var permissions []string
	if scope, ok := stringClaim(claims, "scope"); ok && scope != "" {
		permissions = strings.Fields(scope)
	}

	return Context{
		TenantID:    tenantID,
		CallerID:    callerID,
		Permissions: permissions,
	}, nil
}

// HasPermission reports whether the caller holds the given permission
func (c Context) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

func stringClaim(claims Claims, name string) (string, bool) {
	v, ok := claims[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

type contextKey string

const tenantContextKey contextKey = "tenant_context"

// WithContext returns a context carrying the resolved tenant context
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, tenantContextKey, tc)
}

// FromContext retrieves the tenant context stored by WithContext
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(tenantContextKey).(Context)
	return tc, ok
}
