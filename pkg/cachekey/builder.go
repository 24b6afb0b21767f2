package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// DefaultPrefix is the key namespace shared by all gateway instances
const DefaultPrefix = "fhirrag"

// Key is a composite cache key partitioned by tenant. Two semantically
// identical requests from the same tenant always produce the same Key;
// requests from different tenants never collide.
type Key struct {
	Tenant        string
	Class         ResourceClass
	Discriminator string

	prefix string
}

// String renders the Redis form of the key. The tenant id sits inside a
// hash tag so all of a tenant's keys land on the same cluster slot.
func (k Key) String() string {
	prefix := k.prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s:{%s}:%s:%s", prefix, k.Tenant, k.Class, k.Discriminator)
}

// IsQuery reports whether the key addresses a search result rather than a
// single resource
func (k Key) IsQuery() bool {
	return strings.HasPrefix(k.Discriminator, "q:")
}

// Builder derives cache keys for a fixed key namespace
type Builder struct {
	prefix     string
	normalizer *FilterNormalizer
}

// NewBuilder creates a key builder. An empty prefix selects DefaultPrefix.
func NewBuilder(prefix string) *Builder {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Builder{
		prefix:     prefix,
		normalizer: NewFilterNormalizer(),
	}
}

// PointKey derives the key for a single-resource lookup
func (b *Builder) PointKey(tenantID string, class ResourceClass, id string) Key {
	return Key{
		Tenant:        sanitizeKeyPart(tenantID),
		Class:         class,
		Discriminator: "id:" + sanitizeKeyPart(id),
		prefix:        b.prefix,
	}
}

// QueryKey derives the key for a search lookup from a normalized filter.
// The filter is canonicalized (sorted fields and values) before hashing, so
// equivalent filters hash identically. Collisions are tolerated
// probabilistically; SHA-256 truncated to 128 bits is collision-resistant
// at any realistic cache size.
func (b *Builder) QueryKey(tenantID string, class ResourceClass, filter map[string]interface{}) Key {
	canonical := b.normalizer.Canonical(filter)
	sum := sha256.Sum256([]byte(canonical))
	return Key{
		Tenant:        sanitizeKeyPart(tenantID),
		Class:         class,
		Discriminator: "q:" + hex.EncodeToString(sum[:16]),
		prefix:        b.prefix,
	}
}

// TenantClassPrefix returns the key prefix matching every entry a tenant
// holds for a resource class, used for prefix invalidation.
func (b *Builder) TenantClassPrefix(tenantID string, class ResourceClass) string {
	return fmt.Sprintf("%s:{%s}:%s:", b.prefix, sanitizeKeyPart(tenantID), class)
}

var unsafeKeyChars = regexp.MustCompile(`[\s:{}*?\[\]\\]`)

// sanitizeKeyPart strips characters that carry meaning in Redis key
// patterns or in our own key layout. Tenant ids pass through here too, so
// a crafted tenant id can never widen a SCAN match beyond its own segment.
func sanitizeKeyPart(s string) string {
	return unsafeKeyChars.ReplaceAllString(strings.TrimSpace(s), "_")
}
