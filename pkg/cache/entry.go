package cache

import (
	"encoding/json"
	"time"

	"github.com/Third-Opinion/FhirRagApi/pkg/cachekey"
)

// Entry is the envelope stored in both cache tiers. The tiered cache owns
// every entry; callers receive only the serialized payload.
type Entry struct {
	Value         json.RawMessage        `json:"value"`
	ResourceClass cachekey.ResourceClass `json:"resource_class"`
	CreatedAt     time.Time              `json:"created_at"`
	ExpiresAt     time.Time              `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at the given time
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}
