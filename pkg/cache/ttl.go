package cache

import (
	"time"

	"github.com/Third-Opinion/FhirRagApi/pkg/cachekey"
)

// TTLPolicy maps resource classes to entry lifetimes. Point lookups and
// query results carry separate maps: resource identity changes rarely, so
// point entries live longer than search results, whose staleness window
// must stay tight because any write can change the result set.
type TTLPolicy struct {
	Point map[cachekey.ResourceClass]time.Duration `mapstructure:"point"`
	Query map[cachekey.ResourceClass]time.Duration `mapstructure:"query"`

	DefaultPoint time.Duration `mapstructure:"default_point"`
	DefaultQuery time.Duration `mapstructure:"default_query"`
}

// DefaultTTLPolicy returns the stock per-class lifetimes
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Point: map[cachekey.ResourceClass]time.Duration{
			cachekey.ClassPatient:     5 * time.Minute,
			cachekey.ClassEncounter:   5 * time.Minute,
			cachekey.ClassMedication:  5 * time.Minute,
			cachekey.ClassObservation: 2 * time.Minute,
			cachekey.ClassInsight:     10 * time.Minute,
		},
		Query: map[cachekey.ResourceClass]time.Duration{
			cachekey.ClassInsight: 2 * time.Minute,
		},
		DefaultPoint: 5 * time.Minute,
		DefaultQuery: 30 * time.Second,
	}
}

// For resolves the lifetime for a key. Total: unknown classes fall back to
// the defaults for the key's lookup kind.
func (p TTLPolicy) For(key cachekey.Key) time.Duration {
	if key.IsQuery() {
		if ttl, ok := p.Query[key.Class]; ok && ttl > 0 {
			return ttl
		}
		if p.DefaultQuery > 0 {
			return p.DefaultQuery
		}
		return 30 * time.Second
	}

	if ttl, ok := p.Point[key.Class]; ok && ttl > 0 {
		return ttl
	}
	if p.DefaultPoint > 0 {
		return p.DefaultPoint
	}
	return 5 * time.Minute
}
