package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Third-Opinion/FhirRagApi/pkg/admission"
	"github.com/Third-Opinion/FhirRagApi/pkg/cache"
	"github.com/Third-Opinion/FhirRagApi/pkg/cachekey"
)

// Config is the full gateway configuration surface
type Config struct {
	Server struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"server"`

	Upstream struct {
		// BaseURL of the clinical API the gateway shields
		BaseURL string        `mapstructure:"base_url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"upstream"`

	// KeyPrefix namespaces every cache key and defaults to the shared
	// gateway prefix
	KeyPrefix string `mapstructure:"key_prefix"`

	Redis cache.RedisConfig `mapstructure:"redis"`

	// DistributedEnabled toggles the Redis tier; when false the gateway
	// runs local-tier-only and skips peer invalidation
	DistributedEnabled bool `mapstructure:"distributed_enabled"`

	Cache struct {
		LocalMaxEntries int           `mapstructure:"local_max_entries"`
		FillTimeout     time.Duration `mapstructure:"fill_timeout"`

		// TTLs keyed by resource class name; unknown names are rejected
		PointTTL map[string]time.Duration `mapstructure:"point_ttl"`
		QueryTTL map[string]time.Duration `mapstructure:"query_ttl"`

		DefaultPointTTL time.Duration `mapstructure:"default_point_ttl"`
		DefaultQueryTTL time.Duration `mapstructure:"default_query_ttl"`
	} `mapstructure:"cache"`

	Admission admission.Config `mapstructure:"admission"`

	InvalidationChannel string `mapstructure:"invalidation_channel"`

	LogLevel string `mapstructure:"log_level"`
}

// LoadConfig reads configuration from an optional YAML file and the
// environment (FHIRRAG_ prefix, dots and dashes as underscores). Settings
// absent from both fall back to defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("upstream.base_url", "http://localhost:9090")
	v.SetDefault("upstream.timeout", 15*time.Second)
	v.SetDefault("key_prefix", cachekey.DefaultPrefix)
	v.SetDefault("distributed_enabled", true)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("cache.local_max_entries", 10000)
	v.SetDefault("cache.fill_timeout", 30*time.Second)
	v.SetDefault("cache.default_point_ttl", 5*time.Minute)
	v.SetDefault("cache.default_query_ttl", 30*time.Second)
	v.SetDefault("admission.default.requests_per_second", 100)
	v.SetDefault("admission.default.burst", 200)
	v.SetDefault("admission.cleanup_interval", 5*time.Minute)
	v.SetDefault("admission.max_age", time.Hour)
	v.SetDefault("invalidation_channel", "fhirrag:invalidations")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("FHIRRAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for name := range c.Cache.PointTTL {
		if !cachekey.ResourceClass(name).Valid() {
			return fmt.Errorf("%w: %q in cache.point_ttl", ErrUnknownResourceClass, name)
		}
	}
	for name := range c.Cache.QueryTTL {
		if !cachekey.ResourceClass(name).Valid() {
			return fmt.Errorf("%w: %q in cache.query_ttl", ErrUnknownResourceClass, name)
		}
	}
	if c.Admission.Default.Burst <= 0 {
		return fmt.Errorf("admission.default.burst must be positive")
	}
	if c.Admission.Default.RequestsPerSecond <= 0 {
		return fmt.Errorf("admission.default.requests_per_second must be positive")
	}
	return nil
}

// TieredConfig converts the cache section into the tiered cache's
// configuration, merging configured per-class TTLs over the defaults
func (c *Config) TieredConfig() cache.TieredConfig {
	tiered := cache.DefaultTieredConfig()
	tiered.LocalMaxEntries = c.Cache.LocalMaxEntries
	tiered.FillTimeout = c.Cache.FillTimeout

	if c.Cache.DefaultPointTTL > 0 {
		tiered.TTL.DefaultPoint = c.Cache.DefaultPointTTL
	}
	if c.Cache.DefaultQueryTTL > 0 {
		tiered.TTL.DefaultQuery = c.Cache.DefaultQueryTTL
	}
	for name, ttl := range c.Cache.PointTTL {
		tiered.TTL.Point[cachekey.ResourceClass(name)] = ttl
	}
	for name, ttl := range c.Cache.QueryTTL {
		tiered.TTL.Query[cachekey.ResourceClass(name)] = ttl
	}
	return tiered
}
