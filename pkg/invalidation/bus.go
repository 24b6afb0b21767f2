// Package invalidation propagates write-triggered cache invalidations to
// every gateway instance over a shared Redis pub/sub channel. Delivery is
// best-effort and at-least-once: duplicate messages are idempotent no-ops,
// and a dropped message is bounded in impact by the entry's TTL, so the
// staleness window is always TTL, never unbounded.
package invalidation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Third-Opinion/FhirRagApi/pkg/cachekey"
	"github.com/Third-Opinion/FhirRagApi/pkg/observability"
)

// DefaultChannel is the pub/sub channel shared by all gateway instances
const DefaultChannel = "fhirrag:invalidations"

// Invalidation scopes
const (
	ScopePoint   = "point"   // one resource
	ScopeQueries = "queries" // all cached search results for a class
	ScopeClass   = "class"   // everything a tenant holds for a class
)

// Message is the invalidation fan-out payload
type Message struct {
	Tenant        string                 `json:"tenant"`
	Class         cachekey.ResourceClass `json:"class"`
	Scope         string                 `json:"scope"`
	Discriminator string                 `json:"discriminator,omitempty"`
	Origin        string                 `json:"origin"`
	SentAt        time.Time              `json:"sent_at"`
}

// Applier is the cache surface the bus drives. The publishing instance
// clears both tiers; receiving instances drop only their local tier, the
// shared tier having been cleared at the origin.
type Applier interface {
	Invalidate(ctx context.Context, key cachekey.Key)
	InvalidatePrefix(ctx context.Context, prefix string)
	DropLocal(key string)
	DropLocalPrefix(prefix string)
}

// Bus publishes invalidations to peers and applies the ones they publish
type Bus struct {
	rdb     *redis.Client
	channel string
	origin  string

	applier Applier
	keys    *cachekey.Builder

	logger  observability.Logger
	metrics observability.MetricsClient

	mu        sync.Mutex
	pubsub    *redis.PubSub
	closed    bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBus creates an invalidation bus. The bus does not listen until Start
// is called; Publish works either way. A nil client yields a local-only
// bus: invalidations still apply to this instance but nothing fans out.
func NewBus(rdb *redis.Client, channel string, applier Applier, keys *cachekey.Builder, logger observability.Logger, metrics observability.MetricsClient) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = observability.NewLogger("invalidation.bus")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	return &Bus{
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		applier: applier,
		keys:    keys,
		logger:  logger,
		metrics: metrics,
	}
}

// Publish invalidates one resource: both local tiers are cleared
// synchronously, then the message fans out to peers best-effort. A
// broadcast failure is logged and absorbed; the TTL bounds the resulting
// staleness on peers.
func (b *Bus) Publish(ctx context.Context, tenantID string, class cachekey.ResourceClass, id string) {
	key := b.keys.PointKey(tenantID, class, id)
	b.applier.Invalidate(ctx, key)

	b.broadcast(ctx, Message{
		Tenant:        tenantID,
		Class:         class,
		Scope:         ScopePoint,
		Discriminator: id,
	})
}

// PublishQueries invalidates every cached search result a tenant holds for
// a class. Called alongside Publish on writes, since any write may change
// any search result set of its class.
func (b *Bus) PublishQueries(ctx context.Context, tenantID string, class cachekey.ResourceClass) {
	b.applier.InvalidatePrefix(ctx, b.queriesPrefix(tenantID, class))

	b.broadcast(ctx, Message{
		Tenant: tenantID,
		Class:  class,
		Scope:  ScopeQueries,
	})
}

// PublishClass invalidates everything a tenant holds for a class
func (b *Bus) PublishClass(ctx context.Context, tenantID string, class cachekey.ResourceClass) {
	b.applier.InvalidatePrefix(ctx, b.keys.TenantClassPrefix(tenantID, class))

	b.broadcast(ctx, Message{
		Tenant: tenantID,
		Class:  class,
		Scope:  ScopeClass,
	})
}

// Start launches the subscriber loop. The first subscription attempt runs
// inline; if Redis is unreachable the retry moves to a background
// goroutine with exponential backoff, so startup never blocks on the cache
// plane. Until the subscription lands, peers' invalidations are covered by
// the TTL bound like any other missed delivery. Once subscribed, go-redis
// reconnects the pub/sub connection itself.
func (b *Bus) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)

	if err := b.subscribe(ctx); err != nil {
		b.logger.Warn("Invalidation subscribe failed, retrying in background", map[string]interface{}{
			"error": err.Error(),
		})
		b.wg.Add(1)
		go b.retrySubscribe(ctx)
		return nil
	}

	b.announce()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.listen(ctx)
	}()
	return nil
}

// Close stops the subscriber loop and any pending subscribe retry
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}

		b.mu.Lock()
		b.closed = true
		pubsub := b.pubsub
		b.mu.Unlock()

		if pubsub != nil {
			err = pubsub.Close()
		}
		b.wg.Wait()
	})
	return err
}

func (b *Bus) subscribe(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = pubsub.Close()
		return nil
	}
	b.pubsub = pubsub
	return nil
}

func (b *Bus) retrySubscribe(ctx context.Context) {
	defer b.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // keep trying until Close or ctx cancellation

	notify := func(err error, next time.Duration) {
		b.logger.Warn("Invalidation subscribe failed, will retry", map[string]interface{}{
			"error":      err.Error(),
			"next_retry": next.String(),
		})
	}
	operation := func() error { return b.subscribe(ctx) }

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		b.logger.Warn("Invalidation subscription abandoned", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	b.announce()
	b.listen(ctx)
}

func (b *Bus) announce() {
	b.logger.Info("Invalidation bus listening", map[string]interface{}{
		"channel": b.channel,
		"origin":  b.origin,
	})
}

func (b *Bus) listen(ctx context.Context) {
	b.mu.Lock()
	pubsub := b.pubsub
	b.mu.Unlock()
	if pubsub == nil {
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handle(ctx, msg.Payload)
		}
	}
}

func (b *Bus) handle(ctx context.Context, payload string) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.logger.Warn("Dropping malformed invalidation message", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	// Our own publishes were already applied synchronously
	if msg.Origin == b.origin {
		return
	}

	switch msg.Scope {
	case ScopePoint:
		key := b.keys.PointKey(msg.Tenant, msg.Class, msg.Discriminator)
		b.applier.DropLocal(key.String())
	case ScopeQueries:
		b.applier.DropLocalPrefix(b.queriesPrefix(msg.Tenant, msg.Class))
	case ScopeClass:
		b.applier.DropLocalPrefix(b.keys.TenantClassPrefix(msg.Tenant, msg.Class))
	default:
		b.logger.Warn("Dropping invalidation with unknown scope", map[string]interface{}{
			"scope": msg.Scope,
		})
		return
	}

	b.metrics.IncrementCounterWithLabels("invalidations_received_total", 1, map[string]string{
		"tenant_id":      msg.Tenant,
		"resource_class": msg.Class.String(),
		"scope":          msg.Scope,
	})
}

func (b *Bus) broadcast(ctx context.Context, msg Message) {
	if b.rdb == nil {
		return
	}

	msg.Origin = b.origin
	msg.SentAt = time.Now()

	labels := map[string]string{
		"tenant_id":      msg.Tenant,
		"resource_class": msg.Class.String(),
		"scope":          msg.Scope,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("Failed to marshal invalidation message", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		// Peers fall back to the TTL bound; do not fail the write
		b.logger.Warn("Invalidation delivery failed, relying on TTL bound", map[string]interface{}{
			"error":          err.Error(),
			"tenant_id":      msg.Tenant,
			"resource_class": msg.Class.String(),
			"scope":          msg.Scope,
		})
		b.metrics.IncrementCounterWithLabels("invalidation_delivery_failures_total", 1, labels)
		return
	}

	b.metrics.IncrementCounterWithLabels("invalidations_published_total", 1, labels)
}

func (b *Bus) queriesPrefix(tenantID string, class cachekey.ResourceClass) string {
	return b.keys.TenantClassPrefix(tenantID, class) + "q:"
}
