// Package cache provides the Redis-backed stores that sit beside the job
// queue: a JSON value cache, a first-delivery dedupe marker for bus
// events, and a short-lived contact cache for recipient enrichment.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/venuetix/notification-service/internal/notification"
	"github.com/venuetix/notification-service/internal/telemetry"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache: key not found")

// Key prefixes, namespaced alongside the queue keys.
const (
	keyCachePrefix   = "notifications:cache:"
	keyDedupePrefix  = "notifications:dedupe:event:"
	keyContactPrefix = "notifications:contacts:"
)

// ContactCacheTTL bounds how long enriched recipient contacts are reused
// before the contacts service is asked again.
const ContactCacheTTL = 15 * time.Minute

// NewClient connects to Redis from a connection URL and verifies the
// connection before returning.
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// Store provides JSON value caching and one-shot markers on Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a Store from an existing client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// SetJSON stores a JSON-encoded value with a TTL.
func (s *Store) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	if err := s.client.Set(ctx, keyCachePrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache key: %w", err)
	}

	return nil
}

// GetJSON retrieves and decodes a cached value into dest.
func (s *Store) GetJSON(ctx context.Context, key string, dest interface{}) error {
	val, err := s.client.Get(ctx, keyCachePrefix+key).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get cache key: %w", err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}

	return nil
}

// Delete removes a cached value.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyCachePrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key: %w", err)
	}
	return nil
}

// MarkOnce sets a marker if absent. Returns true when this call created
// the marker, false when it already existed.
func (s *Store) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	created, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set marker: %w", err)
	}
	return created, nil
}

// HealthCheck verifies Redis connectivity.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// EventDedupe suppresses duplicate bus deliveries inside a window. The
// marker is keyed by event ID so redeliveries across consumer restarts
// are still caught.
type EventDedupe struct {
	store *Store
	ttl   time.Duration
}

// NewEventDedupe creates an EventDedupe with the given window.
func NewEventDedupe(store *Store, ttl time.Duration) *EventDedupe {
	return &EventDedupe{store: store, ttl: ttl}
}

// FirstDelivery reports whether this is the first time the event ID has
// been seen inside the dedupe window.
func (d *EventDedupe) FirstDelivery(ctx context.Context, eventID string) (bool, error) {
	return d.store.MarkOnce(ctx, keyDedupePrefix+eventID, d.ttl)
}

// ContactCache holds enriched recipient contacts so a burst of events for
// the same user does not hammer the contacts service.
type ContactCache struct {
	store *Store
	ttl   time.Duration
}

// NewContactCache creates a ContactCache with the default TTL.
func NewContactCache(store *Store) *ContactCache {
	return &ContactCache{store: store, ttl: ContactCacheTTL}
}

func contactKey(tenantID, userID string) string {
	return fmt.Sprintf("%s%s:%s", keyContactPrefix, tenantID, userID)
}

// Get returns the cached recipient for a tenant-scoped user, if present.
func (c *ContactCache) Get(ctx context.Context, tenantID, userID string) (*notification.Recipient, bool) {
	var recipient notification.Recipient
	err := c.store.GetJSON(ctx, contactKey(tenantID, userID), &recipient)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
				"tenant_id": tenantID,
				"error":     err.Error(),
			}).Warn("Contact cache read failed")
		}
		return nil, false
	}
	return &recipient, true
}

// Put caches a recipient for a tenant-scoped user.
func (c *ContactCache) Put(ctx context.Context, tenantID, userID string, recipient notification.Recipient) {
	err := c.store.SetJSON(ctx, contactKey(tenantID, userID), recipient, c.ttl)
	if err != nil {
		telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
			"tenant_id": tenantID,
			"error":     err.Error(),
		}).Warn("Contact cache write failed")
	}
}
