package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prohmpiriya/conference-registration/pkg/redis"
)

// Deduplicator remembers which messages a consumer already handled so that
// redeliveries are skipped
type Deduplicator interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) error
}

// RedisDeduplicator stores processed keys with a TTL
type RedisDeduplicator struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduplicator creates a Redis-backed deduplicator
func NewRedisDeduplicator(client *redis.Client, prefix string, ttl time.Duration) *RedisDeduplicator {
	if prefix == "" {
		prefix = "registration:processed:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduplicator{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduplicator) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed key: %w", err)
	}
	return n > 0, nil
}

func (d *RedisDeduplicator) MarkProcessed(ctx context.Context, key string) error {
	if err := d.client.SetNX(ctx, d.prefix+key, time.Now().Unix(), d.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark key processed: %w", err)
	}
	return nil
}

// MemoryDeduplicator keeps processed keys in memory until they expire
type MemoryDeduplicator struct {
	mu   sync.Mutex
	ttl  time.Duration
	keys map[string]time.Time
	now  func() time.Time
}

// NewMemoryDeduplicator creates an in-memory deduplicator; ttl <= 0 never expires keys
func NewMemoryDeduplicator(ttl time.Duration) *MemoryDeduplicator {
	return &MemoryDeduplicator{ttl: ttl, keys: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDeduplicator) IsProcessed(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	expires, ok := d.keys[key]
	if !ok {
		return false, nil
	}
	if !expires.IsZero() && d.now().After(expires) {
		delete(d.keys, key)
		return false, nil
	}
	return true, nil
}

func (d *MemoryDeduplicator) MarkProcessed(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var expires time.Time
	if d.ttl > 0 {
		expires = d.now().Add(d.ttl)
	}
	d.keys[key] = expires
	return nil
}

// NoopDeduplicator never reports a message as processed
type NoopDeduplicator struct{}

func (NoopDeduplicator) IsProcessed(ctx context.Context, key string) (bool, error) { return false, nil }
func (NoopDeduplicator) MarkProcessed(ctx context.Context, key string) error       { return nil }
