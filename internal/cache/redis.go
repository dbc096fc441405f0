// Redis-backed cache store for multi-instance deployments.
//
// DESIGN: One key per entry ("c3:entry:<hash>") holding the versioned blob,
// with the per-partition TTL applied as the Redis key TTL. LRU under memory
// pressure is delegated to Redis (maxmemory-policy allkeys-lru); the store
// only enforces TTL and the revocation/refresh bits, which are
// read-modify-write on the blob.
package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/talentwire/extraction-core/internal/config"
	"github.com/talentwire/extraction-core/internal/extraction"
)

const redisKeyPrefix = "c3:entry:"

// RedisStore is a Store backed by a shared Redis.
type RedisStore struct {
	client *redis.Client
	cfg    config.CacheConfig
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg config.CacheConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisStore{client: client, cfg: cfg}, nil
}

func redisKey(contentHash string) string { return redisKeyPrefix + contentHash }

// Get returns the entry, if present.
func (s *RedisStore) Get(ctx context.Context, contentHash string) (*extraction.CacheEntry, bool, error) {
	blob, err := s.client.Get(ctx, redisKey(contentHash)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	entry, err := extraction.DecodeEntry(blob)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// Put stores the entry under the partition's TTL.
func (s *RedisStore) Put(ctx context.Context, entry *extraction.CacheEntry) error {
	blob, err := extraction.EncodeEntry(entry)
	if err != nil {
		return err
	}
	ttl := s.cfg.TTLFor(entry.Fingerprint.PartitionKey)
	return s.client.Set(ctx, redisKey(entry.Fingerprint.ContentHash), blob, ttl).Err()
}

// Touch updates last_verified_at, keeping the remaining TTL. A missing key
// is not an error; the entry may have expired between read and touch.
func (s *RedisStore) Touch(ctx context.Context, contentHash string, at time.Time) error {
	err := s.update(ctx, contentHash, func(e *extraction.CacheEntry) { e.LastVerifiedAt = at })
	if err == redis.Nil {
		return nil
	}
	return err
}

// MarkRevoked sets the revocation bit.
func (s *RedisStore) MarkRevoked(ctx context.Context, contentHash string) (bool, error) {
	err := s.update(ctx, contentHash, func(e *extraction.CacheEntry) { e.Revoked = true })
	if err == redis.Nil {
		return false, nil
	}
	return err == nil, err
}

// MarkRefresh flags the entry for counterfactual rebuild.
func (s *RedisStore) MarkRefresh(ctx context.Context, contentHash string) (bool, error) {
	err := s.update(ctx, contentHash, func(e *extraction.CacheEntry) { e.RefreshRequested = true })
	if err == redis.Nil {
		return false, nil
	}
	return err == nil, err
}

// update is a read-modify-write preserving the key's remaining TTL.
func (s *RedisStore) update(ctx context.Context, contentHash string, mutate func(*extraction.CacheEntry)) error {
	key := redisKey(contentHash)

	blob, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	entry, err := extraction.DecodeEntry(blob)
	if err != nil {
		return err
	}

	mutate(entry)

	out, err := extraction.EncodeEntry(entry)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, out, redis.KeepTTL).Err()
}

// Evict physically removes the key.
func (s *RedisStore) Evict(ctx context.Context, contentHash string) error {
	return s.client.Del(ctx, redisKey(contentHash)).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error { return s.client.Close() }

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
