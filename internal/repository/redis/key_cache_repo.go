package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/burhanwani/WhatsAppSimulator/internal/database"
	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
)

// DefaultKeyCacheTTL matches the lifetime of a cached public key
const DefaultKeyCacheTTL = time.Hour

// ErrCacheMiss is returned by KeyCacheRepository.Get when nothing is cached
var ErrCacheMiss = errors.New("key cache miss")

// setIfNewerScript writes the record unless the cached one was registered
// later. Times are microseconds so they stay exact as Lua numbers.
var setIfNewerScript = redis.NewScript(`
local at = redis.call('HGET', KEYS[1], 'at')
if at and tonumber(at) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'rec', ARGV[1], 'at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// KeyCacheRepository caches public key records in the hash pubkey:{identity}
// (fields rec and at)
type KeyCacheRepository struct {
	client *database.RedisClient
	ttl    time.Duration
}

// NewKeyCacheRepository creates a new KeyCacheRepository
func NewKeyCacheRepository(client *database.RedisClient, ttl time.Duration) *KeyCacheRepository {
	if ttl <= 0 {
		ttl = DefaultKeyCacheTTL
	}
	return &KeyCacheRepository{client: client, ttl: ttl}
}

func keyCacheKey(identity domain.Identity) string {
	return fmt.Sprintf("pubkey:%s", identity)
}

// Get returns the cached record or ErrCacheMiss
func (r *KeyCacheRepository) Get(ctx context.Context, identity domain.Identity) (*domain.PublicKeyRecord, error) {
	data, err := r.client.SafeHGet(ctx, keyCacheKey(identity), "rec").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to read cached key: %w", err)
	}

	var rec domain.PublicKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode cached key: %w", err)
	}
	return &rec, nil
}

// Set caches rec for the configured TTL unless a record registered later
// is already cached
func (r *KeyCacheRepository) Set(ctx context.Context, rec *domain.PublicKeyRecord) error {
	if r.client.IsDegraded() {
		return fmt.Errorf("key not cached: %w", database.ErrRedisDegraded)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}

	err = setIfNewerScript.Run(ctx, r.client.Client, []string{keyCacheKey(rec.Owner)},
		data, rec.RegisteredAt.UnixMicro(), r.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("failed to cache key: %w", err)
	}
	return nil
}

// Invalidate drops the cached record of identity
func (r *KeyCacheRepository) Invalidate(ctx context.Context, identity domain.Identity) error {
	if err := r.client.SafeDel(ctx, keyCacheKey(identity)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached key: %w", err)
	}
	return nil
}
