package memory

import (
	"context"
	"errors"
	"time"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	"github.com/burhanwani/WhatsAppSimulator/pkg/cache"
)

// ErrKeyCacheMiss is returned by KeyCache.Get when nothing is cached
var ErrKeyCacheMiss = errors.New("key cache miss")

const defaultKeyCacheSize = 10000

// KeyCache is a per-process public key cache for deployments without Redis
type KeyCache struct {
	entries *cache.MemoryCache[domain.PublicKeyRecord]
	stop    func()
}

// NewKeyCache creates a cache holding up to maxSize records for ttl
func NewKeyCache(ttl time.Duration, maxSize int) *KeyCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxSize <= 0 {
		maxSize = defaultKeyCacheSize
	}
	entries := cache.NewMemoryCache[domain.PublicKeyRecord](ttl, maxSize)
	return &KeyCache{entries: entries, stop: entries.StartCleanup(ttl)}
}

// Get returns a copy of the cached record or ErrKeyCacheMiss
func (c *KeyCache) Get(ctx context.Context, identity domain.Identity) (*domain.PublicKeyRecord, error) {
	rec, ok := c.entries.Get(string(identity))
	if !ok {
		return nil, ErrKeyCacheMiss
	}
	return &rec, nil
}

// Set caches rec unless a record registered later is already cached
func (c *KeyCache) Set(ctx context.Context, rec *domain.PublicKeyRecord) error {
	c.entries.CompareAndSet(string(rec.Owner), *rec, 0, func(cur domain.PublicKeyRecord) bool {
		return !cur.RegisteredAt.After(rec.RegisteredAt)
	})
	return nil
}

func (c *KeyCache) Invalidate(ctx context.Context, identity domain.Identity) error {
	c.entries.Delete(string(identity))
	return nil
}

// Close stops the expiry sweeper
func (c *KeyCache) Close() {
	c.stop()
}
