// Package cache provides a small in-process TTL cache.
package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/burhanwani/WhatsAppSimulator/pkg/logger"
)

// MemoryCache is a TTL cache bounded to maxSize entries. When full, the
// oldest entry is evicted.
type MemoryCache[V any] struct {
	mu      sync.Mutex
	data    map[string]*cacheEntry[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
	createdAt time.Time
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache[V any](defaultTTL time.Duration, maxSize int) *MemoryCache[V] {
	return &MemoryCache[V]{
		data:    make(map[string]*cacheEntry[V]),
		ttl:     defaultTTL,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Set stores a value. A zero ttl uses the default.
func (mc *MemoryCache[V]) Set(key string, value V, ttl time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.store(key, value, ttl)
}

// CompareAndSet stores value unless a live entry exists for which replace
// returns false. It reports whether value was stored.
func (mc *MemoryCache[V]) CompareAndSet(key string, value V, ttl time.Duration, replace func(current V) bool) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if entry, ok := mc.data[key]; ok && !mc.now().After(entry.expiresAt) && !replace(entry.value) {
		return false
	}
	mc.store(key, value, ttl)
	return true
}

// store must be called with mc.mu held
func (mc *MemoryCache[V]) store(key string, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = mc.ttl
	}
	if _, exists := mc.data[key]; !exists && mc.maxSize > 0 && len(mc.data) >= mc.maxSize {
		mc.evictOldest()
	}

	now := mc.now()
	mc.data[key] = &cacheEntry[V]{
		value:     value,
		expiresAt: now.Add(ttl),
		createdAt: now,
	}
}

// Get returns the live value stored under key
func (mc *MemoryCache[V]) Get(key string) (V, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	var zero V
	entry, exists := mc.data[key]
	if !exists {
		return zero, false
	}
	if mc.now().After(entry.expiresAt) {
		delete(mc.data, key)
		return zero, false
	}
	return entry.value, true
}

// Delete removes key
func (mc *MemoryCache[V]) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.data, key)
}

// Size returns the current number of entries, expired ones included
func (mc *MemoryCache[V]) Size() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.data)
}

func (mc *MemoryCache[V]) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range mc.data {
		if oldestKey == "" || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
		}
	}

	if oldestKey != "" {
		delete(mc.data, oldestKey)
		logger.Debug("Cache entry evicted",
			zap.String("key", oldestKey),
			zap.Time("created_at", oldestTime))
	}
}

func (mc *MemoryCache[V]) cleanupExpired() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	expired := 0
	for key, entry := range mc.data {
		if now.After(entry.expiresAt) {
			delete(mc.data, key)
			expired++
		}
	}

	if expired > 0 {
		logger.Debug("Expired cache entries cleaned up",
			zap.Int("count", expired),
			zap.Int("remaining", len(mc.data)))
	}
}

// StartCleanup removes expired entries every interval until stop is called
func (mc *MemoryCache[V]) StartCleanup(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				mc.cleanupExpired()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
