package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// RedisClient wraps Redis client with degraded mode support.
// Callers that can live without Redis (caches, revocation lookups) use the
// Safe* methods, which fail fast while Redis is marked degraded.
type RedisClient struct {
	Client         *redis.Client
	degradedMode   bool
	degradedModeMu sync.RWMutex
	healthCheckMu  sync.Mutex
}

var (
	redisDegradedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_redis_degraded",
		Help: "1 while the last Redis health check failed.",
	})
	redisHealthChecks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_redis_health_checks_total",
		Help: "Redis health checks performed.",
	})
	redisMetricsOnce sync.Once
)

// InitRedisMetrics registers the Redis metrics with the default registry.
// Call it once from main before serving /metrics.
func InitRedisMetrics() {
	redisMetricsOnce.Do(func() {
		prometheus.MustRegister(redisDegradedGauge, redisHealthChecks)
	})
}

// NewRedisDB creates a new Redis client from config and verifies it answers
func NewRedisDB(ctx context.Context, cfg *RedisConfig) (*RedisClient, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		DialTimeout:  timeout,
		MaxRetries:   3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{Client: client}, nil
}

// WrapRedisClient wraps an existing client
func WrapRedisClient(client *redis.Client) *RedisClient {
	return &RedisClient{Client: client}
}

// Close closes the Redis client connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// StartHealthCheck periodically pings Redis until ctx is done
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = r.HealthCheck(ctx)
			}
		}
	}()
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RedisClient) IsDegraded() bool {
	r.degradedModeMu.RLock()
	defer r.degradedModeMu.RUnlock()
	return r.degradedMode
}

func (r *RedisClient) setDegradedState(degraded bool) {
	r.degradedModeMu.Lock()
	defer r.degradedModeMu.Unlock()

	if r.degradedMode == degraded {
		return
	}
	r.degradedMode = degraded
	v := 0.0
	if degraded {
		v = 1
	}
	redisDegradedGauge.Set(v)
}

// HealthCheck pings Redis and updates degraded mode
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	redisHealthChecks.Inc()
	if err := r.Client.Ping(healthCtx).Err(); err != nil {
		r.setDegradedState(true)
		return fmt.Errorf("redis health check failed: %w", err)
	}

	r.setDegradedState(false)
	return nil
}

// ErrRedisDegraded is returned by the Safe* helpers while the last health
// check failed.
var ErrRedisDegraded = errors.New("redis degraded")

func degraded(op string) error {
	return fmt.Errorf("%s skipped: %w", op, ErrRedisDegraded)
}

func (r *RedisClient) SafeGet(ctx context.Context, key string) *redis.StringCmd {
	if r.IsDegraded() {
		return redis.NewStringResult("", degraded("get"))
	}
	return r.Client.Get(ctx, key)
}

func (r *RedisClient) SafeSet(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	if r.IsDegraded() {
		return redis.NewStatusResult("", degraded("set"))
	}
	return r.Client.Set(ctx, key, value, ttl)
}

func (r *RedisClient) SafeDel(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, degraded("del"))
	}
	return r.Client.Del(ctx, keys...)
}

func (r *RedisClient) SafeExists(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, degraded("exists"))
	}
	return r.Client.Exists(ctx, keys...)
}

// SafeHGet backs the delivery cursor and key cache lookups.
func (r *RedisClient) SafeHGet(ctx context.Context, key, field string) *redis.StringCmd {
	if r.IsDegraded() {
		return redis.NewStringResult("", degraded("hget"))
	}
	return r.Client.HGet(ctx, key, field)
}
