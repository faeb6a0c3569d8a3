package middleware

import (
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/burhanwani/WhatsAppSimulator/pkg/metrics"
	"github.com/burhanwani/WhatsAppSimulator/pkg/response"
)

// RateLimiter keeps one token bucket per key
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	idle    time.Duration
	metrics *metrics.Metrics

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	lastGC   time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requests per window with the given burst
func NewRateLimiter(requests int, window time.Duration, burst int) *RateLimiter {
	if burst <= 0 {
		burst = requests
	}
	return &RateLimiter{
		limit:    rate.Limit(float64(requests) / window.Seconds()),
		burst:    burst,
		idle:     10 * time.Minute,
		limiters: make(map[string]*limiterEntry),
		lastGC:   time.Now(),
	}
}

// WithMetrics counts blocked requests on m
func (rl *RateLimiter) WithMetrics(m *metrics.Metrics) *RateLimiter {
	rl.metrics = m
	return rl
}

// Allow consumes a token from key's bucket
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = now
	if now.Sub(rl.lastGC) > rl.idle {
		for k, v := range rl.limiters {
			if now.Sub(v.lastSeen) > rl.idle {
				delete(rl.limiters, k)
			}
		}
		rl.lastGC = now
	}
	rl.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Middleware limits per authenticated identity, or per client IP otherwise
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if id, ok := c.Get(ContextKeyIdentity); ok {
			key = fmt.Sprintf("user:%v", id)
		}

		if !rl.Allow(key) {
			if rl.metrics != nil {
				rl.metrics.RecordRateLimitBlocked(c.FullPath())
			}
			response.TooManyRequests(c)
			c.Abort()
			return
		}
		c.Next()
	}
}
