// ratelimit.go provides Gin middleware that enforces per-client rate limits,
// returning 429 responses when the configured requests-per-minute threshold is exceeded.
//
// Two limiter backends are provided: a Redis-backed limiter (GCRA via redis_rate)
// that shares state across relay instances, and an in-process token bucket for
// single-instance deployments running without Redis.
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/lusky3/underseerr-sub002/internal/safego"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// RequestsPerMinute is the maximum number of requests allowed per minute
	RequestsPerMinute int
	// BurstSize is the maximum burst of requests allowed
	BurstSize int
	// CleanupInterval is how often the local limiter cleans up idle entries
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig returns sensible defaults
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   5 * time.Minute,
	}
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	// Allow reports whether the request is admitted and how many requests
	// remain in the current window.
	Allow(ctx context.Context, key string) (ok bool, remaining int, err error)
}

// RedisLimiter enforces limits through redis_rate's GCRA implementation, so
// all relay instances sharing the Redis see one combined budget per client.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisLimiter creates a limiter backed by the given Redis client.
func NewRedisLimiter(client *redis.Client, config RateLimitConfig) *RedisLimiter {
	limit := redis_rate.PerMinute(config.RequestsPerMinute)
	limit.Burst = config.BurstSize
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit:   limit,
	}
}

func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	res, err := rl.limiter.Allow(ctx, "ratelimit:"+key, rl.limit)
	if err != nil {
		return false, 0, err
	}
	return res.Allowed > 0, res.Remaining, nil
}

// localEntry tracks the token bucket for a single client
type localEntry struct {
	tokens     float64
	lastUpdate time.Time
}

// LocalLimiter implements a per-process token bucket. Suitable only when a
// single relay instance is running; state is lost on restart.
type LocalLimiter struct {
	config  RateLimitConfig
	entries map[string]*localEntry
	mu      sync.Mutex
	stopCh  chan struct{}
}

// NewLocalLimiter creates an in-process limiter with the given config.
func NewLocalLimiter(config RateLimitConfig) *LocalLimiter {
	rl := &LocalLimiter{
		config:  config,
		entries: make(map[string]*localEntry),
		stopCh:  make(chan struct{}),
	}

	// Start cleanup goroutine
	safego.Go(rl.cleanup)

	return rl
}

// cleanup periodically removes idle entries
func (rl *LocalLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, entry := range rl.entries {
				// Remove entries that haven't been accessed in 10 minutes
				if now.Sub(entry.lastUpdate) > 10*time.Minute {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (rl *LocalLimiter) Stop() {
	close(rl.stopCh)
}

func (rl *LocalLimiter) Allow(_ context.Context, key string) (bool, int, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, exists := rl.entries[key]

	if !exists {
		// New client, give them full burst
		rl.entries[key] = &localEntry{
			tokens:     float64(rl.config.BurstSize) - 1,
			lastUpdate: now,
		}
		return true, rl.config.BurstSize - 1, nil
	}

	// Refill tokens based on time elapsed, capped at burst size
	elapsed := now.Sub(entry.lastUpdate)
	tokensPerSecond := float64(rl.config.RequestsPerMinute) / 60.0
	entry.tokens = min(float64(rl.config.BurstSize), entry.tokens+elapsed.Seconds()*tokensPerSecond)
	entry.lastUpdate = now

	if entry.tokens >= 1 {
		entry.tokens--
		return true, int(entry.tokens), nil
	}

	return false, 0, nil
}

// RateLimitMiddleware creates a Gin middleware that rate limits requests.
// Limiter errors (e.g. Redis unavailable) fail open: dropping pushes because
// the limiter backend is down would be worse than briefly not limiting.
func RateLimitMiddleware(limiter Limiter, config RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := getRateLimitKey(c)

		ok, remaining, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			c.Next()
			return
		}

		if !ok {
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": 60,
			})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		c.Next()
	}
}

// getRateLimitKey determines the key to use for rate limiting; clients are
// identified by IP since the relay has no authenticated principals.
func getRateLimitKey(c *gin.Context) string {
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
