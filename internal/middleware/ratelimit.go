// ratelimit.go enforces per-client token-bucket rate limits backed by Redis
// so the limit holds across replicas, returning 429 when the configured
// requests-per-minute threshold is exceeded.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RateLimitConfig holds configuration for rate limiting.
type RateLimitConfig struct {
	// RequestsPerMinute is the maximum sustained request rate per client.
	RequestsPerMinute int
	// Burst is the maximum burst of requests allowed above the rate.
	Burst int
}

// PublicRateLimitConfig returns defaults for the public license and update
// endpoints, which are hit by every installed client.
func PublicRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerMinute: 60, Burst: 10}
}

// PrivateRateLimitConfig returns looser defaults for authenticated API usage.
func PrivateRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerMinute: 200, Burst: 50}
}

// RateLimiter wraps the Redis GCRA limiter with a fixed per-client limit.
type RateLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRateLimiter creates a limiter over client with the given config.
func NewRateLimiter(client *redis.Client, cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg = PublicRateLimitConfig()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute
	}
	return &RateLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   cfg.RequestsPerMinute,
			Period: time.Minute,
			Burst:  cfg.Burst,
		},
	}
}

// RateLimitMiddleware creates a Gin middleware enforcing the limiter. Redis
// outages fail open: blocking every client because the limiter store is down
// would be worse than briefly losing the limit.
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rateLimitKey(c)

		res, err := limiter.limiter.Allow(c.Request.Context(), key, limiter.limit)
		if err != nil {
			slog.Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.limit.Rate))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

		if res.Allowed == 0 {
			retryAfter := int(res.RetryAfter.Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":        "rate_limited",
				"message":     "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

// rateLimitKey prefers the authenticated API key identity over the client IP
// so a NATed fleet of authenticated clients is not throttled as one.
func rateLimitKey(c *gin.Context) string {
	if apiKeyID, exists := c.Get(APIKeyIDContextKey); exists {
		if id, ok := apiKeyID.(string); ok && id != "" {
			return "ratelimit:apikey:" + id
		}
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ratelimit:ip:" + ip
}
