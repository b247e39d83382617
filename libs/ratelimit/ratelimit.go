// Package ratelimit caps requests per key in fixed windows. The Redis
// limiter shares counts across replicas; the memory limiter is the
// single-process fallback.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

// KeyFunc picks the bucket a request counts against. An empty key skips
// limiting for that request.
type KeyFunc func(c *gin.Context) string

func ClientIP(c *gin.Context) string { return c.ClientIP() }

// Middleware rejects requests over the limit with 429 and a Retry-After
// header. Limiter errors fail open.
func Middleware(limiter Limiter, key KeyFunc, logger *slog.Logger) gin.HandlerFunc {
	if key == nil {
		key = ClientIP
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		k := key(c)
		if k == "" {
			c.Next()
			return
		}
		allowed, retryAfter, err := limiter.Allow(c.Request.Context(), k, time.Now())
		if err != nil {
			logger.Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}
		if !allowed {
			secs := int(math.Ceil(retryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": "RATE_LIMITED", "message": "too many requests"})
			return
		}
		c.Next()
	}
}
