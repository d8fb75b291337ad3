package middleware

import (
	"net/http"
	"sync"

	"yieldvault/internal/config"
	"yieldvault/internal/model"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// IPRateLimiter keeps one token bucket per client IP
type IPRateLimiter struct {
	ips    map[string]*rate.Limiter
	mu     sync.Mutex
	config config.RateLimitConfig
}

func NewIPRateLimiter(cfg config.RateLimitConfig) *IPRateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = cfg.RequestsPerSecond
	}
	return &IPRateLimiter{
		ips:    make(map[string]*rate.Limiter),
		config: cfg,
	}
}

func (i *IPRateLimiter) getRateLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	limiter, exists := i.ips[ip]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(i.config.RequestsPerSecond), i.config.BurstSize)
		i.ips[ip] = limiter
	}
	return limiter
}

func (i *IPRateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !i.getRateLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, model.Response{
				Success: false,
				Error:   "too many requests",
			})
			return
		}
		c.Next()
	}
}
