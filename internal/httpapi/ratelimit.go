package httpapi

import (
	"net/http"
	"sync"
	"time"

	"swarm-scheduler/pkg/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// RateLimiter holds one token bucket per client IP.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rps      rate.Limit
	burst    int
	clock    func() time.Time
	swept    time.Time
}

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*ipLimiter),
		rps:      rate.Limit(perSecond),
		burst:    burst,
		clock:    time.Now,
	}
}

// getLimiter returns the limiter for ip, creating it on first use. Limiters
// idle for limiterIdleTTL are dropped.
func (r *RateLimiter) getLimiter(ip string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	if now.Sub(r.swept) > limiterIdleTTL {
		for k, l := range r.limiters {
			if now.Sub(l.lastSeen) > limiterIdleTTL {
				delete(r.limiters, k)
			}
		}
		r.swept = now
	}

	l, ok := r.limiters[ip]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(r.rps, r.burst)}
		r.limiters[ip] = l
	}
	l.lastSeen = now
	return l.lim
}

// Middleware limits requests per client IP.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !r.getLimiter(ip).Allow() {
			logger.FromGin(c).Warn("rate limit exceeded", "ip", ip)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}
