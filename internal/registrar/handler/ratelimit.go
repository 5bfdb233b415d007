package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// visitor pairs one client's token bucket with its last activity, so idle
// buckets can be dropped.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool hands out one token bucket per client IP.
type limiterPool struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

func newLimiterPool(rps rate.Limit, burst int) *limiterPool {
	p := &limiterPool{
		visitors: make(map[string]*visitor),
		rps:      rps,
		burst:    burst,
	}
	go p.sweep()
	return p
}

func (p *limiterPool) get(ip string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(p.rps, p.burst)}
		p.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// sweep drops buckets idle for over 10 minutes so the pool cannot grow
// without bound under churning client IPs.
func (p *limiterPool) sweep() {
	for {
		time.Sleep(5 * time.Minute)
		p.mu.Lock()
		for ip, v := range p.visitors {
			if time.Since(v.lastSeen) > 10*time.Minute {
				delete(p.visitors, ip)
			}
		}
		p.mu.Unlock()
	}
}

// RateLimiter enforces per-IP token-bucket rate limiting. rps is the
// steady-state requests per second; burst is the maximum burst size.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	pool := newLimiterPool(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !pool.get(c.ClientIP()).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
