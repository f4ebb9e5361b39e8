package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	// IdleTTL is how long an unused client limiter is kept.
	IdleTTL time.Duration
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per tenant and client IP.
type RateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	clients map[string]*client
	now     func() time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 3 * time.Minute
	}
	return &RateLimiter{cfg: cfg, clients: make(map[string]*client), now: time.Now}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	cl, ok := rl.clients[key]
	if !ok {
		cl = &client{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst)}
		rl.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// Sweep drops limiters idle for longer than IdleTTL.
func (rl *RateLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.cfg.IdleTTL)
	for k, cl := range rl.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clients, k)
		}
	}
}

func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	limit := strconv.FormatFloat(rl.cfg.RequestsPerSecond, 'f', -1, 64)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
				key = tid + ":" + key
			}
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			lim := rl.limiter(key)
			if !lim.Allow() {
				wait := 1.0
				if rl.cfg.RequestsPerSecond > 0 {
					wait = math.Ceil(1 / rl.cfg.RequestsPerSecond)
				}
				h.Set("Retry-After", strconv.Itoa(int(wait)))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
