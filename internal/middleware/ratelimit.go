package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter throttles callers per session token, or per client IP for
// requests that carry none.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	window  time.Duration
	now     func() time.Time
	mu      sync.Mutex
	callers map[string]*callerLimiter
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter for the provided requests-per-minute budget.
// A non-positive budget disables throttling.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		window:  5 * time.Minute,
		now:     time.Now,
		callers: make(map[string]*callerLimiter),
	}
}

// Handler returns the gin middleware enforcing the budget.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		limiter := r.limiterFor(callerKey(c))
		reservation := limiter.ReserveN(r.now(), 1)
		if delay := reservation.DelayFrom(r.now()); delay > 0 {
			reservation.CancelAt(r.now())
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}

func callerKey(c *gin.Context) string {
	if sid := strings.TrimSpace(c.GetHeader("Authorization")); sid != "" {
		return "sid:" + sid
	}
	return "ip:" + c.ClientIP()
}

func (r *RateLimiter) limiterFor(key string) *rate.Limiter {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.callers[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(r.limit, r.burst)
	r.callers[key] = &callerLimiter{limiter: limiter, lastSeen: now}
	r.evictLocked(now)
	return limiter
}

func (r *RateLimiter) evictLocked(now time.Time) {
	for key, entry := range r.callers {
		if now.Sub(entry.lastSeen) > r.window {
			delete(r.callers, key)
		}
	}
}
