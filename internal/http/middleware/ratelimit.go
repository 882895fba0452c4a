package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	visitorTTL   = 10 * time.Minute
	sweepEveryN  = 5000
	retryAfterIf = 1 // seconds, when the limiter cannot say
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter is a per-client-IP token bucket for the admin API. It guards the
// operator surface from scripted abuse; the chat path has its own sliding
// window in package ratelimit.
type IPLimiter struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  uint64
}

// NewIPLimiter builds a limiter refilling rps tokens a second. burst < 1 is
// raised to 1.
func NewIPLimiter(rps float64, burst int) *IPLimiter {
	if burst < 1 {
		burst = 1
	}
	return &IPLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// limiter returns the bucket for ip. Every sweepEveryN lookups, buckets idle
// for visitorTTL are dropped first so a stale bucket is never refreshed.
func (l *IPLimiter) limiter(ip string) *rate.Limiter {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lookups++
	if l.lookups >= sweepEveryN {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) >= visitorTTL {
				delete(l.visitors, k)
			}
		}
		l.lookups = 0
	}

	if v, ok := l.visitors[ip]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	l.visitors[ip] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// Len returns the number of tracked clients.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// Handler rejects over-limit requests with 429 and a Retry-After hint.
func (l *IPLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		lim := l.limiter(c.ClientIP())
		r := lim.ReserveN(l.now(), 1)
		if r.OK() && r.DelayFrom(l.now()) == 0 {
			c.Next()
			return
		}

		secs := retryAfterIf
		if r.OK() {
			d := r.DelayFrom(l.now())
			r.CancelAt(l.now())
			if s := int((d + time.Second - 1) / time.Second); s > secs {
				secs = s
			}
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(RequestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
