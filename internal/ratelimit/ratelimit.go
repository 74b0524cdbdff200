// Package ratelimit throttles callers of the admin and proxy APIs.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config configures a Limiter.
type Config struct {
	// RequestsPerMinute is the sustained rate per key.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the rate.
	BurstSize int
	// IdleTTL drops keys that have not been seen for this long.
	IdleTTL time.Duration
}

// DefaultConfig suits operator traffic on the admin API.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		IdleTTL:           10 * time.Minute,
	}
}

// KeyFunc derives the rate-limit key for a request.
type KeyFunc func(c *gin.Context) string

// ByClientIP keys requests by client address.
func ByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// New creates a limiter and starts its idle-key sweeper.
func New(cfg Config) *Limiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	l.mu.Lock()
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	l.mu.Unlock()
}

// Stop ends the sweeper. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether a request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(float64(l.cfg.RequestsPerMinute)/60), l.cfg.BurstSize)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Middleware rejects requests over the limit with 429.
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ByClientIP
	}
	retryAfter := strconv.Itoa(max(1, 60/max(1, l.cfg.RequestsPerMinute)))
	return func(c *gin.Context) {
		if !l.Allow(key(c)) {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
