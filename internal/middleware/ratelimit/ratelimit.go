package ratelimit

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/neo-agent/backend/internal/metrics"
)

// Config sizes the per-caller token bucket. A caller is the X-User-ID
// header when present, the client IP otherwise. ExemptPaths (health
// probes, metrics scrapes) bypass the limiter entirely.
type Config struct {
	RequestsPerMinute int
	Burst             int
	ExemptPaths       []string
	Logger            *zap.Logger
}

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// Limiter refills each caller's bucket continuously at the configured
// per-minute rate, up to the burst size. Agent questions can take
// minutes, so the burst is what matters for interactive use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	burst   float64
	exempt  map[string]struct{}
	logger  *zap.Logger
	stop    chan struct{}
}

func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	exempt := make(map[string]struct{}, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = struct{}{}
	}

	l := &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(cfg.Burst),
		exempt:  exempt,
		logger:  cfg.Logger,
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *Limiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, ok := l.exempt[c.Path()]; ok {
			return c.Next()
		}

		caller := c.Get("X-User-ID")
		if caller == "" {
			caller = c.IP()
		}

		if !l.take(caller) {
			metrics.RateLimited.Inc()
			l.logger.Warn("Rate limit exceeded",
				zap.String("caller", caller),
				zap.String("path", c.Path()),
			)
			c.Set("Retry-After", strconv.Itoa(l.retryAfter()))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded. Please try again later.",
			})
		}
		return c.Next()
	}
}

func (l *Limiter) take(caller string) bool {
	l.mu.Lock()
	b, ok := l.buckets[caller]
	if !ok {
		b = &bucket{tokens: l.burst, last: time.Now()}
		l.buckets[caller] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.last).Seconds()*l.rate)
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// retryAfter is the whole seconds until one token accrues.
func (l *Limiter) retryAfter() int {
	return int(math.Ceil(1 / l.rate))
}

// sweep drops buckets idle long enough to be full again anyway.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			l.mu.Lock()
			for caller, b := range l.buckets {
				b.mu.Lock()
				stale := b.last.Before(cutoff)
				b.mu.Unlock()
				if stale {
					delete(l.buckets, caller)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *Limiter) Stop() {
	close(l.stop)
}
