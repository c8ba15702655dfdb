package security

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultRequestsPerMinute is the admin-surface refill rate.
	DefaultRequestsPerMinute = 120

	defaultCleanupInterval = 5 * time.Minute
)

// RateLimitConfig holds token-bucket settings for the admin surface.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	Burst             int           `yaml:"burst" json:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// Result is one rate-limit decision.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter meters requests per client key with in-memory token buckets.
// Idle buckets are dropped by a background sweep.
type Limiter struct {
	cfg    RateLimitConfig
	logger *logrus.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
	stopped bool

	stop chan struct{}
	now  func() time.Time
}

// LimiterOption customizes a Limiter.
type LimiterOption func(*Limiter)

// WithLimiterNowFunc overrides the limiter clock, used by tests.
func WithLimiterNowFunc(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter builds a limiter and starts its cleanup sweep.
func NewLimiter(cfg RateLimitConfig, logger *logrus.Logger, opts ...LimiterOption) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}

	l := &Limiter{
		cfg:     cfg,
		logger:  logger,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	if cfg.Enabled {
		go l.sweep()
	}
	return l
}

// Allow takes one token from the key's bucket, refilling it for the
// time elapsed since the last call.
func (l *Limiter) Allow(key string) Result {
	if !l.cfg.Enabled {
		return Result{Allowed: true, Remaining: l.cfg.Burst}
	}

	now := l.now()
	perSecond := float64(l.cfg.RequestsPerMinute) / 60.0

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Burst), last: now}
		l.buckets[key] = b
	}

	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.tokens+elapsed*perSecond, float64(l.cfg.Burst))
		b.last = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Result{Allowed: true, Remaining: int(b.tokens)}
	}

	retryAfter := time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
	l.logger.WithFields(logrus.Fields{
		"key":         maskKey(key),
		"retry_after": retryAfter.String(),
	}).Warn("Admin rate limit exceeded")
	return Result{Allowed: false, RetryAfter: retryAfter}
}

// Reset drops the key's bucket so its next request starts a full one.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Stop ends the cleanup sweep.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.stop)
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) removeIdle() {
	cutoff := l.now().Add(-2 * l.cfg.CleanupInterval)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if b.last.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.WithField("removed_buckets", removed).Debug("Rate limit sweep completed")
	}
}

// Middleware meters requests and answers 429 with Retry-After when the
// bucket is empty. A nil key function buckets by identity or client IP.
func (l *Limiter) Middleware(keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ClientKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := l.Allow(keyFn(r))

			w.Header().Set("X-Ratelimit-Limit", strconv.Itoa(l.cfg.RequestsPerMinute))
			w.Header().Set("X-Ratelimit-Remaining", strconv.Itoa(result.Remaining))

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds()))))
				writeSecurityError(w, http.StatusTooManyRequests, "rate_limit_error", "admin rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey buckets by authenticated subject when present, client IP
// otherwise.
func ClientKey(r *http.Request) string {
	if info, ok := GetAuthInfo(r.Context()); ok {
		return "subject:" + info.Subject
	}
	return "ip:" + clientIP(r)
}
