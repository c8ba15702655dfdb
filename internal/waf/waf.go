// Package waf recognizes and solves web application firewall challenge
// responses so a blocked request can be retried once with the expected
// token attached. Solvers register per vendor signature; the dispatch
// loop stays vendor-agnostic.
package waf

import (
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultCookieTTL bounds how long a solved token is presented
	// proactively before the host has to re-challenge.
	DefaultCookieTTL = 30 * time.Minute

	defaultCacheSize = 256
)

// Config controls the solved-token cache.
type Config struct {
	CookieTTL time.Duration `yaml:"cookie_ttl" json:"cookie_ttl"`
	CacheSize int           `yaml:"cache_size" json:"cache_size"`
}

// Solver solves one vendor's challenge format.
type Solver interface {
	// Name identifies the vendor in logs and metrics.
	Name() string
	// Match reports whether the upstream response carries this
	// vendor's challenge signature.
	Match(status int, header http.Header, body []byte) bool
	// Solve derives the token cookie from the challenge payload.
	Solve(body []byte) (*http.Cookie, error)
}

type cachedCookie struct {
	cookie    *http.Cookie
	expiresAt time.Time
}

// Registry holds the known solvers and remembers solved tokens per
// upstream host.
type Registry struct {
	solvers []Solver
	cookies *lru.Cache
	ttl     time.Duration
	logger  *logrus.Logger
	now     func() time.Time
}

// Option adjusts registry construction.
type Option func(*Registry)

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a solver registry with the given vendors.
func NewRegistry(cfg Config, logger *logrus.Logger, solvers []Solver, opts ...Option) (*Registry, error) {
	if cfg.CookieTTL <= 0 {
		cfg.CookieTTL = DefaultCookieTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	cookies, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create waf cookie cache: %w", err)
	}
	r := &Registry{
		solvers: solvers,
		cookies: cookies,
		ttl:     cfg.CookieTTL,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Vendors lists the registered solver names.
func (r *Registry) Vendors() []string {
	names := make([]string, 0, len(r.solvers))
	for _, s := range r.solvers {
		names = append(names, s.Name())
	}
	return names
}

// Detect returns the solver whose signature matches the response, or
// nil when the response is not a recognized challenge.
func (r *Registry) Detect(status int, header http.Header, body []byte) Solver {
	for _, s := range r.solvers {
		if s.Match(status, header, body) {
			return s
		}
	}
	return nil
}

// Solve computes the challenge token and remembers it for the host so
// later requests can present it up front.
func (r *Registry) Solve(solver Solver, host string, body []byte) (*http.Cookie, error) {
	cookie, err := solver.Solve(body)
	if err != nil {
		return nil, fmt.Errorf("failed to solve %s challenge: %w", solver.Name(), err)
	}
	r.cookies.Add(host, cachedCookie{cookie: cookie, expiresAt: r.now().Add(r.ttl)})
	r.logger.WithFields(logrus.Fields{
		"vendor": solver.Name(),
		"host":   host,
	}).Info("Solved WAF challenge")
	return cookie, nil
}

// Cookie returns the remembered token for a host while it is fresh.
func (r *Registry) Cookie(host string) (*http.Cookie, bool) {
	v, ok := r.cookies.Get(host)
	if !ok {
		return nil, false
	}
	entry := v.(cachedCookie)
	if r.now().After(entry.expiresAt) {
		r.cookies.Remove(host)
		return nil, false
	}
	return entry.cookie, true
}

// Forget drops the remembered token for a host, used when a retry with
// the token still failed.
func (r *Registry) Forget(host string) {
	r.cookies.Remove(host)
}
