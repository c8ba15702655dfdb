package middleware

import (
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/tributary-ai/llm-relay/internal/security"
)

// AdminStackConfig collects the admin-surface middleware settings.
type AdminStackConfig struct {
	Auth       security.Config          `yaml:"auth" json:"auth"`
	RateLimit  security.RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Validation ValidationConfig         `yaml:"validation" json:"validation"`
	Audit      security.AuditConfig     `yaml:"audit" json:"audit"`
}

// AdminStack wires the admin middleware chain.
type AdminStack struct {
	auth      *security.Authenticator
	limiter   *security.Limiter
	validator *Validator
	audit     *security.AuditLogger
	logger    *logrus.Logger
}

// NewAdminStack builds the chain's components from config.
func NewAdminStack(cfg AdminStackConfig, logger *logrus.Logger) (*AdminStack, error) {
	validator, err := NewValidator(cfg.Validation, logger)
	if err != nil {
		return nil, err
	}
	return &AdminStack{
		auth:      security.NewAuthenticator(cfg.Auth, logger),
		limiter:   security.NewLimiter(cfg.RateLimit, logger),
		validator: validator,
		audit:     security.NewAuditLogger(cfg.Audit, logger),
		logger:    logger,
	}, nil
}

// Handler wraps the admin surface. Audit sits outermost so rejected
// requests still land in the trail, auth runs before the limiter so
// buckets key on identity, and validation runs last before handlers.
func (s *AdminStack) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := s.validator.Middleware()(next)
		handler = s.limiter.Middleware(nil)(handler)
		handler = s.auth.Middleware()(handler)
		handler = s.audit.Middleware()(handler)
		return securityHeaders(handler)
	}
}

// Audit exposes the trail for components that record events directly.
func (s *AdminStack) Audit() *security.AuditLogger {
	return s.audit
}

// Stop shuts down the background loops.
func (s *AdminStack) Stop() {
	s.audit.Stop()
	s.limiter.Stop()
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
