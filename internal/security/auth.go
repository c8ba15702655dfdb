// Package security guards the admin surface: credential checks,
// per-client rate limiting, and the audit trail. Family relay routes
// never pass through here.
package security

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// DefaultJWTExpiry is how long issued session tokens stay valid.
const DefaultJWTExpiry = 24 * time.Hour

const tokenIssuer = "llm-relay"

// Config holds admin authentication settings. With no keys and no JWT
// secret configured the admin surface is open, which is acceptable
// only because the listener binds loopback by default.
type Config struct {
	AdminKeys []string      `yaml:"admin_keys" json:"admin_keys"`
	JWTSecret string        `yaml:"jwt_secret" json:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry" json:"jwt_expiry"`
}

// Enabled reports whether any credential source is configured.
func (c Config) Enabled() bool {
	return len(c.AdminKeys) > 0 || c.JWTSecret != ""
}

// AuthInfo describes the admin identity behind a request.
type AuthInfo struct {
	Subject   string     `json:"subject"`
	Method    string     `json:"method"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type contextKey string

const (
	authInfoKey   contextKey = "auth_info"
	authHolderKey contextKey = "auth_holder"
)

// authHolder lets the audit middleware, which wraps outside the auth
// middleware, see the identity that auth resolves further in.
type authHolder struct {
	info *AuthInfo
}

// Authenticator checks static admin keys and HS256 session tokens.
type Authenticator struct {
	cfg    Config
	logger *logrus.Logger
}

// NewAuthenticator builds an authenticator from config.
func NewAuthenticator(cfg Config, logger *logrus.Logger) *Authenticator {
	if cfg.JWTExpiry <= 0 {
		cfg.JWTExpiry = DefaultJWTExpiry
	}
	return &Authenticator{cfg: cfg, logger: logger}
}

// Authenticate resolves a credential of either kind.
func (a *Authenticator) Authenticate(token string) (*AuthInfo, error) {
	if info, err := a.ValidateKey(token); err == nil {
		return info, nil
	}
	if info, err := a.ValidateToken(token); err == nil {
		return info, nil
	}
	return nil, errors.New("invalid admin credential")
}

// ValidateKey checks a static admin key in constant time.
func (a *Authenticator) ValidateKey(key string) (*AuthInfo, error) {
	if key == "" {
		return nil, errors.New("admin key is required")
	}
	for _, valid := range a.cfg.AdminKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return &AuthInfo{Subject: "key:" + maskKey(key), Method: "api_key"}, nil
		}
	}
	return nil, errors.New("unknown admin key")
}

// IssueToken mints an HS256 session token for the subject.
func (a *Authenticator) IssueToken(subject string) (string, error) {
	if a.cfg.JWTSecret == "" {
		return "", errors.New("no jwt secret configured")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.JWTExpiry)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.JWTSecret))
}

// ValidateToken checks an HS256 session token.
func (a *Authenticator) ValidateToken(tokenString string) (*AuthInfo, error) {
	if a.cfg.JWTSecret == "" {
		return nil, errors.New("no jwt secret configured")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid session token")
	}

	info := &AuthInfo{Subject: claims.Subject, Method: "jwt"}
	if claims.ExpiresAt != nil {
		expires := claims.ExpiresAt.Time
		info.ExpiresAt = &expires
	}
	return info, nil
}

// Middleware rejects requests without a valid admin credential. It
// passes everything through when no credential source is configured.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeSecurityError(w, http.StatusUnauthorized, "authentication_error", "missing admin credential")
				return
			}

			info, err := a.Authenticate(token)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"method":    r.Method,
					"path":      r.URL.Path,
					"remote_ip": clientIP(r),
				}).Warn("Admin authentication failed")
				writeSecurityError(w, http.StatusUnauthorized, "authentication_error", "invalid admin credential")
				return
			}

			if holder, ok := r.Context().Value(authHolderKey).(*authHolder); ok {
				holder.info = info
			}
			ctx := context.WithValue(r.Context(), authInfoKey, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAuthInfo returns the identity resolved for the request, if any.
func GetAuthInfo(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey).(*AuthInfo)
	return info, ok
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-Admin-Key")
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****"
}

// clientIP resolves the originating address, preferring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		addr = addr[:idx]
	}
	return addr
}

func writeSecurityError(w http.ResponseWriter, statusCode int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	})
}
