// Package middleware assembles the admin-surface middleware chain:
// audit trail, authentication, rate limiting, and OpenAPI request
// validation. Relay traffic on the family routes bypasses all of it.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"
)

// ValidationConfig controls OpenAPI request validation.
type ValidationConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	SpecPath string `yaml:"spec_path" json:"spec_path"`
}

// Validator checks admin requests against the published OpenAPI
// document before they reach a handler.
type Validator struct {
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
}

// NewValidator loads and validates the OpenAPI document. A disabled
// config returns a pass-through validator.
func NewValidator(cfg ValidationConfig, logger *logrus.Logger) (*Validator, error) {
	v := &Validator{logger: logger, enabled: cfg.Enabled}
	if !cfg.Enabled {
		return v, nil
	}
	if cfg.SpecPath == "" {
		cfg.SpecPath = "docs/openapi.yaml"
	}

	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	doc, err := loader.LoadFromFile(cfg.SpecPath)
	if err != nil {
		// Tests run from package directories; retry from the repo root.
		rootPath := filepath.Join("..", "..", cfg.SpecPath)
		doc, err = loader.LoadFromFile(rootPath)
		if err != nil {
			return nil, fmt.Errorf("load openapi document %s: %w", cfg.SpecPath, err)
		}
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build openapi router: %w", err)
	}
	v.router = router

	logger.WithField("spec_path", cfg.SpecPath).Info("Admin request validation enabled")
	return v, nil
}

// Middleware rejects requests that do not match the document. Paths
// the document does not describe pass through untouched.
func (v *Validator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !v.enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := v.validateRequest(r); err != nil {
				v.logger.WithError(err).WithFields(logrus.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
				}).Warn("Admin request validation failed")
				writeValidationError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (v *Validator) validateRequest(r *http.Request) error {
	route, pathParams, err := v.router.FindRoute(r)
	if err != nil {
		if errors.Is(err, routers.ErrPathNotFound) {
			return nil
		}
		return err
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			// Credentials are checked by the auth middleware, not the
			// document's security schemes.
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}
	if len(body) > 0 {
		input.Request.Body = io.NopCloser(bytes.NewReader(body))
	}

	if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
		return err
	}

	// Validation consumed the restored body; hand downstream a fresh one.
	r.Body = io.NopCloser(bytes.NewReader(body))
	return nil
}

func writeValidationError(w http.ResponseWriter, err error) {
	message, details := describeValidationError(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	errBody := map[string]interface{}{
		"message": message,
		"type":    "validation_error",
		"code":    http.StatusBadRequest,
	}
	if len(details) > 0 {
		errBody["details"] = details
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     errBody,
		"timestamp": time.Now().Unix(),
	})
}

func describeValidationError(err error) (string, map[string]interface{}) {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		details := map[string]interface{}{"error": reqErr.Error()}
		switch {
		case reqErr.Parameter != nil:
			details["parameter"] = reqErr.Parameter.Name
			return fmt.Sprintf("invalid parameter %q", reqErr.Parameter.Name), details
		case reqErr.RequestBody != nil:
			return "invalid request body", details
		}
		return "request validation failed", details
	}
	if errors.Is(err, routers.ErrMethodNotAllowed) {
		return "method not allowed for this path", nil
	}
	return err.Error(), nil
}
