// Package server exposes the relay's HTTP surfaces: the family relay
// routes, health and metrics, and the authenticated admin API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-relay/internal/breaker"
	"github.com/tributary-ai/llm-relay/internal/cooldown"
	"github.com/tributary-ai/llm-relay/internal/metrics"
	"github.com/tributary-ai/llm-relay/internal/middleware"
	"github.com/tributary-ai/llm-relay/internal/registry"
	"github.com/tributary-ai/llm-relay/internal/types"
)

const (
	// DefaultHost keeps the listener on loopback. Exposing the relay on
	// other interfaces is an explicit configuration choice.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the well-known relay port; port 0 binds an
	// ephemeral port and logs the chosen address.
	DefaultPort = 8787

	defaultReadHeaderTimeout = 10 * time.Second
)

// Config holds listener settings. Read and write deadlines stay unset
// because relayed completions stream for minutes.
type Config struct {
	Host              string        `yaml:"host" json:"host"`
	Port              int           `yaml:"port" json:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" json:"max_header_bytes"`
	DocsPath          string        `yaml:"docs_path" json:"docs_path"`
}

// Dependencies carries the components the HTTP surfaces expose.
type Dependencies struct {
	Relay     http.Handler
	Registry  *registry.Registry
	Breakers  *breaker.Arena
	Cooldowns *cooldown.Manager
	Metrics   *metrics.Metrics
	Admin     *middleware.AdminStack
}

// Server is the relay's HTTP front.
type Server struct {
	cfg       Config
	relay     http.Handler
	registry  *registry.Registry
	breakers  *breaker.Arena
	cooldowns *cooldown.Manager
	metrics   *metrics.Metrics
	admin     *middleware.AdminStack
	logger    *logrus.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New builds a server around the shared components.
func New(cfg Config, deps Dependencies, logger *logrus.Logger) *Server {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = http.DefaultMaxHeaderBytes
	}
	if cfg.DocsPath == "" {
		cfg.DocsPath = "docs/openapi.yaml"
	}
	return &Server{
		cfg:       cfg,
		relay:     deps.Relay,
		registry:  deps.Registry,
		breakers:  deps.Breakers,
		cooldowns: deps.Cooldowns,
		metrics:   deps.Metrics,
		admin:     deps.Admin,
		logger:    logger,
	}
}

// Start binds the listener and serves until Stop or a listener error.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}

	s.logger.WithField("addr", listener.Addr().String()).Info("Relay listening")
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start has bound it, which is how
// callers learn the port when the configured port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping relay server")
	return s.httpServer.Shutdown(ctx)
}

// Handler assembles the full route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware, s.loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.admin.Handler())
	admin.HandleFunc("/providers", s.handleListProviders).Methods(http.MethodGet)
	admin.HandleFunc("/providers", s.handleCreateProvider).Methods(http.MethodPost)
	admin.HandleFunc("/providers/batch", s.handleBatchCreateProviders).Methods(http.MethodPost)
	admin.HandleFunc("/providers/{id}", s.handleGetProvider).Methods(http.MethodGet)
	admin.HandleFunc("/providers/{id}", s.handleUpdateProvider).Methods(http.MethodPut)
	admin.HandleFunc("/providers/{id}", s.handleDeleteProvider).Methods(http.MethodDelete)
	admin.HandleFunc("/cooldowns", s.handleListCooldowns).Methods(http.MethodGet)
	admin.HandleFunc("/cooldowns/{id}", s.handleSetCooldown).Methods(http.MethodPut)
	admin.HandleFunc("/cooldowns/{id}", s.handleClearCooldown).Methods(http.MethodDelete)
	admin.HandleFunc("/breakers", s.handleListBreakers).Methods(http.MethodGet)
	s.docsRoutes(admin)

	// Everything else is relay traffic for the dispatcher.
	for _, family := range types.Families() {
		r.PathPrefix("/" + family.String() + "/").Handler(s.relay)
	}
	r.Handle("/v1/messages", s.relay).Methods(http.MethodPost)
	r.Handle("/v1/chat/completions", s.relay).Methods(http.MethodPost)
	r.PathPrefix("/v1beta/").Handler(s.relay)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providerCount := s.registry.Count()
	status := "ok"
	if providerCount == 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           status,
		"providers":        providerCount,
		"open_breakers":    s.breakers.OpenCount(),
		"active_cooldowns": len(s.cooldowns.List()),
		"timestamp":        time.Now().Unix(),
	})
}

// Middleware

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health and metrics polls stay out of the access log.
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  r.Header.Get("X-Request-Id"),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

// Helpers

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, statusCode int, errType, message string) {
	writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	})
}

// responseWriter captures the status for the access log. It forwards
// Flush so streamed relay responses keep flushing through the wrapper.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
