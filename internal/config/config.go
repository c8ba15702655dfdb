// Package config loads the relay configuration: built-in defaults
// first, then the YAML file, then LLM_RELAY_* environment overrides,
// validated as a whole before anything starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/llm-relay/internal/breaker"
	"github.com/tributary-ai/llm-relay/internal/dispatch"
	"github.com/tributary-ai/llm-relay/internal/metrics"
	"github.com/tributary-ai/llm-relay/internal/middleware"
	"github.com/tributary-ai/llm-relay/internal/probe"
	"github.com/tributary-ai/llm-relay/internal/security"
	"github.com/tributary-ai/llm-relay/internal/server"
	"github.com/tributary-ai/llm-relay/internal/types"
	"github.com/tributary-ai/llm-relay/internal/waf"
)

// Config is the complete relay configuration tree. Sections that map
// onto a single component reuse that component's config type directly.
type Config struct {
	Server   server.Config               `yaml:"server"`
	Registry RegistryConfig              `yaml:"registry"`
	Breaker  BreakerConfig               `yaml:"breaker"`
	Cooldown CooldownConfig              `yaml:"cooldown"`
	Probe    probe.Config                `yaml:"probe"`
	Dispatch dispatch.Config             `yaml:"dispatch"`
	WAF      waf.Config                  `yaml:"waf"`
	Metrics  metrics.Config              `yaml:"metrics"`
	Admin    middleware.AdminStackConfig `yaml:"admin"`
	Logging  LoggingConfig               `yaml:"logging"`
}

// RegistryConfig holds the provider repository settings: the YAML file
// backing the registry, the change watcher, and the background jobs.
type RegistryConfig struct {
	Path          string        `yaml:"path"`
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`

	// RefreshSchedule and LatencySchedule take cron specs, including
	// descriptors like "@every 30s". Empty disables the job.
	RefreshSchedule string        `yaml:"refresh_schedule"`
	LatencySchedule string        `yaml:"latency_schedule"`
	LatencyTimeout  time.Duration `yaml:"latency_timeout"`
}

// BreakerConfig holds per-candidate circuit breaker settings.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooloff   time.Duration `yaml:"cooloff"`
}

// CooldownConfig holds failure-attribution settings.
type CooldownConfig struct {
	// MarkerRetention is how long an unresolved failure marker waits
	// for the cross-URL success that would confirm it.
	MarkerRetention time.Duration `yaml:"marker_retention"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// Load builds the configuration from defaults, the optional file at
// path, and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	c.Server = server.Config{
		Host:              server.DefaultHost,
		Port:              server.DefaultPort,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		DocsPath:          "docs/openapi.yaml",
	}

	c.Registry = RegistryConfig{
		Path:            "configs/providers.yaml",
		Watch:           true,
		WatchDebounce:   500 * time.Millisecond,
		RefreshSchedule: "@every 30s",
		LatencySchedule: "@every 5m",
		LatencyTimeout:  5 * time.Second,
	}

	c.Breaker = BreakerConfig{
		Threshold: breaker.DefaultThreshold,
		Cooloff:   breaker.DefaultCooloff,
	}

	c.Cooldown = CooldownConfig{
		MarkerRetention: types.DefaultCooldownDuration,
	}

	c.Probe = probe.Config{
		MaxTokens: probe.DefaultMaxTokens,
		Timeout:   probe.DefaultTimeout,
		CacheTTL:  probe.DefaultCacheTTL,
	}

	c.Dispatch = dispatch.Config{
		MaxAttempts:  dispatch.DefaultMaxAttempts,
		MaxBodyBytes: dispatch.DefaultMaxBodyBytes,
	}

	c.WAF = waf.Config{
		CookieTTL: waf.DefaultCookieTTL,
	}

	c.Metrics = metrics.Config{
		Enabled:   true,
		Namespace: "relay",
	}

	c.Admin = middleware.AdminStackConfig{
		Auth: security.Config{
			JWTExpiry: security.DefaultJWTExpiry,
		},
		RateLimit: security.RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: security.DefaultRequestsPerMinute,
		},
		Validation: middleware.ValidationConfig{
			Enabled:  false,
			SpecPath: "docs/openapi.yaml",
		},
		Audit: security.AuditConfig{
			Enabled: true,
		},
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

func (c *Config) loadFromEnv() {
	if host := os.Getenv("LLM_RELAY_HOST"); host != "" {
		c.Server.Host = host
	}

	if port := os.Getenv("LLM_RELAY_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Server.Port = n
		}
	}

	if path := os.Getenv("LLM_RELAY_PROVIDERS"); path != "" {
		c.Registry.Path = path
	}

	if level := os.Getenv("LLM_RELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("LLM_RELAY_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if keys := os.Getenv("LLM_RELAY_ADMIN_KEYS"); keys != "" {
		parts := strings.Split(keys, ",")
		admin := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				admin = append(admin, trimmed)
			}
		}
		c.Admin.Auth.AdminKeys = admin
	}

	if secret := os.Getenv("LLM_RELAY_JWT_SECRET"); secret != "" {
		c.Admin.Auth.JWTSecret = secret
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}

	if c.Registry.Path == "" {
		return fmt.Errorf("registry path cannot be empty")
	}

	if c.Breaker.Threshold < 1 {
		return fmt.Errorf("breaker threshold must be at least 1")
	}

	if c.Breaker.Cooloff <= 0 {
		return fmt.Errorf("breaker cooloff must be positive")
	}

	if c.Cooldown.MarkerRetention <= 0 {
		return fmt.Errorf("cooldown marker retention must be positive")
	}

	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch max attempts must be at least 1")
	}

	if c.Admin.RateLimit.Enabled && c.Admin.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("admin rate limit requests per minute must be at least 1")
	}

	if c.Admin.Validation.Enabled && c.Admin.Validation.SpecPath == "" {
		return fmt.Errorf("admin validation requires a spec path")
	}

	validLogLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// SaveToFile writes the effective configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
