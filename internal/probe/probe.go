// Package probe validates failover candidates with minimal synthetic
// requests before a full request is committed to them. Probing is a
// cost optimization only: a probe failure counts exactly like a full
// request failure for breaker and cooldown bookkeeping.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	lru "github.com/hashicorp/golang-lru"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-relay/internal/types"
)

const (
	// DefaultCacheTTL is how long a probe verdict stays valid.
	DefaultCacheTTL = 60 * time.Second
	// DefaultMaxTokens bounds the synthetic completion size.
	DefaultMaxTokens = 16
	// DefaultTimeout bounds each probe request.
	DefaultTimeout = 10 * time.Second

	defaultCacheSize = 512
	probePrompt      = "ping"

	defaultClaudeProbeModel = "claude-3-5-haiku-20241022"
	defaultCodexProbeModel  = "gpt-4o-mini"
)

// Config controls probe behavior. Zero values fall back to defaults.
type Config struct {
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
}

// cacheEntry pairs a probe verdict with its expiry. A nil err means
// the candidate answered.
type cacheEntry struct {
	err       error
	expiresAt time.Time
}

// Prober issues family-specific synthetic requests and caches the
// verdicts for a short window so repeated nearby failovers don't
// re-probe the same candidate.
type Prober struct {
	cache      *lru.Cache
	ttl        time.Duration
	maxTokens  int
	timeout    time.Duration
	httpClient *http.Client
	logger     *logrus.Logger
	now        func() time.Time
}

// Option customizes a Prober.
type Option func(*Prober)

// WithNowFunc overrides the prober clock, used by tests.
func WithNowFunc(now func() time.Time) Option {
	return func(p *Prober) { p.now = now }
}

// NewProber creates a prober from config.
func NewProber(cfg Config, logger *logrus.Logger, opts ...Option) (*Prober, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}

	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe cache: %w", err)
	}

	p := &Prober{
		cache:      cache,
		ttl:        cfg.CacheTTL,
		maxTokens:  cfg.MaxTokens,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Check validates the candidate, reusing a cached verdict when one is
// still fresh. A nil return means the candidate answered the probe
// and is worth a full request.
func (p *Prober) Check(ctx context.Context, cand types.Candidate) error {
	key := cand.Key()

	if v, ok := p.cache.Get(key); ok {
		entry := v.(*cacheEntry)
		if p.now().Before(entry.expiresAt) {
			p.logger.WithFields(logrus.Fields{
				"provider": cand.Provider.Name,
				"url":      cand.Endpoint.URL,
				"passed":   entry.err == nil,
			}).Debug("Probe cache hit")
			return entry.err
		}
		p.cache.Remove(key)
	}

	err := p.probe(ctx, cand)

	// A cancelled caller says nothing about the candidate, so the
	// verdict is not cached.
	if errors.Is(err, context.Canceled) {
		return err
	}

	p.cache.Add(key, &cacheEntry{err: err, expiresAt: p.now().Add(p.ttl)})

	fields := logrus.Fields{
		"provider": cand.Provider.Name,
		"url":      cand.Endpoint.URL,
	}
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Warn("Probe failed")
	} else {
		p.logger.WithFields(fields).Debug("Probe passed")
	}
	return err
}

// Invalidate drops the cached verdict for a candidate key. The
// dispatcher calls this when a full request fails right after a
// passing probe, since that pass is evidently stale.
func (p *Prober) Invalidate(key string) {
	p.cache.Remove(key)
}

func (p *Prober) probe(ctx context.Context, cand types.Candidate) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	switch cand.Provider.Family {
	case types.FamilyClaude:
		return p.probeClaude(ctx, cand)
	case types.FamilyCodex:
		return p.probeCodex(ctx, cand)
	case types.FamilyGemini:
		return p.probeGemini(ctx, cand)
	default:
		return types.NewConfigError(cand.Provider.ID, fmt.Sprintf("unknown family %q", cand.Provider.Family))
	}
}

// probeClaude sends a one-message completion capped at a few tokens.
func (p *Prober) probeClaude(ctx context.Context, cand types.Candidate) error {
	client := anthropic.NewClient(
		option.WithAPIKey(cand.Endpoint.APIKey),
		option.WithBaseURL(cand.Endpoint.URL),
		option.WithMaxRetries(0),
	)

	model := cand.Provider.ProbeModel
	if model == "" {
		model = defaultClaudeProbeModel
	}

	_, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(p.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(probePrompt)),
		},
	})
	if err != nil {
		return p.classifyAnthropic(cand, err)
	}
	return nil
}

// probeCodex sends a one-message chat completion capped at a few tokens.
func (p *Prober) probeCodex(ctx context.Context, cand types.Candidate) error {
	clientConfig := openai.DefaultConfig(cand.Endpoint.APIKey)
	clientConfig.BaseURL = strings.TrimSuffix(cand.Endpoint.URL, "/") + "/v1"
	clientConfig.HTTPClient = p.httpClient
	client := openai.NewClientWithConfig(clientConfig)

	model := cand.Provider.ProbeModel
	if model == "" {
		model = defaultCodexProbeModel
	}

	_, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: p.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: probePrompt},
		},
	})
	if err != nil {
		return p.classifyOpenAI(cand, err)
	}
	return nil
}

// probeGemini performs a bare connectivity check. There is no cheap
// full-path completion shape for this family, so any HTTP response
// counts as a pass; only transport failures fail the probe.
func (p *Prober) probeGemini(ctx context.Context, cand types.Candidate) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cand.Endpoint.URL, nil)
	if err != nil {
		return types.NewRelayError(types.KindNetwork, cand.Provider.ID, 0, err)
	}
	req.Header.Set("x-goog-api-key", cand.Endpoint.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if kind := types.ClassifyErr(err); kind != "" {
			return types.NewRelayError(kind, cand.Provider.ID, 0, err)
		}
		return err
	}
	resp.Body.Close()
	return nil
}

// classifyAnthropic maps SDK errors into the relay taxonomy. Statuses
// outside the retryable set, like a 404 for an unknown probe model,
// still fail the probe as a network-class error.
func (p *Prober) classifyAnthropic(cand types.Candidate, err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		if kind := types.ClassifyStatus(apierr.StatusCode); kind != "" {
			return types.NewRelayError(kind, cand.Provider.ID, apierr.StatusCode, err)
		}
		return types.NewRelayError(types.KindNetwork, cand.Provider.ID, apierr.StatusCode, err)
	}
	if kind := types.ClassifyErr(err); kind != "" {
		return types.NewRelayError(kind, cand.Provider.ID, 0, err)
	}
	return err
}

// classifyOpenAI maps SDK errors into the relay taxonomy.
func (p *Prober) classifyOpenAI(cand types.Candidate, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if kind := types.ClassifyStatus(apiErr.HTTPStatusCode); kind != "" {
			return types.NewRelayError(kind, cand.Provider.ID, apiErr.HTTPStatusCode, err)
		}
		return types.NewRelayError(types.KindNetwork, cand.Provider.ID, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if kind := types.ClassifyStatus(reqErr.HTTPStatusCode); kind != "" {
			return types.NewRelayError(kind, cand.Provider.ID, reqErr.HTTPStatusCode, err)
		}
		return types.NewRelayError(types.KindNetwork, cand.Provider.ID, reqErr.HTTPStatusCode, err)
	}
	if kind := types.ClassifyErr(err); kind != "" {
		return types.NewRelayError(kind, cand.Provider.ID, 0, err)
	}
	return err
}
