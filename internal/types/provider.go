package types

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultCooldownDuration is applied when a provider record does not carry
// its own cooldown duration (72 hours).
const DefaultCooldownDuration = 259200 * time.Second

// Endpoint is a single URL + API key pair belonging to a provider. Batch
// creation expands URL and key lists into one provider instance per pair,
// so most instances carry exactly one endpoint.
type Endpoint struct {
	URL      string `yaml:"url" json:"url"`
	APIKey   string `yaml:"api_key" json:"api_key"`
	Priority int    `yaml:"priority" json:"priority"`
}

// Provider is a named upstream configuration unit. Providers sharing a
// group name are treated as interchangeable instances of the same service.
type Provider struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Group  string `yaml:"group" json:"group"`
	Family Family `yaml:"family" json:"family"`

	Endpoints []Endpoint `yaml:"endpoints" json:"endpoints"`

	// RotationTier layers providers into primary/fallback bands; lower
	// tiers are tried first regardless of group ordering.
	RotationTier  int `yaml:"rotation_tier" json:"rotation_tier"`
	GroupPriority int `yaml:"group_priority" json:"group_priority"`
	// SortIndex is the final ranking tiebreak and must be unique within a
	// group for the ordering to be deterministic.
	SortIndex int `yaml:"sort_index" json:"sort_index"`

	UsageCount int64     `yaml:"usage_count" json:"usage_count"`
	LastUsedAt time.Time `yaml:"last_used_at,omitempty" json:"last_used_at,omitempty"`

	CooldownUntil   time.Time `yaml:"cooldown_until,omitempty" json:"cooldown_until,omitempty"`
	CooldownSeconds int64     `yaml:"cooldown_seconds,omitempty" json:"cooldown_seconds,omitempty"`

	// Headers are operator-configured custom headers injected into every
	// upstream request to this provider, after the whitelist pass.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// ProbeModel overrides the model used for minimal probe requests.
	ProbeModel string `yaml:"probe_model,omitempty" json:"probe_model,omitempty"`

	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// CooldownDuration returns the configured cooldown span, falling back to
// the 72 hour default.
func (p *Provider) CooldownDuration() time.Duration {
	if p.CooldownSeconds > 0 {
		return time.Duration(p.CooldownSeconds) * time.Second
	}
	return DefaultCooldownDuration
}

// InCooldown reports whether the provider is cooling down at the given time.
func (p *Provider) InCooldown(now time.Time) bool {
	return !p.CooldownUntil.IsZero() && now.Before(p.CooldownUntil)
}

// Validate checks the fields the relay depends on. A failing provider is a
// configuration problem, not a runtime one: callers log and skip it.
func (p *Provider) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return NewConfigError(p.ID, "provider id is empty")
	}
	if strings.TrimSpace(p.Name) == "" {
		return NewConfigError(p.ID, "provider name is empty")
	}
	if !p.Family.Valid() {
		return NewConfigError(p.ID, fmt.Sprintf("unknown family %q", p.Family))
	}
	if len(p.Endpoints) == 0 {
		return NewConfigError(p.ID, "provider has no endpoints")
	}
	for i, ep := range p.Endpoints {
		if strings.TrimSpace(ep.URL) == "" {
			return NewConfigError(p.ID, fmt.Sprintf("endpoint %d has an empty url", i))
		}
		u, err := url.Parse(ep.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return NewConfigError(p.ID, fmt.Sprintf("endpoint %d url %q is not absolute", i, ep.URL))
		}
		if strings.TrimSpace(ep.APIKey) == "" {
			return NewConfigError(p.ID, fmt.Sprintf("endpoint %d has an empty api key", i))
		}
	}
	return nil
}

// Clone returns a deep copy safe to mutate without affecting the registry's
// shared view.
func (p *Provider) Clone() *Provider {
	out := *p
	out.Endpoints = make([]Endpoint, len(p.Endpoints))
	copy(out.Endpoints, p.Endpoints)
	if p.Headers != nil {
		out.Headers = make(map[string]string, len(p.Headers))
		for k, v := range p.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}

// Candidate pairs a provider with one of its endpoints: the exact
// (provider, URL, key) unit the breaker, prober, and dispatcher operate on.
type Candidate struct {
	Provider *Provider
	Endpoint Endpoint
	// Latency is the cached measurement for the endpoint URL, filled in by
	// the registry when candidates are materialized.
	Latency time.Duration
}

// Key returns the stable identity of the (provider, URL, key) triple used
// to key breaker state and probe-cache entries.
func (c Candidate) Key() string {
	return c.Provider.ID + "|" + c.Endpoint.URL + "|" + c.Endpoint.APIKey
}

// CooldownStatus is one row of the cooldown listing surface.
type CooldownStatus struct {
	ProviderID       string `json:"provider_id"`
	ProviderName     string `json:"provider_name"`
	RemainingSeconds int64  `json:"remaining_seconds"`
}
