package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-relay/internal/types"
)

// Registry is the synchronized in-memory view of the provider
// inventory. Request handling reads from it; mutations go through it
// and are written back to the store.
type Registry struct {
	store  Store
	logger *logrus.Logger

	mu        sync.RWMutex
	providers map[string]*types.Provider
	latencies map[string]time.Duration
	active    map[types.Family]string

	now func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithNowFunc overrides the registry clock, used by tests.
func WithNowFunc(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry backed by store.
func New(store Store, logger *logrus.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		logger:    logger,
		providers: make(map[string]*types.Provider),
		latencies: make(map[string]time.Duration),
		active:    make(map[types.Family]string),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load populates the registry from the store. Providers that fail
// validation are logged and skipped instead of failing the load.
func (r *Registry) Load(ctx context.Context) error {
	loaded, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}

	valid := r.validateAll(loaded)

	r.mu.Lock()
	r.providers = valid
	r.mu.Unlock()

	r.logger.WithField("providers", len(valid)).Info("Provider registry loaded")
	return nil
}

// Refresh reloads the inventory from the store while keeping runtime
// state accumulated since the last load. For a provider present in
// both views the higher usage count and the later last-used and
// cooldown timestamps win, so a stale file never rolls counters back.
func (r *Registry) Refresh(ctx context.Context) error {
	loaded, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh providers: %w", err)
	}

	valid := r.validateAll(loaded)

	r.mu.Lock()
	removed := 0
	for id := range r.providers {
		if _, ok := valid[id]; !ok {
			removed++
		}
	}
	for id, next := range valid {
		prev, ok := r.providers[id]
		if !ok {
			continue
		}
		if prev.UsageCount > next.UsageCount {
			next.UsageCount = prev.UsageCount
		}
		if prev.LastUsedAt.After(next.LastUsedAt) {
			next.LastUsedAt = prev.LastUsedAt
		}
		if prev.CooldownUntil.After(next.CooldownUntil) {
			next.CooldownUntil = prev.CooldownUntil
		}
	}
	r.providers = valid
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"providers": len(valid),
		"removed":   removed,
	}).Debug("Provider registry refreshed")
	return nil
}

// validateAll filters a loaded slice down to valid, unique providers.
func (r *Registry) validateAll(loaded []*types.Provider) map[string]*types.Provider {
	valid := make(map[string]*types.Provider, len(loaded))
	for _, p := range loaded {
		if p == nil {
			continue
		}
		if err := p.Validate(); err != nil {
			r.logger.WithError(err).WithField("provider", p.ID).Warn("Skipping invalid provider")
			continue
		}
		if _, dup := valid[p.ID]; dup {
			r.logger.WithField("provider", p.ID).Warn("Skipping duplicate provider id")
			continue
		}
		valid[p.ID] = p.Clone()
	}
	return valid
}

// List returns a copy of every provider ordered by group, sort index
// and id.
func (r *Registry) List() []*types.Provider {
	r.mu.RLock()
	out := make([]*types.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Clone())
	}
	r.mu.RUnlock()

	sortProviders(out)
	return out
}

// Get returns a copy of the provider with the given id.
func (r *Registry) Get(id string) (*types.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Upsert validates and stores a provider, assigning an id and a group
// sort index when they are missing, then persists the inventory. The
// caller's struct is updated with any assigned values.
func (r *Registry) Upsert(ctx context.Context, p *types.Provider) error {
	if p == nil {
		return fmt.Errorf("provider is nil")
	}

	stored := p.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if err := stored.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	_, exists := r.providers[stored.ID]
	if !exists && stored.SortIndex == 0 {
		stored.SortIndex = r.nextSortIndexLocked(stored.Group)
	}
	r.providers[stored.ID] = stored
	r.mu.Unlock()

	p.ID = stored.ID
	p.SortIndex = stored.SortIndex

	r.logger.WithFields(logrus.Fields{
		"provider": stored.Name,
		"group":    stored.Group,
		"family":   stored.Family,
	}).Info("Provider stored")

	return r.persist(ctx)
}

// Remove deletes a provider and persists the change.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	p, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("provider %s not found", id)
	}
	name := p.Name
	delete(r.providers, id)
	r.mu.Unlock()

	r.logger.WithField("provider", name).Info("Provider removed")
	return r.persist(ctx)
}

// BatchSpec describes a cross-product batch creation request.
type BatchSpec struct {
	NamePrefix      string            `json:"name_prefix" yaml:"name_prefix"`
	Group           string            `json:"group" yaml:"group"`
	Family          types.Family      `json:"family" yaml:"family"`
	URLs            []string          `json:"urls" yaml:"urls"`
	APIKeys         []string          `json:"api_keys" yaml:"api_keys"`
	RotationTier    int               `json:"rotation_tier" yaml:"rotation_tier"`
	GroupPriority   int               `json:"group_priority" yaml:"group_priority"`
	CooldownSeconds int64             `json:"cooldown_seconds,omitempty" yaml:"cooldown_seconds,omitempty"`
	ProbeModel      string            `json:"probe_model,omitempty" yaml:"probe_model,omitempty"`
	Headers         map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// BatchCreate expands spec into one provider per URL and key pair, so
// a failure later attributes to exactly one URL and one key. Each URL
// keeps its list position as endpoint priority and every instance
// gets a unique sort index within the group.
func (r *Registry) BatchCreate(ctx context.Context, spec BatchSpec) ([]*types.Provider, error) {
	if spec.NamePrefix == "" {
		return nil, fmt.Errorf("batch create requires a name prefix")
	}
	if !spec.Family.Valid() {
		return nil, fmt.Errorf("unknown provider family %q", spec.Family)
	}
	if len(spec.URLs) == 0 {
		return nil, fmt.Errorf("batch create requires at least one url")
	}
	if len(spec.APIKeys) == 0 {
		return nil, fmt.Errorf("batch create requires at least one api key")
	}

	group := spec.Group
	if group == "" {
		group = spec.NamePrefix
	}

	r.mu.Lock()
	next := r.nextSortIndexLocked(group)
	batch := make([]*types.Provider, 0, len(spec.URLs)*len(spec.APIKeys))
	for ui, url := range spec.URLs {
		for ki, key := range spec.APIKeys {
			p := &types.Provider{
				ID:     uuid.New().String(),
				Name:   fmt.Sprintf("%s-u%d-k%d", spec.NamePrefix, ui+1, ki+1),
				Group:  group,
				Family: spec.Family,
				Endpoints: []types.Endpoint{{
					URL:      url,
					APIKey:   key,
					Priority: ui,
				}},
				RotationTier:    spec.RotationTier,
				GroupPriority:   spec.GroupPriority,
				SortIndex:       next,
				CooldownSeconds: spec.CooldownSeconds,
				ProbeModel:      spec.ProbeModel,
				Headers:         copyHeaders(spec.Headers),
			}
			next++
			if err := p.Validate(); err != nil {
				r.mu.Unlock()
				return nil, err
			}
			batch = append(batch, p)
		}
	}

	created := make([]*types.Provider, 0, len(batch))
	for _, p := range batch {
		r.providers[p.ID] = p
		created = append(created, p.Clone())
	}
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"group":   group,
		"family":  spec.Family,
		"created": len(created),
	}).Info("Providers batch created")

	return created, nil
}

// Candidates expands every enabled provider of the family into one
// candidate per endpoint, attaching the last measured latency for the
// endpoint URL. Cooldown and breaker filtering is left to the caller.
func (r *Registry) Candidates(family types.Family) []types.Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.Candidate
	for _, p := range r.providers {
		if p.Disabled || p.Family != family {
			continue
		}
		clone := p.Clone()
		for _, ep := range clone.Endpoints {
			out = append(out, types.Candidate{
				Provider: clone,
				Endpoint: ep,
				Latency:  r.latencies[ep.URL],
			})
		}
	}
	return out
}

// RecordUsage bumps the usage counter and last-used timestamp after a
// successful upstream exchange and remembers the provider as active
// for its family. Persistence errors are logged, not returned, so
// bookkeeping never fails a request that was already served.
func (r *Registry) RecordUsage(ctx context.Context, providerID string) {
	r.mu.Lock()
	p, ok := r.providers[providerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	p.UsageCount++
	p.LastUsedAt = r.now()
	r.active[p.Family] = p.ID
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		r.logger.WithError(err).WithField("provider", providerID).Warn("Failed to persist usage update")
	}
}

// ActiveProvider returns the id of the provider that most recently
// served a request for the family.
func (r *Registry) ActiveProvider(family types.Family) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.active[family]
	return id, ok
}

// ActiveGroup returns the group of the provider that most recently
// served a request for the family. The second result is false until a
// request has succeeded, or when that provider has since been removed.
func (r *Registry) ActiveGroup(family types.Family) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.active[family]
	if !ok {
		return "", false
	}
	p, ok := r.providers[id]
	if !ok {
		return "", false
	}
	return p.Group, true
}

// SetCooldown places a provider in cooldown for the given duration,
// or for the provider's configured duration when d is zero.
func (r *Registry) SetCooldown(ctx context.Context, id string, d time.Duration) error {
	r.mu.Lock()
	p, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("provider %s not found", id)
	}
	if d <= 0 {
		d = p.CooldownDuration()
	}
	until := r.now().Add(d)
	p.CooldownUntil = until
	name := p.Name
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"provider": name,
		"until":    until.Format(time.RFC3339),
	}).Warn("Provider placed in cooldown")

	return r.persist(ctx)
}

// ClearCooldown removes a provider's cooldown. Clearing a provider
// that is not cooling down is a no-op.
func (r *Registry) ClearCooldown(ctx context.Context, id string) error {
	r.mu.Lock()
	p, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("provider %s not found", id)
	}
	if p.CooldownUntil.IsZero() {
		r.mu.Unlock()
		return nil
	}
	p.CooldownUntil = time.Time{}
	name := p.Name
	r.mu.Unlock()

	r.logger.WithField("provider", name).Info("Provider cooldown cleared")
	return r.persist(ctx)
}

// ListCooldowns reports every provider currently in cooldown with the
// seconds remaining, ordered by provider id.
func (r *Registry) ListCooldowns() []types.CooldownStatus {
	now := r.now()

	r.mu.RLock()
	var out []types.CooldownStatus
	for _, p := range r.providers {
		if !p.InCooldown(now) {
			continue
		}
		remaining := int64(p.CooldownUntil.Sub(now).Seconds())
		if remaining < 1 {
			remaining = 1
		}
		out = append(out, types.CooldownStatus{
			ProviderID:       p.ID,
			ProviderName:     p.Name,
			RemainingSeconds: remaining,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// SetLatency records the most recent latency measurement for a URL.
func (r *Registry) SetLatency(url string, d time.Duration) {
	r.mu.Lock()
	r.latencies[url] = d
	r.mu.Unlock()
}

// EndpointURLs returns the distinct endpoint URLs across all
// providers, used by the latency monitor.
func (r *Registry) EndpointURLs() []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	var out []string
	for _, p := range r.providers {
		for _, ep := range p.Endpoints {
			if _, ok := seen[ep.URL]; ok {
				continue
			}
			seen[ep.URL] = struct{}{}
			out = append(out, ep.URL)
		}
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// persist writes the current inventory back to the store.
func (r *Registry) persist(ctx context.Context) error {
	r.mu.RLock()
	snapshot := make([]*types.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		snapshot = append(snapshot, p.Clone())
	}
	r.mu.RUnlock()

	sortProviders(snapshot)

	if err := r.store.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to persist providers: %w", err)
	}
	return nil
}

// nextSortIndexLocked returns one past the highest sort index in the
// group, starting at 1. Caller must hold the write lock.
func (r *Registry) nextSortIndexLocked(group string) int {
	next := 1
	for _, p := range r.providers {
		if p.Group == group && p.SortIndex >= next {
			next = p.SortIndex + 1
		}
	}
	return next
}

func sortProviders(providers []*types.Provider) {
	sort.Slice(providers, func(i, j int) bool {
		if providers[i].Group != providers[j].Group {
			return providers[i].Group < providers[j].Group
		}
		if providers[i].SortIndex != providers[j].SortIndex {
			return providers[i].SortIndex < providers[j].SortIndex
		}
		return providers[i].ID < providers[j].ID
	})
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
