// Package cooldown implements long-term URL avoidance driven by
// cross-validation between URLs rather than raw failure counts. A URL
// is only cooled down once its key is proven to work elsewhere, so a
// bad credential or a provider-wide outage never sidelines URLs that
// are not at fault.
package cooldown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-relay/internal/registry"
	"github.com/tributary-ai/llm-relay/internal/types"
)

// markerKey identifies one key and URL combination that failed while
// its breaker was open.
type markerKey struct {
	apiKey string
	url    string
}

// Manager records failure markers per key and URL combination and
// turns them into provider cooldowns once the same key succeeds on a
// different URL.
type Manager struct {
	registry *registry.Registry
	logger   *logrus.Logger

	mu      sync.Mutex
	markers map[markerKey]time.Time

	retention time.Duration
	now       func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithNowFunc overrides the manager clock, used by tests.
func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRetention overrides how long unresolved failure markers are
// kept before being pruned.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// NewManager creates a cooldown manager on top of the registry.
func NewManager(reg *registry.Registry, logger *logrus.Logger, opts ...Option) *Manager {
	m := &Manager{
		registry:  reg,
		logger:    logger,
		markers:   make(map[markerKey]time.Time),
		retention: types.DefaultCooldownDuration,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordFailure is the failure-side half of the attribution. A marker
// is written only when the candidate's breaker opened on this failure;
// isolated failures below the breaker threshold carry no long-term
// signal.
func (m *Manager) RecordFailure(cand types.Candidate, breakerOpen bool) {
	if !breakerOpen {
		return
	}

	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(now)
	m.markers[markerKey{apiKey: cand.Endpoint.APIKey, url: cand.Endpoint.URL}] = now

	m.logger.WithFields(logrus.Fields{
		"provider": cand.Provider.Name,
		"url":      cand.Endpoint.URL,
	}).Debug("Cooldown failure marker recorded")
}

// RecordSuccess is the success-side half. The succeeding key and URL
// combination is exonerated, then every other URL where the same key
// previously failed is cooled down: the credential demonstrably
// works, so the URL is at fault. When all of a group's key and URL
// combinations are marked failed, the picture is indistinguishable
// from a group-wide outage, so a warning is logged instead of a
// cooldown.
func (m *Manager) RecordSuccess(ctx context.Context, cand types.Candidate) {
	key := cand.Endpoint.APIKey
	url := cand.Endpoint.URL

	m.mu.Lock()
	delete(m.markers, markerKey{apiKey: key, url: url})
	marked := make(map[markerKey]bool, len(m.markers))
	for mk := range m.markers {
		marked[mk] = true
	}
	m.mu.Unlock()

	if len(marked) == 0 {
		return
	}

	providers := m.registry.List()

	groupCombos := make(map[string][]markerKey)
	for _, p := range providers {
		for _, ep := range p.Endpoints {
			groupCombos[p.Group] = append(groupCombos[p.Group], markerKey{apiKey: ep.APIKey, url: ep.URL})
		}
	}

	var cleared []markerKey
	for _, p := range providers {
		for _, ep := range p.Endpoints {
			if ep.APIKey != key || ep.URL == url {
				continue
			}
			mk := markerKey{apiKey: ep.APIKey, url: ep.URL}
			if !marked[mk] {
				continue
			}

			if groupFullyFailed(groupCombos[p.Group], marked) {
				m.logger.WithFields(logrus.Fields{
					"provider": p.Name,
					"group":    p.Group,
				}).Warn("Every key and URL combination in group is failing, skipping cooldown")
				continue
			}

			if err := m.registry.SetCooldown(ctx, p.ID, 0); err != nil {
				m.logger.WithError(err).WithField("provider", p.ID).Warn("Failed to set cooldown")
				continue
			}

			m.logger.WithFields(logrus.Fields{
				"provider": p.Name,
				"url":      ep.URL,
				"duration": p.CooldownDuration().String(),
			}).Warn("URL failing while its key works elsewhere, provider cooled down")
			cleared = append(cleared, mk)
		}
	}

	if len(cleared) > 0 {
		m.mu.Lock()
		for _, mk := range cleared {
			delete(m.markers, mk)
		}
		m.mu.Unlock()
	}
}

// Set places a provider in cooldown for the given duration, or its
// configured duration when d is zero.
func (m *Manager) Set(ctx context.Context, providerID string, d time.Duration) error {
	return m.registry.SetCooldown(ctx, providerID, d)
}

// Clear removes the provider's cooldown and forgets failure markers
// for its endpoints, so the next failure starts attribution fresh.
// Clearing a provider with no active cooldown is a no-op.
func (m *Manager) Clear(ctx context.Context, providerID string) error {
	p, ok := m.registry.Get(providerID)
	if !ok {
		return fmt.Errorf("provider %s not found", providerID)
	}

	if err := m.registry.ClearCooldown(ctx, providerID); err != nil {
		return err
	}

	m.mu.Lock()
	for _, ep := range p.Endpoints {
		delete(m.markers, markerKey{apiKey: ep.APIKey, url: ep.URL})
	}
	m.mu.Unlock()

	return nil
}

// List reports every provider currently in cooldown with remaining time.
func (m *Manager) List() []types.CooldownStatus {
	return m.registry.ListCooldowns()
}

// MarkerCount returns the number of unresolved failure markers.
func (m *Manager) MarkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.markers)
}

// pruneLocked drops markers older than the retention window. Caller
// must hold the lock.
func (m *Manager) pruneLocked(now time.Time) {
	for mk, recorded := range m.markers {
		if now.Sub(recorded) > m.retention {
			delete(m.markers, mk)
		}
	}
}

// groupFullyFailed reports whether every key and URL combination in
// the group carries a failure marker.
func groupFullyFailed(combos []markerKey, marked map[markerKey]bool) bool {
	if len(combos) == 0 {
		return false
	}
	for _, c := range combos {
		if !marked[c] {
			return false
		}
	}
	return true
}
