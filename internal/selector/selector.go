// Package selector ranks provider candidates for a family. Ranking is
// recomputed on every call from current registry and breaker state,
// never cached, so selection always reflects the latest counters.
package selector

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-relay/internal/breaker"
	"github.com/tributary-ai/llm-relay/internal/registry"
	"github.com/tributary-ai/llm-relay/internal/types"
)

// Selector filters and orders candidates for dispatch.
type Selector struct {
	registry *registry.Registry
	breakers *breaker.Arena
	logger   *logrus.Logger
	now      func() time.Time
}

// Option customizes a Selector.
type Option func(*Selector)

// WithNowFunc overrides the selector clock, used by tests.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

// New creates a selector over the registry and breaker arena.
func New(reg *registry.Registry, breakers *breaker.Arena, logger *logrus.Logger, opts ...Option) *Selector {
	s := &Selector{
		registry: reg,
		breakers: breakers,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rank returns the eligible candidates for the family in dispatch
// order. Candidates in cooldown, with an open breaker, or whose key
// appears in exclude are dropped. An empty result means every
// candidate is exhausted.
//
// Ordering applies these criteria in strict precedence: the active
// provider's group first, remaining groups by name, then rotation
// tier, endpoint priority, measured latency, group priority, usage
// count, last-used time and finally sort index. Sort index is unique
// within a group, which makes the order a deterministic total order.
func (s *Selector) Rank(family types.Family, exclude map[string]bool) []types.Candidate {
	now := s.now()
	activeGroup, hasActive := s.registry.ActiveGroup(family)

	all := s.registry.Candidates(family)
	eligible := make([]types.Candidate, 0, len(all))
	for _, c := range all {
		if c.Provider.InCooldown(now) {
			continue
		}
		if exclude[c.Key()] {
			continue
		}
		if !s.breakers.Allow(c.Key()) {
			continue
		}
		eligible = append(eligible, c)
	}

	sort.Slice(eligible, func(i, j int) bool {
		return less(eligible[i], eligible[j], activeGroup, hasActive)
	})

	s.logger.WithFields(logrus.Fields{
		"family":   family,
		"total":    len(all),
		"eligible": len(eligible),
	}).Debug("Candidates ranked")

	return eligible
}

// less compares two candidates under the ranking criteria. Earlier
// criteria dominate ties in later ones.
func less(a, b types.Candidate, activeGroup string, hasActive bool) bool {
	if hasActive {
		aActive := a.Provider.Group == activeGroup
		bActive := b.Provider.Group == activeGroup
		if aActive != bActive {
			return aActive
		}
	}
	if a.Provider.Group != b.Provider.Group {
		return a.Provider.Group < b.Provider.Group
	}
	if a.Provider.RotationTier != b.Provider.RotationTier {
		return a.Provider.RotationTier < b.Provider.RotationTier
	}
	if a.Endpoint.Priority != b.Endpoint.Priority {
		return a.Endpoint.Priority < b.Endpoint.Priority
	}
	if a.Latency != b.Latency {
		return a.Latency < b.Latency
	}
	if a.Provider.GroupPriority != b.Provider.GroupPriority {
		return a.Provider.GroupPriority < b.Provider.GroupPriority
	}
	if a.Provider.UsageCount != b.Provider.UsageCount {
		return a.Provider.UsageCount < b.Provider.UsageCount
	}
	if !a.Provider.LastUsedAt.Equal(b.Provider.LastUsedAt) {
		return a.Provider.LastUsedAt.Before(b.Provider.LastUsedAt)
	}
	return a.Provider.SortIndex < b.Provider.SortIndex
}
