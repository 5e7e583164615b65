// Package rules provides the rule backends the evaluation engine reads from:
// a static set loaded from the config file and a Postgres table.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/servwatch/servwatch/server/internal/alerting"
	"github.com/servwatch/servwatch/server/internal/config"
)

// Static serves a compiled, in-memory rule set. Replace swaps it atomically,
// which is how config hot-reload reaches the engine.
type Static struct {
	mu    sync.RWMutex
	rules []alerting.Rule
}

// NewStatic compiles rules and returns a Static backend serving them.
func NewStatic(rules []alerting.Rule) (*Static, error) {
	s := &Static{}
	if _, err := s.Replace(rules); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace compiles rules and swaps them in. On error the previous set stays
// active. It returns the IDs present before and absent now.
func (s *Static) Replace(rules []alerting.Rule) ([]string, error) {
	compiled := make([]alerting.Rule, len(rules))
	next := make(map[string]bool, len(rules))
	for i, r := range rules {
		if err := r.Compile(); err != nil {
			return nil, fmt.Errorf("rules: %w", err)
		}
		if next[r.ID] {
			return nil, fmt.Errorf("rules: duplicate rule id %q", r.ID)
		}
		next[r.ID] = true
		compiled[i] = r
	}
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].ID < compiled[j].ID })

	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for _, r := range s.rules {
		if !next[r.ID] {
			removed = append(removed, r.ID)
		}
	}
	s.rules = compiled
	return removed, nil
}

// ListEnabledRules implements alerting.RuleSource.
func (s *Static) ListEnabledRules(_ context.Context, tenantID string) ([]alerting.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]alerting.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if !r.Enabled {
			continue
		}
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// FromConfig converts config file rules into engine rules.
func FromConfig(in []config.AlertRule) []alerting.Rule {
	out := make([]alerting.Rule, 0, len(in))
	for _, r := range in {
		out = append(out, alerting.Rule{
			ID:           r.ID,
			TenantID:     r.Tenant,
			Name:         r.Name,
			Severity:     r.Severity,
			SourceFilter: r.Source,
			MetricPath:   r.Metric,
			Comparator:   alerting.Comparator(r.Comparator),
			Threshold:    r.Threshold,
			Sustain:      r.Sustain,
			Cooldown:     r.Cooldown,
			Enabled:      r.IsEnabled(),
		})
	}
	return out
}
