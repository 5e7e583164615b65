package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/servwatch/servwatch/pkg/types"
)

// ErrUnknownComparator is returned for a comparator outside gt|lt|eq|ne and
// their aliases.
var ErrUnknownComparator = errors.New("unknown comparator")

// Comparator is the relation tested between the metric value and the
// threshold.
type Comparator string

const (
	GT Comparator = "gt"
	LT Comparator = "lt"
	EQ Comparator = "eq"
	NE Comparator = "ne"
)

// ParseComparator accepts the canonical names, the symbolic forms and the
// long names stored by older rule tables (greater_than, ...).
func ParseComparator(s string) (Comparator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gt", ">", "greater_than":
		return GT, nil
	case "lt", "<", "less_than":
		return LT, nil
	case "eq", "==", "equals":
		return EQ, nil
	case "ne", "!=", "not_equals":
		return NE, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownComparator, s)
}

// Severity levels. Rules without one default to SeverityWarning.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Rule is one threshold rule owned by a tenant. Rules are created and edited
// outside the engine; the engine only reads enabled ones.
type Rule struct {
	ID       string
	TenantID string
	Name     string
	Severity string

	// SourceFilter restricts the rule to one source. Empty matches every
	// source of the tenant.
	SourceFilter string

	MetricPath string
	Comparator Comparator
	Threshold  float64

	// Sustain is the minimum continuous breach before the rule fires.
	Sustain time.Duration

	// Cooldown is the minimum gap between two fires of the rule.
	Cooldown time.Duration

	Enabled bool

	path types.Path
}

// Compile parses MetricPath into a typed accessor and normalises the rule.
// It must succeed before the rule can be evaluated.
func (r *Rule) Compile() error {
	if r.ID == "" {
		return errors.New("rule: id is required")
	}
	p, err := types.ParsePath(r.MetricPath)
	if err != nil {
		return fmt.Errorf("rule %q: %w", r.ID, err)
	}
	cmp, err := ParseComparator(string(r.Comparator))
	if err != nil {
		return fmt.Errorf("rule %q: %w", r.ID, err)
	}
	if r.Sustain < 0 {
		return fmt.Errorf("rule %q: sustain must not be negative", r.ID)
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("rule %q: cooldown must not be negative", r.ID)
	}
	switch r.Severity {
	case "":
		r.Severity = SeverityWarning
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return fmt.Errorf("rule %q: unknown severity %q", r.ID, r.Severity)
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	r.Comparator = cmp
	r.path = p
	return nil
}

// Path returns the compiled metric accessor. It is the zero Path until
// Compile succeeds.
func (r *Rule) Path() types.Path { return r.path }

// Matches reports whether the rule applies to snapshots from sourceID.
func (r *Rule) Matches(sourceID string) bool {
	return r.SourceFilter == "" || r.SourceFilter == sourceID
}

// RuleSource lists the enabled rules of a tenant. An empty tenantID lists the
// enabled rules of every tenant.
type RuleSource interface {
	ListEnabledRules(ctx context.Context, tenantID string) ([]Rule, error)
}
