package api

import "github.com/servwatch/servwatch/pkg/types"

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status         string `json:"status"`
	SourceCount    int    `json:"source_count"`
	BreachingCount int    `json:"breaching_count"`
	FiringCount    int    `json:"firing_count"`
	GeneratedAt    string `json:"generated_at"` // RFC3339
}

// SourceResponse is one entry in GET /api/v1/sources or
// GET /api/v1/sources/{id}.
type SourceResponse struct {
	SourceID    string           `json:"source_id"`
	TenantID    string           `json:"tenant_id,omitempty"`
	CollectedAt string           `json:"collected_at"` // RFC3339, agent clock
	LastSeen    string           `json:"last_seen"`    // RFC3339, server clock
	Metrics     types.MetricTree `json:"metrics"`

	// Alerts lists the rules currently breaching or firing for this source.
	Alerts []AlertResponse `json:"alerts"`
}

// AlertResponse is one non-OK rule state.
type AlertResponse struct {
	RuleID          string  `json:"rule_id"`
	RuleName        string  `json:"rule_name"`
	TenantID        string  `json:"tenant_id"`
	SourceID        string  `json:"source_id"`
	Phase           string  `json:"phase"`
	BreachStartedAt string  `json:"breach_started_at,omitempty"` // RFC3339
	LastFiredAt     string  `json:"last_fired_at,omitempty"`     // RFC3339
	LastValue       float64 `json:"last_value"`
}

// errorResponse is the JSON body for error responses.
type errorResponse struct {
	Error string `json:"error"`
}
