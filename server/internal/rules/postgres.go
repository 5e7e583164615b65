package rules

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/servwatch/servwatch/server/internal/alerting"
)

// listEnabledQuery reads the alerts table. condition holds the comparator in
// either its short (gt) or long (greater_than) form; duration and cooldown
// are seconds.
const listEnabledQuery = `
	SELECT id, user_id, name, severity, COALESCE(target_id, ''), metric_type,
	       condition, threshold, duration, cooldown, enabled
	FROM alerts
	WHERE enabled = TRUE AND ($1 = '' OR user_id = $1)
	ORDER BY id
`

// Postgres lists enabled rules from the alerts table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres returns a rule backend reading from db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// ListEnabledRules implements alerting.RuleSource. Rows that do not compile
// are logged and skipped so one bad row cannot disable the tenant's rules.
func (p *Postgres) ListEnabledRules(ctx context.Context, tenantID string) ([]alerting.Rule, error) {
	rows, err := p.db.QueryContext(ctx, listEnabledQuery, tenantID)
	if err != nil {
		return nil, fmt.Errorf("rules: query enabled rules: %w", err)
	}
	defer rows.Close()

	var out []alerting.Rule
	for rows.Next() {
		var (
			r                 alerting.Rule
			cmp               string
			sustain, cooldown int64
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &r.Severity, &r.SourceFilter,
			&r.MetricPath, &cmp, &r.Threshold, &sustain, &cooldown, &r.Enabled); err != nil {
			return nil, fmt.Errorf("rules: scan rule: %w", err)
		}
		r.Comparator = alerting.Comparator(cmp)
		r.Sustain = time.Duration(sustain) * time.Second
		r.Cooldown = time.Duration(cooldown) * time.Second
		if err := r.Compile(); err != nil {
			slog.Warn("rules: skipping invalid rule row", "rule", r.ID, "err", err)
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rules: iterate rules: %w", err)
	}
	return out, nil
}
