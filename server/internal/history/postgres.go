package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/servwatch/servwatch/pkg/types"
	"github.com/servwatch/servwatch/server/internal/storage"
)

const insertQuery = `INSERT INTO alert_history (id, rule_id, tenant_id, source_id, rule_name, severity, metric_path, comparator, threshold, actual_value, message, status, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

// Postgres writes alert events to the alert_history table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres returns a Recorder writing to db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Name() string { return "postgres" }

// Record inserts ev. A duplicate event ID is treated as already recorded.
func (p *Postgres) Record(ctx context.Context, ev types.AlertEvent) error {
	_, err := p.db.ExecContext(ctx, insertQuery,
		ev.ID,
		ev.RuleID,
		ev.TenantID,
		ev.SourceID,
		ev.RuleName,
		ev.Severity,
		ev.MetricPath,
		ev.Comparator,
		ev.Threshold,
		ev.ActualValue,
		ev.Message(),
		status(ev.Kind),
		time.UnixMilli(ev.AtMs).UTC(),
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("history: insert event %s: %w", ev.ID, err)
	}
	return nil
}

// status maps an event kind to the alert_history status column.
func status(k types.EventKind) string {
	if k == types.EventResolved {
		return "resolved"
	}
	return "triggered"
}
