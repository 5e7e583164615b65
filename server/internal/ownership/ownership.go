// Package ownership maps a source ID to the tenant that owns it.
//
// A Resolver returns "" with a nil error for a source that is not registered
// to any tenant. Callers treat both that and a lookup error as "unresolved",
// which makes fan-out fall back to broadcasting.
package ownership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// Resolver resolves the owning tenant of a source.
type Resolver interface {
	ResolveTenant(ctx context.Context, sourceID string) (string, error)
}

// Static resolves from an in-memory map loaded from the config file.
type Static struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewStatic returns a Static resolver over a copy of m.
func NewStatic(m map[string]string) *Static {
	s := &Static{}
	s.Replace(m)
	return s
}

// Replace swaps the mapping. Used on config reload.
func (s *Static) Replace(m map[string]string) {
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	s.mu.Lock()
	s.m = cp
	s.mu.Unlock()
}

// ResolveTenant implements Resolver.
func (s *Static) ResolveTenant(_ context.Context, sourceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[sourceID], nil
}

const resolveQuery = `SELECT user_id FROM targets WHERE agent_id = $1 LIMIT 1`

// Postgres resolves from the targets table (agent_id → user_id).
type Postgres struct {
	db *sql.DB
}

// NewPostgres returns a resolver reading the targets table from db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// ResolveTenant implements Resolver.
func (p *Postgres) ResolveTenant(ctx context.Context, sourceID string) (string, error) {
	var tenant string
	err := p.db.QueryRowContext(ctx, resolveQuery, sourceID).Scan(&tenant)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ownership: resolve %q: %w", sourceID, err)
	}
	return tenant, nil
}
