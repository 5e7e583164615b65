package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/servwatch/servwatch/pkg/types"
)

// Entry is the latest snapshot of one source and the time it was received.
type Entry struct {
	Snapshot types.Snapshot
	// TenantID is the tenant the source resolved to on its last snapshot.
	// Empty when ownership was unknown.
	TenantID  string
	UpdatedAt time.Time
}

// Store is a thread-safe snapshot store keyed by source ID. Run evicts
// entries that have not been updated within the TTL.
type Store struct {
	mu   sync.RWMutex
	data map[string]*Entry
	ttl  time.Duration
	now  func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given TTL.
func New(ttl time.Duration) *Store {
	return &Store{
		data: make(map[string]*Entry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// TTL returns the eviction window.
func (s *Store) TTL() time.Duration { return s.ttl }

// Put stores or replaces the snapshot for snap.SourceID.
// Callers must not modify snap.Metrics after calling Put.
func (s *Store) Put(snap types.Snapshot, tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[snap.SourceID] = &Entry{
		Snapshot:  snap,
		TenantID:  tenantID,
		UpdatedAt: s.now(),
	}
}

// Get returns a copy of the entry for sourceID. The entry may be stale if
// the TTL has elapsed but Run has not evicted it yet.
func (s *Store) Get(sourceID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[sourceID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns the live entries ordered by source ID.
func (s *Store) List() []Entry {
	s.mu.RLock()
	cutoff := s.now().Add(-s.ttl)
	out := make([]Entry, 0, len(s.data))
	for _, e := range s.data {
		if e.UpdatedAt.After(cutoff) {
			out = append(out, *e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Snapshot.SourceID < out[j].Snapshot.SourceID
	})
	return out
}

// Count returns the number of entries held, including stale ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes entries whose UpdatedAt is older than now minus TTL and
// returns the number removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for id, e := range s.data {
		if !e.UpdatedAt.After(cutoff) {
			delete(s.data, id)
			removed++
		}
	}
	return removed
}

// Run evicts stale entries every half TTL (at least once a second) until
// ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted stale snapshots", "count", n)
			}
		}
	}
}
