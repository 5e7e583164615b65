package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/servwatch/servwatch/pkg/types"
	"github.com/servwatch/servwatch/server/internal/metrics"
	"github.com/servwatch/servwatch/server/internal/ownership"
	"github.com/servwatch/servwatch/server/internal/store"
)

const resolveTimeout = 2 * time.Second

// Publisher delivers data to subscriber sessions. *ws.Hub implements it.
type Publisher interface {
	PublishSnapshot(snap types.Snapshot, tenantID string)
	PublishAlertEvent(ev types.AlertEvent)
}

// Evaluator runs alert rules against a snapshot. *alerting.Engine implements it.
type Evaluator interface {
	EvaluateFunc(ctx context.Context, snap types.Snapshot, tenantID string, emit func(types.AlertEvent)) error
}

// EventRecorder queues alert events for persistence without blocking.
// *history.Writer implements it.
type EventRecorder interface {
	Enqueue(ev types.AlertEvent) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRecheck re-evaluates every live source's latest snapshot on the given
// interval, so alerts can resolve or fire without new data. Zero disables it.
func WithRecheck(interval time.Duration) Option {
	return func(g *Gateway) { g.recheck = interval }
}

// Gateway accepts snapshots and drives storage, fan-out and evaluation.
type Gateway struct {
	store   *store.Store
	owners  ownership.Resolver
	engine  Evaluator
	fanout  Publisher
	history EventRecorder
	recheck time.Duration

	// sources serializes processing per source ID across the agent
	// connection and the recheck loop.
	sources sync.Map // map[string]*sync.Mutex
}

// New creates a Gateway.
func New(st *store.Store, owners ownership.Resolver, engine Evaluator, fanout Publisher, history EventRecorder, opts ...Option) *Gateway {
	g := &Gateway{
		store:   st,
		owners:  owners,
		engine:  engine,
		fanout:  fanout,
		history: history,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// OnSnapshot handles one snapshot from an agent. Only a structurally invalid
// snapshot is an error; downstream failures are logged.
func (g *Gateway) OnSnapshot(ctx context.Context, snap types.Snapshot) error {
	if err := snap.Validate(); err != nil {
		metrics.SnapshotsReceived.WithLabelValues("rejected").Inc()
		return fmt.Errorf("gateway: %w", err)
	}
	metrics.SnapshotsReceived.WithLabelValues("accepted").Inc()

	mu := g.sourceLock(snap.SourceID)
	mu.Lock()
	defer mu.Unlock()

	tenantID := g.resolve(ctx, snap.SourceID)
	g.store.Put(snap, tenantID)

	slog.Debug("gateway: snapshot stored",
		"source", snap.SourceID,
		"tenant", tenantID,
		"collected_at_ms", snap.CollectedAtMs,
	)

	g.safely("fanout", func() { g.fanout.PublishSnapshot(snap, tenantID) })
	g.evaluate(ctx, snap, tenantID)
	return nil
}

// OnSourceRegistered acknowledges an agent's registration.
func (g *Gateway) OnSourceRegistered(sourceID string) types.AgentMessage {
	slog.Info("gateway: source registered", "source", sourceID)
	return types.AgentMessage{Type: types.MsgAgentRegistered, SourceID: sourceID}
}

// Run drives the periodic recheck until ctx is cancelled. Without a recheck
// interval it only waits for ctx.
func (g *Gateway) Run(ctx context.Context) {
	if g.recheck <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(g.recheck)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.Recheck(ctx)
		}
	}
}

// Recheck feeds the latest snapshot of every live source back into the
// evaluator under the tenant it last resolved to.
func (g *Gateway) Recheck(ctx context.Context) {
	for _, e := range g.store.List() {
		if ctx.Err() != nil {
			return
		}
		id := e.Snapshot.SourceID
		mu := g.sourceLock(id)
		mu.Lock()
		// Re-read under the lock: a newer snapshot may have arrived since List.
		if cur, ok := g.store.Get(id); ok {
			g.evaluate(ctx, cur.Snapshot, cur.TenantID)
		}
		mu.Unlock()
	}
}

// --- internal ---------------------------------------------------------------

func (g *Gateway) resolve(ctx context.Context, sourceID string) string {
	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	tenantID, err := g.owners.ResolveTenant(rctx, sourceID)
	switch {
	case err != nil:
		metrics.OwnershipLookups.WithLabelValues("error").Inc()
		slog.Warn("gateway: ownership lookup failed, treating source as unowned",
			"source", sourceID, "err", err)
		return ""
	case tenantID == "":
		metrics.OwnershipLookups.WithLabelValues("unresolved").Inc()
	default:
		metrics.OwnershipLookups.WithLabelValues("resolved").Inc()
	}
	return tenantID
}

func (g *Gateway) evaluate(ctx context.Context, snap types.Snapshot, tenantID string) {
	g.safely("evaluation", func() {
		if err := g.engine.EvaluateFunc(ctx, snap, tenantID, g.emit); err != nil {
			slog.Error("gateway: evaluation failed", "source", snap.SourceID, "tenant", tenantID, "err", err)
		}
	})
}

// emit runs under the engine's per-rule lock and must not block.
func (g *Gateway) emit(ev types.AlertEvent) {
	if err := g.history.Enqueue(ev); err != nil {
		slog.Warn("gateway: alert event not persisted", "event", ev.ID, "rule", ev.RuleID, "err", err)
	}
	g.safely("fanout", func() { g.fanout.PublishAlertEvent(ev) })
}

func (g *Gateway) safely(component string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.PanicsRecovered.WithLabelValues(component).Inc()
			slog.Error("gateway: recovered panic", "component", component, "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (g *Gateway) sourceLock(sourceID string) *sync.Mutex {
	mu, _ := g.sources.LoadOrStore(sourceID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
