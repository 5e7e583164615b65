package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/servwatch/servwatch/pkg/types"
	"github.com/servwatch/servwatch/server/internal/metrics"
)

// Phase is the position of a rule in its breach-timing state machine.
type Phase string

const (
	PhaseOK        Phase = "ok"
	PhaseBreaching Phase = "breaching"
	PhaseFiring    Phase = "firing"
)

// BreachState is the engine-owned timing state of one rule. It lives only in
// memory and restarts from PhaseOK on process restart.
type BreachState struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	TenantID string `json:"tenantId"`
	SourceID string `json:"sourceId"`
	Phase    Phase  `json:"phase"`

	// BreachStartedAt is zero when Phase is PhaseOK.
	BreachStartedAt time.Time `json:"breachStartedAt,omitempty"`

	// LastFiredAt survives resolution so Cooldown spans breach episodes.
	LastFiredAt time.Time `json:"lastFiredAt,omitempty"`

	LastValue float64 `json:"lastValue"`
}

type ruleState struct {
	mu sync.Mutex
	st BreachState
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now as the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithResolveOnOpenBreach makes a rule that clears while still BREACHING
// (never fired) emit a resolved event. By default only FIRING rules resolve.
func WithResolveOnOpenBreach(on bool) Option {
	return func(e *Engine) { e.resolveOpen = on }
}

// Engine evaluates rules against incoming snapshots and emits fired/resolved
// events. Evaluation of different rules may run concurrently; evaluation of
// the same rule is serialized by a per-rule lock.
//
// Engine is safe for concurrent use.
type Engine struct {
	rules       RuleSource
	now         func() time.Time
	resolveOpen bool

	mu     sync.Mutex
	states map[string]*ruleState // key: rule ID
}

// New creates an Engine that reads its rules from rules.
func New(rules RuleSource, opts ...Option) *Engine {
	e := &Engine{
		rules:  rules,
		now:    time.Now,
		states: make(map[string]*ruleState),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate runs every enabled rule of tenantID that matches snap.SourceID and
// returns the events emitted, in emission order. An empty tenantID evaluates
// the rules of every tenant.
func (e *Engine) Evaluate(ctx context.Context, snap types.Snapshot, tenantID string) ([]types.AlertEvent, error) {
	var out []types.AlertEvent
	err := e.EvaluateFunc(ctx, snap, tenantID, func(ev types.AlertEvent) {
		out = append(out, ev)
	})
	return out, err
}

// EvaluateFunc is Evaluate with a callback. emit is invoked while the rule's
// lock is held, so events for one rule reach emit in causal order even when
// snapshots from different sources are evaluated concurrently. emit must not
// block.
//
// A failure in one rule is logged and skipped; only a failure to list rules
// is returned.
func (e *Engine) EvaluateFunc(ctx context.Context, snap types.Snapshot, tenantID string, emit func(types.AlertEvent)) error {
	rules, err := e.rules.ListEnabledRules(ctx, tenantID)
	if err != nil {
		metrics.RuleEvalErrors.WithLabelValues("list").Inc()
		return fmt.Errorf("alerting: list rules for tenant %q: %w", tenantID, err)
	}

	for i := range rules {
		r := &rules[i]
		if !r.Enabled || !r.Matches(snap.SourceID) {
			continue
		}
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		e.evalRule(r, snap, emit)
	}
	return nil
}

// evalRule isolates one rule: a bad path or a panic is logged and the rest of
// the rule set still runs.
func (e *Engine) evalRule(r *Rule, snap types.Snapshot, emit func(types.AlertEvent)) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("alerting: rule evaluation panicked",
				"rule", r.ID,
				"source", snap.SourceID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			metrics.RuleEvalErrors.WithLabelValues("panic").Inc()
		}
	}()

	if r.Path().IsZero() {
		if err := r.Compile(); err != nil {
			slog.Warn("alerting: skipping invalid rule", "rule", r.ID, "err", err)
			metrics.RuleEvalErrors.WithLabelValues("compile").Inc()
			return
		}
	}

	value, err := r.Path().Lookup(snap.Metrics)
	if err != nil {
		// Missing or non-numeric metric: the rule is skipped and its state
		// is left untouched.
		if !errors.Is(err, types.ErrPathNotFound) {
			metrics.RuleEvalErrors.WithLabelValues("path").Inc()
		}
		slog.Debug("alerting: metric unavailable", "rule", r.ID, "source", snap.SourceID, "err", err)
		return
	}
	breach := compare(value, r.Comparator, r.Threshold)

	rs := e.stateFor(r.ID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	now := e.now()
	next, kind := step(rs.st, breach, now, r, e.resolveOpen)
	next.RuleID = r.ID
	next.RuleName = r.Name
	next.TenantID = r.TenantID
	next.SourceID = snap.SourceID
	next.LastValue = value
	rs.st = next

	if kind == "" {
		return
	}

	ev := types.AlertEvent{
		ID:          uuid.NewString(),
		RuleID:      r.ID,
		RuleName:    r.Name,
		Severity:    r.Severity,
		TenantID:    r.TenantID,
		SourceID:    snap.SourceID,
		MetricPath:  r.MetricPath,
		Comparator:  string(r.Comparator),
		ActualValue: value,
		Threshold:   r.Threshold,
		Kind:        kind,
		AtMs:        now.UnixMilli(),
	}
	metrics.AlertEvents.WithLabelValues(string(kind)).Inc()
	if kind == types.EventFired {
		slog.Warn("alert fired",
			"rule", r.ID, "tenant", r.TenantID, "source", snap.SourceID,
			"value", value, "threshold", r.Threshold, "severity", r.Severity)
	} else {
		slog.Info("alert resolved", "rule", r.ID, "tenant", r.TenantID, "source", snap.SourceID)
	}
	emit(ev)
}

// step is the per-rule state machine. It returns the next state and the
// event kind to emit, or "" for none.
func step(st BreachState, breach bool, now time.Time, r *Rule, resolveOpen bool) (BreachState, types.EventKind) {
	if st.Phase == "" {
		st.Phase = PhaseOK
	}

	if !breach {
		if st.Phase == PhaseOK {
			return st, ""
		}
		prior := st.Phase
		st.Phase = PhaseOK
		st.BreachStartedAt = time.Time{}
		if prior == PhaseFiring || resolveOpen {
			return st, types.EventResolved
		}
		return st, ""
	}

	// Opening a breach is the whole transition for this evaluation, so even a
	// zero sustain fires on the next breaching snapshot.
	if st.Phase == PhaseOK {
		st.Phase = PhaseBreaching
		st.BreachStartedAt = now
		return st, ""
	}

	if now.Sub(st.BreachStartedAt) < r.Sustain {
		return st, ""
	}
	if !st.LastFiredAt.IsZero() && now.Sub(st.LastFiredAt) < r.Cooldown {
		return st, ""
	}

	// Fire and re-arm: the next fire needs another full sustain window.
	st.Phase = PhaseFiring
	st.BreachStartedAt = now
	st.LastFiredAt = now
	return st, types.EventFired
}

func (e *Engine) stateFor(ruleID string) *ruleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.states[ruleID]
	if !ok {
		rs = &ruleState{st: BreachState{RuleID: ruleID, Phase: PhaseOK}}
		e.states[ruleID] = rs
	}
	return rs
}

// State returns the current state of one rule. Rules never evaluated are
// reported as PhaseOK.
func (e *Engine) State(ruleID string) BreachState {
	e.mu.Lock()
	rs, ok := e.states[ruleID]
	e.mu.Unlock()
	if !ok {
		return BreachState{RuleID: ruleID, Phase: PhaseOK}
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.st
}

// States returns copies of every rule state that is not PhaseOK, ordered by
// rule ID.
func (e *Engine) States() []BreachState {
	e.mu.Lock()
	all := make([]*ruleState, 0, len(e.states))
	for _, rs := range e.states {
		all = append(all, rs)
	}
	e.mu.Unlock()

	out := make([]BreachState, 0, len(all))
	for _, rs := range all {
		rs.mu.Lock()
		st := rs.st
		rs.mu.Unlock()
		if st.Phase != PhaseOK {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// Forget drops the state of rules that are no longer configured.
func (e *Engine) Forget(ruleIDs ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ruleIDs {
		delete(e.states, id)
	}
}
