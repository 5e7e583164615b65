package types

import "fmt"

// EventKind distinguishes a firing alert from its resolution.
type EventKind string

const (
	EventFired    EventKind = "fired"
	EventResolved EventKind = "resolved"
)

// AlertEvent is emitted by the evaluation engine on a fire or resolve
// transition. It is write-once: handed to the history store and to fan-out,
// then dropped by the engine.
type AlertEvent struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"ruleId"`
	RuleName    string    `json:"ruleName,omitempty"`
	Severity    string    `json:"severity,omitempty"`
	TenantID    string    `json:"tenantId"`
	SourceID    string    `json:"sourceId"`
	MetricPath  string    `json:"metricPath"`
	Comparator  string    `json:"comparator"`
	ActualValue float64   `json:"actualValue"`
	Threshold   float64   `json:"threshold"`
	Kind        EventKind `json:"kind"`
	AtMs        int64     `json:"atEpochMs"`
}

// Message is the human-readable one-line description stored in history and
// sent to webhooks.
func (e AlertEvent) Message() string {
	verb := "fired"
	if e.Kind == EventResolved {
		verb = "resolved"
	}
	return fmt.Sprintf("%s %s on %s: %s %s %g (actual %g)",
		e.RuleName, verb, e.SourceID, e.MetricPath, e.Comparator, e.Threshold, e.ActualValue)
}
