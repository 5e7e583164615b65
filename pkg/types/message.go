package types

// Message types exchanged over the agent and session websockets.
const (
	// agent → server
	MsgMetricsData   = "metrics:data"
	MsgAgentRegister = "agent:register"

	// server → agent
	MsgAgentRegistered = "agent:registered"

	// session → server
	MsgAuthenticate = "authenticate"

	// server → session
	MsgAuthSuccess    = "auth:success"
	MsgAuthError      = "auth:error"
	MsgMetricsUpdate  = "metrics:update"
	MsgAlertTriggered = "alert:triggered"
	MsgAlertResolved  = "alert:resolved"
)

// AgentMessage is the envelope for every frame on the agent channel, in both
// directions. Fields not used by a given Type are omitted.
type AgentMessage struct {
	Type          string     `json:"type"`
	SourceID      string     `json:"sourceId"`
	CollectedAtMs int64      `json:"collectedAtEpochMs,omitempty"`
	Metrics       MetricTree `json:"metricTree,omitempty"`
}

// MetricsData wraps s for submission to the gateway.
func MetricsData(s Snapshot) AgentMessage {
	return AgentMessage{
		Type:          MsgMetricsData,
		SourceID:      s.SourceID,
		CollectedAtMs: s.CollectedAtMs,
		Metrics:       s.Metrics,
	}
}

// Snapshot extracts the snapshot carried by a metrics:data message.
func (m AgentMessage) Snapshot() Snapshot {
	return Snapshot{
		SourceID:      m.SourceID,
		CollectedAtMs: m.CollectedAtMs,
		Metrics:       m.Metrics,
	}
}

// SessionRequest is a frame sent by a subscriber session.
type SessionRequest struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

// AuthReply answers an authenticate request.
type AuthReply struct {
	Type      string `json:"type"`
	SubjectID string `json:"subjectId,omitempty"`
	Role      string `json:"role,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SnapshotUpdate is the metrics:update frame. The snapshot fields are inlined.
type SnapshotUpdate struct {
	Type string `json:"type"`
	Snapshot
	TenantID string `json:"tenantId,omitempty"`
}

// AlertUpdate is the alert:triggered / alert:resolved frame. The event fields
// are inlined.
type AlertUpdate struct {
	Type string `json:"type"`
	AlertEvent
}

// NewAlertUpdate picks the frame type from the event kind.
func NewAlertUpdate(ev AlertEvent) AlertUpdate {
	t := MsgAlertTriggered
	if ev.Kind == EventResolved {
		t = MsgAlertResolved
	}
	return AlertUpdate{Type: t, AlertEvent: ev}
}
