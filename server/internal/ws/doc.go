// Package ws implements the fan-out router: a WebSocket hub for subscriber
// sessions that delivers metric snapshots and alert events only to sessions
// entitled to see them.
//
// A session authenticates with "Authorization: Bearer <token>" on the
// upgrade request or, once connected, with {"type":"authenticate","token":...}.
// Unauthenticated sessions receive nothing but auth replies.
//
// Entitlement for data owned by tenant T: sessions whose subject is T and
// privileged (admin) sessions. Data with no resolved owner goes to every
// authenticated session; that fallback is logged and counted.
//
// Delivery never blocks. Each session has a bounded outgoing queue; a session
// whose queue is full is disconnected. Nothing is queued for sessions that
// are not connected at publish time.
//
// Frames sent to sessions:
//
//	{"type":"metrics:update","sourceId":...,"collectedAtEpochMs":...,"metricTree":{...},"tenantId":...}
//	{"type":"alert:triggered","ruleId":...,"tenantId":...,"sourceId":...,"actualValue":...,"threshold":...,"atEpochMs":...}
//	{"type":"alert:resolved", ...same fields...}
//
// The hub is mounted at /ws/stream by the server.
package ws
