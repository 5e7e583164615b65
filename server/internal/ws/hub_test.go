package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/servwatch/servwatch/pkg/types"
	"github.com/servwatch/servwatch/server/internal/auth"
	wsHub "github.com/servwatch/servwatch/server/internal/ws"
)

// --- helpers ----------------------------------------------------------------

type tokenTable map[string]auth.Principal

func (t tokenTable) Verify(_ context.Context, token string) (auth.Principal, error) {
	p, ok := t[token]
	if !ok {
		return auth.Principal{}, auth.ErrInvalidToken
	}
	return p, nil
}

var tokens = tokenTable{
	"tok-a":     {SubjectID: "tenant-a", Role: "user"},
	"tok-b":     {SubjectID: "tenant-b", Role: "user"},
	"tok-admin": {SubjectID: "ops", Role: auth.RoleAdmin},
}

// startHub serves a hub from a test server and returns its ws:// URL.
func startHub(t *testing.T) (wsURL string, hub *wsHub.Hub, cancel func()) {
	t.Helper()

	hub = wsHub.New(tokens, 16)
	ctx, cancelFn := context.WithCancel(context.Background())

	srv := httptest.NewServer(hub)
	go hub.Run(ctx)

	t.Cleanup(func() {
		cancelFn()
		srv.Close()
	})

	return "ws" + strings.TrimPrefix(srv.URL, "http"), hub, cancelFn
}

func dial(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, h)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// dialAuthed dials with a bearer token and consumes the auth:success reply,
// after which the session is registered and entitled.
func dialAuthed(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()
	conn := dial(t, wsURL, token)
	if m := readFrame(t, conn); m["type"] != types.MsgAuthSuccess {
		t.Fatalf("first frame: got %v, want auth:success", m["type"])
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(msg, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", msg, err)
	}
	return m
}

func snap(id string) types.Snapshot {
	return types.Snapshot{
		SourceID:      id,
		CollectedAtMs: 1_700_000_000_000,
		Metrics:       types.MetricTree{"cpu": map[string]any{"usage": 42.0}},
	}
}

// --- tests ------------------------------------------------------------------

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	hub := wsHub.New(tokens, 16)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestHub_InvalidBearer_Rejected(t *testing.T) {
	wsURL, _, _ := startHub(t)
	h := http.Header{"Authorization": []string{"Bearer nope"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, h)
	if err == nil {
		t.Fatal("dial with invalid token: expected error")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status: got %v, want 401", resp)
	}
}

func TestHub_AuthenticateMessage(t *testing.T) {
	wsURL, _, _ := startHub(t)
	conn := dial(t, wsURL, "")

	if err := conn.WriteJSON(types.SessionRequest{Type: types.MsgAuthenticate, Token: "bad"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m := readFrame(t, conn); m["type"] != types.MsgAuthError {
		t.Errorf("bad token: got %v, want auth:error", m["type"])
	}

	if err := conn.WriteJSON(types.SessionRequest{Type: types.MsgAuthenticate, Token: "tok-a"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := readFrame(t, conn)
	if m["type"] != types.MsgAuthSuccess || m["subjectId"] != "tenant-a" {
		t.Errorf("good token: got %v", m)
	}
}

func TestHub_UnauthenticatedSessionReceivesNothing(t *testing.T) {
	wsURL, hub, _ := startHub(t)
	conn := dial(t, wsURL, "")

	// Wait for registration so the publish below would reach it if it were entitled.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.PublishSnapshot(snap("orphan"), "")

	if err := conn.WriteJSON(types.SessionRequest{Type: types.MsgAuthenticate, Token: "tok-b"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m := readFrame(t, conn); m["type"] != types.MsgAuthSuccess {
		t.Errorf("first frame: got %v, want auth:success (no snapshot before auth)", m["type"])
	}
}

func TestHub_TenantIsolation(t *testing.T) {
	wsURL, hub, _ := startHub(t)
	a := dialAuthed(t, wsURL, "tok-a")
	b := dialAuthed(t, wsURL, "tok-b")
	admin := dialAuthed(t, wsURL, "tok-admin")

	hub.PublishSnapshot(snap("web-a"), "tenant-a")
	hub.PublishSnapshot(snap("web-b"), "tenant-b")

	if m := readFrame(t, a); m["sourceId"] != "web-a" || m["type"] != types.MsgMetricsUpdate {
		t.Errorf("tenant-a session: got %v, want web-a update", m)
	}
	// b's first frame must be its own snapshot, never tenant-a's.
	if m := readFrame(t, b); m["sourceId"] != "web-b" {
		t.Errorf("tenant-b session: got %v, want web-b", m["sourceId"])
	}
	if m := readFrame(t, admin); m["sourceId"] != "web-a" {
		t.Errorf("admin first: got %v, want web-a", m["sourceId"])
	}
	if m := readFrame(t, admin); m["sourceId"] != "web-b" {
		t.Errorf("admin second: got %v, want web-b", m["sourceId"])
	}
}

func TestHub_UnresolvedTenantBroadcastsToAll(t *testing.T) {
	wsURL, hub, _ := startHub(t)
	conns := []*websocket.Conn{
		dialAuthed(t, wsURL, "tok-a"),
		dialAuthed(t, wsURL, "tok-b"),
		dialAuthed(t, wsURL, "tok-admin"),
	}

	hub.PublishSnapshot(snap("orphan"), "")

	for i, c := range conns {
		m := readFrame(t, c)
		if m["sourceId"] != "orphan" {
			t.Errorf("session %d: got %v, want orphan", i, m["sourceId"])
		}
		if _, ok := m["tenantId"]; ok {
			t.Errorf("session %d: tenantId should be omitted for unresolved ownership", i)
		}
	}
}

func TestHub_AlertEventFrames(t *testing.T) {
	wsURL, hub, _ := startHub(t)
	a := dialAuthed(t, wsURL, "tok-a")
	b := dialAuthed(t, wsURL, "tok-b")

	ev := types.AlertEvent{
		ID: "e1", RuleID: "r1", TenantID: "tenant-a", SourceID: "web-a",
		MetricPath: "cpu.usage", Comparator: "gt", ActualValue: 91, Threshold: 80,
		Kind: types.EventFired, AtMs: 1_700_000_010_000,
	}
	hub.PublishAlertEvent(ev)
	ev.Kind = types.EventResolved
	hub.PublishAlertEvent(ev)
	hub.PublishAlertEvent(types.AlertEvent{RuleID: "r2", TenantID: "tenant-b", Kind: types.EventFired})

	m := readFrame(t, a)
	if m["type"] != types.MsgAlertTriggered || m["ruleId"] != "r1" || m["actualValue"] != 91.0 {
		t.Errorf("first frame: got %v", m)
	}
	if m := readFrame(t, a); m["type"] != types.MsgAlertResolved {
		t.Errorf("second frame: got %v, want alert:resolved", m["type"])
	}
	if m := readFrame(t, b); m["ruleId"] != "r2" {
		t.Errorf("tenant-b session: got %v, want r2", m["ruleId"])
	}
}

func TestHub_CountDecreasesOnDisconnect(t *testing.T) {
	wsURL, hub, _ := startHub(t)
	conn := dialAuthed(t, wsURL, "tok-a")

	if n := hub.Count(); n != 1 {
		t.Errorf("Count before disconnect: got %d, want 1", n)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond) // let readPump detect the close

	if n := hub.Count(); n != 0 {
		t.Errorf("Count after disconnect: got %d, want 0", n)
	}
}

func TestHub_CancelContextClosesConnections(t *testing.T) {
	wsURL, hub, cancel := startHub(t)
	conn := dialAuthed(t, wsURL, "tok-a")

	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to close after cancel")
	}
	if n := hub.Count(); n != 0 {
		t.Errorf("Count after cancel: got %d, want 0", n)
	}
}
