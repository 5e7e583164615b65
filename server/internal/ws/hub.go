package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/servwatch/servwatch/pkg/types"
	"github.com/servwatch/servwatch/server/internal/auth"
	"github.com/servwatch/servwatch/server/internal/metrics"
)

const (
	// writeTimeout is the deadline for a single write to a session.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the hub sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxRequestSize bounds a single frame read from a session.
	maxRequestSize = 4096

	defaultSendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins; apply CORS at the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks live subscriber sessions and routes published data to them.
type Hub struct {
	verifier auth.Verifier
	sendBuf  int

	mu       sync.RWMutex
	sessions map[*session]struct{}
}

// session is one connected subscriber.
type session struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	principal atomic.Pointer[auth.Principal]
}

// New creates a Hub that authenticates sessions with v. sendBuffer is the
// per-session outgoing queue depth.
func New(v auth.Verifier, sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Hub{
		verifier: v,
		sendBuf:  sendBuffer,
		sessions: make(map[*session]struct{}),
	}
}

// Run blocks until ctx is cancelled, then closes every session.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// ServeHTTP upgrades the request to a WebSocket session. A bearer token on
// the upgrade request authenticates the session immediately; an invalid one
// is rejected with 401. Blocks until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var principal *auth.Principal
	if tok := auth.BearerToken(r); tok != "" {
		p, err := h.verifier.Verify(r.Context(), tok)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		principal = &p
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	s := &session{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.sendBuf),
	}
	h.register(s)
	defer h.unregister(s)

	if principal != nil {
		h.authenticated(s, *principal)
	}

	go s.writePump()
	h.readPump(r.Context(), s) // blocks until connection closes
}

// PublishSnapshot delivers snap to every session entitled to tenantID's data.
// An empty tenantID means ownership is unknown: every authenticated session
// receives it.
func (h *Hub) PublishSnapshot(snap types.Snapshot, tenantID string) {
	data, err := json.Marshal(types.SnapshotUpdate{
		Type:     types.MsgMetricsUpdate,
		Snapshot: snap,
		TenantID: tenantID,
	})
	if err != nil {
		slog.Error("fanout: marshal snapshot", "source", snap.SourceID, "err", err)
		return
	}
	h.publish("snapshot", tenantID, snap.SourceID, data)
}

// PublishAlertEvent delivers ev keyed by ev.TenantID, with the same
// entitlement as PublishSnapshot.
func (h *Hub) PublishAlertEvent(ev types.AlertEvent) {
	data, err := json.Marshal(types.NewAlertUpdate(ev))
	if err != nil {
		slog.Error("fanout: marshal alert event", "event", ev.ID, "err", err)
		return
	}
	h.publish("alert", ev.TenantID, ev.SourceID, data)
}

// Count returns the number of connected sessions, authenticated or not.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// --- internal ---------------------------------------------------------------

func (h *Hub) publish(kind, tenantID, sourceID string, data []byte) {
	if tenantID == "" {
		metrics.FanoutFallback.WithLabelValues(kind).Inc()
		slog.Warn("fanout: ownership unresolved, broadcasting to all sessions",
			"kind", kind, "source", sourceID)
	}

	var (
		delivered int
		slow      []*session
	)
	// Sends happen under the read lock so unregister cannot close a channel
	// mid-send. They never block.
	h.mu.RLock()
	for s := range h.sessions {
		p := s.principal.Load()
		if p == nil || !p.CanSee(tenantID) {
			continue
		}
		select {
		case s.send <- data:
			delivered++
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	metrics.FanoutDeliveries.WithLabelValues(kind).Add(float64(delivered))
	for _, s := range slow {
		slog.Warn("fanout: session send buffer full, disconnecting", "session", s.id)
		metrics.FanoutDroppedSessions.Inc()
		h.unregister(s)
	}
}

// reply queues a control frame for one session. It reports false if the
// session is gone or its queue is full.
func (h *Hub) reply(s *session, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.sessions[s]; !ok {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (h *Hub) authenticated(s *session, p auth.Principal) {
	s.principal.Store(&p)
	slog.Info("fanout: session authenticated", "session", s.id, "subject", p.SubjectID, "role", p.Role)
	h.reply(s, types.AuthReply{Type: types.MsgAuthSuccess, SubjectID: p.SubjectID, Role: p.Role})
}

func (h *Hub) handleRequest(ctx context.Context, s *session, raw []byte) {
	var req types.SessionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		slog.Debug("fanout: ignoring malformed session frame", "session", s.id, "err", err)
		return
	}
	switch req.Type {
	case types.MsgAuthenticate:
		p, err := h.verifier.Verify(ctx, req.Token)
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidToken) {
				slog.Error("fanout: verify token", "session", s.id, "err", err)
			}
			h.reply(s, types.AuthReply{Type: types.MsgAuthError, Message: "authentication failed"})
			return
		}
		h.authenticated(s, p)
	default:
		slog.Debug("fanout: ignoring session frame", "session", s.id, "type", req.Type)
	}
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	metrics.SessionsConnected.Inc()
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	if ok {
		delete(h.sessions, s)
		close(s.send)
	}
	h.mu.Unlock()
	if ok {
		metrics.SessionsConnected.Dec()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	n := len(h.sessions)
	for s := range h.sessions {
		close(s.send)
		delete(h.sessions, s)
	}
	h.mu.Unlock()
	metrics.SessionsConnected.Sub(float64(n))
}

// writePump drains the session's send channel to the connection and sends
// periodic pings. Runs in its own goroutine per session.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Channel was closed (hub is shutting down or session dropped).
				s.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles session requests and control frames until the
// connection closes.
func (h *Hub) readPump(ctx context.Context, s *session) {
	defer s.conn.Close()
	s.conn.SetReadLimit(maxRequestSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		h.handleRequest(ctx, s, raw)
	}
}
