package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/servwatch/servwatch/pkg/types"
	"github.com/servwatch/servwatch/server/internal/metrics"
)

const (
	// idleTimeout closes an agent connection that sends nothing, not even a
	// ping, for this long.
	idleTimeout = 60 * time.Second

	writeTimeout = 10 * time.Second

	// maxFrameSize bounds one agent frame.
	maxFrameSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades an agent connection and processes its frames in order
// until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}
	defer conn.Close()

	metrics.AgentsConnected.Inc()
	defer metrics.AgentsConnected.Dec()

	ctx := r.Context()
	var sourceID string

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("gateway: agent connection lost", "source", sourceID, "remote", r.RemoteAddr, "err", err)
			} else {
				slog.Debug("gateway: agent disconnected", "source", sourceID, "remote", r.RemoteAddr)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout))

		var msg types.AgentMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			metrics.SnapshotsReceived.WithLabelValues("rejected").Inc()
			slog.Warn("gateway: malformed agent frame", "source", sourceID, "err", err)
			continue
		}

		switch msg.Type {
		case types.MsgAgentRegister:
			sourceID = msg.SourceID
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(g.OnSourceRegistered(msg.SourceID)); err != nil {
				slog.Warn("gateway: send registration ack", "source", sourceID, "err", err)
				return
			}
		case types.MsgMetricsData:
			// A registered connection speaks for one source only.
			if sourceID != "" && msg.SourceID != sourceID {
				metrics.SnapshotsReceived.WithLabelValues("rejected").Inc()
				slog.Warn("gateway: snapshot for foreign source dropped",
					"source", sourceID, "frame_source", msg.SourceID, "remote", r.RemoteAddr)
				continue
			}
			if err := g.OnSnapshot(ctx, msg.Snapshot()); err != nil {
				slog.Warn("gateway: snapshot rejected", "source", msg.SourceID, "err", err)
			}
		default:
			slog.Debug("gateway: ignoring agent frame", "source", sourceID, "type", msg.Type)
		}
	}
}
