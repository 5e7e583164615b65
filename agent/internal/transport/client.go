package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/servwatch/servwatch/agent/internal/config"
	"github.com/servwatch/servwatch/pkg/types"
)

const (
	// registerAckTimeout is how long Run waits for agent:registered before
	// flushing anyway.
	registerAckTimeout = 5 * time.Second

	writeTimeout = 10 * time.Second
	pingPeriod   = 30 * time.Second
)

// dialFunc opens a websocket to url. Abstracted so tests can count or refuse
// connection attempts.
type dialFunc func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)

// Client buffers snapshots and ships them to the gateway.
// Send is safe for concurrent use. Run must be called in a goroutine.
type Client struct {
	cfg        config.AgentConfig
	buf        *buffer
	wake       chan struct{}
	dialFn     dialFunc // injectable for tests
	ackTimeout time.Duration

	connected atomic.Bool
	sent      atomic.Uint64
	connects  atomic.Uint64
}

// New creates a Client for the given agent config.
func New(cfg config.AgentConfig) *Client {
	return &Client{
		cfg:        cfg,
		buf:        newBuffer(cfg.BufferSize),
		wake:       make(chan struct{}, 1),
		dialFn:     defaultDial,
		ackTimeout: registerAckTimeout,
	}
}

// Send queues snap for delivery. It never blocks; if the buffer is full the
// oldest queued snapshot is dropped.
func (c *Client) Send(snap types.Snapshot) {
	if c.buf.push(snap) {
		slog.Warn("transport: buffer full, evicted oldest snapshot",
			"source", snap.SourceID, "buffer_cap", c.buf.cap)
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run connects, registers and streams buffered snapshots, reconnecting with
// backoff whenever the connection fails. It blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	bo := newBackoff(c.cfg.Backoff.Initial, c.cfg.Backoff.Max)
	header := c.header()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dialFn(ctx, c.cfg.ServerURL, header)
		if err != nil {
			wait := bo.next()
			slog.Warn("transport: dial failed, will retry",
				"url", c.cfg.ServerURL,
				"err", err,
				"buffered", c.buf.len(),
				"retry_in", wait)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		c.connects.Add(1)
		slog.Info("transport: connected", "url", c.cfg.ServerURL, "source", c.cfg.SourceID)
		bo.reset()

		err = c.stream(ctx, conn)
		c.connected.Store(false)
		conn.Close()

		if ctx.Err() != nil {
			return
		}

		wait := bo.next()
		slog.Warn("transport: connection lost, will reconnect",
			"url", c.cfg.ServerURL,
			"err", err,
			"buffered", c.buf.len(),
			"retry_in", wait)
		if !sleep(ctx, wait) {
			return
		}
	}
}

// stream registers on conn, then flushes the buffer whenever Send wakes it.
// It returns when the connection fails or ctx is cancelled.
func (c *Client) stream(ctx context.Context, conn *websocket.Conn) error {
	acked := make(chan struct{}, 1)
	readErr := make(chan error, 1)
	go c.readLoop(conn, acked, readErr)

	reg := types.AgentMessage{Type: types.MsgAgentRegister, SourceID: c.cfg.SourceID}
	if err := c.write(conn, reg); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	ackTimer := time.NewTimer(c.ackTimeout)
	defer ackTimer.Stop()
	select {
	case <-acked:
		slog.Debug("transport: registration acknowledged", "source", c.cfg.SourceID)
	case <-ackTimer.C:
		slog.Warn("transport: no registration ack, flushing anyway",
			"source", c.cfg.SourceID, "waited", c.ackTimeout)
	case err := <-readErr:
		return fmt.Errorf("read: %w", err)
	case <-ctx.Done():
		c.closeGracefully(conn)
		return nil
	}

	c.connected.Store(true)
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		if err := c.flush(ctx, conn); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			c.closeGracefully(conn)
			return nil
		case err := <-readErr:
			return fmt.Errorf("read: %w", err)
		case <-c.wake:
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// flush writes buffered snapshots oldest first. On a write error the
// snapshot stays at the head of the buffer for the next connection.
func (c *Client) flush(ctx context.Context, conn *websocket.Conn) error {
	for ctx.Err() == nil {
		it, ok := c.buf.peek()
		if !ok {
			return nil
		}
		if err := c.write(conn, types.MetricsData(it.snap)); err != nil {
			return fmt.Errorf("send snapshot: %w", err)
		}
		c.buf.ack(it.seq)
		c.sent.Add(1)
		slog.Debug("transport: snapshot delivered",
			"source", it.snap.SourceID, "collected_at_ms", it.snap.CollectedAtMs)
	}
	return nil
}

// readLoop consumes server frames: the registration ack and disconnects.
func (c *Client) readLoop(conn *websocket.Conn, acked chan<- struct{}, readErr chan<- error) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		var msg types.AgentMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Debug("transport: ignoring malformed server frame", "err", err)
			continue
		}
		if msg.Type == types.MsgAgentRegistered {
			select {
			case acked <- struct{}{}:
			default:
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, msg types.AgentMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

func (c *Client) closeGracefully(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutting down")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
}

// header builds the upgrade request headers, including the API key when
// server_auth.mode is apikey.
func (c *Client) header() http.Header {
	h := http.Header{}
	if c.cfg.ServerAuth.Mode == "apikey" {
		h.Set(c.cfg.ServerAuth.EffectiveHeader(), c.cfg.ServerAuth.Key())
	}
	return h
}

// Stats is a point-in-time view of the client.
type Stats struct {
	Connected bool
	Buffered  int
	Sent      uint64
	Dropped   uint64
	Connects  uint64
}

// Stats returns the client's counters.
func (c *Client) Stats() Stats {
	return Stats{
		Connected: c.connected.Load(),
		Buffered:  c.buf.len(),
		Sent:      c.sent.Load(),
		Dropped:   c.buf.droppedCount(),
		Connects:  c.connects.Load(),
	}
}

// defaultDial opens a websocket with the default gorilla dialer.
func defaultDial(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			return nil, fmt.Errorf("handshake rejected: %s", resp.Status)
		}
		return nil, err
	}
	return conn, nil
}

// sleep waits for d or ctx, reporting false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
