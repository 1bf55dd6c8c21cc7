// ABOUTME: WebSocket transport for agent connections: upgrade, handshake, and
// ABOUTME: read/write pumps feeding the connection boundary of the core.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asedra/dexagents/internal/protocol"
)

const (
	writeWait         = 10 * time.Second
	pingInterval      = 30 * time.Second
	handshakeDeadline = 10 * time.Second
	maxMessageSize    = 1 << 20
	sendBufferSize    = 64
)

// ErrSessionClosed indicates a send against a closed session.
var ErrSessionClosed = errors.New("session closed")

// wsSession implements agent.Session over one WebSocket connection.
type wsSession struct {
	agentID string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func newWSSession(agentID string, conn *websocket.Conn, logger *slog.Logger) *wsSession {
	return &wsSession{
		agentID: agentID,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

func (s *wsSession) AgentID() string { return s.agentID }

// Send queues an envelope for the write pump. It never blocks dispatch: a
// full buffer is an error rather than a stall, so one slow agent cannot hold
// up callers targeting others.
func (s *wsSession) Send(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		s.logger.Warn("session send buffer full, dropping frame",
			"agent_id", s.agentID,
			"type", env.Type,
		)
		return fmt.Errorf("agent %s: send buffer full", s.agentID)
	}
}

// Close is idempotent and unblocks both pumps.
func (s *wsSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
	return nil
}

// writePump owns all writes to the connection: queued frames and pings.
func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleAgentSocket upgrades the connection, performs the registration
// handshake, and runs the read loop. This handler plus onMessage and
// onDisconnect are the only places transport events enter the core.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if after, ok := cutBearer(token); ok {
		token = after
	} else {
		token = r.URL.Query().Get("token")
	}
	if _, err := g.verifier.Verify(token); err != nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sess, reg, err := g.handshake(conn)
	if err != nil {
		g.logger.Warn("agent handshake failed", "error", err, "remote", r.RemoteAddr)
		conn.Close()
		return
	}

	go sess.writePump()
	g.onConnect(sess, reg)
	g.readLoop(sess)
}

// handshake reads the mandatory register frame within the handshake deadline.
func (g *Gateway) handshake(conn *websocket.Conn) (*wsSession, protocol.RegisterPayload, error) {
	var reg protocol.RegisterPayload

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(handshakeDeadline)); err != nil {
		return nil, reg, err
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, reg, fmt.Errorf("reading register frame: %w", err)
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, reg, fmt.Errorf("decoding register frame: %w", err)
	}
	if env.Type != protocol.TypeRegister {
		return nil, reg, fmt.Errorf("expected %s frame, got %s", protocol.TypeRegister, env.Type)
	}
	if env.AgentID == "" {
		return nil, reg, fmt.Errorf("register frame missing agent ID")
	}
	if len(env.Payload) > 0 {
		if err := env.DecodePayload(&reg); err != nil {
			return nil, reg, err
		}
	}

	return newWSSession(env.AgentID, conn, g.logger), reg, nil
}

// readLoop consumes frames until the connection drops, then reports the
// disconnect to the core.
func (g *Gateway) readLoop(sess *wsSession) {
	defer func() {
		sess.Close()
		g.onDisconnect(sess)
	}()

	resetDeadline := func() error {
		return sess.conn.SetReadDeadline(time.Now().Add(2 * g.cfg.Agents.LivenessWindow))
	}
	_ = resetDeadline()
	sess.conn.SetPongHandler(func(string) error { return resetDeadline() })

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = resetDeadline()

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.logger.Warn("discarding malformed frame", "agent_id", sess.agentID, "error", err)
			g.monitor.MarkError(sess.agentID)
			continue
		}
		g.onMessage(sess, &env)
	}
}

func cutBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):], true
	}
	return "", false
}
