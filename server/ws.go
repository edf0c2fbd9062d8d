package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rodan32/imgen/errors"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Outbound event buffer per connection; sends fail when it is full
	sendBuffer = 64
)

// sessionClient is one client connection subscribed to a session's progress
// stream. It satisfies progress.Sink: the aggregator hands it serialized
// events, the write pump delivers them.
type sessionClient struct {
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// Send queues one event for delivery. Fails when the connection is closed
// or the client cannot keep up, which makes the aggregator prune it.
func (c *sessionClient) Send(payload []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (c *sessionClient) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// handleSessionWS upgrades the connection and subscribes it to the
// session's event stream until either side disconnects.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session query parameter required", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorw("Failed to upgrade WebSocket", "error", err)
		return
	}

	client := &sessionClient{
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		closed:    make(chan struct{}),
	}

	s.agg.Subscribe(sessionID, client)
	s.log.Infow("Session stream connected",
		"session_id", sessionID,
		"remote", r.RemoteAddr,
	)

	go s.writePump(client)
	go s.readPump(client)
}

// readPump discards inbound frames; the stream is one-way. It exists to
// service pongs and to notice the peer going away.
func (s *Server) readPump(c *sessionClient) {
	defer func() {
		s.agg.Unsubscribe(c.sessionID, c)
		c.close()
		s.log.Infow("Session stream disconnected", "session_id", c.sessionID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump delivers queued events and keeps the connection alive with
// periodic pings.
func (s *Server) writePump(c *sessionClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Warnw("Session stream write error",
					"session_id", c.sessionID,
					"error", err,
				)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
