package wsserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/islserver/server/internal/statestore"
)

// doNotReconnectCloseCode is §4.H / §6's user-defined close code 4100:
// the client must not attempt to reconnect after receiving it.
const doNotReconnectCloseCode = 4100

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

// connSender adapts a *websocket.Conn to the Sender interface. Gorilla
// forbids concurrent writers on one connection, so every write takes
// writeMu.
type connSender struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *connSender) SendJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *connSender) SendBinary(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c *connSender) Close(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	return c.conn.Close()
}

// handleWebSocket implements §4.H's upgrade route: token check against
// the sensitive token (constant-time), then handoff to a
// MessageHandler built by cfg.NewConnection, then a read pump that
// hands each text and binary frame to the handler, which does all of
// the binary-continuation bookkeeping.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	cwd := q.Get("cwd")
	platform := q.Get("platform")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.WithError(err).Warn("wsserver: upgrade failed")
		return
	}

	if token == "" || !statestore.TokensEqual(token, s.cfg.SensitiveToken) {
		msg := websocket.FormatCloseMessage(doNotReconnectCloseCode, "Invalid token")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
		return
	}

	sender := &connSender{conn: conn}
	if s.cfg.NewConnection == nil {
		_ = sender.Close(websocket.CloseInternalServerErr, "server misconfigured")
		return
	}
	handler := s.cfg.NewConnection(sender, cwd, platform)

	s.runReadPump(conn, handler)
}

// runReadPump drives one connection's lifetime: ping/pong keepalive
// (grounded on the same shape as a typical gorilla/websocket hub: a
// ticker goroutine sending pings, the read loop resetting the read
// deadline on every pong), dispatching text frames to HandleText and
// binary frames to HandleBinary, and disposing the handler and
// restarting the self-shutdown timer on disconnect.
func (s *Server) runReadPump(conn *websocket.Conn, handler MessageHandler) {
	defer func() {
		handler.Close()
		_ = conn.Close()
		s.onWSClose()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	defer close(done)

	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch kind {
		case websocket.TextMessage:
			handler.HandleText(payload)
		case websocket.BinaryMessage:
			handler.HandleBinary(payload)
		}
	}
}
