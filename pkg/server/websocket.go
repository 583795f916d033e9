package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mikewolf256/agentic-security-dashboard/pkg/broadcast"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/duration"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/jsonutil"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token auth already gates this route; viewers embed the dashboard
	// from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream upgrades the connection and bridges it to a broadcast
// subscription. The subscription arrives pre-loaded with the current
// snapshot and recent history, so the first frames a viewer receives
// rebuild its state before live traffic flows.
func (s *Server) handleStream(c *gin.Context) {
	identity := claimsFrom(c).Identity()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	sub := s.stream.Subscribe(identity)
	s.log.Debug("viewer connected",
		"subscriber", sub.ID(),
		"tenant", identity.TenantID,
		"admin", identity.Admin)

	closed := make(chan struct{})
	go s.readPump(conn, closed)
	s.writePump(conn, sub, closed)

	s.stream.Unsubscribe(sub)
	conn.Close()
	s.log.Debug("viewer disconnected", "subscriber", sub.ID())
}

// readPump discards inbound frames; the stream is one-way. It exists
// to process close and pong control frames and to notice a vanished
// peer.
func (s *Server) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(duration.WSPong))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(duration.WSPong))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump owns all writes on the socket; gorilla/websocket permits
// one concurrent writer. It returns when the subscription ends, the
// peer disappears, or a write fails.
func (s *Server) writePump(conn *websocket.Conn, sub *broadcast.Subscriber, closed <-chan struct{}) {
	ticker := time.NewTicker(duration.WSPing)
	defer ticker.Stop()

	for {
		select {
		case env := <-sub.Events():
			data, err := jsonutil.Marshal(env)
			if err != nil {
				s.log.Debug("envelope marshal failed", "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(duration.WSWrite))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(duration.WSWrite))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.Done():
			// Evicted for falling behind, or the process is shutting
			// down. Tell the viewer before hanging up.
			_ = conn.SetWriteDeadline(time.Now().Add(duration.WSWrite))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription closed"))
			return
		case <-closed:
			return
		}
	}
}
