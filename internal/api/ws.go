package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// statusHub fans runtime snapshots out to websocket subscribers.
type statusHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newStatusHub() *statusHub {
	return &statusHub{clients: make(map[*websocket.Conn]struct{})}
}

func (h *statusHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
}

func (h *statusHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
	conn.Close()
}

// publish sends the payload to every subscriber, dropping clients whose
// writes fail.
func (h *statusHub) publish(payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteJSON(payload); err != nil {
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

var upgrader = websocket.Upgrader{
	// The server binds to loopback only; any local origin is fine.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStatusWS upgrades the connection and streams status snapshots until
// the client disconnects.
func (s *Server) handleStatusWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.hub.add(conn)

	// Push the current state immediately so clients render without waiting
	// for the next tick.
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(s.state.StatusSnapshot()); err != nil {
		s.hub.remove(conn)
		return
	}

	// Drain reads to notice disconnects; the protocol is push-only.
	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// broadcastLoop publishes status snapshots to subscribers once a second.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.publish(s.state.StatusSnapshot())
		}
	}
}
