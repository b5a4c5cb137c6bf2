package api

import (
	"log/slog"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// handleUIWebSocket handles GET /ws: the subscription endpoint for UI
// clients.
func (s *Server) handleUIWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, s.acceptOptions())
	if err != nil {
		slog.Warn("UI WebSocket upgrade failed", "error", err)
		return
	}
	s.ui.HandleConnection(c.Request.Context(), conn)
}

// handleInstanceWebSocket handles GET /ws/instance: the duplex transport for
// game-server instances.
func (s *Server) handleInstanceWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, s.acceptOptions())
	if err != nil {
		slog.Warn("Instance WebSocket upgrade failed", "error", err)
		return
	}
	s.router.HandleConnection(c.Request.Context(), conn)
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	if len(s.cfg.AllowedWSOrigins) == 0 {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedWSOrigins}
}
