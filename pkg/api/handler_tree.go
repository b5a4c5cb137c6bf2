package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/solarcloud7/clusterio-surface-export/pkg/orchestrator"
)

// getTree handles GET /api/tree?force=: the live instance/platform tree for
// one force. Unreachable instances appear disconnected with no platforms.
func (s *Server) getTree(c *gin.Context) {
	force := c.DefaultQuery("force", orchestrator.DefaultForceName)
	snapshot := s.tree.BuildTree(c.Request.Context(), force)
	c.JSON(http.StatusOK, gin.H{"success": true, "tree": snapshot})
}

// listTransactionLogs handles GET /api/transaction-logs: the persisted
// history of settled transfers.
func (s *Server) listTransactionLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "logs": s.logger.Records()})
}

// getTransactionLog handles GET /api/transaction-logs/:transferId.
func (s *Server) getTransactionLog(c *gin.Context) {
	transferID := c.Param("transferId")
	rec, ok := s.logger.Record(transferID)
	if !ok {
		errorResponse(c, http.StatusNotFound, "Transaction log not found: "+transferID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "log": rec})
}

// health handles GET /api/health.
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":              "healthy",
		"instances":           len(s.registry.All()),
		"instances_connected": len(s.registry.Connected()),
		"exports":             s.store.Len(),
		"ui_connections":      s.ui.ActiveConnections(),
	})
}
