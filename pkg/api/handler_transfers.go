package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/solarcloud7/clusterio-surface-export/pkg/orchestrator"
)

const defaultSummaryLimit = 50

// startTransfer handles POST /api/transfers: the full export-and-transfer
// saga.
func (s *Server) startTransfer(c *gin.Context) {
	var req orchestrator.StartPlatformTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	writeResult(c, s.svc.StartPlatformTransfer(c.Request.Context(), req))
}

// transferFromExport handles POST /api/transfers/from-export: transfer an
// already stored export.
func (s *Server) transferFromExport(c *gin.Context) {
	var req orchestrator.TransferPlatformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.ExportID == "" {
		errorResponse(c, http.StatusBadRequest, "exportId is required")
		return
	}
	writeResult(c, s.svc.TransferPlatform(c.Request.Context(), req))
}

// listTransfers handles GET /api/transfers: active and persisted transfers,
// newest first.
func (s *Server) listTransfers(c *gin.Context) {
	limit := defaultSummaryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errorResponse(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"transfers": s.svc.TransferSummaries(limit),
	})
}

// getTransfer handles GET /api/transfers/:transferId. Active transfers get
// the live record with summary and event stream; settled-and-pruned ones
// fall back to the persisted transaction log.
func (s *Server) getTransfer(c *gin.Context) {
	transferID := c.Param("transferId")

	if t, ok := s.svc.TransferSnapshot(transferID); ok {
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"transfer": t,
			"summary":  s.logger.BuildDetailedSummary(&t),
			"events":   s.logger.Events(transferID),
		})
		return
	}

	if rec, ok := s.logger.Record(transferID); ok {
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"transfer": rec.TransferInfo,
			"summary":  rec.Summary,
			"events":   rec.Events,
		})
		return
	}

	errorResponse(c, http.StatusNotFound, "Transfer not found: "+transferID)
}
