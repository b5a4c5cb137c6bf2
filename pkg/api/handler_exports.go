package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/solarcloud7/clusterio-surface-export/pkg/models"
	"github.com/solarcloud7/clusterio-surface-export/pkg/orchestrator"
)

// exportSummary is the list-view shape: metadata only, payload omitted.
type exportSummary struct {
	ExportID         string         `json:"exportId"`
	PlatformName     string         `json:"platformName"`
	SourceInstanceID int            `json:"sourceInstanceId"`
	Timestamp        int64          `json:"timestamp"`
	Size             int64          `json:"size"`
	PayloadMetrics   map[string]any `json:"payloadMetrics,omitempty"`
}

func toExportSummary(rec models.ExportRecord) exportSummary {
	return exportSummary{
		ExportID:         rec.ExportID,
		PlatformName:     rec.PlatformName,
		SourceInstanceID: rec.SourceInstanceID,
		Timestamp:        rec.Timestamp,
		Size:             rec.Size,
		PayloadMetrics:   rec.PayloadMetrics(),
	}
}

// listExports handles GET /api/exports: stored exports newest first, without
// payloads.
func (s *Server) listExports(c *gin.Context) {
	records := s.store.List()
	summaries := make([]exportSummary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, toExportSummary(rec))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "exports": summaries})
}

// getExport handles GET /api/exports/:exportId: the full record, payload
// included byte-for-byte.
func (s *Server) getExport(c *gin.Context) {
	exportID := c.Param("exportId")
	rec, ok := s.store.Get(exportID)
	if !ok {
		errorResponse(c, http.StatusNotFound, "Export not found: "+exportID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "export": rec})
}

// uploadExport handles POST /api/exports/upload: store a client-supplied
// payload and import it to a target, outside the transfer saga.
func (s *Server) uploadExport(c *gin.Context) {
	var req orchestrator.ImportUploadedExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	res := s.svc.ImportUploadedExport(c.Request.Context(), req)
	if !res.Success {
		errorResponse(c, http.StatusBadRequest, res.Error)
		return
	}
	c.JSON(http.StatusOK, res)
}
