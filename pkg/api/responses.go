package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/solarcloud7/clusterio-surface-export/pkg/orchestrator"
)

// errorResponse is the uniform failure body: {success:false, error:...}.
func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "error": message})
}

// writeResult maps an orchestrator result to a response. Requests rejected
// before a transfer record exists are client errors; failures of a created
// transfer are reported in-band with 200, because the request itself was
// well-formed and the saga outcome lives in the transfer record.
func writeResult(c *gin.Context, res orchestrator.Result) {
	if !res.Success && res.TransferID == "" {
		errorResponse(c, http.StatusBadRequest, res.Error)
		return
	}
	c.JSON(http.StatusOK, res)
}
