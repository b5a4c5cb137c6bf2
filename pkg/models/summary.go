package models

// Transfer result labels derived from terminal status for summary views.
const (
	ResultSuccess    = "SUCCESS"
	ResultFailed     = "FAILED"
	ResultInProgress = "IN_PROGRESS"
)

// ResultForStatus maps a transfer status to its summary result label.
func ResultForStatus(s TransferStatus) string {
	switch s {
	case StatusCompleted:
		return ResultSuccess
	case StatusFailed, StatusError, StatusCleanupFailed:
		return ResultFailed
	default:
		return ResultInProgress
	}
}

// TransferSummary is the minimal per-transfer block for list views.
type TransferSummary struct {
	TransferID         string         `json:"transferId"`
	PlatformName       string         `json:"platformName"`
	SourceInstanceName string         `json:"sourceInstanceName"`
	TargetInstanceName string         `json:"targetInstanceName"`
	Status             TransferStatus `json:"status"`
	Result             string         `json:"result"`
	StartedAt          int64          `json:"startedAt"`
	Error              string         `json:"error,omitempty"`
}

// DetailedTransferSummary is the rich per-transfer block embedded in
// persisted transaction logs and detail views.
type DetailedTransferSummary struct {
	TransferID         string         `json:"transferId"`
	PlatformName       string         `json:"platformName"`
	SourceInstanceName string         `json:"sourceInstanceName"`
	TargetInstanceName string         `json:"targetInstanceName"`
	Status             TransferStatus `json:"status"`
	Result             string         `json:"result"`
	StartedAt          int64          `json:"startedAt"`
	TotalDurationMs    int64          `json:"totalDurationMs"`
	TotalDuration      string         `json:"totalDuration"`
	Error              string         `json:"error,omitempty"`
	Phases             map[string]any `json:"phases,omitempty"`
	ExportMetrics      map[string]any `json:"exportMetrics,omitempty"`
	PayloadMetrics     map[string]any `json:"payloadMetrics,omitempty"`
	ImportMetrics      map[string]any `json:"importMetrics,omitempty"`
	ValidationResult   map[string]any `json:"validationResult,omitempty"`
}
