package models

import (
	"fmt"
	"math/rand"
	"time"
)

// TransferStatus represents the lifecycle state of a platform transfer.
type TransferStatus string

// Transfer lifecycle states. A transfer always ends in one of the four
// terminal states; once terminal the status never changes again.
const (
	StatusCreating           TransferStatus = "creating"
	StatusTransporting       TransferStatus = "transporting"
	StatusAwaitingValidation TransferStatus = "awaiting_validation"
	StatusCleanup            TransferStatus = "cleanup"
	StatusCompleted          TransferStatus = "completed"
	StatusFailed             TransferStatus = "failed"
	StatusCleanupFailed      TransferStatus = "cleanup_failed"
	StatusError              TransferStatus = "error"
)

// IsTerminal reports whether the status is one of the four terminal states.
func (s TransferStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCleanupFailed, StatusError:
		return true
	}
	return false
}

// NormalizeStatus maps legacy status names to their canonical form for
// display and persisted summaries. Older instance plugins report "importing"
// where the coordinator uses "transporting". Lenient on read, strict on write.
func NormalizeStatus(raw string) TransferStatus {
	if raw == "importing" {
		return StatusTransporting
	}
	return TransferStatus(raw)
}

// Transfer phase names. Each phase is a sub-interval of one transfer.
const (
	PhaseTransmission = "transmission"
	PhaseValidation   = "validation"
	PhaseCleanup      = "cleanup"
)

// PhaseTiming records the boundaries of one named phase within a transfer.
// EndMs and DurationMs are nil while the phase is still open.
type PhaseTiming struct {
	StartMs    int64  `json:"startMs"`
	EndMs      *int64 `json:"endMs,omitempty"`
	DurationMs *int64 `json:"durationMs,omitempty"`
}

// Transfer is the coordinator's record of one platform migration saga.
// All mutation happens under the orchestrator's lock; the runtime-only
// validation timer handle lives in the orchestrator, not here, so the
// struct serializes cleanly.
type Transfer struct {
	TransferID    string `json:"transferId"`
	ExportID      string `json:"exportId"`
	PlatformName  string `json:"platformName"`
	PlatformIndex int    `json:"platformIndex"`
	ForceName     string `json:"forceName"`

	SourceInstanceID   int    `json:"sourceInstanceId"`
	SourceInstanceName string `json:"sourceInstanceName"`
	TargetInstanceID   int    `json:"targetInstanceId"`
	TargetInstanceName string `json:"targetInstanceName"`

	Status TransferStatus `json:"status"`

	StartedAt   int64  `json:"startedAt"`
	CompletedAt *int64 `json:"completedAt,omitempty"`
	FailedAt    *int64 `json:"failedAt,omitempty"`
	Error       string `json:"error,omitempty"`

	Phases map[string]*PhaseTiming `json:"phases"`

	// Opaque passthrough blocks carried from collaborator RPCs. The
	// coordinator displays them but never interprets their contents.
	ExportMetrics      map[string]any `json:"exportMetrics,omitempty"`
	PayloadMetrics     map[string]any `json:"payloadMetrics,omitempty"`
	ImportMetrics      map[string]any `json:"importMetrics,omitempty"`
	ValidationResult   map[string]any `json:"validationResult,omitempty"`
	SourceVerification map[string]any `json:"sourceVerification,omitempty"`
}

// NewTransferID generates a transfer identifier of the form
// transfer_{unixMillis}_{random}.
func NewTransferID(now time.Time) string {
	return fmt.Sprintf("transfer_%d_%06d", now.UnixMilli(), rand.Intn(1000000))
}

// Phase returns the named phase timing, creating the map on first use.
func (t *Transfer) Phase(name string) (*PhaseTiming, bool) {
	p, ok := t.Phases[name]
	return p, ok
}
