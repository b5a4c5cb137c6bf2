// Package instances provides the coordinator's directory of game-server
// instances and the duplex WebSocket transport used to exchange request and
// event frames with them.
package instances

import "encoding/json"

// Message types the coordinator sends to instances.
const (
	MsgExportPlatform       = "ExportPlatformRequest"
	MsgInstanceListPlatform = "InstanceListPlatformsRequest"
	MsgImportPlatform       = "ImportPlatformRequest"
	MsgDeleteSourcePlatform = "DeleteSourcePlatformRequest"
	MsgUnlockSourcePlatform = "UnlockSourcePlatformRequest"
	MsgTransferStatusUpdate = "TransferStatusUpdate"
)

// Message types instances send to the coordinator.
const (
	MsgHello              = "hello"
	MsgResponse           = "response"
	MsgPlatformExport     = "PlatformExportEvent"
	MsgTransferValidation = "TransferValidationEvent"
)

// Frame is the wire envelope for all instance traffic. Requests carry a
// positive Seq; the matching response echoes it. Events and notifications
// have Seq zero. Error is transport-level only — application failures travel
// inside Data as {success:false, error:...}.
type Frame struct {
	Seq   int64           `json:"seq,omitempty"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Hello is the first frame an instance sends after connecting.
type Hello struct {
	InstanceID   int    `json:"instanceId"`
	InstanceName string `json:"instanceName"`
}

// ExportPlatformRequest asks a source instance to export a platform.
type ExportPlatformRequest struct {
	PlatformIndex int    `json:"platformIndex"`
	ForceName     string `json:"forceName"`
}

// ExportPlatformResponse acknowledges an export request. The payload itself
// arrives later as a PlatformExportEvent.
type ExportPlatformResponse struct {
	Success  bool   `json:"success"`
	ExportID string `json:"exportId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ListPlatformsRequest enumerates platforms on an instance for one force.
type ListPlatformsRequest struct {
	ForceName string `json:"forceName"`
}

// ImportPlatformRequest hands an export payload to a target instance.
// ExportData is the stored payload verbatim, with _transferId and
// _sourceInstanceId spliced in for validation-callback correlation.
type ImportPlatformRequest struct {
	ExportID   string          `json:"exportId"`
	ExportData json.RawMessage `json:"exportData"`
	ForceName  string          `json:"forceName"`
}

// DeleteSourcePlatformRequest cleans up the source platform after a
// validated transfer.
type DeleteSourcePlatformRequest struct {
	PlatformIndex int    `json:"platformIndex"`
	PlatformName  string `json:"platformName"`
	ForceName     string `json:"forceName"`
}

// UnlockSourcePlatformRequest rolls back a failed transfer by releasing the
// source platform's lock.
type UnlockSourcePlatformRequest struct {
	PlatformName string `json:"platformName"`
	ForceName    string `json:"forceName"`
}

// TransferStatusUpdate is a cosmetic in-world status line. Best-effort; a
// delivery failure never changes a transfer outcome.
type TransferStatusUpdate struct {
	TransferID   string `json:"transferId"`
	PlatformName string `json:"platformName"`
	Message      string `json:"message"`
	Color        string `json:"color,omitempty"`
}

// RPCResult is the generic {success, error} response shape shared by the
// import, delete, and unlock requests. Additional response fields are
// deliberately ignored, not rejected — response schemas stay
// forward-compatible.
type RPCResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PlatformExportEvent announces a completed export, payload included.
type PlatformExportEvent struct {
	ExportID         string          `json:"exportId"`
	PlatformName     string          `json:"platformName"`
	SourceInstanceID int             `json:"sourceInstanceId"`
	ExportData       json.RawMessage `json:"exportData"`
}

// TransferValidationEvent is the target's verdict on an imported platform.
type TransferValidationEvent struct {
	TransferID       string         `json:"transferId"`
	Success          bool           `json:"success"`
	PlatformName     string         `json:"platformName"`
	SourceInstanceID int            `json:"sourceInstanceId"`
	Validation       map[string]any `json:"validation,omitempty"`
	Metrics          map[string]any `json:"metrics,omitempty"`
}
