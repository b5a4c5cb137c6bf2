package events

import (
	"github.com/solarcloud7/clusterio-surface-export/pkg/models"
)

// TreeUpdatePayload is the payload for tree.update events. Carries the full
// per-force snapshot; clients replace, never merge.
type TreeUpdatePayload struct {
	Type      string              `json:"type"` // always TypeTreeUpdate
	ForceName string              `json:"forceName"`
	Tree      models.TreeSnapshot `json:"tree"`
	Timestamp string              `json:"timestamp"` // RFC3339Nano
}

// TransferUpdatePayload is the payload for transfer.update events, published
// on every transfer state transition.
type TransferUpdatePayload struct {
	Type      string          `json:"type"` // always TypeTransferUpdate
	Transfer  models.Transfer `json:"transfer"`
	Timestamp string          `json:"timestamp"` // RFC3339Nano
}

// LogEventPayload is the payload for log.event events, published for every
// transaction-log append.
type LogEventPayload struct {
	Type       string          `json:"type"` // always TypeLogEvent
	TransferID string          `json:"transferId"`
	Event      models.LogEvent `json:"event"`
	Timestamp  string          `json:"timestamp"` // RFC3339Nano
}
