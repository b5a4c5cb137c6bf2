package models

// Transaction log event types, one per orchestration step the coordinator
// records. Tests enumerate these when asserting saga outcomes.
const (
	EventTransferCreated    = "transfer_created"
	EventImportStarted      = "import_started"
	EventImportFailed       = "import_failed"
	EventValidationReceived = "validation_received"
	EventValidationFailed   = "validation_failed"
	EventValidationTimeout  = "validation_timeout"
	EventRollbackAttempt    = "rollback_attempt"
	EventRollbackSuccess    = "rollback_success"
	EventRollbackFailed     = "rollback_failed"
	EventTransferCompleted  = "transfer_completed"
	EventTransferFailed     = "transfer_failed"
)

// LogEvent is one structured entry in a transfer's transaction log.
// ElapsedMs is measured from the transfer's StartedAt (zero if the transfer
// is unknown); DeltaMs from the previous event's TimestampMs (zero if first).
type LogEvent struct {
	Timestamp   string         `json:"timestamp"` // RFC3339Nano
	TimestampMs int64          `json:"timestampMs"`
	ElapsedMs   int64          `json:"elapsedMs"`
	DeltaMs     int64          `json:"deltaMs"`
	EventType   string         `json:"eventType"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
}

// TransactionLogRecord is one persisted transaction log: the full event
// stream for a transfer plus its summary, written on every state change and
// bounded to the newest entries on disk.
type TransactionLogRecord struct {
	TransferID   string         `json:"transferId"`
	TransferInfo TransferInfo   `json:"transferInfo"`
	Summary      map[string]any `json:"summary"`
	Events       []LogEvent     `json:"events"`
	SavedAt      int64          `json:"savedAt"`
}

// TransferInfo is the static identity block embedded in a persisted record.
type TransferInfo struct {
	TransferID         string `json:"transferId"`
	ExportID           string `json:"exportId"`
	PlatformName       string `json:"platformName"`
	PlatformIndex      int    `json:"platformIndex"`
	ForceName          string `json:"forceName"`
	SourceInstanceID   int    `json:"sourceInstanceId"`
	SourceInstanceName string `json:"sourceInstanceName"`
	TargetInstanceID   int    `json:"targetInstanceId"`
	TargetInstanceName string `json:"targetInstanceName"`
	StartedAt          int64  `json:"startedAt"`
}
