// Package events provides real-time delivery of tree, transfer, and
// transaction-log updates to UI clients over WebSocket.
//
// Delivery is last-state-wins per (client, channel): a slow client with a
// pending frame has it replaced by newer updates for the same channel, so
// the client always converges on the latest observed state and can never
// stall the coordinator. The transaction log itself retains every event —
// the live channel is advisory, the log is authoritative.
package events

// Server → client frame types.
const (
	TypeConnectionEstablished = "connection.established"
	TypeSubscriptionConfirmed = "subscription.confirmed"
	TypeTreeUpdate            = "tree.update"
	TypeTransferUpdate        = "transfer.update"
	TypeLogEvent              = "log.event"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// TreeChannel returns the channel name for a force's platform tree.
// Distinct forces receive distinct snapshots.
func TreeChannel(forceName string) string {
	return "tree:" + forceName
}

// TransferChannel returns the channel name for one transfer's state updates.
func TransferChannel(transferID string) string {
	return "transfer:" + transferID
}

// LogChannel returns the channel name for one transfer's log events.
func LogChannel(transferID string) string {
	return "log:" + transferID
}

// ClientMessage is the JSON structure for client → server WebSocket
// messages.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "ping"
	Channel string `json:"channel,omitempty"` // e.g. "tree:player", "transfer:transfer_17..."
}
