package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/solarcloud7/clusterio-surface-export/pkg/models"
)

// TreeBuilder supplies per-force platform tree snapshots. Implemented by
// tree.Tree.
type TreeBuilder interface {
	BuildTree(ctx context.Context, forceName string) models.TreeSnapshot
	Invalidate(forceName string)
}

// StateSource supplies current transfer state and accumulated log events for
// fresh subscribers. Implemented by the orchestrator.
type StateSource interface {
	TransferSnapshot(transferID string) (models.Transfer, bool)
	LogEvents(transferID string) []models.LogEvent
}

// Broadcaster turns coordinator state changes into channel broadcasts. Tree
// broadcasts are rate-limited to one per force per window; a queue request
// arriving while one is pending is dropped, because the pending broadcast is
// built at fire time and therefore carries the latest snapshot anyway.
type Broadcaster struct {
	manager *ConnectionManager
	tree    TreeBuilder
	window  time.Duration

	sourceMu sync.RWMutex
	source   StateSource

	mu      sync.Mutex
	pending map[string]bool // force → tree broadcast armed
}

// NewBroadcaster creates a Broadcaster over the connection manager and
// registers itself as the manager's initial-frame supplier.
func NewBroadcaster(manager *ConnectionManager, tree TreeBuilder, window time.Duration) *Broadcaster {
	b := &Broadcaster{
		manager: manager,
		tree:    tree,
		window:  window,
		pending: make(map[string]bool),
	}
	manager.SetInitialFrames(b.initialFrames)
	return b
}

// SetStateSource wires the orchestrator as the supplier of current state for
// fresh subscribers. Called once during startup.
func (b *Broadcaster) SetStateSource(s StateSource) {
	b.sourceMu.Lock()
	defer b.sourceMu.Unlock()
	b.source = s
}

// EmitTreeUpdate builds the current snapshot for a force and pushes it to
// all tree subscribers of that force immediately.
func (b *Broadcaster) EmitTreeUpdate(forceName string) {
	snapshot := b.tree.BuildTree(context.Background(), forceName)
	payload := TreeUpdatePayload{
		Type:      TypeTreeUpdate,
		ForceName: forceName,
		Tree:      snapshot,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	b.broadcast(TreeChannel(forceName), payload)
}

// QueueTreeBroadcast schedules a tree broadcast for a force, coalescing
// back-to-back requests within the rate-limit window.
func (b *Broadcaster) QueueTreeBroadcast(forceName string) {
	b.mu.Lock()
	if b.pending[forceName] {
		b.mu.Unlock()
		return
	}
	b.pending[forceName] = true
	b.mu.Unlock()

	time.AfterFunc(b.window, func() {
		b.mu.Lock()
		delete(b.pending, forceName)
		b.mu.Unlock()

		b.tree.Invalidate(forceName)
		b.EmitTreeUpdate(forceName)
	})
}

// EmitTransferUpdate pushes a transfer's current state to its subscribers.
// The transfer is passed by value so broadcasting never races orchestrator
// mutation.
func (b *Broadcaster) EmitTransferUpdate(t models.Transfer) {
	payload := TransferUpdatePayload{
		Type:      TypeTransferUpdate,
		Transfer:  t,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	b.broadcast(TransferChannel(t.TransferID), payload)
}

// EmitLogUpdate pushes one transaction-log event to the transfer's log
// subscribers. Implements txlog.Notifier.
func (b *Broadcaster) EmitLogUpdate(transferID string, event models.LogEvent) {
	payload := LogEventPayload{
		Type:       TypeLogEvent,
		TransferID: transferID,
		Event:      event,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	b.broadcast(LogChannel(transferID), payload)
}

func (b *Broadcaster) broadcast(channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal broadcast payload",
			"channel", channel, "error", err)
		return
	}
	b.manager.Broadcast(channel, data)
}

// initialFrames supplies the catch-up frames for a fresh subscriber: the
// current tree snapshot, the transfer's current state, or the log events
// accumulated so far.
func (b *Broadcaster) initialFrames(channel string) [][]byte {
	b.sourceMu.RLock()
	source := b.source
	b.sourceMu.RUnlock()

	switch {
	case len(channel) > 5 && channel[:5] == "tree:":
		force := channel[5:]
		snapshot := b.tree.BuildTree(context.Background(), force)
		return [][]byte{mustMarshal(TreeUpdatePayload{
			Type:      TypeTreeUpdate,
			ForceName: force,
			Tree:      snapshot,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})}

	case len(channel) > 9 && channel[:9] == "transfer:":
		if source == nil {
			return nil
		}
		t, ok := source.TransferSnapshot(channel[9:])
		if !ok {
			return nil
		}
		return [][]byte{mustMarshal(TransferUpdatePayload{
			Type:      TypeTransferUpdate,
			Transfer:  t,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})}

	case len(channel) > 4 && channel[:4] == "log:":
		if source == nil {
			return nil
		}
		transferID := channel[4:]
		evs := source.LogEvents(transferID)
		// Only the newest event is queued per channel (coalescing), so a
		// late log subscriber gets the full stream as one batch frame.
		if len(evs) == 0 {
			return nil
		}
		frames := make([][]byte, 0, 1)
		frames = append(frames, mustMarshal(map[string]any{
			"type":       TypeLogEvent,
			"transferId": transferID,
			"events":     evs,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		}))
		return frames
	}
	return nil
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal initial frame", "error", err)
		return []byte("{}")
	}
	return data
}
