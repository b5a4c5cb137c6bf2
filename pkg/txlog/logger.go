// Package txlog implements the per-transfer transaction log: an append-only
// event stream with phase timing, summary building, and a bounded persisted
// history of past transfers.
package txlog

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/solarcloud7/clusterio-surface-export/pkg/models"
	"github.com/solarcloud7/clusterio-surface-export/pkg/persist"
)

// Notifier receives every appended log event for live fan-out. Implemented
// by the events broadcaster; may be nil in tests.
type Notifier interface {
	EmitLogUpdate(transferID string, event models.LogEvent)
}

// Logger tracks live event streams per transfer and maintains the persisted
// transaction-log array (newest maxPersisted records, FIFO).
type Logger struct {
	mu        sync.Mutex
	events    map[string][]models.LogEvent
	starts    map[string]int64 // transferId → startedAt ms, for elapsedMs
	persisted []models.TransactionLogRecord

	maxPersisted int
	writer       *persist.Writer
	notifier     Notifier
	now          func() time.Time
}

// NewLogger creates a Logger persisting to path and loads any existing
// transaction-log array. Missing or malformed files yield an empty history.
func NewLogger(path string, maxPersisted int) *Logger {
	l := &Logger{
		events:       make(map[string][]models.LogEvent),
		starts:       make(map[string]int64),
		maxPersisted: maxPersisted,
		writer:       persist.NewWriter(path),
		now:          time.Now,
	}

	var loaded []models.TransactionLogRecord
	found, err := persist.Load(path, &loaded)
	if err != nil {
		slog.Warn("Could not load transaction logs, starting empty", "path", path, "error", err)
		return l
	}
	if found {
		l.persisted = loaded
		l.truncateLocked()
		slog.Info("Loaded transaction logs", "path", path, "records", len(l.persisted))
	}
	return l
}

// SetNotifier wires the live log-update fan-out. Called once during startup.
func (l *Logger) SetNotifier(n Notifier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifier = n
}

// RegisterTransfer records a transfer's start time so subsequent events can
// carry elapsedMs. Events for unregistered transfers get elapsedMs 0.
func (l *Logger) RegisterTransfer(transferID string, startedAtMs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts[transferID] = startedAtMs
}

// LogEvent appends an event to a transfer's stream and notifies subscribers
// on the transfer's log channel.
func (l *Logger) LogEvent(transferID, eventType, message string, details map[string]any) models.LogEvent {
	now := l.now()
	nowMs := now.UnixMilli()

	l.mu.Lock()
	ev := models.LogEvent{
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
		TimestampMs: nowMs,
		EventType:   eventType,
		Message:     message,
		Details:     details,
	}
	if start, ok := l.starts[transferID]; ok {
		ev.ElapsedMs = nowMs - start
	}
	if prior := l.events[transferID]; len(prior) > 0 {
		ev.DeltaMs = nowMs - prior[len(prior)-1].TimestampMs
	}
	l.events[transferID] = append(l.events[transferID], ev)
	notifier := l.notifier
	l.mu.Unlock()

	slog.Info("Transfer event",
		"transfer_id", transferID, "event_type", eventType, "message", message)
	if notifier != nil {
		notifier.EmitLogUpdate(transferID, ev)
	}
	return ev
}

// Events returns a copy of the live event stream for a transfer.
func (l *Logger) Events(transferID string) []models.LogEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	evs := l.events[transferID]
	out := make([]models.LogEvent, len(evs))
	copy(out, evs)
	return out
}

// Release drops the live event stream and start time for a transfer. Called
// when a transfer is pruned from the active map; the persisted record, if
// any, is unaffected.
func (l *Logger) Release(transferID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, transferID)
	delete(l.starts, transferID)
}

// StartPhase records the opening boundary of a named phase on the transfer.
func (l *Logger) StartPhase(t *models.Transfer, phase string) {
	if t.Phases == nil {
		t.Phases = make(map[string]*models.PhaseTiming)
	}
	t.Phases[phase] = &models.PhaseTiming{StartMs: l.now().UnixMilli()}
}

// EndPhase closes a named phase and returns its duration in milliseconds.
// Ending an un-started phase returns 0 and records nothing.
func (l *Logger) EndPhase(t *models.Transfer, phase string) int64 {
	p, ok := t.Phases[phase]
	if !ok || p == nil {
		return 0
	}
	endMs := l.now().UnixMilli()
	duration := endMs - p.StartMs
	if duration < 0 {
		duration = 0
	}
	p.EndMs = &endMs
	p.DurationMs = &duration
	return duration
}

// Persist synthesizes a detailed record for the transfer (full event stream
// plus summary), upserts it into the persisted array keyed by transferId,
// truncates to the newest maxPersisted records, and atomically rewrites the
// file. Persistence errors are logged, never propagated — in-memory state
// stays authoritative for the current process lifetime.
func (l *Logger) Persist(t *models.Transfer) {
	summary := l.BuildSummaryMap(t)

	l.mu.Lock()
	evs := l.events[t.TransferID]
	eventsCopy := make([]models.LogEvent, len(evs))
	copy(eventsCopy, evs)

	rec := models.TransactionLogRecord{
		TransferID: t.TransferID,
		TransferInfo: models.TransferInfo{
			TransferID:         t.TransferID,
			ExportID:           t.ExportID,
			PlatformName:       t.PlatformName,
			PlatformIndex:      t.PlatformIndex,
			ForceName:          t.ForceName,
			SourceInstanceID:   t.SourceInstanceID,
			SourceInstanceName: t.SourceInstanceName,
			TargetInstanceID:   t.TargetInstanceID,
			TargetInstanceName: t.TargetInstanceName,
			StartedAt:          t.StartedAt,
		},
		Summary: summary,
		Events:  eventsCopy,
		SavedAt: l.now().UnixMilli(),
	}

	replaced := false
	for i := range l.persisted {
		if l.persisted[i].TransferID == t.TransferID {
			l.persisted[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		l.persisted = append(l.persisted, rec)
	}
	l.truncateLocked()

	snapshot := make([]models.TransactionLogRecord, len(l.persisted))
	copy(snapshot, l.persisted)
	l.mu.Unlock()

	if err := l.writer.Write(snapshot); err != nil {
		slog.Error("Failed to persist transaction log",
			"transfer_id", t.TransferID, "error", err)
	}
}

// Records returns a copy of the persisted transaction-log array.
func (l *Logger) Records() []models.TransactionLogRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.TransactionLogRecord, len(l.persisted))
	copy(out, l.persisted)
	return out
}

// Record returns the persisted record for a transfer, if present.
func (l *Logger) Record(transferID string) (models.TransactionLogRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.persisted {
		if rec.TransferID == transferID {
			return rec, true
		}
	}
	return models.TransactionLogRecord{}, false
}

// TransferSummaries unions active transfers with persisted-but-not-active
// records, sorted by startedAt descending and truncated to limit.
func (l *Logger) TransferSummaries(active []*models.Transfer, limit int) []models.TransferSummary {
	summaries := make([]models.TransferSummary, 0, len(active))
	seen := make(map[string]bool, len(active))
	for _, t := range active {
		summaries = append(summaries, l.BuildTransferSummary(t))
		seen[t.TransferID] = true
	}

	l.mu.Lock()
	for _, rec := range l.persisted {
		if seen[rec.TransferID] {
			continue
		}
		s := models.TransferSummary{
			TransferID:         rec.TransferID,
			PlatformName:       rec.TransferInfo.PlatformName,
			SourceInstanceName: rec.TransferInfo.SourceInstanceName,
			TargetInstanceName: rec.TransferInfo.TargetInstanceName,
			StartedAt:          rec.TransferInfo.StartedAt,
		}
		if status, ok := rec.Summary["status"].(string); ok {
			s.Status = models.NormalizeStatus(status)
		}
		if result, ok := rec.Summary["result"].(string); ok {
			s.Result = result
		}
		if errMsg, ok := rec.Summary["error"].(string); ok {
			s.Error = errMsg
		}
		summaries = append(summaries, s)
	}
	l.mu.Unlock()

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartedAt > summaries[j].StartedAt
	})
	if limit >= 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries
}

// truncateLocked drops the oldest records beyond maxPersisted. Caller holds
// l.mu.
func (l *Logger) truncateLocked() {
	if len(l.persisted) > l.maxPersisted {
		l.persisted = l.persisted[len(l.persisted)-l.maxPersisted:]
	}
}

// FormatDuration renders a millisecond duration as "Xms" under one second
// and "X.Xs" otherwise.
func FormatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000.0)
}
