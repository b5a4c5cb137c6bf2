package txlog

import (
	"github.com/solarcloud7/clusterio-surface-export/pkg/models"
)

// BuildPhaseSummary flattens a transfer's phases to {<phase>Ms: durationMs}.
// Phases without a recorded duration (still open, or never started) are
// skipped.
func (l *Logger) BuildPhaseSummary(t *models.Transfer) map[string]any {
	out := make(map[string]any)
	for name, p := range t.Phases {
		if p == nil || p.DurationMs == nil {
			continue
		}
		out[name+"Ms"] = *p.DurationMs
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// BuildTransferSummary builds the minimal per-transfer block for list views.
// Status is normalized for display.
func (l *Logger) BuildTransferSummary(t *models.Transfer) models.TransferSummary {
	return models.TransferSummary{
		TransferID:         t.TransferID,
		PlatformName:       t.PlatformName,
		SourceInstanceName: t.SourceInstanceName,
		TargetInstanceName: t.TargetInstanceName,
		Status:             models.NormalizeStatus(string(t.Status)),
		Result:             models.ResultForStatus(t.Status),
		StartedAt:          t.StartedAt,
		Error:              t.Error,
	}
}

// BuildDetailedSummary builds the rich summary block with derived result and
// total duration. Duration counts to completedAt, failedAt, the last event,
// or now — in that order of preference — and never goes negative.
func (l *Logger) BuildDetailedSummary(t *models.Transfer) models.DetailedTransferSummary {
	totalMs := l.totalDurationMs(t)
	return models.DetailedTransferSummary{
		TransferID:         t.TransferID,
		PlatformName:       t.PlatformName,
		SourceInstanceName: t.SourceInstanceName,
		TargetInstanceName: t.TargetInstanceName,
		Status:             models.NormalizeStatus(string(t.Status)),
		Result:             models.ResultForStatus(t.Status),
		StartedAt:          t.StartedAt,
		TotalDurationMs:    totalMs,
		TotalDuration:      FormatDuration(totalMs),
		Error:              t.Error,
		Phases:             l.BuildPhaseSummary(t),
		ExportMetrics:      t.ExportMetrics,
		PayloadMetrics:     t.PayloadMetrics,
		ImportMetrics:      t.ImportMetrics,
		ValidationResult:   t.ValidationResult,
	}
}

// BuildSummaryMap renders the detailed summary as the open map persisted in
// transaction-log records.
func (l *Logger) BuildSummaryMap(t *models.Transfer) map[string]any {
	s := l.BuildDetailedSummary(t)
	m := map[string]any{
		"transferId":         s.TransferID,
		"platformName":       s.PlatformName,
		"sourceInstanceName": s.SourceInstanceName,
		"targetInstanceName": s.TargetInstanceName,
		"status":             string(s.Status),
		"result":             s.Result,
		"startedAt":          s.StartedAt,
		"totalDurationMs":    s.TotalDurationMs,
		"totalDuration":      s.TotalDuration,
	}
	if s.Error != "" {
		m["error"] = s.Error
	}
	if s.Phases != nil {
		m["phases"] = s.Phases
	}
	if s.ExportMetrics != nil {
		m["exportMetrics"] = s.ExportMetrics
	}
	if s.PayloadMetrics != nil {
		m["payloadMetrics"] = s.PayloadMetrics
	}
	if s.ImportMetrics != nil {
		m["importMetrics"] = s.ImportMetrics
	}
	if s.ValidationResult != nil {
		m["validationResult"] = s.ValidationResult
	}
	return m
}

func (l *Logger) totalDurationMs(t *models.Transfer) int64 {
	var endMs int64
	switch {
	case t.CompletedAt != nil:
		endMs = *t.CompletedAt
	case t.FailedAt != nil:
		endMs = *t.FailedAt
	default:
		l.mu.Lock()
		if evs := l.events[t.TransferID]; len(evs) > 0 {
			endMs = evs[len(evs)-1].TimestampMs
		}
		l.mu.Unlock()
		if endMs == 0 {
			endMs = l.now().UnixMilli()
		}
	}
	total := endMs - t.StartedAt
	if total < 0 {
		total = 0
	}
	return total
}
