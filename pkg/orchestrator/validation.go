package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/solarcloud7/clusterio-surface-export/pkg/instances"
	"github.com/solarcloud7/clusterio-surface-export/pkg/models"
	"github.com/solarcloud7/clusterio-surface-export/pkg/txlog"
)

// validationTimeoutDetails is the synthetic verdict injected when a target
// never reports back.
func validationTimeoutDetails() map[string]any {
	return map[string]any{
		"itemCountMatch":  false,
		"fluidCountMatch": false,
		"mismatchDetails": "Validation timeout - no response received within 2 minutes",
	}
}

// HandleTransferValidation processes the target's validation verdict and
// drives the transfer to its terminal state. Implements the other half of
// instances.EventHandler. Verdicts for unknown or already-settled transfers
// are logged and dropped.
func (o *Orchestrator) HandleTransferValidation(ev instances.TransferValidationEvent) {
	var (
		t            models.Transfer
		known        bool
		validationMs int64
	)
	o.mu.Lock()
	live, ok := o.transfers[ev.TransferID]
	if ok && live.Status == models.StatusAwaitingValidation {
		validationMs = o.log.EndPhase(live, models.PhaseValidation)
		live.ImportMetrics = ConvertTickMetrics(ev.Metrics)
		live.ValidationResult = ev.Validation
		if timer, armed := o.timers[ev.TransferID]; armed {
			timer.Stop()
			delete(o.timers, ev.TransferID)
		}
		t = cloneTransfer(live)
		known = true
	}
	o.mu.Unlock()

	if !known {
		slog.Warn("Dropping validation for unknown or settled transfer",
			"transfer_id", ev.TransferID, "success", ev.Success)
		return
	}

	o.log.LogEvent(ev.TransferID, models.EventValidationReceived,
		fmt.Sprintf("Validation received from target (success=%t, took %s)",
			ev.Success, txlog.FormatDuration(validationMs)),
		map[string]any{
			"success":      ev.Success,
			"validationMs": validationMs,
			"validation":   ev.Validation,
		})

	// A panic in either branch must not leave the transfer stuck in a
	// non-terminal state or crash the frame-dispatch goroutine.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Validation handling panicked",
				"transfer_id", ev.TransferID, "panic", r)
			o.failInternal(ev.TransferID, fmt.Sprintf("validation handling failed: %v", r))
		}
	}()

	if ev.Success {
		o.handleValidationSuccess(t)
	} else {
		o.handleValidationFailure(t, ev.Validation)
	}

	o.mu.Lock()
	o.pruneLocked()
	o.mu.Unlock()
}

// handleValidationSuccess runs the cleanup phase: delete the source platform,
// then settle as completed or cleanup_failed. The target copy is live either
// way; cleanup_failed means two copies exist and the operator resolves by
// hand.
func (o *Orchestrator) handleValidationSuccess(t models.Transfer) {
	o.withTransfer(t.TransferID, func(live *models.Transfer) {
		live.Status = models.StatusCleanup
		o.log.StartPhase(live, models.PhaseCleanup)
	})
	o.emitTransfer(t.TransferID)

	o.notifyStatus(t, t.SourceInstanceID, "Transfer validated, removing source platform", "green")
	o.notifyStatus(t, t.TargetInstanceID, "Platform arrival validated", "green")

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RPCTimeout)
	defer cancel()
	data, err := o.rpc.Request(ctx, t.SourceInstanceID, instances.MsgDeleteSourcePlatform,
		instances.DeleteSourcePlatformRequest{
			PlatformIndex: t.PlatformIndex,
			PlatformName:  t.PlatformName,
			ForceName:     t.ForceName,
		})
	deleteErr := ""
	if err != nil {
		deleteErr = err.Error()
	} else {
		var result instances.RPCResult
		if jerr := json.Unmarshal(data, &result); jerr != nil {
			deleteErr = fmt.Sprintf("malformed delete response: %v", jerr)
		} else if !result.Success {
			deleteErr = result.Error
			if deleteErr == "" {
				deleteErr = "source delete refused"
			}
		}
	}

	var cleanupMs int64
	o.withTransfer(t.TransferID, func(live *models.Transfer) {
		cleanupMs = o.log.EndPhase(live, models.PhaseCleanup)
	})

	nowMs := o.now().UnixMilli()
	if deleteErr == "" {
		o.withTransfer(t.TransferID, func(live *models.Transfer) {
			live.Status = models.StatusCompleted
			live.CompletedAt = &nowMs
		})
		o.log.LogEvent(t.TransferID, models.EventTransferCompleted,
			fmt.Sprintf("Transfer completed, source platform removed in %s",
				txlog.FormatDuration(cleanupMs)),
			map[string]any{"cleanupMs": cleanupMs})
		o.emitTransfer(t.TransferID)
		o.persist(t.TransferID)
		o.exports.Delete(t.ExportID)
		if err := o.exports.Flush(); err != nil {
			slog.Error("Failed to flush export store after cleanup",
				"transfer_id", t.TransferID, "error", err)
		}
		o.broadcaster.QueueTreeBroadcast(t.ForceName)
		return
	}

	// Duplicate platform condition: the transfer itself succeeded, the
	// source copy just could not be removed.
	o.withTransfer(t.TransferID, func(live *models.Transfer) {
		live.Status = models.StatusCleanupFailed
		live.Error = deleteErr
		live.FailedAt = &nowMs
	})
	o.log.LogEvent(t.TransferID, models.EventTransferFailed,
		"Source cleanup failed, platform now exists on both instances: "+deleteErr,
		map[string]any{"cleanupMs": cleanupMs, "deleteError": deleteErr})
	o.notifyStatus(t, t.SourceInstanceID,
		"Warning: transfer validated but source cleanup failed", "orange")
	o.emitTransfer(t.TransferID)
	o.persist(t.TransferID)
	o.broadcaster.QueueTreeBroadcast(t.ForceName)
}

// handleValidationFailure rolls back: unlock the source platform and settle
// the transfer as failed.
func (o *Orchestrator) handleValidationFailure(t models.Transfer, validation map[string]any) {
	errMsg := "Validation failed"
	if detail, ok := validation["mismatchDetails"].(string); ok && detail != "" {
		errMsg = detail
	} else if detail, ok := validation["error"].(string); ok && detail != "" {
		errMsg = detail
	}

	o.log.LogEvent(t.TransferID, models.EventValidationFailed,
		"Validation failed: "+errMsg,
		map[string]any{"validation": validation})
	o.notifyStatus(t, t.SourceInstanceID, "Transfer validation failed, restoring platform", "red")
	o.notifyStatus(t, t.TargetInstanceID, "Imported platform failed validation", "red")

	// Rollback outcome is recorded through the rollback_* events; the
	// transfer error stays the validation verdict itself.
	_ = o.tryUnlockSource(t)

	nowMs := o.now().UnixMilli()
	o.withTransfer(t.TransferID, func(live *models.Transfer) {
		live.Status = models.StatusFailed
		live.Error = errMsg
		live.FailedAt = &nowMs
	})
	o.log.LogEvent(t.TransferID, models.EventTransferFailed,
		"Transfer failed: "+errMsg, nil)
	o.emitTransfer(t.TransferID)
	o.persist(t.TransferID)
	o.broadcaster.QueueTreeBroadcast(t.ForceName)
}

// handleImportFailure settles a transfer whose import request was refused or
// never answered, unlocking the source platform so it stays usable.
func (o *Orchestrator) handleImportFailure(transferID, errMsg string, transmissionMs int64) {
	o.log.LogEvent(transferID, models.EventImportFailed,
		"Import failed: "+errMsg,
		map[string]any{"transmissionMs": transmissionMs})

	var t models.Transfer
	o.mu.Lock()
	if live, ok := o.transfers[transferID]; ok {
		t = cloneTransfer(live)
	}
	o.mu.Unlock()

	finalErr := errMsg
	if t.TransferID != "" {
		if rollbackErr := o.tryUnlockSource(t); rollbackErr != nil {
			finalErr = errMsg + "; rollback failed: " + rollbackErr.Error()
		}
	}

	nowMs := o.now().UnixMilli()
	o.withTransfer(transferID, func(live *models.Transfer) {
		live.Status = models.StatusFailed
		live.Error = finalErr
		live.FailedAt = &nowMs
	})
	o.log.LogEvent(transferID, models.EventTransferFailed,
		"Transfer failed: "+finalErr, nil)
	o.emitTransfer(transferID)
	o.persist(transferID)
	if t.TransferID != "" {
		o.broadcaster.QueueTreeBroadcast(t.ForceName)
	}
}

// tryUnlockSource asks the source instance to release the platform lock
// taken at export time. A failed unlock leaves the platform frozen on the
// source until an operator intervenes, so the outcome is always logged.
func (o *Orchestrator) tryUnlockSource(t models.Transfer) error {
	o.log.LogEvent(t.TransferID, models.EventRollbackAttempt,
		"Requesting source platform unlock", nil)

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RPCTimeout)
	defer cancel()
	data, err := o.rpc.Request(ctx, t.SourceInstanceID, instances.MsgUnlockSourcePlatform,
		instances.UnlockSourcePlatformRequest{
			PlatformName: t.PlatformName,
			ForceName:    t.ForceName,
		})
	if err == nil {
		var result instances.RPCResult
		if jerr := json.Unmarshal(data, &result); jerr != nil {
			err = fmt.Errorf("malformed unlock response: %w", jerr)
		} else if !result.Success {
			if result.Error != "" {
				err = fmt.Errorf("%s", result.Error)
			} else {
				err = fmt.Errorf("unlock refused")
			}
		}
	}

	if err != nil {
		o.log.LogEvent(t.TransferID, models.EventRollbackFailed,
			"Source platform unlock failed: "+err.Error(), nil)
		return err
	}
	o.log.LogEvent(t.TransferID, models.EventRollbackSuccess,
		"Source platform unlocked", nil)
	return nil
}

// scheduleValidationTimeout arms the per-transfer timer that settles the
// transfer as failed if the target never reports a verdict. A real verdict
// arriving first disarms it; a verdict that lands before arming leaves the
// transfer settled, so arming is skipped. The fired callback always removes
// its own map entry, including on the stale branch.
func (o *Orchestrator) scheduleValidationTimeout(transferID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.transfers[transferID]
	if !ok || t.Status != models.StatusAwaitingValidation {
		return
	}
	if old, ok := o.timers[transferID]; ok {
		old.Stop()
	}
	o.timers[transferID] = time.AfterFunc(o.cfg.ValidationTimeout, func() {
		o.mu.Lock()
		delete(o.timers, transferID)
		t, ok := o.transfers[transferID]
		stillWaiting := ok && t.Status == models.StatusAwaitingValidation
		o.mu.Unlock()
		if !stillWaiting {
			return
		}

		o.log.LogEvent(transferID, models.EventValidationTimeout,
			"No validation received from target, treating transfer as failed", nil)
		o.HandleTransferValidation(instances.TransferValidationEvent{
			TransferID: transferID,
			Success:    false,
			Validation: validationTimeoutDetails(),
		})
	})
}

// notifyStatus sends a best-effort cosmetic status line to one instance.
func (o *Orchestrator) notifyStatus(t models.Transfer, instanceID int, message, color string) {
	err := o.rpc.Notify(instanceID, instances.MsgTransferStatusUpdate, instances.TransferStatusUpdate{
		TransferID:   t.TransferID,
		PlatformName: t.PlatformName,
		Message:      message,
		Color:        color,
	})
	if err != nil {
		slog.Debug("Status update not delivered",
			"transfer_id", t.TransferID, "instance_id", instanceID, "error", err)
	}
}
