// Package orchestrator drives the platform transfer saga: export from the
// source instance, transmission to the target, validation, and cleanup or
// rollback. Every transfer reaches a terminal state, and every transition
// produces a transaction-log event and a persistence write.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solarcloud7/clusterio-surface-export/pkg/config"
	"github.com/solarcloud7/clusterio-surface-export/pkg/exports"
	"github.com/solarcloud7/clusterio-surface-export/pkg/instances"
	"github.com/solarcloud7/clusterio-surface-export/pkg/models"
	"github.com/solarcloud7/clusterio-surface-export/pkg/txlog"
)

// DefaultForceName is used when a request does not name a force.
const DefaultForceName = "player"

// Resolver resolves instance identifiers. Implemented by tree.Tree.
type Resolver interface {
	ResolveTargetInstance(identifier any) *models.Instance
	ResolveInstanceName(id int) (string, bool)
}

// Broadcaster is the subscription fan-out surface the orchestrator drives.
// Implemented by events.Broadcaster.
type Broadcaster interface {
	EmitTransferUpdate(t models.Transfer)
	QueueTreeBroadcast(forceName string)
}

// Orchestrator coordinates transfers between source and target instances.
// Cross-transfer shared state is guarded by mu; outbound RPCs happen outside
// the lock.
type Orchestrator struct {
	cfg         config.TransferConfig
	exports     *exports.Store
	log         *txlog.Logger
	resolver    Resolver
	rpc         instances.RPC
	broadcaster Broadcaster

	mu        sync.Mutex
	transfers map[string]*models.Transfer
	timers    map[string]*time.Timer

	now func() time.Time
}

// New creates an Orchestrator.
func New(cfg config.TransferConfig, store *exports.Store, logger *txlog.Logger, resolver Resolver, rpc instances.RPC, broadcaster Broadcaster) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		exports:     store,
		log:         logger,
		resolver:    resolver,
		rpc:         rpc,
		broadcaster: broadcaster,
		transfers:   make(map[string]*models.Transfer),
		timers:      make(map[string]*time.Timer),
		now:         time.Now,
	}
}

// StartPlatformTransferRequest is the one-shot export-and-transfer request.
// TargetInstanceID accepts an integer id or a string name.
type StartPlatformTransferRequest struct {
	SourceInstanceID    int    `json:"sourceInstanceId"`
	TargetInstanceID    any    `json:"targetInstanceId"`
	SourcePlatformIndex int    `json:"sourcePlatformIndex"`
	ForceName           string `json:"forceName"`
}

// TransferPlatformRequest transfers an already stored export.
type TransferPlatformRequest struct {
	ExportID         string `json:"exportId"`
	TargetInstanceID any    `json:"targetInstanceId"`
}

// ImportUploadedExportRequest imports a client-supplied payload to a target,
// with no source-side saga (non-destructive).
type ImportUploadedExportRequest struct {
	TargetInstanceID any             `json:"targetInstanceId"`
	PlatformName     string          `json:"platformName"`
	ForceName        string          `json:"forceName"`
	ExportData       json.RawMessage `json:"exportData"`
}

// Result is the operator-facing outcome of a transfer request. Failures are
// reported here, never as panics beyond the RPC boundary.
type Result struct {
	Success    bool   `json:"success"`
	TransferID string `json:"transferId,omitempty"`
	ExportID   string `json:"exportId,omitempty"`
	Error      string `json:"error,omitempty"`
}

func failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// StartPlatformTransfer validates the request, triggers an export on the
// source, waits for the payload to land in the export store, and hands off
// to the core transfer path. Validation failures create no transfer record.
func (o *Orchestrator) StartPlatformTransfer(ctx context.Context, req StartPlatformTransferRequest) Result {
	forceName := req.ForceName
	if forceName == "" {
		forceName = DefaultForceName
	}

	source := o.resolver.ResolveTargetInstance(req.SourceInstanceID)
	if source == nil || source.Status != models.InstanceConnected {
		return failure("Source instance not found or not connected: %v", req.SourceInstanceID)
	}
	target := o.resolver.ResolveTargetInstance(req.TargetInstanceID)
	if target == nil {
		return failure("Target instance not found: %v", req.TargetInstanceID)
	}
	if source.ID == target.ID {
		return failure("Cannot transfer a platform to its own instance")
	}
	if req.SourcePlatformIndex < 1 {
		return failure("sourcePlatformIndex must be a positive integer, got %d", req.SourcePlatformIndex)
	}

	exportStart := o.now()
	rpcCtx, cancel := context.WithTimeout(ctx, o.cfg.RPCTimeout)
	defer cancel()
	data, err := o.rpc.Request(rpcCtx, source.ID, instances.MsgExportPlatform,
		instances.ExportPlatformRequest{PlatformIndex: req.SourcePlatformIndex, ForceName: forceName})
	if err != nil {
		return failure("Export request failed: %v", err)
	}
	var resp instances.ExportPlatformResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return failure("Malformed export response: %v", err)
	}
	if !resp.Success {
		return failure("Export request refused: %s", resp.Error)
	}
	exportRequestMs := o.now().Sub(exportStart).Milliseconds()

	waitStart := o.now()
	if !o.waitForExport(ctx, resp.ExportID) {
		return failure("Timed out waiting for export %s to be stored", resp.ExportID)
	}
	waitForStoredMs := o.now().Sub(waitStart).Milliseconds()

	return o.transferPlatform(ctx, resp.ExportID, target, transferOptions{
		platformIndex: req.SourcePlatformIndex,
		forceName:     forceName,
		exportMetrics: map[string]any{
			"exportRequestMs":   exportRequestMs,
			"waitForStoredMs":   waitForStoredMs,
			"exportPrepTotalMs": exportRequestMs + waitForStoredMs,
		},
	})
}

// TransferPlatform transfers an existing stored export to a target instance.
func (o *Orchestrator) TransferPlatform(ctx context.Context, req TransferPlatformRequest) Result {
	target := o.resolver.ResolveTargetInstance(req.TargetInstanceID)
	if target == nil {
		return failure("Target instance not found: %v", req.TargetInstanceID)
	}
	return o.transferPlatform(ctx, req.ExportID, target, transferOptions{})
}

// ImportUploadedExport stores a client-supplied payload under a fresh
// exportId and imports it to the target. There is no source platform, so no
// validation wait, no cleanup, and no rollback — the source copy is whatever
// the client kept.
func (o *Orchestrator) ImportUploadedExport(ctx context.Context, req ImportUploadedExportRequest) Result {
	target := o.resolver.ResolveTargetInstance(req.TargetInstanceID)
	if target == nil {
		return failure("Target instance not found: %v", req.TargetInstanceID)
	}
	if len(req.ExportData) == 0 {
		return failure("exportData is required")
	}
	body := bytes.TrimSpace(req.ExportData)
	if len(body) == 0 || body[0] != '{' || !json.Valid(body) {
		return failure("Malformed exportData: payload must be a JSON object")
	}
	forceName := req.ForceName
	if forceName == "" {
		forceName = DefaultForceName
	}

	exportID := "upload_" + uuid.New().String()
	o.exports.Put(models.ExportRecord{
		ExportID:     exportID,
		PlatformName: req.PlatformName,
		ExportData:   req.ExportData,
		Timestamp:    o.now().UnixMilli(),
		Size:         int64(len(req.ExportData)),
	})

	rpcCtx, cancel := context.WithTimeout(ctx, o.cfg.RPCTimeout)
	defer cancel()
	data, err := o.rpc.Request(rpcCtx, target.ID, instances.MsgImportPlatform,
		instances.ImportPlatformRequest{ExportID: exportID, ExportData: req.ExportData, ForceName: forceName})
	if err != nil {
		return failure("Import request failed: %v", err)
	}
	var result instances.RPCResult
	if err := json.Unmarshal(data, &result); err != nil {
		return failure("Malformed import response: %v", err)
	}
	if !result.Success {
		return failure("Import refused: %s", result.Error)
	}
	return Result{Success: true, ExportID: exportID}
}

// transferOptions carries path-specific context into the core transfer.
// Zero values mean "derive from the export payload".
type transferOptions struct {
	platformIndex int
	forceName     string
	exportMetrics map[string]any
}

// transferPlatform is the core path: create the transfer record, transmit
// the export to the target, and arm the validation wait.
func (o *Orchestrator) transferPlatform(ctx context.Context, exportID string, target *models.Instance, opts transferOptions) Result {
	rec, ok := o.exports.Get(exportID)
	if !ok {
		return failure("Export not found: %s", exportID)
	}
	if rec.SourceInstanceID == target.ID {
		return failure("Cannot transfer a platform to its own instance")
	}

	platformIndex, forceName := opts.platformIndex, opts.forceName
	if head, err := decodePayloadHead(rec.ExportData); err == nil {
		if platformIndex == 0 {
			platformIndex = head.PlatformIndex
		}
		if forceName == "" {
			forceName = head.ForceName
		}
	}
	if forceName == "" {
		forceName = DefaultForceName
	}

	now := o.now()
	t := &models.Transfer{
		TransferID:         models.NewTransferID(now),
		ExportID:           exportID,
		PlatformName:       rec.PlatformName,
		PlatformIndex:      platformIndex,
		ForceName:          forceName,
		SourceInstanceID:   rec.SourceInstanceID,
		TargetInstanceID:   target.ID,
		TargetInstanceName: target.Name,
		Status:             models.StatusTransporting,
		StartedAt:          now.UnixMilli(),
		Phases:             make(map[string]*models.PhaseTiming),
		ExportMetrics:      opts.exportMetrics,
		PayloadMetrics:     rec.PayloadMetrics(),
	}
	if name, ok := o.resolver.ResolveInstanceName(rec.SourceInstanceID); ok {
		t.SourceInstanceName = name
	}

	o.mu.Lock()
	o.transfers[t.TransferID] = t
	o.pruneLocked()
	o.mu.Unlock()

	o.log.RegisterTransfer(t.TransferID, t.StartedAt)
	o.log.LogEvent(t.TransferID, models.EventTransferCreated,
		fmt.Sprintf("Transfer of %q from %s to %s", t.PlatformName, t.SourceInstanceName, t.TargetInstanceName),
		map[string]any{
			"exportId":       exportID,
			"payloadMetrics": t.PayloadMetrics,
		})
	o.emitTransfer(t.TransferID)
	o.broadcaster.QueueTreeBroadcast(forceName)

	payload, err := injectCorrelationKeys(rec.ExportData, t.TransferID, rec.SourceInstanceID)
	if err != nil {
		return o.failInternal(t.TransferID, fmt.Sprintf("malformed export payload: %v", err))
	}

	o.withTransfer(t.TransferID, func(t *models.Transfer) {
		o.log.StartPhase(t, models.PhaseTransmission)
	})

	rpcCtx, cancel := context.WithTimeout(ctx, o.cfg.RPCTimeout)
	defer cancel()
	data, rpcErr := o.rpc.Request(rpcCtx, target.ID, instances.MsgImportPlatform,
		instances.ImportPlatformRequest{ExportID: exportID, ExportData: payload, ForceName: forceName})

	var transmissionMs int64
	o.withTransfer(t.TransferID, func(t *models.Transfer) {
		transmissionMs = o.log.EndPhase(t, models.PhaseTransmission)
	})

	if rpcErr != nil {
		o.handleImportFailure(t.TransferID, rpcErr.Error(), transmissionMs)
		return Result{Success: false, TransferID: t.TransferID, Error: rpcErr.Error()}
	}
	var importResult instances.RPCResult
	if err := json.Unmarshal(data, &importResult); err != nil {
		msg := fmt.Sprintf("malformed import response: %v", err)
		o.handleImportFailure(t.TransferID, msg, transmissionMs)
		return Result{Success: false, TransferID: t.TransferID, Error: msg}
	}
	if !importResult.Success {
		o.handleImportFailure(t.TransferID, importResult.Error, transmissionMs)
		return Result{Success: false, TransferID: t.TransferID, Error: importResult.Error}
	}

	o.withTransfer(t.TransferID, func(t *models.Transfer) {
		t.Status = models.StatusAwaitingValidation
		o.log.StartPhase(t, models.PhaseValidation)
	})
	o.log.LogEvent(t.TransferID, models.EventImportStarted,
		"Target accepted import, awaiting validation",
		map[string]any{"transmissionMs": transmissionMs})
	o.emitTransfer(t.TransferID)
	o.scheduleValidationTimeout(t.TransferID)

	return Result{Success: true, TransferID: t.TransferID}
}

// waitForExport polls the export store until the exportId appears or the
// wait times out.
func (o *Orchestrator) waitForExport(ctx context.Context, exportID string) bool {
	deadline := o.now().Add(o.cfg.ExportWaitTimeout)
	ticker := time.NewTicker(o.cfg.ExportPollInterval)
	defer ticker.Stop()
	for {
		if _, ok := o.exports.Get(exportID); ok {
			return true
		}
		if o.now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// HandlePlatformExport stores a completed export announced by a source
// instance. Implements half of instances.EventHandler.
func (o *Orchestrator) HandlePlatformExport(ev instances.PlatformExportEvent) {
	o.exports.Put(models.ExportRecord{
		ExportID:         ev.ExportID,
		PlatformName:     ev.PlatformName,
		SourceInstanceID: ev.SourceInstanceID,
		ExportData:       ev.ExportData,
		Timestamp:        o.now().UnixMilli(),
		Size:             int64(len(ev.ExportData)),
	})
	slog.Info("Stored platform export",
		"export_id", ev.ExportID, "platform", ev.PlatformName,
		"source_instance_id", ev.SourceInstanceID, "size", len(ev.ExportData))
}

// TransferSnapshot returns a copy of an active transfer's current state.
// Implements half of events.StateSource.
func (o *Orchestrator) TransferSnapshot(transferID string) (models.Transfer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.transfers[transferID]
	if !ok {
		return models.Transfer{}, false
	}
	return cloneTransfer(t), true
}

// LogEvents returns the accumulated log events for a transfer. Implements
// the other half of events.StateSource.
func (o *Orchestrator) LogEvents(transferID string) []models.LogEvent {
	return o.log.Events(transferID)
}

// ActiveTransfers returns copies of all active transfers.
func (o *Orchestrator) ActiveTransfers() []*models.Transfer {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*models.Transfer, 0, len(o.transfers))
	for _, t := range o.transfers {
		c := cloneTransfer(t)
		out = append(out, &c)
	}
	return out
}

// TransferSummaries unions active and persisted transfers for list views.
func (o *Orchestrator) TransferSummaries(limit int) []models.TransferSummary {
	return o.log.TransferSummaries(o.ActiveTransfers(), limit)
}

// pruneLocked evicts the oldest active transfers beyond the cap, disarming
// their timers and releasing their live log streams. Persisted logs are
// unaffected. Caller holds o.mu.
func (o *Orchestrator) pruneLocked() {
	for len(o.transfers) > o.cfg.MaxActiveTransfers {
		oldestID := ""
		var oldestStart int64
		for id, t := range o.transfers {
			if oldestID == "" || t.StartedAt < oldestStart {
				oldestID = id
				oldestStart = t.StartedAt
			}
		}
		if timer, ok := o.timers[oldestID]; ok {
			timer.Stop()
			delete(o.timers, oldestID)
		}
		delete(o.transfers, oldestID)
		o.log.Release(oldestID)
		slog.Info("Pruned oldest active transfer", "transfer_id", oldestID)
	}
}

// withTransfer runs fn with the live transfer under the orchestrator lock.
// No-op if the transfer is gone.
func (o *Orchestrator) withTransfer(transferID string, fn func(t *models.Transfer)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.transfers[transferID]; ok {
		fn(t)
	}
}

// emitTransfer broadcasts the transfer's current state from a copy taken
// under the lock, so marshaling never races mutation.
func (o *Orchestrator) emitTransfer(transferID string) {
	o.mu.Lock()
	t, ok := o.transfers[transferID]
	var c models.Transfer
	if ok {
		c = cloneTransfer(t)
	}
	o.mu.Unlock()
	if ok {
		o.broadcaster.EmitTransferUpdate(c)
	}
}

// failInternal marks a transfer as terminally errored after an unexpected
// coordination failure. No auto-rollback; both endpoints get a status line so
// operators see the stall in-world.
func (o *Orchestrator) failInternal(transferID, msg string) Result {
	nowMs := o.now().UnixMilli()
	var t models.Transfer
	o.withTransfer(transferID, func(live *models.Transfer) {
		live.Status = models.StatusError
		live.Error = msg
		live.FailedAt = &nowMs
		t = cloneTransfer(live)
	})
	o.log.LogEvent(transferID, models.EventTransferFailed, "Internal error: "+msg, nil)
	if t.TransferID != "" {
		o.notifyStatus(t, t.SourceInstanceID, "Transfer errored: "+msg, "red")
		o.notifyStatus(t, t.TargetInstanceID, "Transfer errored: "+msg, "red")
	}
	o.emitTransfer(transferID)
	o.persist(transferID)
	return Result{Success: false, TransferID: transferID, Error: msg}
}

// persist writes the transfer's transaction log from a consistent copy.
func (o *Orchestrator) persist(transferID string) {
	o.mu.Lock()
	t, ok := o.transfers[transferID]
	var c models.Transfer
	if ok {
		c = cloneTransfer(t)
	}
	o.mu.Unlock()
	if ok {
		o.log.Persist(&c)
	}
}

// cloneTransfer deep-copies the maps so a snapshot never shares mutable
// state with the live record.
func cloneTransfer(t *models.Transfer) models.Transfer {
	c := *t
	if t.Phases != nil {
		c.Phases = make(map[string]*models.PhaseTiming, len(t.Phases))
		for name, p := range t.Phases {
			if p == nil {
				continue
			}
			pc := *p
			c.Phases[name] = &pc
		}
	}
	c.ExportMetrics = cloneMap(t.ExportMetrics)
	c.PayloadMetrics = cloneMap(t.PayloadMetrics)
	c.ImportMetrics = cloneMap(t.ImportMetrics)
	c.ValidationResult = cloneMap(t.ValidationResult)
	c.SourceVerification = cloneMap(t.SourceVerification)
	return c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// injectCorrelationKeys splices _transferId and _sourceInstanceId into the
// raw export payload for the target's validation callback. The stored bytes
// pass through untouched, so key order and number formatting survive exactly
// as exported.
func injectCorrelationKeys(raw json.RawMessage, transferID string, sourceInstanceID int) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) < 2 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("export payload is not a JSON object")
	}
	id, err := json.Marshal(transferID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(trimmed) + 64)
	fmt.Fprintf(&buf, `{"_transferId":%s,"_sourceInstanceId":%d`, id, sourceInstanceID)
	body := bytes.TrimSpace(trimmed[1:])
	if !bytes.Equal(body, []byte("}")) {
		buf.WriteByte(',')
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

type payloadHead struct {
	PlatformIndex int    `json:"platformIndex"`
	ForceName     string `json:"forceName"`
}

func decodePayloadHead(raw json.RawMessage) (payloadHead, error) {
	var h payloadHead
	err := json.Unmarshal(raw, &h)
	return h, err
}
