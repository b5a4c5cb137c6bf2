package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarcloud7/clusterio-surface-export/pkg/config"
	"github.com/solarcloud7/clusterio-surface-export/pkg/events"
	"github.com/solarcloud7/clusterio-surface-export/pkg/exports"
	"github.com/solarcloud7/clusterio-surface-export/pkg/instances"
	"github.com/solarcloud7/clusterio-surface-export/pkg/models"
	"github.com/solarcloud7/clusterio-surface-export/pkg/orchestrator"
	"github.com/solarcloud7/clusterio-surface-export/pkg/txlog"
)

type stubService struct {
	startReqs []orchestrator.StartPlatformTransferRequest
	startRes  orchestrator.Result
	xferReqs  []orchestrator.TransferPlatformRequest
	xferRes   orchestrator.Result
	uploadRes orchestrator.Result
	summaries []models.TransferSummary
	snapshots map[string]models.Transfer
	lastLimit int
}

func (s *stubService) StartPlatformTransfer(ctx context.Context, req orchestrator.StartPlatformTransferRequest) orchestrator.Result {
	s.startReqs = append(s.startReqs, req)
	return s.startRes
}

func (s *stubService) TransferPlatform(ctx context.Context, req orchestrator.TransferPlatformRequest) orchestrator.Result {
	s.xferReqs = append(s.xferReqs, req)
	return s.xferRes
}

func (s *stubService) ImportUploadedExport(ctx context.Context, req orchestrator.ImportUploadedExportRequest) orchestrator.Result {
	return s.uploadRes
}

func (s *stubService) TransferSummaries(limit int) []models.TransferSummary {
	s.lastLimit = limit
	return s.summaries
}

func (s *stubService) TransferSnapshot(transferID string) (models.Transfer, bool) {
	t, ok := s.snapshots[transferID]
	return t, ok
}

type stubTree struct {
	lastForce string
}

func (t *stubTree) BuildTree(ctx context.Context, forceName string) models.TreeSnapshot {
	t.lastForce = forceName
	return models.TreeSnapshot{
		ForceName: forceName,
		Instances: []models.TreeInstance{
			{ID: 1, Name: "alpha", Status: models.InstanceConnected, Platforms: []models.PlatformInfo{}},
		},
		GeneratedAt: time.Now().UnixMilli(),
	}
}

type apiFixture struct {
	svc    *stubService
	tree   *stubTree
	store  *exports.Store
	logger *txlog.Logger
	srv    *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dir := t.TempDir()
	store := exports.NewStore(filepath.Join(dir, "exports.json"), 50, time.Hour)
	t.Cleanup(func() { store.Close() })
	logger := txlog.NewLogger(filepath.Join(dir, "transaction-logs.json"), 10)

	svc := &stubService{snapshots: make(map[string]models.Transfer)}
	tree := &stubTree{}
	registry := instances.NewRegistry()
	server := NewServer(config.ServerConfig{Port: 0, WriteTimeout: 5 * time.Second},
		svc, tree, store, logger,
		events.NewConnectionManager(5*time.Second),
		instances.NewRouter(registry, 5*time.Second),
		registry)

	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)
	return &apiFixture{svc: svc, tree: tree, store: store, logger: logger, srv: srv}
}

func (f *apiFixture) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (f *apiFixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func TestStartTransferEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.svc.startRes = orchestrator.Result{Success: true, TransferID: "transfer_1_000001"}

	resp, body := f.postJSON(t, "/api/transfers", map[string]any{
		"sourceInstanceId":    1,
		"targetInstanceId":    "beta",
		"sourcePlatformIndex": 2,
		"forceName":           "player",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "transfer_1_000001", body["transferId"])

	require.Len(t, f.svc.startReqs, 1)
	req := f.svc.startReqs[0]
	assert.Equal(t, 1, req.SourceInstanceID)
	assert.Equal(t, "beta", req.TargetInstanceID)
	assert.Equal(t, 2, req.SourcePlatformIndex)

	t.Run("pre-flight rejection maps to 400", func(t *testing.T) {
		f.svc.startRes = orchestrator.Result{Success: false, Error: "Target instance not found: 9"}
		resp, body := f.postJSON(t, "/api/transfers", map[string]any{"sourceInstanceId": 1})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, false, body["success"])
		assert.Contains(t, body["error"], "Target instance not found")
	})

	t.Run("saga failure of a created transfer stays 200", func(t *testing.T) {
		f.svc.startRes = orchestrator.Result{Success: false, TransferID: "transfer_1_000002", Error: "disk full"}
		resp, body := f.postJSON(t, "/api/transfers", map[string]any{"sourceInstanceId": 1})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "transfer_1_000002", body["transferId"])
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(f.srv.URL+"/api/transfers", "application/json", bytes.NewReader([]byte("{not json")))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestTransferFromExportEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.svc.xferRes = orchestrator.Result{Success: true, TransferID: "transfer_2_000001"}

	resp, body := f.postJSON(t, "/api/transfers/from-export", map[string]any{
		"exportId": "exp1", "targetInstanceId": 2,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	require.Len(t, f.svc.xferReqs, 1)
	assert.Equal(t, "exp1", f.svc.xferReqs[0].ExportID)

	t.Run("missing exportId", func(t *testing.T) {
		resp, body := f.postJSON(t, "/api/transfers/from-export", map[string]any{"targetInstanceId": 2})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body["error"], "exportId is required")
	})
}

func TestListTransfersEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.svc.summaries = []models.TransferSummary{
		{TransferID: "t1", Status: models.StatusCompleted, Result: models.ResultSuccess},
	}

	resp, body := f.get(t, "/api/transfers")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, defaultSummaryLimit, f.svc.lastLimit)
	transfers := body["transfers"].([]any)
	require.Len(t, transfers, 1)

	t.Run("custom limit", func(t *testing.T) {
		resp, _ := f.get(t, "/api/transfers?limit=5")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, 5, f.svc.lastLimit)
	})

	t.Run("bad limit", func(t *testing.T) {
		resp, _ := f.get(t, "/api/transfers?limit=-1")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetTransferEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	active := models.Transfer{
		TransferID: "t1", PlatformName: "Aurora",
		Status: models.StatusAwaitingValidation, StartedAt: time.Now().UnixMilli(),
	}
	f.svc.snapshots["t1"] = active
	f.logger.RegisterTransfer("t1", active.StartedAt)
	f.logger.LogEvent("t1", models.EventTransferCreated, "created", nil)

	t.Run("active transfer", func(t *testing.T) {
		resp, body := f.get(t, "/api/transfers/t1")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		transfer := body["transfer"].(map[string]any)
		assert.Equal(t, "Aurora", transfer["platformName"])
		assert.Len(t, body["events"].([]any), 1)
		summary := body["summary"].(map[string]any)
		assert.Equal(t, models.ResultInProgress, summary["result"])
	})

	t.Run("settled transfer served from persisted log", func(t *testing.T) {
		done := active
		done.TransferID = "t2"
		now := time.Now().UnixMilli()
		done.Status = models.StatusCompleted
		done.CompletedAt = &now
		f.logger.Persist(&done)

		resp, body := f.get(t, "/api/transfers/t2")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		summary := body["summary"].(map[string]any)
		assert.Equal(t, models.ResultSuccess, summary["result"])
	})

	t.Run("unknown transfer", func(t *testing.T) {
		resp, body := f.get(t, "/api/transfers/nope")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, false, body["success"])
	})
}

func TestExportEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.store.Put(models.ExportRecord{
		ExportID:         "exp1",
		PlatformName:     "Aurora",
		SourceInstanceID: 1,
		ExportData:       json.RawMessage(`{"entityCount":7,"items":{"iron-plate":100}}`),
		Timestamp:        time.Now().UnixMilli(),
		Size:             42,
	})

	t.Run("list omits payloads", func(t *testing.T) {
		resp, body := f.get(t, "/api/exports")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		list := body["exports"].([]any)
		require.Len(t, list, 1)
		entry := list[0].(map[string]any)
		assert.Equal(t, "exp1", entry["exportId"])
		assert.NotContains(t, entry, "exportData")
		metrics := entry["payloadMetrics"].(map[string]any)
		assert.Equal(t, float64(7), metrics["entityCount"])
	})

	t.Run("get returns the payload verbatim", func(t *testing.T) {
		resp, body := f.get(t, "/api/exports/exp1")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		export := body["export"].(map[string]any)
		data := export["exportData"].(map[string]any)
		assert.Equal(t, float64(7), data["entityCount"])
	})

	t.Run("missing export", func(t *testing.T) {
		resp, _ := f.get(t, "/api/exports/none")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("upload", func(t *testing.T) {
		f.svc.uploadRes = orchestrator.Result{Success: true, ExportID: "upload_abc"}
		resp, body := f.postJSON(t, "/api/exports/upload", map[string]any{
			"targetInstanceId": 2,
			"exportData":       map[string]any{"name": "Uploaded"},
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "upload_abc", body["exportId"])
	})
}

func TestTreeEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.get(t, "/api/tree?force=enemy")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "enemy", f.tree.lastForce)
	tree := body["tree"].(map[string]any)
	assert.Equal(t, "enemy", tree["forceName"])

	t.Run("default force", func(t *testing.T) {
		_, _ = f.get(t, "/api/tree")
		assert.Equal(t, orchestrator.DefaultForceName, f.tree.lastForce)
	})
}

func TestTransactionLogEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	done := models.Transfer{
		TransferID: "t1", PlatformName: "Aurora",
		Status: models.StatusCompleted, StartedAt: time.Now().UnixMilli(),
	}
	f.logger.Persist(&done)

	resp, body := f.get(t, "/api/transaction-logs")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["logs"].([]any), 1)

	t.Run("single record", func(t *testing.T) {
		resp, body := f.get(t, "/api/transaction-logs/t1")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		rec := body["log"].(map[string]any)
		assert.Equal(t, "t1", rec["transferId"])
	})

	t.Run("missing record", func(t *testing.T) {
		resp, _ := f.get(t, "/api/transaction-logs/nope")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.get(t, "/api/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(0), body["instances_connected"])
}
