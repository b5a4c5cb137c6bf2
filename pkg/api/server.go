// Package api exposes the coordinator's HTTP surface: the transfer control
// endpoints, export and transaction-log reads, the platform tree, and the
// two WebSocket endpoints (UI subscribers and instance transport).
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/solarcloud7/clusterio-surface-export/pkg/config"
	"github.com/solarcloud7/clusterio-surface-export/pkg/events"
	"github.com/solarcloud7/clusterio-surface-export/pkg/exports"
	"github.com/solarcloud7/clusterio-surface-export/pkg/instances"
	"github.com/solarcloud7/clusterio-surface-export/pkg/models"
	"github.com/solarcloud7/clusterio-surface-export/pkg/orchestrator"
	"github.com/solarcloud7/clusterio-surface-export/pkg/txlog"
)

// TransferService is the orchestrator surface the API drives.
type TransferService interface {
	StartPlatformTransfer(ctx context.Context, req orchestrator.StartPlatformTransferRequest) orchestrator.Result
	TransferPlatform(ctx context.Context, req orchestrator.TransferPlatformRequest) orchestrator.Result
	ImportUploadedExport(ctx context.Context, req orchestrator.ImportUploadedExportRequest) orchestrator.Result
	TransferSummaries(limit int) []models.TransferSummary
	TransferSnapshot(transferID string) (models.Transfer, bool)
}

// TreeService supplies per-force platform tree snapshots.
type TreeService interface {
	BuildTree(ctx context.Context, forceName string) models.TreeSnapshot
}

// Server wires the HTTP handlers to the coordinator components.
type Server struct {
	cfg      config.ServerConfig
	svc      TransferService
	tree     TreeService
	store    *exports.Store
	logger   *txlog.Logger
	ui       *events.ConnectionManager
	router   *instances.Router
	registry *instances.Registry

	httpSrv *http.Server
}

// NewServer creates the API server. The instance router and UI connection
// manager own their WebSocket lifecycles; the server only accepts upgrades
// and hands connections over.
func NewServer(cfg config.ServerConfig, svc TransferService, tree TreeService,
	store *exports.Store, logger *txlog.Logger, ui *events.ConnectionManager,
	router *instances.Router, registry *instances.Registry) *Server {
	return &Server{
		cfg:      cfg,
		svc:      svc,
		tree:     tree,
		store:    store,
		logger:   logger,
		ui:       ui,
		router:   router,
		registry: registry,
	}
}

// Routes builds the gin engine with all endpoints registered.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	api := r.Group("/api")
	api.POST("/transfers", s.startTransfer)
	api.GET("/transfers", s.listTransfers)
	api.GET("/transfers/:transferId", s.getTransfer)
	api.POST("/transfers/from-export", s.transferFromExport)

	api.GET("/exports", s.listExports)
	api.GET("/exports/:exportId", s.getExport)
	api.POST("/exports/upload", s.uploadExport)

	api.GET("/tree", s.getTree)
	api.GET("/transaction-logs", s.listTransactionLogs)
	api.GET("/transaction-logs/:transferId", s.getTransactionLog)
	api.GET("/health", s.health)

	r.GET("/ws", s.handleUIWebSocket)
	r.GET("/ws/instance", s.handleInstanceWebSocket)
	return r
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Routes(),
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// requestLogger logs each request with method, path, status and latency.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
