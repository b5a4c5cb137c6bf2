// Package config loads and validates coordinator configuration.
//
// Configuration comes from transferd.yaml merged over built-in defaults,
// with {{.VAR}} references expanded from the environment before parsing.
package config

import (
	"fmt"
	"time"
)

// Config is the fully merged coordinator configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Data      DataConfig      `yaml:"data"`
	Transfers TransferConfig  `yaml:"transfers"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
}

// ServerConfig holds HTTP/WebSocket listener settings.
type ServerConfig struct {
	// Port the HTTP server listens on.
	Port int `yaml:"port"`

	// AllowedWSOrigins restricts WebSocket upgrades. Empty means same-origin
	// checks are skipped (development mode).
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`

	// WriteTimeout bounds a single WebSocket frame write to a client.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DataConfig holds durable-state settings.
type DataConfig struct {
	// Dir is the coordinator-local data directory holding
	// platform_exports.json and transaction_logs.json.
	Dir string `yaml:"dir"`

	// MaxExports caps the export store; oldest records by timestamp are
	// evicted beyond this.
	MaxExports int `yaml:"max_exports"`

	// MaxPersistedLogs caps the persisted transaction-log array (FIFO).
	MaxPersistedLogs int `yaml:"max_persisted_logs"`

	// FlushDebounce is the quiet window that coalesces consecutive export
	// store writes into a single flush.
	FlushDebounce time.Duration `yaml:"flush_debounce"`
}

// TransferConfig holds saga timing settings.
type TransferConfig struct {
	// ValidationTimeout is how long the orchestrator waits for the target's
	// validation callback before synthesizing a failure.
	ValidationTimeout time.Duration `yaml:"validation_timeout"`

	// ExportWaitTimeout bounds the wait for a requested export to appear in
	// the store.
	ExportWaitTimeout time.Duration `yaml:"export_wait_timeout"`

	// ExportPollInterval is the poll cadence during the export wait.
	ExportPollInterval time.Duration `yaml:"export_poll_interval"`

	// MaxActiveTransfers caps the in-memory active transfer map; oldest by
	// startedAt are pruned beyond this.
	MaxActiveTransfers int `yaml:"max_active_transfers"`

	// RPCTimeout bounds a single request to a source or target instance.
	RPCTimeout time.Duration `yaml:"rpc_timeout"`
}

// BroadcastConfig holds subscription fan-out settings.
type BroadcastConfig struct {
	// TreeWindow is the per-force rate-limit window for tree broadcasts.
	TreeWindow time.Duration `yaml:"tree_window"`

	// TreeRPCTimeout bounds each per-instance platform enumeration RPC when
	// building a tree snapshot.
	TreeRPCTimeout time.Duration `yaml:"tree_rpc_timeout"`

	// TreeCacheTTL is how long a built snapshot may be served from cache.
	TreeCacheTTL time.Duration `yaml:"tree_cache_ttl"`
}

// Validate checks that merged configuration values are usable.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}
	if c.Data.MaxExports <= 0 {
		return fmt.Errorf("data.max_exports must be positive, got %d", c.Data.MaxExports)
	}
	if c.Data.MaxPersistedLogs <= 0 {
		return fmt.Errorf("data.max_persisted_logs must be positive, got %d", c.Data.MaxPersistedLogs)
	}
	if c.Transfers.MaxActiveTransfers <= 0 {
		return fmt.Errorf("transfers.max_active_transfers must be positive, got %d", c.Transfers.MaxActiveTransfers)
	}
	if c.Transfers.ValidationTimeout <= 0 {
		return fmt.Errorf("transfers.validation_timeout must be positive")
	}
	if c.Transfers.ExportPollInterval <= 0 {
		return fmt.Errorf("transfers.export_poll_interval must be positive")
	}
	if c.Broadcast.TreeWindow <= 0 {
		return fmt.Errorf("broadcast.tree_window must be positive")
	}
	return nil
}
