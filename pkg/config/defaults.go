package config

import "time"

// DefaultConfig returns the built-in configuration defaults. A config file
// only needs to specify the values it overrides.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8099,
			WriteTimeout: 10 * time.Second,
		},
		Data: DataConfig{
			Dir:              "./data",
			MaxExports:       50,
			MaxPersistedLogs: 10,
			FlushDebounce:    1 * time.Second,
		},
		Transfers: TransferConfig{
			ValidationTimeout:  120 * time.Second,
			ExportWaitTimeout:  10 * time.Second,
			ExportPollInterval: 100 * time.Millisecond,
			MaxActiveTransfers: 100,
			RPCTimeout:         30 * time.Second,
		},
		Broadcast: BroadcastConfig{
			TreeWindow:     250 * time.Millisecond,
			TreeRPCTimeout: 3 * time.Second,
			TreeCacheTTL:   1 * time.Second,
		},
	}
}
