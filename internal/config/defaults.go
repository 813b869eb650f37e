package config

import "runtime"

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain and work without any config file.
const (
	defaultSourceDir          = "~/Documents/context"
	defaultDebounce           = "250ms"
	defaultQueueSize          = 256
	defaultReadRetries        = 4
	defaultReadRetryBase      = "100ms"
	defaultOrphanGrace        = "24h"
	defaultSafetyScanInterval = "5m"
	defaultShutdownTimeout    = "30s"
	defaultIgnoreMarker       = ".ctxignore"
	defaultMaxFileSize        = "16MiB"
	defaultMemoryEntries      = 1024
	defaultMemoryTTL          = "5m"
	defaultDurableTTL         = "24h"
	defaultDurableMaxBytes    = "64MiB"
	defaultCompression        = "zstd"
	defaultBudgetStartLevel   = 4
	defaultSnapshotWait       = "2s"
	defaultSessionLimit       = 100000
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
	defaultListen             = "127.0.0.1:7420"
	defaultReadTimeout        = "10s"
	defaultWriteTimeout       = "30s"
)

// defaultMultipliers are the level 1..4 cost factors applied to a document's
// full token estimate.
var defaultMultipliers = []float64{0.1, 0.5, 0.75, 1.0}

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Sync:       defaultSyncConfig(),
		Filter:     defaultFilterConfig(),
		Cache:      defaultCacheConfig(),
		Loader:     defaultLoaderConfig(),
		Budget:     BudgetConfig{SessionLimit: defaultSessionLimit},
		Logging:    defaultLoggingConfig(),
		Server:     defaultServerConfig(),
		Categories: make(map[string]Category),
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		SourceDir:          defaultSourceDir,
		Debounce:           defaultDebounce,
		Workers:            runtime.NumCPU(),
		ScanWorkers:        runtime.NumCPU(),
		QueueSize:          defaultQueueSize,
		ReadRetries:        defaultReadRetries,
		ReadRetryBase:      defaultReadRetryBase,
		OrphanGrace:        defaultOrphanGrace,
		SafetyScanInterval: defaultSafetyScanInterval,
		ShutdownTimeout:    defaultShutdownTimeout,
	}
}

func defaultFilterConfig() FilterConfig {
	return FilterConfig{
		Include:      []string{"*.md", "*.markdown", "*.txt"},
		SkipDirs:     []string{".git", "node_modules"},
		SkipDotfiles: true,
		MaxFileSize:  defaultMaxFileSize,
		IgnoreMarker: defaultIgnoreMarker,
	}
}

func defaultCacheConfig() CacheConfig {
	return CacheConfig{
		MemoryEntries:   defaultMemoryEntries,
		MemoryTTL:       defaultMemoryTTL,
		DurableTTL:      defaultDurableTTL,
		DurableMaxBytes: defaultDurableMaxBytes,
		Compression:     defaultCompression,
	}
}

func defaultLoaderConfig() LoaderConfig {
	m := make([]float64, len(defaultMultipliers))
	copy(m, defaultMultipliers)

	return LoaderConfig{
		Multipliers:      m,
		BudgetStartLevel: defaultBudgetStartLevel,
		SnapshotWait:     defaultSnapshotWait,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:       defaultListen,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}
}
