// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for ctxsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// Each concern lives in its own table; consumer categories are keyed by
// name under [categories.<name>].
type Config struct {
	Sync       SyncConfig          `toml:"sync"`
	Filter     FilterConfig        `toml:"filter"`
	Cache      CacheConfig         `toml:"cache"`
	Loader     LoaderConfig        `toml:"loader"`
	Budget     BudgetConfig        `toml:"budget"`
	Logging    LoggingConfig       `toml:"logging"`
	Server     ServerConfig        `toml:"server"`
	Categories map[string]Category `toml:"categories"`
}

// SyncConfig controls where sources live and how the change detector and
// conversion workers behave.
type SyncConfig struct {
	SourceDir          string `toml:"source_dir"`
	StateDir           string `toml:"state_dir"`
	Debounce           string `toml:"debounce"`
	Workers            int    `toml:"workers"`
	ScanWorkers        int    `toml:"scan_workers"`
	QueueSize          int    `toml:"queue_size"`
	ReadRetries        int    `toml:"read_retries"`
	ReadRetryBase      string `toml:"read_retry_base"`
	OrphanGrace        string `toml:"orphan_grace"`
	SafetyScanInterval string `toml:"safety_scan_interval"`
	ShutdownTimeout    string `toml:"shutdown_timeout"`
}

// FilterConfig controls which files under the source directory count as
// source documents. Patterns match the base name; skip_dirs also matches
// directory base names.
type FilterConfig struct {
	Include      []string `toml:"include"`
	SkipFiles    []string `toml:"skip_files"`
	SkipDirs     []string `toml:"skip_dirs"`
	SkipDotfiles bool     `toml:"skip_dotfiles"`
	SkipSymlinks bool     `toml:"skip_symlinks"`
	MaxFileSize  string   `toml:"max_file_size"`
	IgnoreMarker string   `toml:"ignore_marker"`
}

// CacheConfig controls the memory and durable cache tiers.
type CacheConfig struct {
	Dir             string `toml:"dir"`
	MemoryEntries   int    `toml:"memory_entries"`
	MemoryTTL       string `toml:"memory_ttl"`
	DurableTTL      string `toml:"durable_ttl"`
	DurableMaxBytes string `toml:"durable_max_bytes"`
	Compression     string `toml:"compression"`
}

// LoaderConfig controls progressive level selection. Multipliers holds the
// cost factor for levels 1 through 4, applied to a document's full token
// estimate.
type LoaderConfig struct {
	Multipliers      []float64 `toml:"multipliers"`
	BudgetStartLevel int       `toml:"budget_start_level"`
	SnapshotWait     string    `toml:"snapshot_wait"`
}

// BudgetConfig controls per-session token ledgers. A zero session_limit
// means sessions are unlimited.
type BudgetConfig struct {
	SessionLimit int `toml:"session_limit"`
}

// LoggingConfig controls log output behavior: level, format, and file.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// ServerConfig controls the HTTP transport started by "serve --listen".
type ServerConfig struct {
	Listen       string `toml:"listen"`
	ReadTimeout  string `toml:"read_timeout"`
	WriteTimeout string `toml:"write_timeout"`
}

// Category maps a consumer category to the document sections it receives
// at level 3.
type Category struct {
	Description string   `toml:"description"`
	Sections    []string `toml:"sections"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	SourceDir  *string // --source flag
	StateDir   *string // --state-dir flag
}

// SectionsFor returns the level-3 section mapping for a consumer category.
// The second return value is false when the category has no mapping.
func (c *Config) SectionsFor(category string) ([]string, bool) {
	cat, ok := c.Categories[category]
	if !ok || len(cat.Sections) == 0 {
		return nil, false
	}

	return cat.Sections, true
}

// Durations holds the parsed form of every duration-valued setting.
// Validate guarantees each string parses, so Durations never fails on a
// validated Config.
type Durations struct {
	Debounce           time.Duration
	ReadRetryBase      time.Duration
	OrphanGrace        time.Duration
	SafetyScanInterval time.Duration
	ShutdownTimeout    time.Duration
	MemoryTTL          time.Duration
	DurableTTL         time.Duration
	SnapshotWait       time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
}

// Durations parses the duration-valued settings of a validated Config.
func (c *Config) Durations() Durations {
	return Durations{
		Debounce:           mustDuration(c.Sync.Debounce),
		ReadRetryBase:      mustDuration(c.Sync.ReadRetryBase),
		OrphanGrace:        mustDuration(c.Sync.OrphanGrace),
		SafetyScanInterval: mustDuration(c.Sync.SafetyScanInterval),
		ShutdownTimeout:    mustDuration(c.Sync.ShutdownTimeout),
		MemoryTTL:          mustDuration(c.Cache.MemoryTTL),
		DurableTTL:         mustDuration(c.Cache.DurableTTL),
		SnapshotWait:       mustDuration(c.Loader.SnapshotWait),
		ReadTimeout:        mustDuration(c.Server.ReadTimeout),
		WriteTimeout:       mustDuration(c.Server.WriteTimeout),
	}
}

// mustDuration parses s, returning zero for unparseable input. Only used on
// values Validate has already accepted.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
