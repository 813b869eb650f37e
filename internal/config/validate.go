package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Validation range constants.
const (
	minWorkers          = 1
	maxWorkers          = 256
	minQueueSize        = 1
	maxReadRetries      = 16
	levelCount          = 4
	minDebounce         = 10 * time.Millisecond
	minSafetyScan       = 10 * time.Second
	minShutdownTimeout  = 1 * time.Second
	minMemoryEntries    = 1
	maxMultiplier       = 1.0
	minServerTimeout    = 1 * time.Second
	maxCategorySections = 64
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateFilter(&cfg.Filter)...)
	errs = append(errs, validateCache(&cfg.Cache)...)
	errs = append(errs, validateLoader(&cfg.Loader)...)
	errs = append(errs, validateBudget(&cfg.Budget)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateCategories(cfg.Categories)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only hold after the override
// chain has been applied and paths finalized.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.Sync.SourceDir == "" {
		errs = append(errs, errors.New("source_dir: must not be empty"))
	} else if !filepath.IsAbs(cfg.Sync.SourceDir) {
		errs = append(errs, fmt.Errorf("source_dir: must be absolute after expansion, got %q", cfg.Sync.SourceDir))
	}

	if cfg.Sync.StateDir == "" {
		errs = append(errs, errors.New("state_dir: could not determine a default; set it explicitly"))
	}

	if cfg.Cache.Dir == "" {
		errs = append(errs, errors.New("cache.dir: could not determine a default; set it explicitly"))
	}

	return errors.Join(errs...)
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	errs = append(errs, validateIntRange("workers", s.Workers, minWorkers, maxWorkers)...)
	errs = append(errs, validateIntRange("scan_workers", s.ScanWorkers, minWorkers, maxWorkers)...)

	if s.QueueSize < minQueueSize {
		errs = append(errs, fmt.Errorf("queue_size: must be >= %d, got %d", minQueueSize, s.QueueSize))
	}

	errs = append(errs, validateIntRange("read_retries", s.ReadRetries, 0, maxReadRetries)...)
	errs = append(errs, validateDurationMin("debounce", s.Debounce, minDebounce)...)
	errs = append(errs, validateDurationMin("read_retry_base", s.ReadRetryBase, time.Millisecond)...)
	errs = append(errs, validateDurationNonNeg("orphan_grace", s.OrphanGrace)...)
	errs = append(errs, validateSafetyScan(s.SafetyScanInterval)...)
	errs = append(errs, validateDurationMin("shutdown_timeout", s.ShutdownTimeout, minShutdownTimeout)...)

	return errs
}

// validateSafetyScan accepts "0" (disabled) or an interval >= minSafetyScan.
func validateSafetyScan(value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("safety_scan_interval: invalid duration %q: %w", value, err)}
	}

	if d != 0 && d < minSafetyScan {
		return []error{fmt.Errorf("safety_scan_interval: must be 0 (disabled) or >= %s, got %s", minSafetyScan, d)}
	}

	return nil
}

func validateFilter(f *FilterConfig) []error {
	var errs []error

	if len(f.Include) == 0 {
		errs = append(errs, errors.New("include: must list at least one pattern"))
	}

	for _, group := range [][]string{f.Include, f.SkipFiles, f.SkipDirs} {
		for _, p := range group {
			if _, err := filepath.Match(p, ""); err != nil {
				errs = append(errs, fmt.Errorf("filter: invalid pattern %q: %w", p, err))
			}
		}
	}

	if _, err := ParseSize(f.MaxFileSize); err != nil {
		errs = append(errs, fmt.Errorf("max_file_size: %w", err))
	}

	if f.IgnoreMarker == "" {
		errs = append(errs, errors.New("ignore_marker: must not be empty"))
	}

	return errs
}

var validCompressions = map[string]bool{
	"none": true,
	"zstd": true,
	"lz4":  true,
}

func validateCache(c *CacheConfig) []error {
	var errs []error

	if c.MemoryEntries < minMemoryEntries {
		errs = append(errs, fmt.Errorf("memory_entries: must be >= %d, got %d", minMemoryEntries, c.MemoryEntries))
	}

	errs = append(errs, validateDurationNonNeg("memory_ttl", c.MemoryTTL)...)
	errs = append(errs, validateDurationNonNeg("durable_ttl", c.DurableTTL)...)

	if _, err := ParseSize(c.DurableMaxBytes); err != nil {
		errs = append(errs, fmt.Errorf("durable_max_bytes: %w", err))
	}

	if !validCompressions[c.Compression] {
		errs = append(errs, fmt.Errorf("compression: must be one of none, zstd, lz4; got %q", c.Compression))
	}

	return errs
}

func validateLoader(l *LoaderConfig) []error {
	var errs []error

	if len(l.Multipliers) != levelCount {
		errs = append(errs, fmt.Errorf("multipliers: must have exactly %d entries, got %d", levelCount, len(l.Multipliers)))
	} else {
		prev := 0.0

		for i, m := range l.Multipliers {
			if m <= 0 || m > maxMultiplier {
				errs = append(errs, fmt.Errorf("multipliers[%d]: must be in (0, 1], got %g", i, m))
			}

			if m < prev {
				errs = append(errs, fmt.Errorf("multipliers[%d]: must not be smaller than level %d's, got %g", i, i, m))
			}

			prev = m
		}
	}

	errs = append(errs, validateIntRange("budget_start_level", l.BudgetStartLevel, 1, levelCount)...)
	errs = append(errs, validateDurationNonNeg("snapshot_wait", l.SnapshotWait)...)

	return errs
}

func validateBudget(b *BudgetConfig) []error {
	if b.SessionLimit < 0 {
		return []error{fmt.Errorf("session_limit: must be >= 0, got %d", b.SessionLimit)}
	}

	return nil
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.Listen == "" {
		errs = append(errs, errors.New("listen: must not be empty"))
	}

	errs = append(errs, validateDurationMin("read_timeout", s.ReadTimeout, minServerTimeout)...)
	errs = append(errs, validateDurationMin("write_timeout", s.WriteTimeout, minServerTimeout)...)

	return errs
}

func validateCategories(cats map[string]Category) []error {
	var errs []error

	for name, cat := range cats {
		if name == "" {
			errs = append(errs, errors.New("categories: name must not be empty"))
		}

		if len(cat.Sections) > maxCategorySections {
			errs = append(errs, fmt.Errorf("categories.%s.sections: at most %d entries, got %d",
				name, maxCategorySections, len(cat.Sections)))
		}

		for i, s := range cat.Sections {
			if s == "" {
				errs = append(errs, fmt.Errorf("categories.%s.sections[%d]: must not be empty", name, i))
			}
		}
	}

	return errs
}

func validateIntRange(field string, v, lo, hi int) []error {
	if v < lo || v > hi {
		return []error{fmt.Errorf("%s: must be between %d and %d, got %d", field, lo, hi, v)}
	}

	return nil
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	return validateDurationMin(field, value, 0)
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}
