package config

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %q)\n\n", path)

	renderSyncSection(ew, &cfg.Sync)
	renderFilterSection(ew, &cfg.Filter)
	renderCacheSection(ew, &cfg.Cache)
	renderLoaderSection(ew, &cfg.Loader)
	renderBudgetSection(ew, &cfg.Budget)
	renderLoggingSection(ew, &cfg.Logging)
	renderServerSection(ew, &cfg.Server)
	renderCategories(ew, cfg.Categories)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("[sync]\n")
	ew.printf("  source_dir           = %q\n", s.SourceDir)
	ew.printf("  state_dir            = %q\n", s.StateDir)
	ew.printf("  debounce             = %q\n", s.Debounce)
	ew.printf("  workers              = %d\n", s.Workers)
	ew.printf("  scan_workers         = %d\n", s.ScanWorkers)
	ew.printf("  queue_size           = %d\n", s.QueueSize)
	ew.printf("  read_retries         = %d\n", s.ReadRetries)
	ew.printf("  read_retry_base      = %q\n", s.ReadRetryBase)
	ew.printf("  orphan_grace         = %q\n", s.OrphanGrace)
	ew.printf("  safety_scan_interval = %q\n", s.SafetyScanInterval)
	ew.printf("  shutdown_timeout     = %q\n", s.ShutdownTimeout)
	ew.printf("\n")
}

func renderFilterSection(ew *errWriter, f *FilterConfig) {
	ew.printf("[filter]\n")
	ew.printf("  include        = [%s]\n", joinQuoted(f.Include))
	ew.printf("  skip_dotfiles  = %t\n", f.SkipDotfiles)
	ew.printf("  skip_symlinks  = %t\n", f.SkipSymlinks)
	ew.printf("  max_file_size  = %q\n", f.MaxFileSize)
	ew.printf("  ignore_marker  = %q\n", f.IgnoreMarker)

	if len(f.SkipFiles) > 0 {
		ew.printf("  skip_files     = [%s]\n", joinQuoted(f.SkipFiles))
	}

	if len(f.SkipDirs) > 0 {
		ew.printf("  skip_dirs      = [%s]\n", joinQuoted(f.SkipDirs))
	}

	ew.printf("\n")
}

func renderCacheSection(ew *errWriter, c *CacheConfig) {
	ew.printf("[cache]\n")
	ew.printf("  dir               = %q\n", c.Dir)
	ew.printf("  memory_entries    = %d\n", c.MemoryEntries)
	ew.printf("  memory_ttl        = %q\n", c.MemoryTTL)
	ew.printf("  durable_ttl       = %q\n", c.DurableTTL)
	ew.printf("  durable_max_bytes = %q\n", c.DurableMaxBytes)
	ew.printf("  compression       = %q\n", c.Compression)
	ew.printf("\n")
}

func renderLoaderSection(ew *errWriter, l *LoaderConfig) {
	parts := make([]string, len(l.Multipliers))
	for i, m := range l.Multipliers {
		parts[i] = fmt.Sprintf("%g", m)
	}

	ew.printf("[loader]\n")
	ew.printf("  multipliers        = [%s]\n", strings.Join(parts, ", "))
	ew.printf("  budget_start_level = %d\n", l.BudgetStartLevel)
	ew.printf("  snapshot_wait      = %q\n", l.SnapshotWait)
	ew.printf("\n")
}

func renderBudgetSection(ew *errWriter, b *BudgetConfig) {
	ew.printf("[budget]\n")
	ew.printf("  session_limit = %d\n", b.SessionLimit)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", l.LogLevel)

	if l.LogFile != "" {
		ew.printf("  log_file   = %q\n", l.LogFile)
	}

	ew.printf("  log_format = %q\n", l.LogFormat)
	ew.printf("\n")
}

func renderServerSection(ew *errWriter, s *ServerConfig) {
	ew.printf("[server]\n")
	ew.printf("  listen        = %q\n", s.Listen)
	ew.printf("  read_timeout  = %q\n", s.ReadTimeout)
	ew.printf("  write_timeout = %q\n", s.WriteTimeout)
}

// renderCategories prints categories in name order so the output is stable.
func renderCategories(ew *errWriter, cats map[string]Category) {
	names := make([]string, 0, len(cats))
	for name := range cats {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		cat := cats[name]

		ew.printf("\n[categories.%s]\n", name)

		if cat.Description != "" {
			ew.printf("  description = %q\n", cat.Description)
		}

		ew.printf("  sections    = [%s]\n", joinQuoted(cat.Sections))
	}
}

// joinQuoted formats a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}

	return strings.Join(quoted, ", ")
}
