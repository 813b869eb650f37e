package sync

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	gosync "sync"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/tonimelisma/ctxsync/internal/config"
)

// editorTempSuffixes are never source documents: partial writes and editor
// swap files that appear and vanish around every save.
var editorTempSuffixes = []string{".partial", ".tmp", ".swp", ".swx", ".crdownload", "~"}

// editorTempPrefixes match lock and backup files (~file, .~lock, .#file).
var editorTempPrefixes = []string{"~", ".~", ".#"}

// FilterResult is the outcome of a filter decision with the reason for
// exclusion.
type FilterResult struct {
	Included bool
	Reason   string
}

// FilterEngine decides which paths under the source root are source
// documents. Layers are applied in order: editor temporaries, config
// patterns (skip_dotfiles, skip_dirs, skip_files, include, max_file_size),
// then per-directory ignore marker files with gitignore syntax.
type FilterEngine struct {
	cfg      config.FilterConfig
	logger   *slog.Logger
	rootDir  string
	maxBytes int64

	// markerCache stores parsed marker files per directory. A nil entry
	// means the directory was checked and has none. Protected by mu for
	// concurrent scanner access.
	markerCache map[string]*ignore.GitIgnore
	mu          gosync.RWMutex
}

// NewFilterEngine creates a filter engine for the given source root.
func NewFilterEngine(cfg *config.FilterConfig, rootDir string, logger *slog.Logger) (*FilterEngine, error) {
	logger.Info("initializing filter engine",
		slog.String("source_dir", rootDir),
		slog.Any("include", cfg.Include),
		slog.Bool("skip_dotfiles", cfg.SkipDotfiles),
		slog.Any("skip_files", cfg.SkipFiles),
		slog.Any("skip_dirs", cfg.SkipDirs),
		slog.String("max_file_size", cfg.MaxFileSize),
		slog.String("ignore_marker", cfg.IgnoreMarker),
	)

	maxBytes, err := config.ParseSize(cfg.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("sync: invalid max_file_size %q: %w", cfg.MaxFileSize, err)
	}

	return &FilterEngine{
		cfg:         *cfg,
		logger:      logger,
		rootDir:     rootDir,
		maxBytes:    maxBytes,
		markerCache: make(map[string]*ignore.GitIgnore),
	}, nil
}

// ShouldSync evaluates whether path, relative to the source root, should
// be observed. Directories are checked only against directory rules so the
// walk can descend into them.
func (f *FilterEngine) ShouldSync(path string, isDir bool, size int64) FilterResult {
	name := filepath.Base(path)

	if !isDir {
		if result := f.checkEditorTemp(name, path); !result.Included {
			return result
		}
	}

	if f.cfg.SkipDotfiles && strings.HasPrefix(name, ".") {
		f.logger.Debug("path excluded by skip_dotfiles", slog.String("path", path))
		return FilterResult{Included: false, Reason: "dotfile excluded"}
	}

	if isDir {
		if result := f.checkDirPatterns(name, path); !result.Included {
			return result
		}
	} else if result := f.checkFilePatterns(name, path, size); !result.Included {
		return result
	}

	return f.checkMarker(path, isDir)
}

// IsSkippedSymlink reports whether symlinks are excluded by configuration.
func (f *FilterEngine) IsSkippedSymlink() bool {
	return f.cfg.SkipSymlinks
}

// checkEditorTemp excludes partial writes, swap files and lock files.
func (f *FilterEngine) checkEditorTemp(name, path string) FilterResult {
	lower := strings.ToLower(name)

	for _, suffix := range editorTempSuffixes {
		if strings.HasSuffix(lower, suffix) {
			f.logger.Debug("path excluded as editor temporary", slog.String("path", path), slog.String("suffix", suffix))
			return FilterResult{Included: false, Reason: fmt.Sprintf("editor temporary: matches *%s", suffix)}
		}
	}

	for _, prefix := range editorTempPrefixes {
		if strings.HasPrefix(name, prefix) {
			f.logger.Debug("path excluded as editor temporary", slog.String("path", path), slog.String("prefix", prefix))
			return FilterResult{Included: false, Reason: fmt.Sprintf("editor temporary: matches %s*", prefix)}
		}
	}

	return FilterResult{Included: true}
}

// checkDirPatterns checks skip_dirs glob patterns against the directory basename.
func (f *FilterEngine) checkDirPatterns(name, path string) FilterResult {
	if matchesPattern(name, f.cfg.SkipDirs) {
		f.logger.Debug("path excluded by skip_dirs", slog.String("path", path))
		return FilterResult{Included: false, Reason: "matches skip_dirs pattern"}
	}

	return FilterResult{Included: true}
}

// checkFilePatterns checks skip_files, the include allowlist and the
// max_file_size threshold.
func (f *FilterEngine) checkFilePatterns(name, path string, size int64) FilterResult {
	if matchesPattern(name, f.cfg.SkipFiles) {
		f.logger.Debug("path excluded by skip_files", slog.String("path", path))
		return FilterResult{Included: false, Reason: "matches skip_files pattern"}
	}

	if !matchesPattern(name, f.cfg.Include) {
		return FilterResult{Included: false, Reason: "not matched by include"}
	}

	if f.maxBytes > 0 && size > f.maxBytes {
		f.logger.Debug("path excluded by max_file_size",
			slog.String("path", path), slog.Int64("size", size), slog.Int64("max", f.maxBytes))
		return FilterResult{Included: false, Reason: "exceeds max_file_size"}
	}

	return FilterResult{Included: true}
}

// checkMarker evaluates ignore marker file patterns from the path's
// directory.
func (f *FilterEngine) checkMarker(path string, isDir bool) FilterResult {
	if f.cfg.IgnoreMarker == "" {
		return FilterResult{Included: true}
	}

	dir := filepath.Dir(path)

	gi := f.loadMarker(dir)
	if gi == nil {
		return FilterResult{Included: true}
	}

	// Patterns are relative to the marker's directory. go-gitignore expects
	// forward slashes and uses trailing slash for dirs.
	matchPath := filepath.ToSlash(path)
	if dir != "." {
		matchPath = strings.TrimPrefix(matchPath, filepath.ToSlash(dir)+"/")
	}

	if isDir {
		matchPath += "/"
	}

	if gi.MatchesPath(matchPath) {
		f.logger.Debug("path excluded by ignore marker", slog.String("path", path), slog.String("dir", dir))
		return FilterResult{Included: false, Reason: "excluded by " + f.cfg.IgnoreMarker}
	}

	return FilterResult{Included: true}
}

// matchesPattern checks if name matches any of the given glob patterns.
// Comparison is case-insensitive. Patterns are validated at config load.
func matchesPattern(name string, patterns []string) bool {
	lowerName := strings.ToLower(name)

	for _, pattern := range patterns {
		if matched, err := filepath.Match(strings.ToLower(pattern), lowerName); err == nil && matched {
			return true
		}
	}

	return false
}

// loadMarker loads and caches the marker file for the given directory.
// Returns nil if the directory has none.
func (f *FilterEngine) loadMarker(dir string) *ignore.GitIgnore {
	f.mu.RLock()
	gi, cached := f.markerCache[dir]
	f.mu.RUnlock()

	if cached {
		return gi
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Another goroutine may have loaded it while we waited.
	if gi, cached = f.markerCache[dir]; cached {
		return gi
	}

	markerPath := filepath.Join(f.rootDir, dir, f.cfg.IgnoreMarker)

	parsed, err := ignore.CompileIgnoreFile(markerPath)
	if err != nil {
		f.markerCache[dir] = nil
		return nil
	}

	f.logger.Debug("loaded ignore marker", slog.String("dir", dir), slog.String("path", markerPath))
	f.markerCache[dir] = parsed

	return parsed
}

// forgetMarker drops the cached marker for dir so an edited marker file
// takes effect on the next check.
func (f *FilterEngine) forgetMarker(dir string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.markerCache, dir)
}

// isMarkerFile reports whether name is the configured ignore marker.
func (f *FilterEngine) isMarkerFile(name string) bool {
	return f.cfg.IgnoreMarker != "" && name == f.cfg.IgnoreMarker
}
