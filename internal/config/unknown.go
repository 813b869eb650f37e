package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// categoriesTable is the table whose sub-tables are user-named categories.
const categoriesTable = "categories"

// knownKeys maps each table name to the keys valid inside it.
var knownKeys = map[string]map[string]bool{
	"sync": {
		"source_dir": true, "state_dir": true, "debounce": true, "workers": true,
		"scan_workers": true, "queue_size": true, "read_retries": true, "read_retry_base": true,
		"orphan_grace": true, "safety_scan_interval": true, "shutdown_timeout": true,
	},
	"filter": {
		"include": true, "skip_files": true, "skip_dirs": true, "skip_dotfiles": true,
		"skip_symlinks": true, "max_file_size": true, "ignore_marker": true,
	},
	"cache": {
		"dir": true, "memory_entries": true, "memory_ttl": true, "durable_ttl": true,
		"durable_max_bytes": true, "compression": true,
	},
	"loader":  {"multipliers": true, "budget_start_level": true, "snapshot_wait": true},
	"budget":  {"session_limit": true},
	"logging": {"log_level": true, "log_file": true, "log_format": true},
	"server":  {"listen": true, "read_timeout": true, "write_timeout": true},
}

// knownCategoryKeys are the valid keys inside a [categories.<name>] table.
var knownCategoryKeys = map[string]bool{"description": true, "sections": true}

// knownTablesList is the sorted list of table names for Levenshtein
// matching. Sorted for deterministic suggestions.
var knownTablesList = func() []string {
	keys := make([]string, 0, len(knownKeys)+1)
	for k := range knownKeys {
		keys = append(keys, k)
	}

	keys = append(keys, categoriesTable)
	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		if err := buildKeyError(key); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// buildKeyError creates a descriptive error for an undecoded key,
// suggesting the closest known key in the same table.
func buildKeyError(key toml.Key) error {
	if len(key) == 0 {
		return nil
	}

	table := key[0]

	if table == categoriesTable {
		// categories.<name>.<field>
		if len(key) < 3 {
			return nil
		}

		return unknownKeyError(key[2], categoriesTable+"."+key[1], sortedKeys(knownCategoryKeys))
	}

	fields, ok := knownKeys[table]
	if !ok {
		// Report an unknown table once, not once per key inside it.
		if len(key) > 1 {
			return nil
		}

		return unknownKeyError(table, "", knownTablesList)
	}

	if len(key) < 2 {
		return nil
	}

	return unknownKeyError(key[1], table, sortedKeys(fields))
}

func unknownKeyError(name, table string, known []string) error {
	where := ""
	if table != "" {
		where = fmt.Sprintf(" in [%s]", table)
	}

	if suggestion := closestMatch(name, known); suggestion != "" {
		return fmt.Errorf("unknown config key %q%s, did you mean %q?", name, where, suggestion)
	}

	return fmt.Errorf("unknown config key %q%s", name, where)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(strings.ToLower(unknown), k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
