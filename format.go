package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tonimelisma/ctxsync/internal/sync"
)

// neverSynced is shown for documents with no successful conversion.
const neverSynced = "never"

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Statusf prints a status message to stderr unless quiet mode is set.
// Method form of statusf.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// formatSize returns a human-readable IEC size such as "1.5 KiB".
func formatSize(bytes int64) string {
	return humanize.IBytes(uint64(max(bytes, 0)))
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	now := time.Now()

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Format("Jan _2 15:04")
	}

	// Different year: show "Jan  2  2006"
	return t.Format("Jan _2  2006")
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	// Compute column widths.
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	// Print header.
	printRow(w, headers, widths)

	// Print rows.
	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.Join(parts, "  "))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

// summarizeCounts renders counts as "2 synced, 1 orphaned" in a stable
// order.
func summarizeCounts(counts map[sync.SyncStatus]int) string {
	statuses := make([]string, 0, len(counts))
	for s, n := range counts {
		if n > 0 {
			statuses = append(statuses, string(s))
		}
	}

	sort.Strings(statuses)

	out := ""
	for i, s := range statuses {
		if i > 0 {
			out += ", "
		}

		out += fmt.Sprintf("%d %s", counts[sync.SyncStatus(s)], s)
	}

	return out
}

func syncedLabel(t time.Time) string {
	if t.IsZero() {
		return neverSynced
	}

	return formatTime(t)
}
