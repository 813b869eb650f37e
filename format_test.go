package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/ctxsync/internal/sync"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		name  string
		bytes int64
		want  string
	}{
		{"zero", 0, "0 B"},
		{"bytes", 512, "512 B"},
		{"kibibytes", 1536, "1.5 KiB"},
		{"mebibytes", 5242880, "5.0 MiB"},
		{"tens of mebibytes", 12 * 1024 * 1024, "12 MiB"},
		{"gibibytes", 1610612736, "1.5 GiB"},
		{"tebibytes", 1099511627776, "1.0 TiB"},
		{"negative clamps", -1, "0 B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSize(tt.bytes))
		})
	}
}

func TestFormatTime(t *testing.T) {
	now := time.Now()
	sameYear := time.Date(now.Year(), time.March, 15, 10, 30, 0, 0, time.UTC)
	diffYear := time.Date(2020, time.December, 25, 8, 0, 0, 0, time.UTC)

	t.Run("same year", func(t *testing.T) {
		result := formatTime(sameYear)
		assert.Contains(t, result, "Mar")
		assert.Contains(t, result, "15")
		assert.Contains(t, result, "10:30")
	})

	t.Run("different year", func(t *testing.T) {
		result := formatTime(diffYear)
		assert.Contains(t, result, "Dec")
		assert.Contains(t, result, "25")
		assert.Contains(t, result, "2020")
	})
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	headers := []string{"DOCUMENT", "STATUS", "LAST SYNCED"}
	rows := [][]string{
		{"plans/roadmap", "synced", "Jan 15 10:30"},
		{"research/competitors", "outdated", "Feb  1 09:00"},
	}

	printTable(&buf, headers, rows)
	output := buf.String()

	assert.Contains(t, output, "DOCUMENT")
	assert.Contains(t, output, "LAST SYNCED")
	assert.Contains(t, output, "plans/roadmap")
	assert.Contains(t, output, "research/competitors")
}

func TestPrintTable_AlignsColumns(t *testing.T) {
	var buf bytes.Buffer

	printTable(&buf, []string{"DOCUMENT", "STATUS"}, [][]string{
		{"a", "synced"},
		{"research/competitors", "error"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)

	col := strings.Index(lines[0], "STATUS")
	assert.Equal(t, col, strings.Index(lines[1], "synced"))
	assert.Equal(t, col, strings.Index(lines[2], "error"))
}

func TestSummarizeCounts(t *testing.T) {
	tests := []struct {
		name   string
		counts map[sync.SyncStatus]int
		want   string
	}{
		{"empty", nil, ""},
		{"one", map[sync.SyncStatus]int{sync.StatusSynced: 3}, "3 synced"},
		{
			"sorted and zero skipped",
			map[sync.SyncStatus]int{sync.StatusSynced: 2, sync.StatusOrphaned: 1, sync.StatusError: 0},
			"1 orphaned, 2 synced",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, summarizeCounts(tt.counts))
		})
	}
}

func TestSyncedLabel(t *testing.T) {
	assert.Equal(t, neverSynced, syncedLabel(time.Time{}))
	assert.Contains(t, syncedLabel(time.Date(2020, time.June, 3, 0, 0, 0, 0, time.UTC)), "2020")
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, printJSON(&buf, map[string]int{"synced": 2}))
	assert.Equal(t, "{\n  \"synced\": 2\n}\n", buf.String())

	assert.Error(t, printJSON(&buf, func() {}))
}
