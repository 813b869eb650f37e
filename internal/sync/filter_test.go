package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/ctxsync/internal/config"
)

func TestShouldSync_ConfigPatterns(t *testing.T) {
	t.Parallel()

	fe := newTestFilter(t, t.TempDir())

	tests := []struct {
		name   string
		path   string
		isDir  bool
		size   int64
		wanted bool
	}{
		{"markdown included", "notes/plan.md", false, 10, true},
		{"markdown long extension", "notes/plan.markdown", false, 10, true},
		{"text included", "readme.txt", false, 10, true},
		{"uppercase extension", "README.MD", false, 10, true},
		{"not in include", "image.png", false, 10, false},
		{"dotfile", ".hidden.md", false, 10, false},
		{"dot directory", ".obsidian", true, 0, false},
		{"skip dir", "node_modules", true, 0, false},
		{"nested skip dir", "a/b/.git", true, 0, false},
		{"plain dir", "research", true, 0, true},
		{"editor swap", "notes/.plan.md.swp", false, 10, false},
		{"editor backup", "plan.md~", false, 10, false},
		{"emacs lock", ".#plan.md", false, 10, false},
		{"office lock", "~$plan.md", false, 10, false},
		{"partial download", "plan.md.partial", false, 10, false},
		{"oversized", "big.md", false, 17 << 20, false},
		{"at limit", "big.md", false, 16 << 20, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := fe.ShouldSync(tt.path, tt.isDir, tt.size)
			assert.Equal(t, tt.wanted, got.Included, "reason: %s", got.Reason)

			if !tt.wanted {
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}

func TestShouldSync_SkipFiles(t *testing.T) {
	t.Parallel()

	cfg := testFilterConfig()
	cfg.SkipFiles = []string{"draft-*"}

	fe, err := NewFilterEngine(&cfg, t.TempDir(), testLogger(t))
	require.NoError(t, err)

	assert.False(t, fe.ShouldSync("notes/draft-1.md", false, 1).Included)
	assert.True(t, fe.ShouldSync("notes/final.md", false, 1).Included)
}

func TestShouldSync_DotfilesAllowed(t *testing.T) {
	t.Parallel()

	cfg := testFilterConfig()
	cfg.SkipDotfiles = false

	fe, err := NewFilterEngine(&cfg, t.TempDir(), testLogger(t))
	require.NoError(t, err)

	assert.True(t, fe.ShouldSync(".plans/q3.md", false, 1).Included)
	assert.True(t, fe.ShouldSync(".plans", true, 0).Included)
	// Editor temporaries stay excluded regardless.
	assert.False(t, fe.ShouldSync(".#q3.md", false, 1).Included)
}

func TestShouldSync_IgnoreMarker(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestFile(t, root, ".ctxignore", "archive/\nscratch.md\n")
	writeTestFile(t, root, "research/.ctxignore", "old-*.md\n")

	fe := newTestFilter(t, root)

	assert.False(t, fe.ShouldSync("archive", true, 0).Included)
	assert.False(t, fe.ShouldSync("scratch.md", false, 1).Included)
	assert.True(t, fe.ShouldSync("keep.md", false, 1).Included)
	assert.False(t, fe.ShouldSync("research/old-notes.md", false, 1).Included)
	assert.True(t, fe.ShouldSync("research/new-notes.md", false, 1).Included)

	// Markers apply to their own directory only.
	assert.True(t, fe.ShouldSync("old-root.md", false, 1).Included)
}

func TestShouldSync_ForgetMarkerReloads(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fe := newTestFilter(t, root)

	require.True(t, fe.ShouldSync("later.md", false, 1).Included)

	writeTestFile(t, root, ".ctxignore", "later.md\n")

	// Cached negative lookup until forgotten.
	assert.True(t, fe.ShouldSync("later.md", false, 1).Included)

	fe.forgetMarker(".")
	assert.False(t, fe.ShouldSync("later.md", false, 1).Included)
}

func TestNewFilterEngine_InvalidSize(t *testing.T) {
	t.Parallel()

	cfg := testFilterConfig()
	cfg.MaxFileSize = "lots"

	_, err := NewFilterEngine(&cfg, t.TempDir(), testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_file_size")
}

func TestFilterEngine_MarkerDisabled(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestFile(t, root, ".ctxignore", "*.md\n")

	cfg := config.FilterConfig{Include: []string{"*.md"}, MaxFileSize: "0"}

	fe, err := NewFilterEngine(&cfg, root, testLogger(t))
	require.NoError(t, err)

	assert.True(t, fe.ShouldSync("doc.md", false, 1<<40).Included)
	assert.False(t, fe.isMarkerFile(".ctxignore"))
}

func TestDocIDForPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{"research/competitors.md", "research/competitors"},
		{"plan.txt", "plan"},
		{"a/b/c.markdown", "a/b/c"},
		{"no-extension", "no-extension"},
		{"v1.2/notes.md", "v1.2/notes"},
		// Decomposed e + combining acute normalizes to the precomposed form.
		{"café.md", "café"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DocIDForPath(tt.path), tt.path)
	}
}

func TestNormalizeDocID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "research/competitors", NormalizeDocID(" /research//competitors/ "))
	assert.Equal(t, "a/c", NormalizeDocID("a/b/../c"))
	assert.Equal(t, "plan", NormalizeDocID("../../plan"))
	assert.Equal(t, "", NormalizeDocID(""))
}
