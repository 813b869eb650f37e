package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"0", 0},
		{"512", 512},
		{"10B", 10},
		{"1KB", 1000},
		{"1KiB", 1024},
		{"64MiB", 64 * 1024 * 1024},
		{"1.5GB", 1_500_000_000},
		{" 2 mib ", 2 * 1024 * 1024},
		{"1,024 KiB", 1024 * 1024},
		{"8k", 8000},
	}

	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseSize_Invalid(t *testing.T) {
	for _, in := range []string{"abc", "-5", "-1MB", "MB", "5 parsecs", "99999999EiB"} {
		_, err := ParseSize(in)
		assert.Error(t, err, in)
	}
}
